package server

import (
	"context"
	"strings"

	"connectrpc.com/connect"

	"github.com/chazu/xvm/vm/dist"
)

// Client calls a remote HostServer.
type Client struct {
	invoke   *connect.Client[InvokeRequest, InvokeResponse]
	status   *connect.Client[StatusRequest, StatusResponse]
	services *connect.Client[ServicesRequest, ServicesResponse]
}

// NewClient creates a client for the server at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	codec := connect.WithCodec(dist.Codec{})
	return &Client{
		invoke:   connect.NewClient[InvokeRequest, InvokeResponse](httpClient, baseURL+InvokeProcedure, codec),
		status:   connect.NewClient[StatusRequest, StatusResponse](httpClient, baseURL+StatusProcedure, codec),
		services: connect.NewClient[ServicesRequest, ServicesResponse](httpClient, baseURL+ServicesProcedure, codec),
	}
}

// Invoke calls method of service. A language exception is returned in the
// response's Error field.
func (c *Client) Invoke(ctx context.Context, service, method string, args ...dist.Value) (*InvokeResponse, error) {
	resp, err := c.invoke.CallUnary(ctx, connect.NewRequest(&InvokeRequest{
		Service: service,
		Method:  method,
		Args:    args,
	}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Status returns the status of service, or of all services when it is empty.
func (c *Client) Status(ctx context.Context, service string) (*StatusResponse, error) {
	resp, err := c.status.CallUnary(ctx, connect.NewRequest(&StatusRequest{Service: service}))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Services returns the names of all services.
func (c *Client) Services(ctx context.Context) ([]string, error) {
	resp, err := c.services.CallUnary(ctx, connect.NewRequest(&ServicesRequest{}))
	if err != nil {
		return nil, err
	}
	return resp.Msg.Names, nil
}
