package dist

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/xvm/vm"
)

// KindResponse marks envelopes that carry a response rather than a request.
const KindResponse = "response"

// Envelope is the wire record of one request or response crossing a service
// boundary.
type Envelope struct {
	ID          uuid.UUID `cbor:"1,keyasint"`
	Kind        string    `cbor:"2,keyasint"`
	Service     string    `cbor:"3,keyasint"`
	CallerFiber int64     `cbor:"4,keyasint,omitempty"`
	CallerPC    int       `cbor:"5,keyasint,omitempty"`
	Property    string    `cbor:"6,keyasint,omitempty"`
	Method      string    `cbor:"7,keyasint,omitempty"`
	Args        []Value   `cbor:"8,keyasint,omitempty"`
	Returns     int       `cbor:"9,keyasint,omitempty"`
	Result      []Value   `cbor:"10,keyasint,omitempty"`
	Error       *Value    `cbor:"11,keyasint,omitempty"`
	Time        time.Time `cbor:"12,keyasint"`
}

// RequestEnvelope records req as queued on sc. Values without a wire form
// are recorded as a description.
func RequestEnvelope(sc *vm.ServiceContext, req vm.Request) *Envelope {
	msg := req.Header()
	env := &Envelope{
		ID:       msg.ID,
		Kind:     msg.Kind.String(),
		Service:  sc.Name,
		CallerPC: msg.CallerPC,
		Args:     describeAll(msg.Args),
		Returns:  msg.Returns,
		Time:     msg.Sent,
	}
	if msg.CallerFiber != nil {
		env.CallerFiber = msg.CallerFiber.ID
	}
	if p, ok := req.(*vm.PropertyRequest); ok {
		env.Property = p.Property
	} else {
		env.Method = msg.Operation
	}
	return env
}

// ResponseEnvelope records resp as sent by sc.
func ResponseEnvelope(sc *vm.ServiceContext, resp *vm.Response) *Envelope {
	env := &Envelope{
		ID:      resp.ID,
		Kind:    KindResponse,
		Service: sc.Name,
		Result:  describeAll(resp.Values()),
		Time:    time.Now(),
	}
	if f := resp.CallerFiber(); f != nil {
		env.CallerFiber = f.ID
	}
	if ex := resp.Exception(); ex != nil {
		v := describe(ex)
		env.Error = &v
	}
	return env
}

func describe(h vm.ObjectHandle) Value {
	v, err := FromHandle(h)
	if err != nil {
		return String(fmt.Sprintf("<%s>", h.Type()))
	}
	return v
}

func describeAll(hs []vm.ObjectHandle) []Value {
	if len(hs) == 0 {
		return nil
	}
	out := make([]Value, len(hs))
	for i, h := range hs {
		out[i] = describe(h)
	}
	return out
}
