package dist

import (
	"fmt"

	"connectrpc.com/connect"
)

// CodecName is the content subtype of the CBOR codec.
const CodecName = "cbor"

// Codec encodes RPC messages as canonical CBOR. It lets connect handlers
// and clients exchange plain Go structs without generated protobuf code.
type Codec struct{}

var _ connect.Codec = Codec{}

// Name implements connect.Codec.
func (Codec) Name() string { return CodecName }

// Marshal implements connect.Codec.
func (Codec) Marshal(msg any) ([]byte, error) {
	data, err := cborEncMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("dist: marshal %T: %w", msg, err)
	}
	return data, nil
}

// Unmarshal implements connect.Codec.
func (Codec) Unmarshal(data []byte, msg any) error {
	if err := cborDecMode.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("dist: unmarshal %T: %w", msg, err)
	}
	return nil
}
