package dist

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	dm, err := cbor.DecOptions{MaxNestedLevels: 64}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// MarshalEnvelope serializes an Envelope to CBOR bytes.
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	return cborEncMode.Marshal(e)
}

// UnmarshalEnvelope deserializes an Envelope from CBOR bytes.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := cborDecMode.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("dist: unmarshal envelope: %w", err)
	}
	return &e, nil
}

// MarshalValue serializes a Value to CBOR bytes.
func MarshalValue(v Value) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

// UnmarshalValue deserializes a Value from CBOR bytes.
func UnmarshalValue(data []byte) (Value, error) {
	var v Value
	if err := cborDecMode.Unmarshal(data, &v); err != nil {
		return Value{}, fmt.Errorf("dist: unmarshal value: %w", err)
	}
	return v, nil
}
