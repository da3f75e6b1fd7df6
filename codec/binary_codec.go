package codec

import (
	"bytes"
	"encoding/gob"

	"wirebus/protocol"
)

// BinaryCodec implements a compact binary serialization for arbitrary
// argument/reply values using encoding/gob.
//
// The pack's other binary formats are all schema-driven (protobuf needs
// .proto-generated types, msgp needs go:generate'd marshalers) and don't fit
// a handler whose Args/Reply type is supplied by the embedder at bind time
// with no code-generation step — see DESIGN.md. gob is the one stdlib
// serializer that can round-trip an arbitrary registered struct without
// that step, so it is the deliberate choice here rather than a fallback.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (c *BinaryCodec) Type() protocol.CodecType {
	return protocol.CodecTypeBinary
}
