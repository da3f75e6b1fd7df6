// Package codec provides the serialization layer wirebus treats as an
// external, black-box collaborator: serialize(v)→bytes / deserialize(bytes)→v.
// The core (protocol, router, session) never inspects these bytes; it only
// carries a protocol.CodecType tag in the frame header so the receiver picks
// the matching implementation.
//
// Two implementations ship here:
//   - JSONCodec:   human-readable, easy to debug (encoding/json)
//   - BinaryCodec: compact, for values the caller doesn't need to eyeball
//     on the wire (encoding/gob — see DESIGN.md for why no third-party
//     generic binary codec fits here)
package codec

import "wirebus/protocol"

// Codec is the interface for serialization/deserialization.
// Implementing this interface allows adding new formats (e.g., Protobuf)
// without changing any other layer — this is the Strategy Pattern.
type Codec interface {
	Encode(v any) ([]byte, error)    // Serialize a value to bytes
	Decode(data []byte, v any) error // Deserialize bytes back into v
	Type() protocol.CodecType        // Identifier stored in the frame header
}

// GetCodec is a factory function that returns the appropriate codec by type.
func GetCodec(codecType protocol.CodecType) Codec {
	if codecType == protocol.CodecTypeBinary {
		return &BinaryCodec{}
	}
	return &JSONCodec{}
}
