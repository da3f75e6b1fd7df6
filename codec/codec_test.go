package codec

import (
	"testing"

	"wirebus/protocol"
)

type addArgs struct {
	A, B int
}

func TestJSONCodecRoundTrip(t *testing.T) {
	jsonCodec := &JSONCodec{}

	original := addArgs{A: 1, B: 2}
	data, err := jsonCodec.Encode(&original)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	var decoded addArgs
	if err := jsonCodec.Decode(data, &decoded); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}
	if decoded != original {
		t.Errorf("mismatch: got %+v, want %+v", decoded, original)
	}
	if jsonCodec.Type() != protocol.CodecTypeJSON {
		t.Errorf("Type() = %v, want CodecTypeJSON", jsonCodec.Type())
	}
}

func TestBinaryCodecRoundTrip(t *testing.T) {
	binaryCodec := &BinaryCodec{}

	original := addArgs{A: 3, B: 4}
	data, err := binaryCodec.Encode(&original)
	if err != nil {
		t.Fatalf("BinaryCodec Encode failed: %v", err)
	}

	var decoded addArgs
	if err := binaryCodec.Decode(data, &decoded); err != nil {
		t.Fatalf("BinaryCodec Decode failed: %v", err)
	}
	if decoded != original {
		t.Errorf("mismatch: got %+v, want %+v", decoded, original)
	}
	if binaryCodec.Type() != protocol.CodecTypeBinary {
		t.Errorf("Type() = %v, want CodecTypeBinary", binaryCodec.Type())
	}
}

func TestGetCodec(t *testing.T) {
	if _, ok := GetCodec(protocol.CodecTypeJSON).(*JSONCodec); !ok {
		t.Errorf("GetCodec(CodecTypeJSON) did not return *JSONCodec")
	}
	if _, ok := GetCodec(protocol.CodecTypeBinary).(*BinaryCodec); !ok {
		t.Errorf("GetCodec(CodecTypeBinary) did not return *BinaryCodec")
	}
}
