package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	header := RequestHeader{
		CodecType:   CodecTypeJSON,
		Mode:        ModeSerialize,
		Kind:        KindRPC,
		Seq:         12345,
		ProtocolLen: 4,
		BodyLen:     11,
	}
	var buf bytes.Buffer
	if err := EncodeRequest(&buf, &header, "echo", []byte("hello world")); err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}

	gotHeader, name, body, err := DecodeRequest(&buf)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if name != "echo" {
		t.Errorf("protocol name mismatch: got %q", name)
	}
	if !bytes.Equal(body, []byte("hello world")) {
		t.Errorf("body mismatch: got %q", body)
	}
	if gotHeader.Seq != header.Seq || gotHeader.Mode != header.Mode || gotHeader.Kind != header.Kind {
		t.Errorf("header mismatch: got %+v, want %+v", gotHeader, header)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	header := ResponseHeader{CodecType: CodecTypeBinary, Seq: 7, BodyLen: 5}
	if err := EncodeResponse(&buf, &header, []byte("world")); err != nil {
		t.Fatalf("EncodeResponse failed: %v", err)
	}
	got, body, err := DecodeResponse(&buf)
	if err != nil {
		t.Fatalf("DecodeResponse failed: %v", err)
	}
	if got.Seq != 7 || !bytes.Equal(body, []byte("world")) {
		t.Errorf("response mismatch: header=%+v body=%q", got, body)
	}
}

func TestPushRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	header := PushHeader{CodecType: CodecTypeJSON, Mode: ModeNonSerialize}
	if err := EncodePush(&buf, &header, "weather", []byte("good")); err != nil {
		t.Fatalf("EncodePush failed: %v", err)
	}
	got, topic, body, err := DecodePush(&buf)
	if err != nil {
		t.Fatalf("DecodePush failed: %v", err)
	}
	if topic != "weather" || !bytes.Equal(body, []byte("good")) || got.Mode != ModeNonSerialize {
		t.Errorf("push mismatch: header=%+v topic=%q body=%q", got, topic, body)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeRequest(&buf, &RequestHeader{Kind: KindRPC}, "p", []byte("x")); err != nil {
		t.Fatalf("setup: %v", err)
	}
	corrupted := buf.Bytes()
	corrupted[0] = 0x00
	_, _, _, err := DecodeRequest(bytes.NewReader(corrupted))
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FramingError, got %v", err)
	}
}

func TestDecodeRejectsEmptyFrame(t *testing.T) {
	var buf bytes.Buffer
	// A request whose protocol_len+body_len == 0 must be rejected without
	// ever reading the (non-existent) tail.
	if err := writeVectored(&buf, func() []byte {
		b := make([]byte, RequestHeaderSize)
		writePreamble(b, FrameTypeRequest, CodecTypeJSON)
		b[preambleLen] = byte(ModeSerialize)
		b[preambleLen+1] = byte(KindRPC)
		return b
	}()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, _, _, err := DecodeRequest(&buf)
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FramingError for empty frame, got %v", err)
	}
}

func TestEncodeRejectsOversizedFrame(t *testing.T) {
	huge := make([]byte, MaxBufferLen+1)
	var buf bytes.Buffer
	err := EncodeRequest(&buf, &RequestHeader{Kind: KindRPC}, "big", huge)
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected EncodeRequest to reject oversized frame before writing, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("no bytes should have been written for a rejected oversized frame, wrote %d", buf.Len())
	}
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}
	var buf bytes.Buffer
	header := RequestHeader{CodecType: CodecTypeBinary, Kind: KindRPC, Seq: 999}
	if err := EncodeRequest(&buf, &header, "blob", largeBody); err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}
	_, _, body, err := DecodeRequest(&buf)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if !bytes.Equal(body, largeBody) {
		t.Errorf("large body mismatch")
	}
}

func TestDecodeServerFrameDistinguishesResponseAndPush(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeResponse(&buf, &ResponseHeader{CodecType: CodecTypeJSON, Seq: 42}, []byte("r")); err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	if err := EncodePush(&buf, &PushHeader{CodecType: CodecTypeJSON, Mode: ModeSerialize}, "topic", []byte("p")); err != nil {
		t.Fatalf("EncodePush: %v", err)
	}

	first, err := DecodeServerFrame(&buf)
	if err != nil {
		t.Fatalf("DecodeServerFrame (response): %v", err)
	}
	if first.Type != FrameTypeResponse || first.Seq != 42 || string(first.Body) != "r" {
		t.Errorf("unexpected response frame: %+v", first)
	}

	second, err := DecodeServerFrame(&buf)
	if err != nil {
		t.Fatalf("DecodeServerFrame (push): %v", err)
	}
	if second.Type != FrameTypePush || second.Topic != "topic" || string(second.Body) != "p" {
		t.Errorf("unexpected push frame: %+v", second)
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeRequest(&buf, &RequestHeader{Kind: KindRPC}, "p", []byte("x")); err != nil {
		t.Fatalf("setup: %v", err)
	}
	corrupted := buf.Bytes()
	corrupted[3] = 0xFF
	_, _, _, err := DecodeRequest(bytes.NewReader(corrupted))
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FramingError for bad version, got %v", err)
	}
}
