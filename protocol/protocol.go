// Package protocol implements the framed wire protocol for wirebus.
//
// It solves TCP's sticky packet problem with a fixed-size header carrying
// enough length information for the reader to know exactly how many body
// bytes follow. Three frame families
// share one magic+version+frameType+codec preamble:
//
//	Request : magic(3) version(1) type(1) codec(1) mode(1) kind(1) seq(4) protoLen(4) bodyLen(4) | protocol | body
//	Response: magic(3) version(1) type(1) codec(1) seq(4) bodyLen(4)                              | body
//	Push    : magic(3) version(1) type(1) codec(1) mode(1) protoLen(4) bodyLen(4)                 | topic | body
//
// The type byte exists because, unlike Request frames (always client to
// server), Response and Push frames both travel server to client on the
// same socket interleaved in arbitrary order — a session's receive loop
// has to know which shape follows the preamble before it can read the
// rest of the header. Seq additionally lets a response be correlated back
// to the request that produced it (async RPC correlation) even though
// several requests from one connection may be dispatched and answered out
// of order.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Magic number bytes identify a wirebus frame and reject stray traffic
// (e.g. an HTTP client hitting the wrong port) early, before any length is
// trusted.
const (
	MagicByte1 byte = 0x77 // 'w'
	MagicByte2 byte = 0x62 // 'b'
	MagicByte3 byte = 0x75 // 'u'
	Version    byte = 0x01

	preambleLen = 6 // magic(3) + version(1) + type(1) + codec(1)

	RequestHeaderSize  = preambleLen + 1 + 1 + 4 + 4 + 4 // + mode + kind + seq + protoLen + bodyLen
	ResponseHeaderSize = preambleLen + 4 + 4             // + seq + bodyLen
	PushHeaderSize     = preambleLen + 1 + 4 + 4         // + mode + protoLen + bodyLen

	// MaxBufferLen bounds protoLen+bodyLen on every frame family. Exceeding
	// it is a protocol error: the decoder refuses to read the tail and the
	// caller disconnects the peer.
	MaxBufferLen = 8 * 1024 * 1024

	// HeartbeatProtocolName is the reserved protocol name a subscriber
	// client sends a subscriber-kind frame under to signal liveness rather
	// than subscribe to or cancel a real topic.
	HeartbeatProtocolName = "__heartbeats__"
)

// SubscribeBody and UnsubscribeBody are the literal subscriber-kind frame
// bodies that mean "subscribe" and "cancel" respectively. Any other body
// on a subscriber-kind frame whose protocol name isn't
// HeartbeatProtocolName is not a recognized control message.
var (
	SubscribeBody   = []byte("1")
	UnsubscribeBody = []byte("0")
)

// FrameType distinguishes the three frame families sharing one preamble.
type FrameType byte

const (
	FrameTypeRequest  FrameType = 0
	FrameTypeResponse FrameType = 1
	FrameTypePush     FrameType = 2
)

// Mode selects typed (serialized) vs raw dispatch on the receiving side.
type Mode byte

const (
	ModeSerialize    Mode = 0
	ModeNonSerialize Mode = 1
)

// Kind selects which of the three interaction patterns a request frame
// carries.
type Kind byte

const (
	KindRPC        Kind = 0
	KindPublisher  Kind = 1
	KindSubscriber Kind = 2
)

// CodecType identifies which codec.Codec implementation serialized the
// body, independent of Mode (Mode picks typed-vs-raw; CodecType picks which
// serializer a typed dispatch uses).
type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

// FramingError reports a malformed frame header. Callers must disconnect
// the peer on a FramingError rather than attempt to resync mid-stream.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "protocol: framing error: " + e.Reason }

func framingErrorf(format string, args ...any) error {
	return &FramingError{Reason: fmt.Sprintf(format, args...)}
}

// RequestHeader is the client→server frame header.
type RequestHeader struct {
	CodecType   CodecType
	Mode        Mode
	Kind        Kind
	Seq         uint32
	ProtocolLen uint32
	BodyLen     uint32
}

// ResponseHeader is the server→client RPC reply header.
type ResponseHeader struct {
	CodecType CodecType
	Seq       uint32
	BodyLen   uint32
}

// PushHeader is the server→subscriber push header. ProtocolLen here measures
// the topic name, which occupies the same wire position a protocol name
// would in a request frame.
type PushHeader struct {
	CodecType   CodecType
	Mode        Mode
	ProtocolLen uint32
	BodyLen     uint32
}

// ServerFrame is either a decoded Response or a decoded Push, returned by
// DecodeServerFrame so a client session's single receive loop can tell
// them apart without knowing in advance which is coming next.
type ServerFrame struct {
	Type      FrameType
	CodecType CodecType
	Seq       uint32 // set when Type == FrameTypeResponse
	Topic     string // set when Type == FrameTypePush
	Mode      Mode   // set when Type == FrameTypePush
	Body      []byte
}

func writePreamble(buf []byte, frameType FrameType, codecType CodecType) {
	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = MagicByte3
	buf[3] = Version
	buf[4] = byte(frameType)
	buf[5] = byte(codecType)
}

func checkPreamble(buf []byte, want FrameType) (CodecType, error) {
	if buf[0] != MagicByte1 || buf[1] != MagicByte2 || buf[2] != MagicByte3 {
		return 0, framingErrorf("invalid magic number: %x", buf[0:3])
	}
	if buf[3] != Version {
		return 0, framingErrorf("unsupported version: %d", buf[3])
	}
	if FrameType(buf[4]) != want {
		return 0, framingErrorf("unexpected frame type: got %d, want %d", buf[4], want)
	}
	ct := CodecType(buf[5])
	if ct != CodecTypeJSON && ct != CodecTypeBinary {
		return 0, framingErrorf("unsupported codec type: %d", buf[5])
	}
	return ct, nil
}

func checkLen(protoLen, bodyLen uint32) error {
	total := uint64(protoLen) + uint64(bodyLen)
	if total == 0 {
		return framingErrorf("empty frame")
	}
	if total > MaxBufferLen {
		return framingErrorf("protocol_len+body_len %d exceeds max_buffer_len", total)
	}
	return nil
}

func writeVectored(w io.Writer, bufs ...[]byte) error {
	nb := make(net.Buffers, len(bufs))
	copy(nb, bufs)
	_, err := nb.WriteTo(w)
	return err
}

// EncodeRequest writes a complete request frame to w.
func EncodeRequest(w io.Writer, h *RequestHeader, protocolName string, body []byte) error {
	if err := checkLen(uint32(len(protocolName)), uint32(len(body))); err != nil {
		return err
	}
	buf := make([]byte, RequestHeaderSize)
	writePreamble(buf, FrameTypeRequest, h.CodecType)
	off := preambleLen
	buf[off] = byte(h.Mode)
	off++
	buf[off] = byte(h.Kind)
	off++
	binary.BigEndian.PutUint32(buf[off:], h.Seq)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(protocolName)))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(body)))

	return writeVectored(w, buf, []byte(protocolName), body)
}

// DecodeRequestHeader reads and validates just the fixed-size request
// header, letting the caller read protocol+body as a second stage (so the
// transport can schedule exactly-sized reads).
func DecodeRequestHeader(r io.Reader) (*RequestHeader, error) {
	buf := make([]byte, RequestHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	ct, err := checkPreamble(buf, FrameTypeRequest)
	if err != nil {
		return nil, err
	}
	off := preambleLen
	mode := Mode(buf[off])
	off++
	kind := Kind(buf[off])
	off++
	seq := binary.BigEndian.Uint32(buf[off:])
	off += 4
	protoLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	bodyLen := binary.BigEndian.Uint32(buf[off:])

	if mode != ModeSerialize && mode != ModeNonSerialize {
		return nil, framingErrorf("unsupported mode: %d", mode)
	}
	if kind != KindRPC && kind != KindPublisher && kind != KindSubscriber {
		return nil, framingErrorf("unsupported kind: %d", kind)
	}
	if err := checkLen(protoLen, bodyLen); err != nil {
		return nil, err
	}
	return &RequestHeader{
		CodecType:   ct,
		Mode:        mode,
		Kind:        kind,
		Seq:         seq,
		ProtocolLen: protoLen,
		BodyLen:     bodyLen,
	}, nil
}

// ReadProtocolAndBody reads exactly ProtocolLen+BodyLen bytes and splits
// them into the protocol name and the body.
func ReadProtocolAndBody(r io.Reader, h *RequestHeader) (protocolName string, body []byte, err error) {
	buf := make([]byte, h.ProtocolLen+h.BodyLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", nil, err
	}
	return string(buf[:h.ProtocolLen]), buf[h.ProtocolLen:], nil
}

// DecodeRequest reads a complete request frame in one call (header + tail).
func DecodeRequest(r io.Reader) (*RequestHeader, string, []byte, error) {
	h, err := DecodeRequestHeader(r)
	if err != nil {
		return nil, "", nil, err
	}
	name, body, err := ReadProtocolAndBody(r, h)
	if err != nil {
		return nil, "", nil, err
	}
	return h, name, body, nil
}

// EncodeResponse writes a complete response frame to w.
func EncodeResponse(w io.Writer, h *ResponseHeader, body []byte) error {
	if uint64(len(body)) > MaxBufferLen {
		return framingErrorf("body_len %d exceeds max_buffer_len", len(body))
	}
	buf := make([]byte, ResponseHeaderSize)
	writePreamble(buf, FrameTypeResponse, h.CodecType)
	off := preambleLen
	binary.BigEndian.PutUint32(buf[off:], h.Seq)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(body)))

	return writeVectored(w, buf, body)
}

// DecodeResponse reads a complete response frame from r. Use this only
// when the caller knows the next frame on the wire must be a Response
// (e.g. in tests); a client session multiplexing Response and Push frames
// on one socket should use DecodeServerFrame instead.
func DecodeResponse(r io.Reader) (*ResponseHeader, []byte, error) {
	buf := make([]byte, ResponseHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, err
	}
	ct, err := checkPreamble(buf, FrameTypeResponse)
	if err != nil {
		return nil, nil, err
	}
	off := preambleLen
	seq := binary.BigEndian.Uint32(buf[off:])
	off += 4
	bodyLen := binary.BigEndian.Uint32(buf[off:])
	if uint64(bodyLen) > MaxBufferLen {
		return nil, nil, framingErrorf("body_len %d exceeds max_buffer_len", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return &ResponseHeader{CodecType: ct, Seq: seq, BodyLen: bodyLen}, body, nil
}

// EncodePush writes a complete push frame to w.
func EncodePush(w io.Writer, h *PushHeader, topic string, body []byte) error {
	if err := checkLen(uint32(len(topic)), uint32(len(body))); err != nil {
		return err
	}
	buf := make([]byte, PushHeaderSize)
	writePreamble(buf, FrameTypePush, h.CodecType)
	off := preambleLen
	buf[off] = byte(h.Mode)
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(len(topic)))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(body)))

	return writeVectored(w, buf, []byte(topic), body)
}

// DecodePushHeader reads and validates the fixed-size push header.
func DecodePushHeader(r io.Reader) (*PushHeader, error) {
	buf := make([]byte, PushHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	ct, err := checkPreamble(buf, FrameTypePush)
	if err != nil {
		return nil, err
	}
	off := preambleLen
	mode := Mode(buf[off])
	off++
	protoLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	bodyLen := binary.BigEndian.Uint32(buf[off:])
	if mode != ModeSerialize && mode != ModeNonSerialize {
		return nil, framingErrorf("unsupported mode: %d", mode)
	}
	if err := checkLen(protoLen, bodyLen); err != nil {
		return nil, err
	}
	return &PushHeader{CodecType: ct, Mode: mode, ProtocolLen: protoLen, BodyLen: bodyLen}, nil
}

// ReadTopicAndBody reads exactly ProtocolLen+BodyLen bytes and splits them
// into the topic name and the body.
func ReadTopicAndBody(r io.Reader, h *PushHeader) (topic string, body []byte, err error) {
	buf := make([]byte, h.ProtocolLen+h.BodyLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", nil, err
	}
	return string(buf[:h.ProtocolLen]), buf[h.ProtocolLen:], nil
}

// DecodePush reads a complete push frame in one call.
func DecodePush(r io.Reader) (*PushHeader, string, []byte, error) {
	h, err := DecodePushHeader(r)
	if err != nil {
		return nil, "", nil, err
	}
	topic, body, err := ReadTopicAndBody(r, h)
	if err != nil {
		return nil, "", nil, err
	}
	return h, topic, body, nil
}

// DecodeServerFrame reads one frame of either Response or Push shape from
// r, telling them apart via the preamble's type byte before reading the
// rest of the header. This is what a client session's receive loop uses,
// since Response and Push frames interleave on one socket in arbitrary
// order.
func DecodeServerFrame(r io.Reader) (*ServerFrame, error) {
	var typeBuf [preambleLen]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return nil, err
	}
	switch FrameType(typeBuf[4]) {
	case FrameTypeResponse:
		ct, err := checkPreamble(typeBuf[:], FrameTypeResponse)
		if err != nil {
			return nil, err
		}
		rest := make([]byte, ResponseHeaderSize-preambleLen)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, err
		}
		seq := binary.BigEndian.Uint32(rest)
		bodyLen := binary.BigEndian.Uint32(rest[4:])
		if uint64(bodyLen) > MaxBufferLen {
			return nil, framingErrorf("body_len %d exceeds max_buffer_len", bodyLen)
		}
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		return &ServerFrame{Type: FrameTypeResponse, CodecType: ct, Seq: seq, Body: body}, nil

	case FrameTypePush:
		ct, err := checkPreamble(typeBuf[:], FrameTypePush)
		if err != nil {
			return nil, err
		}
		rest := make([]byte, PushHeaderSize-preambleLen)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, err
		}
		mode := Mode(rest[0])
		protoLen := binary.BigEndian.Uint32(rest[1:])
		bodyLen := binary.BigEndian.Uint32(rest[5:])
		if mode != ModeSerialize && mode != ModeNonSerialize {
			return nil, framingErrorf("unsupported mode: %d", mode)
		}
		if err := checkLen(protoLen, bodyLen); err != nil {
			return nil, err
		}
		tail := make([]byte, protoLen+bodyLen)
		if _, err := io.ReadFull(r, tail); err != nil {
			return nil, err
		}
		return &ServerFrame{
			Type:      FrameTypePush,
			CodecType: ct,
			Mode:      mode,
			Topic:     string(tail[:protoLen]),
			Body:      tail[protoLen:],
		}, nil

	default:
		return nil, framingErrorf("unexpected frame type on server->client stream: %d", typeBuf[4])
	}
}
