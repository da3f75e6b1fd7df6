// Package message defines the small envelope types that travel inside a
// protocol frame's body, once the codec has done its job.
//
// The protocol name travels in the frame between the header and the body
// (protocol.RequestHeader carries its length) rather than inside the body, and a handler failure produces an empty reply rather
// than a wire-visible error field (the failure is logged server-side
// instead). What's left here is the part the codec actually serializes: the
// argument/reply value itself.
package message

// Empty is serialized as a handler's argument or reply when a call carries
// no meaningful payload — e.g. a nullary RPC like say_hello(), or a
// subscribe/heartbeat control frame whose body is just a literal flag.
type Empty struct{}
