// Package wire defines the broker's byte-level protocol: length-prefixed
// frames, the role/topic handshake, and the fixed server message formats.
//
// # Framing
//
// A TCP stream carries no message boundaries, so every message is sent as a
// frame:
//
//	┌────────────────────┬──────────────────────────┐
//	│ length (uint32 BE) │ payload (length bytes)   │
//	└────────────────────┴──────────────────────────┘
//
// The payload is UTF-8 text. A zero-length frame is a keepalive and carries
// no message. Readers enforce a maximum payload size so a corrupt or hostile
// length cannot force a huge allocation.
//
// # Session
//
// The first frame on a connection is the handshake:
//
//	PUBLISHER sports
//	SUBSCRIBER news
//
// Afterwards publishers send free-form messages and receive one
// acknowledgement per message; subscribers receive broadcasts. Either side
// ends the session with "terminate" (case-insensitive, surrounding whitespace
// ignored) or by closing the stream.
package wire
