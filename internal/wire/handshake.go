package wire

import (
	"fmt"
	"strings"
	"unicode"
)

// Role tokens accepted in the handshake. Matching is case-sensitive.
const (
	RolePublisher  = "PUBLISHER"
	RoleSubscriber = "SUBSCRIBER"
)

// Handshake is the parsed first message of a session.
type Handshake struct {
	Role  string
	Topic string
}

// String renders the handshake in wire form.
func (h Handshake) String() string {
	return h.Role + " " + h.Topic
}

// HandshakeError describes a first message that cannot open a session.
type HandshakeError struct {
	Raw    string
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("wire: invalid handshake %q: %s", e.Raw, e.Reason)
}

// ParseHandshake splits raw on its first space into role and topic. Only the
// syntax is checked here; whether the role is one the broker serves is up to
// the caller. Trailing CR/LF is tolerated for clients that send lines.
func ParseHandshake(raw string) (Handshake, error) {
	line := strings.TrimRight(raw, "\r\n")

	role, topic, found := strings.Cut(line, " ")
	switch {
	case !found:
		return Handshake{}, &HandshakeError{Raw: raw, Reason: "missing topic"}
	case role == "":
		return Handshake{}, &HandshakeError{Raw: raw, Reason: "empty role"}
	case topic == "":
		return Handshake{}, &HandshakeError{Raw: raw, Reason: "empty topic"}
	case strings.IndexFunc(topic, unicode.IsSpace) >= 0:
		return Handshake{}, &HandshakeError{Raw: raw, Reason: "topic contains whitespace"}
	}
	return Handshake{Role: role, Topic: topic}, nil
}
