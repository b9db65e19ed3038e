package logger

import (
	"log/slog"
	"time"
)

// Attribute helpers return an empty slog.Attr for zero inputs, which slog
// drops from the output. Call sites can pass them unconditionally:
//
//	log.Info("delivery failed", logger.Peer(id), logger.Error(err))

// Error records err under "error".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Peer records a connection's peer identity.
func Peer(identity string) slog.Attr {
	if identity == "" {
		return slog.Attr{}
	}
	return slog.String("peer", identity)
}

// Topic records a topic name.
func Topic(topic string) slog.Attr {
	if topic == "" {
		return slog.Attr{}
	}
	return slog.String("topic", topic)
}

// Role records a connection role. It accepts any fmt.Stringer so callers can
// pass registry.Role directly.
func Role(role interface{ String() string }) slog.Attr {
	if role == nil {
		return slog.Attr{}
	}
	return slog.String("role", role.String())
}

// Session records the per-connection session id used to correlate log lines.
func Session(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("session", id)
}

// Count records an integer under key.
func Count(key string, n int) slog.Attr {
	return slog.Int(key, n)
}

// Duration records d under "duration".
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Component names the subsystem emitting the log line.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}
