package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/dreamware/topicbroker/internal/logger"
	"github.com/dreamware/topicbroker/internal/registry"
	"github.com/dreamware/topicbroker/internal/transport"
	"github.com/dreamware/topicbroker/internal/wire"
)

// ErrUnknownRole is returned for a well-formed handshake whose role is
// neither PUBLISHER nor SUBSCRIBER.
var ErrUnknownRole = errors.New("broker: unknown role")

type state int

const (
	stateAwaitingHandshake state = iota
	stateActive
	stateTerminated
)

func (s state) String() string {
	switch s {
	case stateAwaitingHandshake:
		return "AWAITING_HANDSHAKE"
	case stateActive:
		return "ACTIVE"
	case stateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// handler owns one connection from handshake to cleanup.
type handler struct {
	conn    transport.Conn
	reg     *registry.Registry
	router  *Router
	metrics *Metrics
	log     *slog.Logger

	maxFrameSize int

	state state
	role  registry.Role
	topic string
}

func newHandler(s *Server, conn transport.Conn) *handler {
	return &handler{
		conn:    conn,
		reg:     s.reg,
		router:  s.router,
		metrics: s.opts.metrics,
		log: s.log.With(
			logger.Peer(conn.Identity()),
			logger.Session(uuid.NewString()),
		),
		maxFrameSize: s.opts.maxFrameSize,
		state:        stateAwaitingHandshake,
	}
}

// run drives the connection until it terminates. Deregistration and close
// happen exactly once, in the deferred cleanup.
func (h *handler) run(ctx context.Context) {
	defer h.cleanup()

	if err := h.handshake(); err != nil {
		h.metrics.handshakeFailed()
		if isDisconnect(err) {
			h.log.Info("disconnected before handshake")
			return
		}
		h.log.Warn("handshake rejected", logger.Error(err))
		return
	}
	h.state = stateActive

	for {
		msg, err := h.conn.ReadMessage()
		if err != nil {
			if isDisconnect(err) {
				h.log.Info("disconnected")
			} else {
				h.log.Warn("read failed", logger.Error(err))
			}
			return
		}

		if wire.IsTerminate(msg) {
			h.log.Info("terminate requested")
			return
		}

		h.dispatch(ctx, msg)
	}
}

func (h *handler) handshake() error {
	raw, err := h.conn.ReadMessage()
	if err != nil {
		return err
	}

	hs, err := wire.ParseHandshake(raw)
	if err != nil {
		return err
	}

	role, ok := registry.ParseRole(hs.Role)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownRole, hs.Role)
	}

	h.reg.Register(h.conn.Identity(), h.conn, hs.Topic, role)
	h.role, h.topic = role, hs.Topic
	h.log = h.log.With(logger.Role(role), logger.Topic(hs.Topic))
	h.log.Info("registered")
	h.metrics.setRegistrations(h.reg.Counts())
	logRegistryStatus(h.log, h.reg, "register")
	return nil
}

func (h *handler) dispatch(ctx context.Context, msg string) {
	switch h.role {
	case registry.RolePublisher:
		if err := h.checkPublish(msg); err != nil {
			h.metrics.messageRejected()
			h.log.Warn("message rejected", logger.Count("bytes", len(msg)), logger.Error(err))
			if err := h.conn.Send(wire.FormatTooLarge(h.maxFrameSize)); err != nil {
				h.log.Warn("rejection notice failed", logger.Error(err))
			}
			return
		}
		n := h.router.Distribute(ctx, msg, h.conn.Identity(), h.topic)
		h.log.Info("message sent", logger.Count("subscribers", n))
		if err := h.conn.Send(wire.FormatAck(h.topic, msg, n)); err != nil {
			h.log.Warn("ack failed", logger.Error(err))
		}
	case registry.RoleSubscriber:
		h.metrics.messageRejected()
		h.log.Debug("subscriber message rejected")
		if err := h.conn.Send(wire.SubscriberRejectNotice); err != nil {
			h.log.Warn("rejection notice failed", logger.Error(err))
		}
	}
}

// checkPublish rejects a message whose broadcast or acknowledgement would
// not fit in one frame. Peers enforce the same limit on read and would
// drop the connection otherwise.
func (h *handler) checkPublish(msg string) error {
	if err := h.router.CheckMessage(msg, h.conn.Identity(), h.topic); err != nil {
		return err
	}
	if err := wire.CheckFrameSize(wire.MaxAckLen(h.topic, len(msg)), h.maxFrameSize); err != nil {
		return fmt.Errorf("%w: acknowledgement: %w", ErrMessageTooLarge, err)
	}
	return nil
}

func (h *handler) cleanup() {
	from := h.state
	h.state = stateTerminated
	if h.role != registry.RoleUnknown {
		h.reg.Deregister(h.conn.Identity(), h.role)
		h.metrics.setRegistrations(h.reg.Counts())
	}
	if err := h.conn.Close(); err != nil && !isDisconnect(err) {
		h.log.Debug("close failed", logger.Error(err))
	}
	h.log.Info("cleaned up", slog.String("from", from.String()))
	if h.role != registry.RoleUnknown {
		logRegistryStatus(h.log, h.reg, "cleanup")
	}
}

// isDisconnect reports whether err means the peer or the broker ended the
// connection rather than the stream being malformed.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, transport.ErrClosed)
}
