package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"unicode"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slices"

	"github.com/dreamware/topicbroker/internal/api"
	"github.com/dreamware/topicbroker/internal/broker"
	"github.com/dreamware/topicbroker/internal/config"
	"github.com/dreamware/topicbroker/internal/logger"
	"github.com/dreamware/topicbroker/internal/transport"
	"github.com/dreamware/topicbroker/internal/wire"
)

// restIdentityPrefix marks publishers that used POST /publish.
const restIdentityPrefix = "http:"

// publishBodySlack covers the JSON around a message and its topic. A JSON
// escape spends at most six bytes on one message byte.
const publishBodySlack = 4096

func publishBodyLimit(maxFrameSize int) int64 {
	return 6*int64(maxFrameSize) + publishBodySlack
}

// adminServer serves the HTTP side of the broker: health, status, REST
// publishing, metrics and the WebSocket carrier.
type adminServer struct {
	ctx      context.Context
	broker   *broker.Server
	gatherer prometheus.Gatherer
	log      *slog.Logger
	upgrader websocket.Upgrader
	connOpts []transport.Option
}

// newAdminServer creates the admin handlers. WebSocket sessions run under
// ctx rather than their request context.
func newAdminServer(ctx context.Context, b *broker.Server, gatherer prometheus.Gatherer, lg *slog.Logger, cfg config.Config) *adminServer {
	return &adminServer{
		ctx:      ctx,
		broker:   b,
		gatherer: gatherer,
		log:      lg.With(logger.Component("admin")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		connOpts: []transport.Option{
			transport.WithWriteTimeout(cfg.WriteTimeout),
			transport.WithMaxFrameSize(cfg.MaxFrameSize),
		},
	}
}

func (a *adminServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /topics", a.handleTopics)
	mux.HandleFunc("GET /peers/{identity}", a.handlePeer)
	mux.HandleFunc("POST /publish", a.handlePublish)
	mux.HandleFunc("GET /ws", a.handleWebSocket)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (a *adminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

func (a *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	reg := a.broker.Registry()
	counts := reg.Counts()
	entries := reg.Entries()

	out := api.StatusResponse{
		Publishers:  counts.Publishers,
		Subscribers: counts.Subscribers,
		Entries:     make([]api.Entry, 0, len(entries)),
	}
	for _, e := range entries {
		out.Entries = append(out.Entries, api.Entry{
			Identity: e.Identity,
			Role:     e.Role.String(),
			Topic:    e.Topic,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *adminServer) handlePeer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("identity")
	e, ok := a.broker.Registry().Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "peer not registered")
		return
	}
	writeJSON(w, http.StatusOK, api.Entry{Identity: e.Identity, Role: e.Role.String(), Topic: e.Topic})
}

// handleTopics merges live registrations with lifetime counters, so a topic
// that no longer has connections still reports what passed through it.
func (a *adminServer) handleTopics(w http.ResponseWriter, r *http.Request) {
	byTopic := make(map[string]*api.TopicInfo)
	var order []string
	get := func(topic string) *api.TopicInfo {
		ti, ok := byTopic[topic]
		if !ok {
			ti = &api.TopicInfo{Topic: topic}
			byTopic[topic] = ti
			order = append(order, topic)
		}
		return ti
	}

	for _, tc := range a.broker.Registry().Topics() {
		ti := get(tc.Topic)
		ti.Publishers = tc.Publishers
		ti.Subscribers = tc.Subscribers
	}
	for _, ts := range a.broker.Stats().Snapshot() {
		ti := get(ts.Topic)
		ti.Published = ts.Published
		ti.Delivered = ts.Delivered
		ti.Failed = ts.Failed
	}

	slices.Sort(order)
	out := api.TopicsResponse{Topics: make([]api.TopicInfo, 0, len(order))}
	for _, topic := range order {
		out.Topics = append(out.Topics, *byTopic[topic])
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *adminServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req api.PublishRequest
	router := a.broker.Router()
	body := http.MaxBytesReader(w, r.Body, publishBodyLimit(router.MaxFrameSize()))
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	switch {
	case req.Topic == "":
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	case strings.IndexFunc(req.Topic, unicode.IsSpace) >= 0:
		writeError(w, http.StatusBadRequest, "topic must not contain whitespace")
		return
	case req.Message == "":
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	publisher := restIdentityPrefix + r.RemoteAddr
	if err := router.CheckMessage(req.Message, publisher, req.Topic); err != nil {
		a.log.Warn("message rejected", logger.Peer(publisher), logger.Topic(req.Topic), logger.Error(err))
		writeError(w, http.StatusRequestEntityTooLarge, wire.FormatTooLarge(router.MaxFrameSize()))
		return
	}
	n := router.Distribute(r.Context(), req.Message, publisher, req.Topic)
	a.log.Info("message sent", logger.Peer(publisher), logger.Topic(req.Topic), logger.Count("subscribers", n))

	writeJSON(w, http.StatusOK, api.PublishResponse{
		Topic:     req.Topic,
		Message:   req.Message,
		Delivered: n,
	})
}

// handleWebSocket upgrades the request and serves the broker protocol over
// it until the session ends.
func (a *adminServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", logger.Error(err))
		return
	}
	a.broker.ServeConn(a.ctx, transport.NewWebSocketConn(ws, a.connOpts...))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg})
}
