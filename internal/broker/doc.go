// Package broker relays messages from publishers to the subscribers of the
// same topic.
//
// # Overview
//
// A Server accepts connections and runs one handler per connection. The
// handler reads a handshake naming a role and a topic, registers the
// connection in the shared registry, and then serves messages until the
// peer terminates or disconnects:
//
//	AWAITING_HANDSHAKE ──"<ROLE> <TOPIC>"──▶ ACTIVE ──terminate/EOF/error──▶ TERMINATED
//	        │                                                                   ▲
//	        └──────────────── malformed handshake or unknown role ──────────────┘
//
// Publisher messages go through the Router, which snapshots the topic's
// subscribers, sends the broadcast to each one, and prunes every subscriber
// whose send failed. The publisher then receives an acknowledgement carrying
// the number of successful deliveries. Subscribers may only send terminate;
// anything else gets a fixed rejection notice.
//
// # Concurrency
//
// Every connection has its own goroutine and there is no admission limit.
// Registry locks are released before any network write; writes to one
// connection are serialised by the connection itself. A send that fails or
// exceeds the write timeout closes that connection, which unblocks its
// handler and triggers the usual cleanup.
//
// # Observability
//
// Handlers log lifecycle events through log/slog, record per-topic counts in
// TopicStats and, when configured, export Prometheus metrics. StatusReporter
// logs the registry periodically.
package broker
