// Package registry tracks which connections are publishing or subscribing to
// which topic.
//
// # Overview
//
// The Registry is the broker's only shared mutable state. Every connection
// handler writes its own entry when its handshake completes and removes it
// when the connection ends; the router reads consistent snapshots of the
// subscriber side while fanning a message out.
//
// # Layout
//
//	┌─────────────────────────────────────────────┐
//	│                 Registry                     │
//	├─────────────────────────────────────────────┤
//	│  publishers  : identity → {conn, topic}     │
//	│  subscribers : identity → {conn, topic}     │
//	├─────────────────────────────────────────────┤
//	│  one RWMutex per role map                    │
//	└─────────────────────────────────────────────┘
//
// The two maps are disjoint: an identity is present in at most one of them.
// Register enforces this by taking both locks (publishers first, then
// subscribers) and evicting the identity from the other map.
//
// # Concurrency Model
//
//   - Snapshot and count operations use RLock and copy what they return
//   - Register and Deregister use Lock
//   - No lock is ever held while a caller writes to a connection; callers get
//     a copy and deliver after the lock is released
//   - Lock order is always publishers → subscribers
//
// # Example
//
//	reg := registry.New()
//	reg.Register("127.0.0.1:53122", conn, "sports", registry.RoleSubscriber)
//
//	for _, sub := range reg.SnapshotSubscribers("sports") {
//	    _ = sub.Conn.Send("[FROM PUBLISHER ...]: goal!")
//	}
//
//	reg.Deregister("127.0.0.1:53122", registry.RoleSubscriber)
package registry
