// Package realtime provides the live-socket contract the session registry
// fans room membership out to, plus a gorilla/websocket implementation with
// an in-process room hub. Socket bindings are never persisted; they are
// rebuilt as clients (re)connect.
package realtime

import (
	"context"
)

// Socket is a single live realtime connection. A socket belongs to at most
// one session at a time; the session registry enforces rebinding semantics.
type Socket interface {
	// ID identifies the socket for the lifetime of the connection.
	ID() string

	// Join adds the socket to a named broadcast room.
	Join(room string) error

	// Leave removes the socket from a named broadcast room.
	Leave(room string) error

	// Send emits a named event with a JSON-encodable payload to the client.
	Send(event string, payload any) error

	// Close tears the connection down.
	Close() error
}

// Broadcaster delivers an event to every socket currently in a room.
type Broadcaster interface {
	Broadcast(ctx context.Context, room, event string, payload any) error
}
