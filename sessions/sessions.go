// Package sessions implements the session registry: an in-memory cache of
// session state layered over the persistent store, with realtime room
// membership replicated across cluster nodes via pub/sub.
//
// A session represents the authenticated-or-anonymous identity associated
// with a connection across stateless requests and persistent realtime
// sockets. The registry owns two indices over the live set (by session id
// and by user id) and the per-session live-socket bindings.
package sessions

import (
	"context"
	"sync"
	"time"
)

// Pub/sub channels carrying room-sync wire messages between nodes.
const (
	ChannelRefreshRooms  = "refresh-rooms"
	ChannelRemoveSession = "remove-session"
)

// syncMessage is the room-sync wire message. It is an invalidation hint:
// receivers re-derive room membership from the persistent store and never
// trust a peer's view of the room list.
type syncMessage struct {
	OriginID  string `json:"originId"`
	SessionID string `json:"sessionId"`
}

// Session holds the identity and state bound to a connection. Sessions are
// owned by the Registry; field mutation is last-write-wins between in-flight
// requests on the same node and is not linearized with the store.
type Session struct {
	mu sync.Mutex

	id           string
	userID       string
	anonymous    bool
	createdAt    time.Time
	lastActiveAt time.Time
	rooms        map[string]struct{}
}

type sessionContextKey struct{}

// WithSession attaches an already-resolved session to a context so layers
// downstream (the router in particular) reuse it instead of resolving
// again.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// FromContext returns the session attached to ctx, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionContextKey{}).(*Session)
	return s
}

func newAnonymousSession(now time.Time) *Session {
	return &Session{
		anonymous:    true,
		createdAt:    now,
		lastActiveAt: now,
		rooms:        make(map[string]struct{}),
	}
}

// ID returns the session id, or "" for an anonymous session that has never
// been persisted (ids are assigned lazily on first persist).
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// UserID returns the user the session is bound to, or "" when anonymous.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Anonymous reports whether the session has no user identity.
func (s *Session) Anonymous() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anonymous
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// LastActiveAt returns the last touch time. It advances at most once per
// touch window (see Registry.Touch).
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// Rooms returns a snapshot of the rooms the session is a member of.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

func (s *Session) setRooms(rooms []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[string]struct{}, len(rooms))
	for _, r := range rooms {
		s.rooms[r] = struct{}{}
	}
}

func (s *Session) addRooms(rooms []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rooms {
		s.rooms[r] = struct{}{}
	}
}

func (s *Session) removeRooms(rooms []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rooms {
		delete(s.rooms, r)
	}
}
