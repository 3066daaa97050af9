package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/girderhq/girder/internal/metrics"
	"github.com/girderhq/girder/pubsub"
	"github.com/girderhq/girder/realtime"
	"github.com/girderhq/girder/store"
)

// Config controls registry behavior. Zero values fall back to the defaults
// noted on each field.
type Config struct {
	// SessionTimeout bounds both freshness on resolution and idle eviction.
	// Default 30 days.
	SessionTimeout time.Duration

	// SweepInterval is how often the eviction sweep runs. Default 1 minute.
	SweepInterval time.Duration

	// MaxSessions caps the in-memory live set. 0 means unlimited. When the
	// cap is exceeded the oldest-lastActiveAt sessions are evicted first,
	// regardless of socket binding.
	MaxSessions int

	// TouchWindow bounds persisted lastActiveAt writes to one per window per
	// session. Default 10 seconds.
	TouchWindow time.Duration

	// Collection is the store collection holding session rows. Default
	// "sessions".
	Collection string
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.TouchWindow <= 0 {
		c.TouchWindow = 10 * time.Second
	}
	if c.Collection == "" {
		c.Collection = "sessions"
	}
	return c
}

// Registry is the session registry. One instance is owned by the server; the
// origin id tagging its pub/sub notifications is unique per instance for the
// lifetime of the process.
type Registry struct {
	cfg       Config
	store     store.Store
	transport pubsub.Transport
	originID  string
	log       *slog.Logger
	now       func() time.Time

	mu            sync.Mutex
	byID          map[string]*Session
	byUser        map[string]map[string]*Session
	sockets       map[string]map[string]realtime.Socket
	socketSession map[string]string
	pendingOps    map[string][]func(realtime.Socket)

	sub    pubsub.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a registry over the given store and pub/sub transport and
// starts its notification listener and eviction sweep.
func New(cfg Config, st store.Store, transport pubsub.Transport, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := transport.Subscribe(ctx, ChannelRefreshRooms, ChannelRemoveSession)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to room-sync channels: %w", err)
	}

	r := &Registry{
		cfg:           cfg,
		store:         st,
		transport:     transport,
		originID:      uuid.NewString(),
		log:           log.With("component", "session_registry"),
		now:           time.Now,
		byID:          make(map[string]*Session),
		byUser:        make(map[string]map[string]*Session),
		sockets:       make(map[string]map[string]realtime.Socket),
		socketSession: make(map[string]string),
		pendingOps:    make(map[string][]func(realtime.Socket)),
		sub:           sub,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	go r.listen(ctx)
	go r.sweepLoop(ctx)

	return r, nil
}

// OriginID returns the identity tagging this registry's notifications.
func (r *Registry) OriginID() string { return r.originID }

// Close stops the listener and sweep. Sessions are left in the store.
func (r *Registry) Close() error {
	r.cancel()
	<-r.done
	return r.sub.Close()
}

// Count returns the size of the in-memory live set.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// ResolveOrCreate resolves the session for a candidate id. A fresh in-memory
// hit avoids the store entirely; otherwise the store is consulted once. A
// missing or stale session yields a new anonymous session that has no id and
// never touches the store until first persisted.
func (r *Registry) ResolveOrCreate(ctx context.Context, id string) (*Session, error) {
	now := r.now()

	if id != "" {
		r.mu.Lock()
		s := r.byID[id]
		r.mu.Unlock()

		if s != nil && r.fresh(s, now) {
			if err := r.Touch(ctx, s); err != nil {
				return nil, err
			}
			return s, nil
		}

		doc, err := r.store.FindOne(ctx, r.cfg.Collection, store.Query{"id": id})
		switch {
		case err == nil:
			s = r.materialize(id, doc)
			if r.fresh(s, now) {
				r.index(s)
				if err := r.Touch(ctx, s); err != nil {
					return nil, err
				}
				return s, nil
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("resolve session %s: %w", id, err)
		}
	}

	return newAnonymousSession(now), nil
}

// Touch refreshes lastActiveAt, persisting at most once per touch window.
// Calls inside the window reuse the cached value without a store write.
func (r *Registry) Touch(ctx context.Context, s *Session) error {
	now := r.now()

	s.mu.Lock()
	if now.Sub(s.lastActiveAt) < r.cfg.TouchWindow {
		s.mu.Unlock()
		return nil
	}
	s.lastActiveAt = now
	id := s.id
	s.mu.Unlock()

	if id == "" {
		return nil
	}
	patch := store.Document{"lastActiveAt": now.UnixMilli()}
	if _, err := r.store.Update(ctx, r.cfg.Collection, store.Query{"id": id}, patch); err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	return nil
}

// Save persists the session, assigning an id on first persist, and indexes
// it in the live set.
func (r *Registry) Save(ctx context.Context, s *Session) error {
	s.mu.Lock()
	created := s.id == ""
	if created {
		s.id = uuid.NewString()
	}
	id := s.id
	doc := docFromSessionLocked(s)
	s.mu.Unlock()

	if created {
		if _, err := r.store.Insert(ctx, r.cfg.Collection, doc); err != nil {
			return fmt.Errorf("persist session %s: %w", id, err)
		}
		metrics.SessionsCreated.Inc()
	} else {
		n, err := r.store.Update(ctx, r.cfg.Collection, store.Query{"id": id}, doc)
		if err != nil {
			return fmt.Errorf("persist session %s: %w", id, err)
		}
		if n == 0 {
			// Row evicted by a peer's cleanup; recreate it.
			if _, err := r.store.Insert(ctx, r.cfg.Collection, doc); err != nil {
				return fmt.Errorf("persist session %s: %w", id, err)
			}
		}
	}

	r.index(s)
	return nil
}

// SetUserID binds the session to a user, maintaining the by-user index
// (stale entries removed first) and persisting the change.
func (r *Registry) SetUserID(ctx context.Context, s *Session, userID string) error {
	s.mu.Lock()
	old := s.userID
	s.userID = userID
	s.anonymous = userID == ""
	id := s.id
	s.mu.Unlock()

	if id != "" && old != userID {
		r.mu.Lock()
		if old != "" {
			if set := r.byUser[old]; set != nil {
				delete(set, id)
				if len(set) == 0 {
					delete(r.byUser, old)
				}
			}
		}
		r.mu.Unlock()
	}

	return r.Save(ctx, s)
}

// UserSessions returns the live sessions currently indexed for a user. A
// user may hold several concurrent sessions (one per device).
func (r *Registry) UserSessions(userID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byUser[userID]))
	for _, s := range r.byUser[userID] {
		out = append(out, s)
	}
	return out
}

// JoinRooms adds the session to rooms, persists the membership, joins every
// live socket bound to the session, and notifies peer nodes.
func (r *Registry) JoinRooms(ctx context.Context, s *Session, rooms ...string) error {
	s.addRooms(rooms)
	if err := r.Save(ctx, s); err != nil {
		return err
	}
	id := s.ID()
	for _, sock := range r.Sockets(id) {
		for _, room := range rooms {
			if err := sock.Join(room); err != nil {
				r.log.Warn("socket join failed", "session_id", id, "socket_id", sock.ID(), "room", room, "error", err)
			}
		}
	}
	r.publishSync(ctx, ChannelRefreshRooms, id)
	return nil
}

// LeaveRooms removes the session from rooms with the same persistence,
// fan-out and notification semantics as JoinRooms.
func (r *Registry) LeaveRooms(ctx context.Context, s *Session, rooms ...string) error {
	s.removeRooms(rooms)
	if err := r.Save(ctx, s); err != nil {
		return err
	}
	id := s.ID()
	for _, sock := range r.Sockets(id) {
		for _, room := range rooms {
			if err := sock.Leave(room); err != nil {
				r.log.Warn("socket leave failed", "session_id", id, "socket_id", sock.ID(), "room", room, "error", err)
			}
		}
	}
	r.publishSync(ctx, ChannelRefreshRooms, id)
	return nil
}

// Remove destroys the session: both indices cleared, socket bindings
// dropped, rooms left, the store row deleted, and peers notified.
func (r *Registry) Remove(ctx context.Context, s *Session) error {
	id := s.ID()
	rooms := s.Rooms()

	r.mu.Lock()
	r.dropLocked(id)
	socks := r.unbindSessionLocked(id)
	r.mu.Unlock()

	for _, sock := range socks {
		for _, room := range rooms {
			_ = sock.Leave(room)
		}
	}
	s.setRooms(nil)

	if id == "" {
		return nil
	}
	if _, err := r.store.Remove(ctx, r.cfg.Collection, store.Query{"id": id}); err != nil {
		return fmt.Errorf("remove session %s: %w", id, err)
	}
	r.publishSync(ctx, ChannelRemoveSession, id)
	return nil
}

// --- Socket binding ---

// BindSocket indexes a live socket under a session id, removing it from any
// prior session's set first, then flushes operations buffered for the socket
// in order. An empty session id leaves the socket anonymous until rebound.
func (r *Registry) BindSocket(sessionID string, sock realtime.Socket) {
	sockID := sock.ID()

	r.mu.Lock()
	if prev, ok := r.socketSession[sockID]; ok && prev != sessionID {
		if set := r.sockets[prev]; set != nil {
			delete(set, sockID)
			if len(set) == 0 {
				delete(r.sockets, prev)
			}
		}
		delete(r.socketSession, sockID)
	}

	if sessionID == "" {
		r.mu.Unlock()
		return
	}

	set, ok := r.sockets[sessionID]
	if !ok {
		set = make(map[string]realtime.Socket)
		r.sockets[sessionID] = set
	}
	set[sockID] = sock
	r.socketSession[sockID] = sessionID

	ops := r.pendingOps[sockID]
	delete(r.pendingOps, sockID)
	r.mu.Unlock()

	for _, op := range ops {
		op(sock)
	}
}

// UnbindSocket drops a socket from its session's set (socket disconnect).
func (r *Registry) UnbindSocket(sock realtime.Socket) {
	sockID := sock.ID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if sessionID, ok := r.socketSession[sockID]; ok {
		if set := r.sockets[sessionID]; set != nil {
			delete(set, sockID)
			if len(set) == 0 {
				delete(r.sockets, sessionID)
			}
		}
		delete(r.socketSession, sockID)
	}
	delete(r.pendingOps, sockID)
}

// EnqueueSocketOp runs op against the socket if it is already indexed, or
// buffers it until BindSocket indexes the socket (ordering preserved).
func (r *Registry) EnqueueSocketOp(socketID string, op func(realtime.Socket)) {
	r.mu.Lock()
	if sessionID, ok := r.socketSession[socketID]; ok {
		sock := r.sockets[sessionID][socketID]
		r.mu.Unlock()
		if sock != nil {
			op(sock)
		}
		return
	}
	r.pendingOps[socketID] = append(r.pendingOps[socketID], op)
	r.mu.Unlock()
}

// Sockets returns a snapshot of the live sockets bound to a session id.
func (r *Registry) Sockets(sessionID string) []realtime.Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]realtime.Socket, 0, len(r.sockets[sessionID]))
	for _, sock := range r.sockets[sessionID] {
		out = append(out, sock)
	}
	return out
}

// --- Internals ---

func (r *Registry) fresh(s *Session, now time.Time) bool {
	return now.Sub(s.LastActiveAt()) <= r.cfg.SessionTimeout
}

// index puts s into the live indices and enforces the MaxSessions cap.
func (r *Registry) index(s *Session) {
	s.mu.Lock()
	id := s.id
	uid := s.userID
	s.mu.Unlock()
	if id == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[id] = s
	if uid != "" {
		set, ok := r.byUser[uid]
		if !ok {
			set = make(map[string]*Session)
			r.byUser[uid] = set
		}
		set[id] = s
	}
	r.enforceCapLocked()
	metrics.SessionsActive.Set(float64(len(r.byID)))
}

// enforceCapLocked evicts oldest-lastActiveAt sessions until the live set
// fits MaxSessions. Socket bindings do not protect against cap eviction.
func (r *Registry) enforceCapLocked() {
	if r.cfg.MaxSessions <= 0 || len(r.byID) <= r.cfg.MaxSessions {
		return
	}

	type entry struct {
		id string
		at time.Time
	}
	entries := make([]entry, 0, len(r.byID))
	for id, s := range r.byID {
		entries = append(entries, entry{id: id, at: s.LastActiveAt()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

	for _, e := range entries {
		if len(r.byID) <= r.cfg.MaxSessions {
			break
		}
		r.evictLocked(e.id, "cap")
	}
}

func (r *Registry) evictLocked(id, reason string) {
	r.dropLocked(id)
	r.unbindSessionLocked(id)
	metrics.SessionsEvicted.WithLabelValues(reason).Inc()
	metrics.SessionsActive.Set(float64(len(r.byID)))
}

// dropLocked clears both live indices for id without touching the store.
func (r *Registry) dropLocked(id string) {
	s, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if uid := s.UserID(); uid != "" {
		if set := r.byUser[uid]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byUser, uid)
			}
		}
	}
}

func (r *Registry) unbindSessionLocked(id string) []realtime.Socket {
	set := r.sockets[id]
	out := make([]realtime.Socket, 0, len(set))
	for sockID, sock := range set {
		out = append(out, sock)
		delete(r.socketSession, sockID)
	}
	delete(r.sockets, id)
	return out
}

func (r *Registry) publishSync(ctx context.Context, channel, sessionID string) {
	if sessionID == "" {
		return
	}
	payload, err := json.Marshal(syncMessage{OriginID: r.originID, SessionID: sessionID})
	if err != nil {
		return
	}
	if err := r.transport.Publish(ctx, channel, payload); err != nil {
		r.log.Warn("room-sync publish failed", "channel", channel, "session_id", sessionID, "error", err)
	}
}

// materialize builds or refreshes the in-memory session for a store row. An
// existing live instance is updated in place so shared references observe
// the refreshed state.
func (r *Registry) materialize(id string, doc store.Document) *Session {
	r.mu.Lock()
	s, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		s = &Session{rooms: make(map[string]struct{})}
	}

	s.mu.Lock()
	s.id = id
	s.userID, _ = doc["uid"].(string)
	s.anonymous = s.userID == ""
	s.createdAt = timeFromDoc(doc["createdAt"])
	s.lastActiveAt = timeFromDoc(doc["lastActiveAt"])
	s.rooms = make(map[string]struct{})
	for _, room := range roomsFromDoc(doc["rooms"]) {
		s.rooms[room] = struct{}{}
	}
	s.mu.Unlock()
	return s
}

// --- Notification listener ---

func (r *Registry) listen(ctx context.Context) {
	for {
		msg, err := r.sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				r.log.Warn("room-sync listener stopped", "error", err)
			}
			return
		}
		r.handleSync(ctx, msg)
	}
}

func (r *Registry) handleSync(ctx context.Context, msg pubsub.Message) {
	var m syncMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		r.log.Warn("malformed room-sync message", "channel", msg.Channel, "error", err)
		return
	}
	if m.OriginID == r.originID || m.SessionID == "" {
		return
	}

	switch msg.Channel {
	case ChannelRefreshRooms:
		r.refreshRooms(ctx, m.SessionID)
	case ChannelRemoveSession:
		r.mu.Lock()
		r.dropLocked(m.SessionID)
		r.unbindSessionLocked(m.SessionID)
		metrics.SessionsActive.Set(float64(len(r.byID)))
		r.mu.Unlock()
	}
}

// refreshRooms re-derives room membership for a session this node holds live
// sockets for. The message payload is only an invalidation signal; the
// authoritative room set is re-read from the store.
func (r *Registry) refreshRooms(ctx context.Context, sessionID string) {
	socks := r.Sockets(sessionID)
	if len(socks) == 0 {
		return
	}

	doc, err := r.store.FindOne(ctx, r.cfg.Collection, store.Query{"id": sessionID})
	if err != nil {
		r.log.Warn("room refresh lookup failed", "session_id", sessionID, "error", err)
		return
	}
	current := roomsFromDoc(doc["rooms"])

	r.mu.Lock()
	s := r.byID[sessionID]
	r.mu.Unlock()

	var stale []string
	if s != nil {
		inCurrent := make(map[string]struct{}, len(current))
		for _, room := range current {
			inCurrent[room] = struct{}{}
		}
		for _, room := range s.Rooms() {
			if _, ok := inCurrent[room]; !ok {
				stale = append(stale, room)
			}
		}
		s.setRooms(current)
	}

	for _, sock := range socks {
		for _, room := range stale {
			_ = sock.Leave(room)
		}
		for _, room := range current {
			if err := sock.Join(room); err != nil {
				r.log.Warn("socket join on refresh failed", "session_id", sessionID, "socket_id", sock.ID(), "room", room, "error", err)
			}
		}
	}
	metrics.RoomRefreshes.Inc()
}

// --- Eviction sweep ---

func (r *Registry) sweepLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweep evicts idle sessions without live sockets, enforces the MaxSessions
// cap, and opportunistically cleans stale store rows (best-effort).
func (r *Registry) sweep(ctx context.Context) {
	now := r.now()
	cutoff := now.Add(-r.cfg.SessionTimeout)

	r.mu.Lock()
	var idle []string
	for id, s := range r.byID {
		if len(r.sockets[id]) > 0 {
			continue
		}
		if s.LastActiveAt().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	for _, id := range idle {
		r.evictLocked(id, "idle")
	}
	r.enforceCapLocked()
	metrics.SessionsActive.Set(float64(len(r.byID)))
	r.mu.Unlock()

	if len(idle) > 0 {
		r.log.Info("evicted idle sessions", "count", len(idle), "remaining", r.Count())
	}

	q := store.Query{"lastActiveAt": map[string]any{"$lt": cutoff.UnixMilli()}}
	if _, err := r.store.Remove(ctx, r.cfg.Collection, q); err != nil {
		r.log.Warn("session store cleanup failed", "error", err)
	}
}

// --- Document mapping ---

func docFromSessionLocked(s *Session) store.Document {
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)

	doc := store.Document{
		"id":           s.id,
		"anonymous":    s.anonymous,
		"createdAt":    s.createdAt.UnixMilli(),
		"lastActiveAt": s.lastActiveAt.UnixMilli(),
		"rooms":        rooms,
	}
	if s.userID != "" {
		doc["uid"] = s.userID
	}
	return doc
}

func timeFromDoc(v any) time.Time {
	switch n := v.(type) {
	case int64:
		return time.UnixMilli(n)
	case float64:
		return time.UnixMilli(int64(n))
	case int:
		return time.UnixMilli(int64(n))
	}
	return time.Time{}
}

func roomsFromDoc(v any) []string {
	switch rooms := v.(type) {
	case []string:
		return rooms
	case []any:
		out := make([]string, 0, len(rooms))
		for _, room := range rooms {
			if name, ok := room.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}
