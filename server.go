// Package girder assembles the request-processing core of a
// resource-oriented application server: a router over pluggable resources, a
// session registry layered over a persistent store with room membership
// replicated via pub/sub, and a script sandbox for per-resource hooks.
package girder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/girderhq/girder/collection"
	"github.com/girderhq/girder/internal/logctx"
	"github.com/girderhq/girder/internal/sessiontoken"
	"github.com/girderhq/girder/pubsub"
	"github.com/girderhq/girder/pubsub/memorypubsub"
	"github.com/girderhq/girder/pubsub/redispubsub"
	"github.com/girderhq/girder/realtime"
	"github.com/girderhq/girder/resource"
	"github.com/girderhq/girder/router"
	"github.com/girderhq/girder/script"
	"github.com/girderhq/girder/sessions"
	"github.com/girderhq/girder/store"
	"github.com/girderhq/girder/store/memorystore"
	"github.com/girderhq/girder/store/redisstore"
)

// SocketPath is the endpoint persistent realtime connections attach to.
const SocketPath = "/girder/socket"

// Server wires the store, pub/sub transport, session registry, router and
// realtime hub together behind one HTTP listener.
type Server struct {
	cfg Config
	log *slog.Logger

	store     store.Store
	transport pubsub.Transport
	registry  *sessions.Registry
	router    *router.Router
	hub       *realtime.Hub
	keyring   *sessiontoken.Keyring
	upgrader  websocket.Upgrader
	hooks     *script.Loader

	mux  *http.ServeMux
	http *http.Server
}

// NewLogger builds the process logger: JSON to stderr, decorated with
// request and session context.
func NewLogger() *slog.Logger {
	return slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, nil)})
}

// NewServer builds a Server from cfg. The store DSN must be resolvable; a
// server without reachable persistence must not start.
func NewServer(cfg Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = NewLogger()
	}

	st, err := openStore(cfg.StoreDSN)
	if err != nil {
		return nil, err
	}
	transport, err := openPubSub(cfg.PubSubDSN)
	if err != nil {
		return nil, err
	}

	registry, err := sessions.New(sessions.Config{
		SessionTimeout: cfg.SessionTimeout,
		SweepInterval:  cfg.SweepInterval,
		MaxSessions:    cfg.MaxSessions,
	}, st, transport, log)
	if err != nil {
		return nil, err
	}

	keyring, err := sessiontoken.NewEphemeralKeyring()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		store:     st,
		transport: transport,
		registry:  registry,
		hub:       realtime.NewHub(),
		keyring:   keyring,
		upgrader:  realtime.NewUpgrader(cfg.AllowedOrigins),
		mux:       http.NewServeMux(),
	}
	s.router = router.New(registry,
		router.WithLogger(log),
		router.WithSessionID(s.requestSessionID),
	)

	if cfg.HookDir != "" {
		s.hooks, err = script.NewLoader(cfg.HookDir, log)
		if err != nil {
			return nil, err
		}
	}

	s.mux.HandleFunc(SocketPath, s.handleSocket)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/", s.handleRequest)
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.mux}

	return s, nil
}

func openStore(dsn string) (store.Store, error) {
	scheme, addr, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "memory":
		return memorystore.New(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("store unreachable at %s: %w", dsn, err)
		}
		return redisstore.New(redisstore.Config{Client: client}), nil
	default:
		return nil, fmt.Errorf("unsupported store DSN scheme %q", scheme)
	}
}

func openPubSub(dsn string) (pubsub.Transport, error) {
	scheme, addr, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "memory":
		return memorypubsub.New(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("pub/sub unreachable at %s: %w", dsn, err)
		}
		return redispubsub.New(redispubsub.Config{Client: client}), nil
	default:
		return nil, fmt.Errorf("unsupported pub/sub DSN scheme %q", scheme)
	}
}

// Registry exposes the session registry to resources that manage identity
// or room membership.
func (s *Server) Registry() *sessions.Registry { return s.registry }

// Hub exposes the realtime broadcaster.
func (s *Server) Hub() *realtime.Hub { return s.hub }

// Store exposes the persistent store.
func (s *Server) Store() store.Store { return s.store }

// AddResource registers a resource with the router.
func (s *Server) AddResource(res resource.Resource) {
	s.router.Add(res)
}

// AddCollection registers a built-in collection resource, wired to the
// server's store and hook loader.
func (s *Server) AddCollection(basePath string) {
	s.router.Add(collection.New(collection.Config{
		BasePath:     basePath,
		Hooks:        s.collectionHooks(),
		HookWatchdog: s.cfg.HookWatchdog,
	}, s.store, s.log))
}

func (s *Server) collectionHooks() collection.HookSource {
	if s.hooks == nil {
		return nil
	}
	return s.hooks
}

// Handler returns the server's HTTP handler, mountable in tests without a
// listener.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.http.Shutdown(shutdownCtx)
	s.close()
	return err
}

func (s *Server) close() {
	if s.hooks != nil {
		s.hooks.Close()
	}
	s.registry.Close()
	s.transport.Close()
	if err := s.store.Close(); err != nil {
		s.log.Warn("store close failed", "error", err)
	}
}

// requestSessionID verifies the session cookie and returns the embedded id,
// or "" for absent or invalid tokens (the request proceeds anonymously).
func (s *Server) requestSessionID(r *http.Request) string {
	c, err := r.Cookie(router.SessionCookie)
	if err != nil {
		return ""
	}
	id, err := s.keyring.Verify(c.Value)
	if err != nil {
		return ""
	}
	return id
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	rid := uuid.NewString()
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  rid,
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	rw := resource.Wrap(w)
	presented := s.requestSessionID(r)
	sess, err := s.registry.ResolveOrCreate(ctx, presented)
	if err == nil {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
			SessionID: sess.ID(),
			UserID:    sess.UserID(),
			Anonymous: sess.Anonymous(),
		})
		ctx = sessions.WithSession(ctx, sess)
		// The id is read at write time: a handler may persist the session
		// (lazily assigning its id) before the response goes out.
		rw.OnBeforeWrite(func() {
			s.refreshSessionCookie(rw, sess.ID(), presented)
		})
	}

	s.router.Route(rw, r.WithContext(ctx))
}

// refreshSessionCookie issues a signed cookie whenever the resolved session
// has an id the client is not already presenting. Anonymous sessions have
// no id until first persisted and get no cookie.
func (s *Server) refreshSessionCookie(w http.ResponseWriter, id, presented string) {
	if id == "" || id == presented {
		return
	}
	token, err := s.keyring.Sign(id)
	if err != nil {
		s.log.Warn("session cookie signing failed", "error", err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     router.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// socketCommand is the client-to-server realtime message shape.
type socketCommand struct {
	Event string `json:"event"`
	Room  string `json:"room,omitempty"`
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, err := s.registry.ResolveOrCreate(ctx, s.requestSessionID(r))
	if err != nil {
		http.Error(w, "session resolution failed", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	sock := realtime.NewWebSocket(conn, s.hub)
	s.registry.BindSocket(sess.ID(), sock)
	s.log.Info("socket connected", "socket_id", sock.ID(), "session_id", sess.ID())

	defer func() {
		s.registry.UnbindSocket(sock)
		sock.Close()
		s.log.Info("socket disconnected", "socket_id", sock.ID())
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd socketCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			s.log.Warn("malformed socket message", "socket_id", sock.ID(), "error", err)
			continue
		}
		s.handleSocketCommand(ctx, sess, sock, cmd)
	}
}

func (s *Server) handleSocketCommand(ctx context.Context, sess *sessions.Session, sock realtime.Socket, cmd socketCommand) {
	switch cmd.Event {
	case "join":
		if cmd.Room == "" {
			return
		}
		hadID := sess.ID() != ""
		if err := s.registry.JoinRooms(ctx, sess, cmd.Room); err != nil {
			s.log.Warn("room join failed", "room", cmd.Room, "error", err)
			return
		}
		// Joining persists the session; a lazily assigned id means the
		// socket was bound anonymously and needs rebinding.
		if !hadID {
			s.registry.BindSocket(sess.ID(), sock)
			_ = sock.Join(cmd.Room)
		}
	case "leave":
		if cmd.Room == "" {
			return
		}
		if err := s.registry.LeaveRooms(ctx, sess, cmd.Room); err != nil {
			s.log.Warn("room leave failed", "room", cmd.Room, "error", err)
		}
	default:
		s.log.Warn("unknown socket event", "event", cmd.Event)
	}
}
