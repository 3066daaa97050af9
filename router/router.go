// Package router dispatches requests to an ordered set of candidate
// resources. Candidates are matched by base path, tried strictly in
// specificity order, and the first one to settle its Context wins; requests
// no candidate answers get a uniform not-found response.
package router

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/girderhq/girder/httperr"
	"github.com/girderhq/girder/internal/metrics"
	"github.com/girderhq/girder/resource"
	"github.com/girderhq/girder/sessions"
)

// SessionCookie is the cookie carrying the client's session token.
const SessionCookie = "sid"

// SessionIDFunc extracts the candidate session id from a request. The
// default reads the session cookie verbatim; the server installs one that
// verifies a signed token instead.
type SessionIDFunc func(r *http.Request) string

func cookieSessionID(r *http.Request) string {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

// Option configures a Router.
type Option func(*Router)

func WithLogger(log *slog.Logger) Option {
	return func(rt *Router) { rt.log = log }
}

func WithSessionID(fn SessionIDFunc) Option {
	return func(rt *Router) { rt.sessionID = fn }
}

// Router matches and sequences candidate resources for each request.
type Router struct {
	registry  *sessions.Registry
	log       *slog.Logger
	sessionID SessionIDFunc

	mu        sync.Mutex
	resources []resource.Resource
	cache     map[string][]resource.Resource
	cacheSize int
}

func New(registry *sessions.Registry, opts ...Option) *Router {
	rt := &Router{
		registry:  registry,
		log:       slog.Default(),
		sessionID: cookieSessionID,
		cache:     make(map[string][]resource.Resource),
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.log = rt.log.With("component", "router")
	return rt
}

// Add registers a resource. Registration order breaks specificity ties.
func (rt *Router) Add(res resource.Resource) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.resources = append(rt.resources, res)
}

// ServeHTTP makes the router mountable as a handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.Route(w, r)
}

// Route dispatches one request. A request that already entered dispatch is
// ignored, which guards against re-entrant calls from the transport layer.
func (rt *Router) Route(w http.ResponseWriter, r *http.Request) {
	rw := resource.Wrap(w)
	if !rw.MarkRouted() {
		return
	}
	metrics.RequestsRouted.Inc()

	sess := sessions.FromContext(r.Context())
	if sess == nil {
		var err error
		sess, err = rt.registry.ResolveOrCreate(r.Context(), rt.sessionID(r))
		if err != nil {
			rt.log.Error("session resolution failed", "path", r.URL.Path, "error", err)
			httperr.Respond(err, r, rw)
			return
		}
	}

	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			httperr.Respond(httperr.BadRequest("unreadable request body"), r, rw)
			return
		}
		body = b
	}

	for _, res := range rt.candidates(r.URL.Path) {
		ctx, err := resource.NewContext(res, sess, rw, r, body)
		if err != nil {
			httperr.Respond(err, r, rw)
			return
		}

		err = res.Handle(ctx)
		switch {
		case errors.Is(err, resource.ErrDefer):
			continue
		case err != nil:
			rt.log.Error("resource handler failed", "base_path", res.BasePath(), "path", r.URL.Path, "error", err)
			httperr.Respond(err, r, rw)
			return
		default:
			// Settled: the candidate finalized its Context or wrote the
			// response itself.
			return
		}
	}

	metrics.RequestsUnmatched.Inc()
	httperr.Respond(httperr.NotFound, r, rw)
}

// candidates returns the resources matching path, most specific first,
// registration order on ties. Results are cached per path; the cache is
// dropped whenever the resource-set cardinality changes.
func (rt *Router) candidates(path string) []resource.Resource {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.cacheSize != len(rt.resources) {
		rt.cache = make(map[string][]resource.Resource)
		rt.cacheSize = len(rt.resources)
	}
	if matched, ok := rt.cache[path]; ok {
		return matched
	}

	var matched []resource.Resource
	for _, res := range rt.resources {
		if matchesBase(res.BasePath(), path) {
			matched = append(matched, res)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return resource.Specificity(matched[i].BasePath()) > resource.Specificity(matched[j].BasePath())
	})

	rt.cache[path] = matched
	return matched
}

// matchesBase reports whether path equals base or continues it immediately
// with a path or query separator.
func matchesBase(base, path string) bool {
	if !strings.HasPrefix(path, base) {
		return false
	}
	rest := path[len(base):]
	return rest == "" || rest[0] == '/' || rest[0] == '?'
}
