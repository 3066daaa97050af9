// Package collection implements the built-in store-backed resource: JSON
// documents in a named store collection, exposed as GET/POST/PUT/DELETE
// under the resource's base path, with optional per-verb script hooks that
// run before the store operation settles the request.
package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/girderhq/girder/httperr"
	"github.com/girderhq/girder/resource"
	"github.com/girderhq/girder/script"
	"github.com/girderhq/girder/store"
)

// HookSource supplies the current script for a hook file name, or nil when
// the hook does not exist. *script.Loader satisfies this.
type HookSource interface {
	Get(name string) *script.Script
}

// Config describes one collection resource.
type Config struct {
	// BasePath is the URL prefix the resource answers under, e.g. "/items".
	BasePath string

	// Collection names the store collection. Defaults to the base path with
	// the leading slash stripped.
	Collection string

	// Hooks supplies the per-verb scripts (on_get.js, on_post.js, on_put.js,
	// on_delete.js). Nil disables hooks.
	Hooks HookSource

	// HookWatchdog bounds hook runs. Zero leaves runs unbounded, matching
	// the sandbox default.
	HookWatchdog time.Duration
}

// Collection is a resource storing documents in one store collection.
type Collection struct {
	cfg   Config
	store store.Store
	log   *slog.Logger
}

func New(cfg Config, st store.Store, log *slog.Logger) *Collection {
	if cfg.Collection == "" {
		cfg.Collection = strings.TrimPrefix(cfg.BasePath, "/")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Collection{
		cfg:   cfg,
		store: st,
		log:   log.With("component", "collection", "collection", cfg.Collection),
	}
}

func (c *Collection) BasePath() string { return c.cfg.BasePath }

func (c *Collection) ExternalMethods() map[string]resource.ExternalMethod { return nil }

// Handle serves one request. Paths deeper than a single id segment are
// deferred to other candidates.
func (c *Collection) Handle(ctx *resource.Context) error {
	id := strings.Trim(ctx.RelativeURL, "/")
	if strings.Contains(id, "/") {
		return resource.ErrDefer
	}

	switch ctx.Raw.Method {
	case http.MethodGet:
		return c.get(ctx, id)
	case http.MethodPost:
		if id != "" {
			return resource.ErrDefer
		}
		return c.post(ctx)
	case http.MethodPut:
		return c.put(ctx, id)
	case http.MethodDelete:
		return c.remove(ctx, id)
	default:
		return resource.ErrDefer
	}
}

func (c *Collection) get(ctx *resource.Context, id string) error {
	rctx := ctx.Raw.Context()

	if id != "" {
		doc, err := c.store.FindOne(rctx, c.cfg.Collection, store.Query{"id": id})
		if errors.Is(err, store.ErrNotFound) {
			return httperr.NotFound
		}
		if err != nil {
			return fmt.Errorf("find %s/%s: %w", c.cfg.Collection, id, err)
		}
		if err := c.runHook(ctx, "on_get.js", doc); err != nil {
			return err
		}
		ctx.Finalize(nil, doc)
		return nil
	}

	docs, err := c.store.Find(rctx, c.cfg.Collection, queryFrom(ctx))
	if err != nil {
		return fmt.Errorf("find %s: %w", c.cfg.Collection, err)
	}
	for _, doc := range docs {
		if err := c.runHook(ctx, "on_get.js", doc); err != nil {
			return err
		}
	}
	ctx.Finalize(nil, docs)
	return nil
}

func (c *Collection) post(ctx *resource.Context) error {
	if ctx.Body == nil {
		return httperr.BadRequest("request body required")
	}

	if err := c.runHook(ctx, "on_post.js", ctx.Body); err != nil {
		return err
	}

	docs, err := c.store.Insert(ctx.Raw.Context(), c.cfg.Collection, ctx.Body)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", c.cfg.Collection, err)
	}
	ctx.Finalize(nil, docs[0])
	return nil
}

func (c *Collection) put(ctx *resource.Context, id string) error {
	if id == "" {
		return httperr.BadRequest("document id required")
	}
	if ctx.Body == nil {
		return httperr.BadRequest("request body required")
	}
	rctx := ctx.Raw.Context()

	current, err := c.store.FindOne(rctx, c.cfg.Collection, store.Query{"id": id})
	if errors.Is(err, store.ErrNotFound) {
		return httperr.NotFound
	}
	if err != nil {
		return fmt.Errorf("find %s/%s: %w", c.cfg.Collection, id, err)
	}

	patch := store.Document{}
	for k, v := range ctx.Body {
		if k == "id" {
			continue
		}
		patch[k] = v
		current[k] = v
	}

	if err := c.runHook(ctx, "on_put.js", current); err != nil {
		return err
	}

	if _, err := c.store.Update(rctx, c.cfg.Collection, store.Query{"id": id}, patch); err != nil {
		return fmt.Errorf("update %s/%s: %w", c.cfg.Collection, id, err)
	}
	ctx.Finalize(nil, current)
	return nil
}

func (c *Collection) remove(ctx *resource.Context, id string) error {
	if id == "" {
		return httperr.BadRequest("document id required")
	}
	rctx := ctx.Raw.Context()

	doc, err := c.store.FindOne(rctx, c.cfg.Collection, store.Query{"id": id})
	if errors.Is(err, store.ErrNotFound) {
		return httperr.NotFound
	}
	if err != nil {
		return fmt.Errorf("find %s/%s: %w", c.cfg.Collection, id, err)
	}

	if err := c.runHook(ctx, "on_delete.js", doc); err != nil {
		return err
	}

	if _, err := c.store.Remove(rctx, c.cfg.Collection, store.Query{"id": id}); err != nil {
		return fmt.Errorf("remove %s/%s: %w", c.cfg.Collection, id, err)
	}
	ctx.Status(http.StatusNoContent)
	ctx.Finalize(nil, nil)
	return nil
}

// runHook executes a verb hook against data (the document or request body
// under operation; hook mutations write through). It blocks until the hook
// reaches quiescence and maps terminal errors onto the application error
// taxonomy.
func (c *Collection) runHook(ctx *resource.Context, name string, data map[string]any) error {
	if c.cfg.Hooks == nil {
		return nil
	}
	s := c.cfg.Hooks.Get(name)
	if s == nil {
		return nil
	}

	var me any
	if ctx.Session != nil && ctx.Session.UserID() != "" {
		me = map[string]any{"id": ctx.Session.UserID()}
	}
	base := map[string]any{
		"me":    me,
		"query": map[string]any(queryFrom(ctx)),
		"body":  ctx.Body,
		"this":  data,
	}

	hidden := make([]string, 0, 2)
	fieldErrs := make(map[string]any)
	domain := map[string]any{
		"hide":  func(field string) { hidden = append(hidden, field) },
		"error": func(field, msg string) { fieldErrs[field] = msg },
	}
	for k, fn := range c.domainStore(ctx.Raw.Context()) {
		domain[k] = fn
	}

	ch := make(chan error, 1)
	s.Run(base, domain, script.RunOptions{Watchdog: c.cfg.HookWatchdog}, func(err error) { ch <- err })
	if err := <-ch; err != nil {
		var se *script.Error
		if errors.As(err, &se) {
			status := se.Status
			if status == 0 {
				status = http.StatusBadRequest
			}
			return httperr.New(status, se.Message)
		}
		c.log.Error("hook failed", "hook", name, "error", err)
		return err
	}

	for _, field := range hidden {
		delete(data, field)
	}
	if len(fieldErrs) > 0 {
		return &httperr.Error{
			Status:  http.StatusBadRequest,
			Message: "validation failed",
			Errors:  fieldErrs,
		}
	}
	return nil
}

// domainStore exposes this collection's store operations to hooks as
// asynchronous domain functions.
func (c *Collection) domainStore(rctx context.Context) map[string]any {
	queryArg := func(args []any) store.Query {
		if len(args) > 0 {
			if m, ok := args[0].(map[string]any); ok {
				return m
			}
		}
		return store.Query{}
	}
	return map[string]any{
		"find": script.DomainFunc(func(args []any, done func(error, any)) {
			q := queryArg(args)
			go func() {
				docs, err := c.store.Find(rctx, c.cfg.Collection, q)
				done(err, docs)
			}()
		}),
		"count": script.DomainFunc(func(args []any, done func(error, any)) {
			q := queryArg(args)
			go func() {
				n, err := c.store.Count(rctx, c.cfg.Collection, q)
				done(err, n)
			}()
		}),
	}
}

// queryFrom flattens the URL query into a store query; repeated keys keep
// the first value.
func queryFrom(ctx *resource.Context) store.Query {
	q := store.Query{}
	for k, vs := range ctx.Query {
		if len(vs) > 0 {
			q[k] = vs[0]
		}
	}
	return q
}

var _ resource.Resource = (*Collection)(nil)
