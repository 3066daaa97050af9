package collection

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/girderhq/girder/httperr"
	"github.com/girderhq/girder/resource"
	"github.com/girderhq/girder/script"
	"github.com/girderhq/girder/store/memorystore"
)

type staticHooks map[string]*script.Script

func (h staticHooks) Get(name string) *script.Script { return h[name] }

func newCollection(t *testing.T, hooks HookSource) *Collection {
	t.Helper()
	return New(Config{BasePath: "/items", Hooks: hooks}, memorystore.New(), nil)
}

// do runs one request through Handle and returns the recorder plus the
// handler's error.
func do(t *testing.T, c *Collection, method, target, body string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ctx, err := resource.NewContext(c, nil, rec, r, []byte(body))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return rec, c.Handle(ctx)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("body %q: %v", rec.Body.String(), err)
	}
	return doc
}

func TestCRUD(t *testing.T) {
	c := newCollection(t, nil)

	rec, err := do(t, c, http.MethodPost, "/items", `{"title":"first","rank":1}`)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	created := decode(t, rec)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("POST did not assign an id: %v", created)
	}

	rec, err = do(t, c, http.MethodGet, "/items/"+id, "")
	if err != nil {
		t.Fatalf("GET by id: %v", err)
	}
	if got := decode(t, rec); got["title"] != "first" {
		t.Errorf("GET returned %v", got)
	}

	rec, err = do(t, c, http.MethodPut, "/items/"+id, `{"title":"renamed"}`)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	if got := decode(t, rec); got["title"] != "renamed" || got["id"] != id {
		t.Errorf("PUT returned %v", got)
	}

	rec, err = do(t, c, http.MethodGet, "/items", "")
	if err != nil {
		t.Fatalf("GET list: %v", err)
	}
	var list []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Errorf("list = %q", rec.Body.String())
	}

	rec, err = do(t, c, http.MethodDelete, "/items/"+id, "")
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", rec.Code)
	}

	if _, err = do(t, c, http.MethodGet, "/items/"+id, ""); httperr.StatusOf(err, 0) != http.StatusNotFound {
		t.Errorf("GET after delete = %v, want 404", err)
	}
}

func TestUnknownShapesDefer(t *testing.T) {
	c := newCollection(t, nil)

	if _, err := do(t, c, http.MethodGet, "/items/a/b", ""); !errors.Is(err, resource.ErrDefer) {
		t.Errorf("deep path: err = %v, want ErrDefer", err)
	}
	if _, err := do(t, c, http.MethodPatch, "/items", ""); !errors.Is(err, resource.ErrDefer) {
		t.Errorf("unsupported method: err = %v, want ErrDefer", err)
	}
}

func TestHookCancelRejectsWrite(t *testing.T) {
	hooks := staticHooks{
		"on_post.js": script.Load("on_post.js", `cancelIf(!body.title, "title required", 400);`),
	}
	c := newCollection(t, hooks)

	if _, err := do(t, c, http.MethodPost, "/items", `{"nope":1}`); httperr.StatusOf(err, 0) != http.StatusBadRequest {
		t.Errorf("err = %v, want 400", err)
	}

	if _, err := do(t, c, http.MethodPost, "/items", `{"title":"ok"}`); err != nil {
		t.Errorf("valid POST failed: %v", err)
	}
}

func TestHookFieldErrorsAccumulate(t *testing.T) {
	hooks := staticHooks{
		"on_post.js": script.Load("on_post.js", `
			if (!body.title) error("title", "required");
			if (!body.rank) error("rank", "required");
		`),
	}
	c := newCollection(t, hooks)

	_, err := do(t, c, http.MethodPost, "/items", `{}`)
	var apperr *httperr.Error
	if !errors.As(err, &apperr) || apperr.Status != http.StatusBadRequest {
		t.Fatalf("err = %v, want a 400 application error", err)
	}
	if apperr.Errors["title"] != "required" || apperr.Errors["rank"] != "required" {
		t.Errorf("Errors = %v, want both fields flagged", apperr.Errors)
	}
}

func TestHookHidesFields(t *testing.T) {
	hooks := staticHooks{
		"on_get.js": script.Load("on_get.js", `hide("secret");`),
	}
	c := newCollection(t, hooks)

	rec, err := do(t, c, http.MethodPost, "/items", `{"title":"x","secret":"hunter2"}`)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	id := decode(t, rec)["id"].(string)

	rec, err = do(t, c, http.MethodGet, "/items/"+id, "")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	got := decode(t, rec)
	if _, present := got["secret"]; present {
		t.Errorf("hidden field leaked: %v", got)
	}
	if got["title"] != "x" {
		t.Errorf("visible fields lost: %v", got)
	}
}

func TestHookMutationsWriteThrough(t *testing.T) {
	hooks := staticHooks{
		"on_post.js": script.Load("on_post.js", `this.createdBy = me ? me.id : "anonymous";`),
	}
	c := newCollection(t, hooks)

	rec, err := do(t, c, http.MethodPost, "/items", `{"title":"x"}`)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if got := decode(t, rec); got["createdBy"] != "anonymous" {
		t.Errorf("hook mutation lost: %v", got)
	}
}

func TestHookUsesAsyncStoreFunctions(t *testing.T) {
	hooks := staticHooks{
		"on_post.js": script.Load("on_post.js", `
			count({}, function(err, n) {
				cancelIf(n >= 1, "collection is full", 409);
			});
		`),
	}
	c := newCollection(t, hooks)

	if _, err := do(t, c, http.MethodPost, "/items", `{"title":"first"}`); err != nil {
		t.Fatalf("first POST: %v", err)
	}
	if _, err := do(t, c, http.MethodPost, "/items", `{"title":"second"}`); httperr.StatusOf(err, 0) != http.StatusConflict {
		t.Errorf("second POST err = %v, want 409", err)
	}
}
