package girder

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/girderhq/girder/resource"
	"github.com/girderhq/girder/router"
)

type funcResource struct {
	base string
	fn   func(ctx *resource.Context) error
}

func (f *funcResource) BasePath() string                                     { return f.base }
func (f *funcResource) Handle(ctx *resource.Context) error                   { return f.fn(ctx) }
func (f *funcResource) ExternalMethods() map[string]resource.ExternalMethod { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(Config{
		Addr:      ":0",
		StoreDSN:  "memory://",
		PubSubDSN: "memory://",
	}, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(s.close)
	return s
}

func do(t *testing.T, s *Server, method, target, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		r.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)
	return rec
}

func TestCollectionOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.AddCollection("/items")

	rec := do(t, s, http.MethodPost, "/items", `{"title":"first"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST status = %d, body %q", rec.Code, rec.Body.String())
	}
	var created map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("no id assigned: %v", created)
	}

	rec = do(t, s, http.MethodGet, "/items/"+id, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "first") {
		t.Errorf("GET = %d %q", rec.Code, rec.Body.String())
	}
}

func TestUnmatchedRequestIs404(t *testing.T) {
	s := newTestServer(t)
	s.AddCollection("/items")

	rec := do(t, s, http.MethodGet, "/other", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["message"] != "Resource not found" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestSessionCookieLifecycle(t *testing.T) {
	s := newTestServer(t)
	s.AddResource(&funcResource{base: "/login", fn: func(ctx *resource.Context) error {
		if err := s.Registry().SetUserID(ctx.Raw.Context(), ctx.Session, "alice"); err != nil {
			return err
		}
		ctx.Finalize(nil, map[string]any{"user": "alice"})
		return nil
	}})
	s.AddResource(&funcResource{base: "/whoami", fn: func(ctx *resource.Context) error {
		ctx.Finalize(nil, map[string]any{"id": ctx.Session.ID(), "user": ctx.Session.UserID()})
		return nil
	}})

	// Anonymous requests get no cookie; the session is never persisted.
	rec := do(t, s, http.MethodGet, "/whoami", "")
	if got := rec.Result().Cookies(); len(got) != 0 {
		t.Errorf("anonymous request was issued cookies: %v", got)
	}

	// Logging in persists the session, so the response carries a signed
	// token for its freshly assigned id.
	rec = do(t, s, http.MethodPost, "/login", `{}`)
	var sid *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == router.SessionCookie {
			sid = c
		}
	}
	if sid == nil {
		t.Fatal("login response carried no session cookie")
	}
	loginID, err := s.keyring.Verify(sid.Value)
	if err != nil || loginID == "" {
		t.Fatalf("cookie did not verify: %v", err)
	}

	// Presenting the cookie resolves the same session.
	rec = do(t, s, http.MethodGet, "/whoami", "", sid)
	var who map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &who); err != nil {
		t.Fatal(err)
	}
	if who["id"] != loginID || who["user"] != "alice" {
		t.Errorf("whoami = %v, want session %s for alice", who, loginID)
	}

	// A forged cookie falls back to a fresh anonymous session.
	forged := &http.Cookie{Name: router.SessionCookie, Value: sid.Value + "x"}
	rec = do(t, s, http.MethodGet, "/whoami", "", forged)
	if err := json.Unmarshal(rec.Body.Bytes(), &who); err != nil {
		t.Fatal(err)
	}
	if who["id"] == loginID {
		t.Error("forged cookie resolved the real session")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "girder_") {
		t.Errorf("metrics = %d", rec.Code)
	}
}
