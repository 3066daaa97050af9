package resource

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/elnormous/contenttype"

	"github.com/girderhq/girder/httperr"
	"github.com/girderhq/girder/sessions"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Context is the per-request value handed to a resource's Handle. One is
// built per (request, candidate) pairing and never outlives the request.
type Context struct {
	Raw    *http.Request
	Writer *ResponseWriter

	// Session is a shared reference owned by the registry, not the Context.
	Session *sessions.Session

	// RelativeURL is the request path with the resource's base path
	// stripped. It always starts with "/".
	RelativeURL string

	Query url.Values

	// Body holds the decoded JSON request body, or nil when the request
	// carried none (or a non-JSON media type).
	Body map[string]any

	status    int
	finalized bool
}

// NewContext builds the Context for one candidate resource. body is the raw
// request body, read once by the caller so every candidate can see it.
func NewContext(res Resource, sess *sessions.Session, w http.ResponseWriter, r *http.Request, body []byte) (*Context, error) {
	c := &Context{
		Raw:         r,
		Writer:      Wrap(w),
		Session:     sess,
		RelativeURL: relativeURL(res.BasePath(), r.URL.Path),
		Query:       r.URL.Query(),
	}

	if len(body) > 0 {
		ctype, err := contenttype.GetMediaType(r)
		if err == nil && ctype.Matches(jsonMediaType) {
			if err := json.Unmarshal(body, &c.Body); err != nil {
				return nil, httperr.BadRequest("malformed JSON request body")
			}
		}
	}

	return c, nil
}

// relativeURL strips base from path and guarantees a leading slash. It is
// stable for the empty (root) base path.
func relativeURL(base, path string) string {
	rel := strings.TrimPrefix(path, base)
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return rel
}

// Status sets the response status Finalize will send. It has no effect once
// headers are out.
func (c *Context) Status(code int) {
	c.status = code
}

// Finalized reports whether Finalize has already taken effect.
func (c *Context) Finalized() bool { return c.finalized }

// Finalize settles the request. It is effective at most once per Context;
// later calls are no-ops.
//
// A non-nil err is treated as an application error: its status is used when
// it carries one, 400 otherwise (500 stays reserved for internal faults).
// Object and array payloads are serialized to JSON with cyclic references
// dropped; if serialization still fails the response degrades to a generic
// 500. Other payloads are written as plain text. Statuses 204 and 304 never
// carry a body.
func (c *Context) Finalize(err error, payload any) {
	if c.finalized {
		return
	}
	c.finalized = true

	w := c.Writer
	if err != nil {
		var apperr *httperr.Error
		if !errors.As(err, &apperr) {
			err = httperr.New(httperr.StatusOf(err, http.StatusBadRequest), err.Error())
		}
		httperr.Respond(err, c.Raw, w)
		return
	}

	status := c.status
	if status == 0 {
		status = http.StatusOK
	}

	if status == http.StatusNoContent || status == http.StatusNotModified {
		w.WriteHeader(status)
		return
	}

	if payload == nil {
		w.WriteHeader(status)
		return
	}

	if isObjectPayload(payload) {
		buf, jsonErr := marshalDroppingCycles(payload)
		if jsonErr != nil {
			httperr.Respond(fmt.Errorf("serialize response: %w", jsonErr), c.Raw, w)
			return
		}
		c.setHeaderIfAbsent("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		w.Write(buf)
		return
	}

	c.setHeaderIfAbsent("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, payload)
}

// setHeaderIfAbsent never overwrites a header the response already carries
// and never touches headers after they have been sent.
func (c *Context) setHeaderIfAbsent(key, value string) {
	if c.Writer.Written() {
		return
	}
	h := c.Writer.Header()
	if h.Get(key) == "" {
		h.Set(key, value)
	}
}

func isObjectPayload(payload any) bool {
	switch reflect.Indirect(reflect.ValueOf(payload)).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	}
	return false
}

// marshalDroppingCycles serializes payload to JSON, eliding any map or slice
// whose identity was already visited instead of failing on the cycle.
// Payloads are the map[string]any / []any shapes script hooks and store
// documents produce; other values pass through to encoding/json untouched.
func marshalDroppingCycles(payload any) ([]byte, error) {
	clean, _ := elideVisited(reflect.ValueOf(payload), map[uintptr]bool{})
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(clean); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// elideVisited walks v with a visited set keyed by container identity. The
// second return is false when v itself must be omitted (already seen).
func elideVisited(v reflect.Value, seen map[uintptr]bool) (any, bool) {
	if !v.IsValid() {
		return nil, true
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil, true
		}
		if v.Kind() == reflect.Pointer {
			if seen[v.Pointer()] {
				return nil, false
			}
			seen[v.Pointer()] = true
		}
		return elideVisited(v.Elem(), seen)

	case reflect.Map:
		if v.IsNil() {
			return nil, true
		}
		if seen[v.Pointer()] {
			return nil, false
		}
		seen[v.Pointer()] = true
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			val, keep := elideVisited(iter.Value(), seen)
			if keep {
				out[fmt.Sprint(iter.Key().Interface())] = val
			}
		}
		return out, true

	case reflect.Slice:
		if v.IsNil() {
			return nil, true
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface(), true
		}
		if seen[v.Pointer()] {
			return nil, false
		}
		seen[v.Pointer()] = true
		return elideElements(v, seen), true

	case reflect.Array:
		return elideElements(v, seen), true

	default:
		return v.Interface(), true
	}
}

func elideElements(v reflect.Value, seen map[uintptr]bool) []any {
	out := make([]any, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		if val, keep := elideVisited(v.Index(i), seen); keep {
			out = append(out, val)
		}
	}
	return out
}
