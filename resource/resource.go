// Package resource defines the capability every routable handler implements
// and the per-request Context handed to it. A resource is bound to a base
// URL path; the router orders candidates by specificity and hands each one a
// fresh Context until one settles the request.
package resource

import (
	"errors"
	"strings"
)

// ErrDefer is returned by Handle to pass the request to the next candidate.
// Deferring and finalizing are mutually exclusive outcomes for one Context.
var ErrDefer = errors.New("resource: defer to next candidate")

// ExternalMethod is a named capability a resource exposes beyond its HTTP
// surface (script hooks address these by name).
type ExternalMethod func(ctx *Context) error

// Resource is a registered handler bound to a base URL path.
//
// Handle settles the request by calling Finalize on the Context (or writing
// the response directly) and returning nil, defers with ErrDefer, or aborts
// routing with any other error. Resources are immutable for the lifetime of
// a router instance.
type Resource interface {
	BasePath() string
	Handle(ctx *Context) error

	// ExternalMethods may return nil when the resource exposes none.
	ExternalMethods() map[string]ExternalMethod
}

// Specificity counts the non-empty path segments of a base path. The router
// tries higher-specificity candidates first.
func Specificity(basePath string) int {
	n := 0
	for _, seg := range strings.Split(basePath, "/") {
		if seg != "" {
			n++
		}
	}
	return n
}
