package resource

import "net/http"

// ResponseWriter wraps the transport writer with the per-request state the
// router and Context share: whether headers have gone out and whether the
// request has already been dispatched once.
type ResponseWriter struct {
	http.ResponseWriter

	status      int
	wrote       bool
	routed      bool
	beforeWrite []func()
}

// Wrap returns w as a *ResponseWriter, reusing an existing wrapper so
// re-entrant dispatch observes the same state.
func Wrap(w http.ResponseWriter) *ResponseWriter {
	if rw, ok := w.(*ResponseWriter); ok {
		return rw
	}
	return &ResponseWriter{ResponseWriter: w}
}

// OnBeforeWrite registers fn to run once, just before headers go out. Used
// for trailing header decisions (session cookies) that depend on what the
// handler did.
func (w *ResponseWriter) OnBeforeWrite(fn func()) {
	w.beforeWrite = append(w.beforeWrite, fn)
}

func (w *ResponseWriter) WriteHeader(code int) {
	if w.wrote {
		return
	}
	for _, fn := range w.beforeWrite {
		fn()
	}
	w.beforeWrite = nil
	w.wrote = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *ResponseWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Written reports whether headers have been sent.
func (w *ResponseWriter) Written() bool { return w.wrote }

// Status returns the status sent, or 0 before headers go out.
func (w *ResponseWriter) Status() int { return w.status }

// MarkRouted records that the request entered dispatch and reports whether
// this call was the first to do so.
func (w *ResponseWriter) MarkRouted() bool {
	if w.routed {
		return false
	}
	w.routed = true
	return true
}
