// Package script compiles and runs dynamically supplied hook source against
// an injected set of domain functions, detecting completion purely by
// counting outstanding asynchronous operations. A hook has no structured
// concurrency of its own: every injected callable is wrapped so that calls
// increment a counter and their callbacks or promise settlements decrement
// it, and the run is complete when the counter returns to zero after the
// synchronous body has finished.
package script

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/girderhq/girder/internal/metrics"
)

// Error is the terminal error a hook run reports. Status carries the code
// supplied to cancel/cancelIf/cancelUnless, or 0 for plain failures.
type Error struct {
	Message string
	Status  int
}

func (e *Error) Error() string { return e.Message }

// StatusCode exposes the status to the error responder.
func (e *Error) StatusCode() int { return e.Status }

// DomainFunc is an asynchronous capability injected into the sandbox. It
// must eventually invoke done exactly once, from any goroutine.
type DomainFunc func(args []any, done func(err error, result any))

// RunOptions tunes a single run.
type RunOptions struct {
	// Watchdog bounds how long the run may stay pending after the
	// synchronous body returns. Zero (the default) means no bound: a domain
	// call whose done is never invoked leaves the run pending forever.
	Watchdog time.Duration
}

type compiled struct {
	prog *goja.Program
	err  error
}

// Script is a loaded hook: immutable source plus a compilation cache keyed
// by the ordered set of sandbox variable names, so repeated runs with the
// same shape reuse the compiled callable.
type Script struct {
	source string
	name   string

	mu    sync.Mutex
	cache map[string]compiled
}

// Load wraps hook source text. Compilation is deferred to the first Run for
// each variable-name signature; compile failures are permanent per handle.
func Load(name, source string) *Script {
	return &Script{
		source: source,
		name:   name,
		cache:  make(map[string]compiled),
	}
}

// Source returns the hook source text.
func (s *Script) Source() string { return s.source }

func (s *Script) compileFor(names []string) (*goja.Program, error) {
	sig := strings.Join(names, ",")

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cache[sig]; ok {
		return c.prog, c.err
	}

	src := "(function(" + sig + ") {\n" + s.source + "\n})"
	prog, err := goja.Compile(s.name, src, false)
	if err != nil {
		err = fmt.Errorf("compile hook %s: %w", s.name, err)
	}
	s.cache[sig] = compiled{prog: prog, err: err}
	return prog, err
}

// Run executes the hook once. base values are exposed as plain variables
// (the key "this" becomes the body's this-binding instead); domain values
// are traversed recursively and every DomainFunc is wrapped
// into the outstanding-operation count. onDone is invoked exactly once,
// from the run's scheduler goroutine, with the terminal error or nil.
//
// The cancel, cancelIf and cancelUnless helpers are always in scope; they
// throw synchronously, short-circuiting the rest of the hook body, and the
// synthesized error (with its optional status code) becomes the terminal
// error.
func (s *Script) Run(base map[string]any, domain map[string]any, opts RunOptions, onDone func(error)) {
	metrics.ScriptRuns.Inc()

	r := &run{
		jobs: make(chan func(), 256),
		done: onDone,
	}
	go r.execute(s, base, domain, opts)
}

// run is the per-execution scheduler. All state below is touched only on
// the execute goroutine; other goroutines reach it by posting jobs.
type run struct {
	vm   *goja.Runtime
	jobs chan func()
	done func(error)

	outstanding int
	terminal    error
	fired       bool
}

func (r *run) execute(s *Script, base, domain map[string]any, opts RunOptions) {
	names, values, thisVal := r.sandboxArgs(base, domain)

	prog, err := s.compileFor(names)
	if err != nil {
		r.finish(err)
		return
	}

	fnVal, err := r.vm.RunProgram(prog)
	if err != nil {
		r.finish(r.exportError(err))
		return
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		r.finish(&Error{Message: "hook did not compile to a callable"})
		return
	}

	// Synchronous body. A throw here is the terminal error immediately; no
	// counter bookkeeping is involved for plain synchronous failures.
	if _, err := fn(thisVal, values...); err != nil {
		r.capture(r.exportError(err))
	}

	// Completion check on the next scheduler turn: quiescent already, or
	// wait for the wrapped callbacks and promise settlements to drain.
	var watchdog <-chan time.Time
	if opts.Watchdog > 0 {
		timer := time.NewTimer(opts.Watchdog)
		defer timer.Stop()
		watchdog = timer.C
	}

	for {
		if r.outstanding == 0 {
			r.finish(r.terminal)
			return
		}
		select {
		case job := <-r.jobs:
			job()
		case <-watchdog:
			r.finish(&Error{Message: "hook did not settle before the watchdog deadline"})
			return
		}
	}
}

// sandboxArgs builds the deterministic variable-name signature and the
// aligned argument values: cancel helpers first, then base, then domain,
// each group name-sorted. The reserved base key "this" becomes the hook
// body's this-binding rather than a parameter.
func (r *run) sandboxArgs(base, domain map[string]any) ([]string, []goja.Value, goja.Value) {
	r.vm = goja.New()

	names := []string{"cancel", "cancelIf", "cancelUnless"}
	values := []goja.Value{
		r.vm.ToValue(r.cancel),
		r.vm.ToValue(r.cancelIf),
		r.vm.ToValue(r.cancelUnless),
	}
	var thisVal goja.Value = goja.Undefined()

	for _, group := range []map[string]any{base, domain} {
		keys := make([]string, 0, len(group))
		for k := range group {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if k == "this" {
				thisVal = r.sandboxValue(group[k])
				continue
			}
			names = append(names, k)
			values = append(values, r.sandboxValue(group[k]))
		}
	}
	return names, values, thisVal
}

// sandboxValue converts an injected value, recursively wrapping every
// DomainFunc it finds so its calls participate in the outstanding count.
func (r *run) sandboxValue(v any) goja.Value {
	switch tv := v.(type) {
	case DomainFunc:
		return r.wrap(tv)
	case func(args []any, done func(err error, result any)):
		return r.wrap(DomainFunc(tv))
	case map[string]any:
		obj := r.vm.NewObject()
		for k, member := range tv {
			_ = obj.Set(k, r.sandboxValue(member))
		}
		return obj
	default:
		return r.vm.ToValue(v)
	}
}

// wrap bridges a DomainFunc into the sandbox. Calling it increments the
// outstanding counter; the count is released when the hook's callback (or
// the returned promise's settlement) has run. With a trailing callable
// argument the call is callback-shaped; otherwise it returns a promise, so
// chained continuations participate recursively through the promise jobs
// the runtime drains before control returns here.
func (r *run) wrap(fn DomainFunc) goja.Value {
	return r.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		args := make([]any, 0, len(call.Arguments))
		var jsCallback goja.Callable
		for i, arg := range call.Arguments {
			if cb, ok := goja.AssertFunction(arg); ok && i == len(call.Arguments)-1 {
				jsCallback = cb
				break
			}
			args = append(args, arg.Export())
		}

		r.outstanding++

		if jsCallback != nil {
			fn(args, func(err error, result any) {
				r.post(func() {
					r.settleCallback(jsCallback, err, result)
				})
			})
			return goja.Undefined()
		}

		promise, resolve, reject := r.vm.NewPromise()
		fn(args, func(err error, result any) {
			r.post(func() {
				r.outstanding--
				if err != nil {
					r.capture(err)
					reject(r.vm.ToValue(err.Error()))
					return
				}
				resolve(r.vm.ToValue(result))
			})
		})
		return r.vm.ToValue(promise)
	})
}

func (r *run) settleCallback(cb goja.Callable, err error, result any) {
	r.outstanding--
	if err != nil {
		r.capture(err)
	}

	var errVal goja.Value = goja.Null()
	if err != nil {
		errVal = r.vm.ToValue(err.Error())
	}
	if _, cbErr := cb(goja.Undefined(), errVal, r.vm.ToValue(result)); cbErr != nil {
		r.capture(r.exportError(cbErr))
	}
}

// post hands a job to the scheduler goroutine. Jobs posted after the run
// drained are still consumed; the loop only exits at quiescence.
func (r *run) post(job func()) {
	r.jobs <- job
}

// capture keeps the first terminal error.
func (r *run) capture(err error) {
	if r.terminal == nil && err != nil {
		r.terminal = err
	}
}

func (r *run) finish(err error) {
	if r.fired {
		return
	}
	r.fired = true
	if err != nil {
		metrics.ScriptFailures.Inc()
	}
	r.done(err)
}

// exportError converts a runtime exception, recovering the typed cancel
// error when one was thrown.
func (r *run) exportError(err error) error {
	var ex *goja.Exception
	if !errors.As(err, &ex) {
		return err
	}
	if exported, ok := ex.Value().Export().(*Error); ok {
		return exported
	}
	return &Error{Message: ex.Value().String()}
}

// --- Cancellation helpers ---

func (r *run) cancel(call goja.FunctionCall) goja.Value {
	r.throwCancel(call.Argument(0), call.Argument(1))
	return goja.Undefined()
}

func (r *run) cancelIf(call goja.FunctionCall) goja.Value {
	if call.Argument(0).ToBoolean() {
		r.throwCancel(call.Argument(1), call.Argument(2))
	}
	return goja.Undefined()
}

func (r *run) cancelUnless(call goja.FunctionCall) goja.Value {
	if !call.Argument(0).ToBoolean() {
		r.throwCancel(call.Argument(1), call.Argument(2))
	}
	return goja.Undefined()
}

func (r *run) throwCancel(msgVal, statusVal goja.Value) {
	msg := "cancelled"
	if !goja.IsUndefined(msgVal) {
		msg = msgVal.String()
	}
	status := 0
	if !goja.IsUndefined(statusVal) {
		status = int(statusVal.ToInteger())
	}
	panic(r.vm.ToValue(&Error{Message: msg, Status: status}))
}
