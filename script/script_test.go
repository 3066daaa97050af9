package script

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func runAndWait(t *testing.T, s *Script, base, domain map[string]any, opts RunOptions) error {
	t.Helper()
	ch := make(chan error, 1)
	s.Run(base, domain, opts, func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("run did not complete")
		return nil
	}
}

func TestSynchronousHook(t *testing.T) {
	s := Load("noop.js", `var x = 1 + 1;`)
	if err := runAndWait(t, s, nil, nil, RunOptions{}); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestBaseValuesAreInScope(t *testing.T) {
	s := Load("guard.js", `cancelUnless(me.id === "u1", "denied", 401);`)
	base := map[string]any{"me": map[string]any{"id": "u1"}}

	if err := runAndWait(t, s, base, nil, RunOptions{}); err != nil {
		t.Errorf("err = %v, want nil for the matching user", err)
	}

	base["me"] = map[string]any{"id": "intruder"}
	err := runAndWait(t, s, base, nil, RunOptions{})
	se, ok := err.(*Error)
	if !ok || se.Status != 401 || se.Message != "denied" {
		t.Errorf("err = %v, want denied with status 401", err)
	}
}

func TestThisBindingWritesThrough(t *testing.T) {
	doc := map[string]any{"title": "x"}
	s := Load("stamp.js", `this.touched = true;`)
	if err := runAndWait(t, s, map[string]any{"this": doc}, nil, RunOptions{}); err != nil {
		t.Fatalf("err = %v", err)
	}
	if doc["touched"] != true {
		t.Errorf("this mutation did not write through: %v", doc)
	}
}

func TestCancelIfShortCircuits(t *testing.T) {
	var after bool
	domain := map[string]any{
		"after": DomainFunc(func(args []any, done func(error, any)) {
			after = true
			done(nil, nil)
		}),
	}
	s := Load("cancel.js", `cancelIf(true, "nope", 403); after(function() {});`)

	err := runAndWait(t, s, nil, domain, RunOptions{})
	se, ok := err.(*Error)
	if !ok || se.Status != 403 || se.Message != "nope" {
		t.Fatalf("err = %v, want nope with status 403", err)
	}
	if after {
		t.Error("statements after the cancel still executed")
	}
}

func TestSynchronousThrowIsTerminal(t *testing.T) {
	s := Load("throw.js", `throw new Error("broken hook");`)
	err := runAndWait(t, s, nil, nil, RunOptions{})
	if err == nil || !strings.Contains(err.Error(), "broken hook") {
		t.Errorf("err = %v, want the thrown message", err)
	}
}

func TestCompileFailureIsPermanent(t *testing.T) {
	s := Load("bad.js", `this is not a program (`)
	first := runAndWait(t, s, nil, nil, RunOptions{})
	second := runAndWait(t, s, nil, nil, RunOptions{})
	if first == nil || second == nil {
		t.Fatalf("runs = (%v, %v), want both to fail", first, second)
	}
	if first.Error() != second.Error() {
		t.Errorf("compile error changed between runs: %q vs %q", first, second)
	}
}

func TestCompiledCacheIsKeyedBySignature(t *testing.T) {
	s := Load("shape.js", `var y = 0;`)
	if _, err := s.compileFor([]string{"a", "b"}); err != nil {
		t.Fatalf("compileFor: %v", err)
	}
	if _, err := s.compileFor([]string{"a", "b", "c"}); err != nil {
		t.Fatalf("compileFor: %v", err)
	}
	if got := len(s.cache); got != 2 {
		t.Errorf("cache has %d entries, want 2", got)
	}
	if _, err := s.compileFor([]string{"a", "b"}); err != nil {
		t.Fatalf("compileFor: %v", err)
	}
	if got := len(s.cache); got != 2 {
		t.Errorf("repeated signature grew the cache to %d entries", got)
	}
}

// asyncOp settles on its own goroutine after delay, recording the settle.
func asyncOp(delay time.Duration, failWith error, settled *int, mu *sync.Mutex) DomainFunc {
	return func(args []any, done func(error, any)) {
		go func() {
			time.Sleep(delay)
			mu.Lock()
			*settled++
			mu.Unlock()
			done(failWith, "ok")
		}()
	}
}

func TestQuiescenceWaitsForAllOps(t *testing.T) {
	var settled int
	var mu sync.Mutex
	domain := map[string]any{
		"fast": asyncOp(5*time.Millisecond, nil, &settled, &mu),
		"slow": asyncOp(50*time.Millisecond, nil, &settled, &mu),
	}
	s := Load("both.js", `slow(function() {}); fast(function() {});`)

	if err := runAndWait(t, s, nil, domain, RunOptions{}); err != nil {
		t.Fatalf("err = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if settled != 2 {
		t.Errorf("completion fired with %d of 2 ops settled", settled)
	}
}

func TestFirstErrorWins(t *testing.T) {
	var settled int
	var mu sync.Mutex
	domain := map[string]any{
		"fast": asyncOp(5*time.Millisecond, &Error{Message: "fast failed"}, &settled, &mu),
		"slow": asyncOp(50*time.Millisecond, &Error{Message: "slow failed"}, &settled, &mu),
	}
	s := Load("both.js", `slow(function() {}); fast(function() {});`)

	err := runAndWait(t, s, nil, domain, RunOptions{})
	if err == nil || err.Error() != "fast failed" {
		t.Errorf("err = %v, want the first captured error", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if settled != 2 {
		t.Errorf("completion fired with %d of 2 ops settled", settled)
	}
}

func TestCallbackChaining(t *testing.T) {
	var got any
	domain := map[string]any{
		"load": DomainFunc(func(args []any, done func(error, any)) {
			go done(nil, "payload")
		}),
		"save": DomainFunc(func(args []any, done func(error, any)) {
			if len(args) > 0 {
				got = args[0]
			}
			go done(nil, nil)
		}),
	}
	s := Load("chain.js", `load(function(err, value) { save(value, function() {}); });`)

	if err := runAndWait(t, s, nil, domain, RunOptions{}); err != nil {
		t.Fatalf("err = %v", err)
	}
	if got != "payload" {
		t.Errorf("chained call received %v, want payload", got)
	}
}

func TestPromiseShapedCalls(t *testing.T) {
	var counted any
	domain := map[string]any{
		"find": DomainFunc(func(args []any, done func(error, any)) {
			go done(nil, []any{"a", "b", "c"})
		}),
		"count": DomainFunc(func(args []any, done func(error, any)) {
			if len(args) > 0 {
				counted = args[0]
			}
			go done(nil, nil)
		}),
	}
	s := Load("promise.js", `find().then(function(items) { count(items.length, function() {}); });`)

	if err := runAndWait(t, s, nil, domain, RunOptions{}); err != nil {
		t.Fatalf("err = %v", err)
	}
	if counted != int64(3) {
		t.Errorf("promise continuation saw %v (%T), want 3", counted, counted)
	}
}

func TestCancelInsideCallback(t *testing.T) {
	domain := map[string]any{
		"load": DomainFunc(func(args []any, done func(error, any)) {
			go done(nil, nil)
		}),
	}
	s := Load("latecancel.js", `load(function() { cancel("too late", 409); });`)

	err := runAndWait(t, s, nil, domain, RunOptions{})
	se, ok := err.(*Error)
	if !ok || se.Status != 409 {
		t.Errorf("err = %v, want status 409", err)
	}
}

func TestWatchdogIsOptIn(t *testing.T) {
	// An op that never settles leaves the run pending unless a watchdog is
	// requested; auto-resolving silent hangs is deliberately not a default.
	domain := map[string]any{
		"hang": DomainFunc(func(args []any, done func(error, any)) {}),
	}
	s := Load("hang.js", `hang(function() {});`)

	ch := make(chan error, 1)
	s.Run(nil, domain, RunOptions{}, func(err error) { ch <- err })
	select {
	case err := <-ch:
		t.Fatalf("pending run completed with %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	s.Run(nil, domain, RunOptions{Watchdog: 50 * time.Millisecond}, func(err error) { ch <- err })
	select {
	case err := <-ch:
		if err == nil || !strings.Contains(err.Error(), "watchdog") {
			t.Errorf("err = %v, want a watchdog error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
}
