// Package promise provides a single-assignment, eventually-resolved result
// container used by the filter pipeline.
//
// A Promise is pending until its producer calls Resolve or Fail exactly once.
// Consumers attach callbacks (ThenOnResult, ThenOnException, ThenAlways) or
// derive new promises (Then, ThenAsync, Map). Callbacks fire in registration
// order; a callback registered after settlement runs immediately on the
// registering goroutine.
//
// The failure type is a type parameter. Promises typed with NeverThrows can
// never hold a failure: NeverThrows has no non-nil values.
//
// The machinery never panics on its own. Panics raised by user callbacks are
// recovered; see PanicHandler and PanicError.
package promise

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"
)

// NeverThrows is the failure type of promises that cannot fail.
// No type implements it, so nil is its only value.
type NeverThrows interface {
	error
	neverThrows()
}

// PanicError carries a panic value recovered from a transform callback.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("promise callback panicked: %v", e.Value)
}

// PanicHandler receives panics recovered from callbacks that have no promise
// left to report them on. Replaceable for tests; must be safe for concurrent use.
var PanicHandler = func(value any, stack []byte) {
	slog.Default().Error("promise callback panicked", "panic", value, "stack", string(stack))
}

type state uint8

const (
	statePending state = iota
	stateResolved
	stateFailed
)

// Promise holds at most one of pending, resolved(V) or failed(E).
type Promise[V any, E error] struct {
	mu        sync.Mutex
	state     state
	value     V
	err       E
	done      chan struct{}
	callbacks []func()
}

// New returns a pending promise.
func New[V any, E error]() *Promise[V, E] {
	return &Promise[V, E]{done: make(chan struct{})}
}

// Resolved returns a promise already resolved with v.
func Resolved[V any, E error](v V) *Promise[V, E] {
	p := New[V, E]()
	p.Resolve(v)
	return p
}

// Failed returns a promise already failed with e.
func Failed[V any, E error](e E) *Promise[V, E] {
	p := New[V, E]()
	p.Fail(e)
	return p
}

// Resolve settles the promise with v. Returns false if already settled.
func (p *Promise[V, E]) Resolve(v V) bool {
	var zero E
	return p.settle(stateResolved, v, zero)
}

// Fail settles the promise with e. Returns false if already settled or if e
// is the zero value of E (which is always the case for NeverThrows).
func (p *Promise[V, E]) Fail(e E) bool {
	if !isFailure(e) {
		return false
	}
	var zero V
	return p.settle(stateFailed, zero, e)
}

func (p *Promise[V, E]) settle(st state, v V, e E) bool {
	p.mu.Lock()
	if p.state != statePending {
		p.mu.Unlock()
		return false
	}
	p.state = st
	p.value = v
	p.err = e
	callbacks := p.callbacks
	p.callbacks = nil
	close(p.done)
	p.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
	return true
}

// IsDone reports whether the promise has settled.
func (p *Promise[V, E]) IsDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the promise settles.
func (p *Promise[V, E]) Done() <-chan struct{} {
	return p.done
}

// Get waits for the promise to settle or ctx to be done. The returned error
// is the failure value, or ctx.Err() if the wait was abandoned.
func (p *Promise[V, E]) Get(ctx context.Context) (V, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
	if p.state == stateFailed {
		var zero V
		return zero, p.err
	}
	return p.value, nil
}

// onSettle runs cb once the promise settles; immediately if it already has.
func (p *Promise[V, E]) onSettle(cb func()) {
	p.mu.Lock()
	if p.state == statePending {
		p.callbacks = append(p.callbacks, cb)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	cb()
}

// outcome must only be called after settlement.
func (p *Promise[V, E]) outcome() (V, E, bool) {
	return p.value, p.err, p.state == stateResolved
}

// ThenOnResult registers fn to run with the value if the promise resolves.
// Returns p.
func (p *Promise[V, E]) ThenOnResult(fn func(V)) *Promise[V, E] {
	p.onSettle(func() {
		v, _, ok := p.outcome()
		if ok {
			guard(func() { fn(v) })
		}
	})
	return p
}

// ThenOnException registers fn to run with the failure if the promise fails.
// Returns p.
func (p *Promise[V, E]) ThenOnException(fn func(E)) *Promise[V, E] {
	p.onSettle(func() {
		_, e, ok := p.outcome()
		if !ok {
			guard(func() { fn(e) })
		}
	})
	return p
}

// ThenAlways registers fn to run once the promise settles either way.
// Returns p.
func (p *Promise[V, E]) ThenAlways(fn func()) *Promise[V, E] {
	p.onSettle(func() { guard(fn) })
	return p
}

// Then returns a promise settled by applying onResult or onException to the
// outcome of p. A returned F that is not the zero value fails the new promise.
// Both functions must be non-nil; use NoopExceptionFunc when p cannot fail.
func Then[V any, E error, U any, F error](p *Promise[V, E], onResult func(V) (U, F), onException func(E) (U, F)) *Promise[U, F] {
	next := New[U, F]()
	p.onSettle(func() {
		defer recoverInto(next)
		v, e, ok := p.outcome()
		var (
			u U
			f F
		)
		if ok {
			u, f = onResult(v)
		} else {
			u, f = onException(e)
		}
		if isFailure(f) {
			next.Fail(f)
			return
		}
		next.Resolve(u)
	})
	return next
}

// ThenAsync is Then for functions that themselves return promises.
func ThenAsync[V any, E error, U any, F error](p *Promise[V, E], onResult func(V) *Promise[U, F], onException func(E) *Promise[U, F]) *Promise[U, F] {
	next := New[U, F]()
	p.onSettle(func() {
		defer recoverInto(next)
		v, e, ok := p.outcome()
		var inner *Promise[U, F]
		if ok {
			inner = onResult(v)
		} else {
			inner = onException(e)
		}
		forward(inner, next)
	})
	return next
}

// Map transforms the result of p and forwards its failure unchanged.
func Map[V any, E error, U any](p *Promise[V, E], fn func(V) U) *Promise[U, E] {
	return Then(p, func(v V) (U, E) {
		var zero E
		return fn(v), zero
	}, func(e E) (U, E) {
		var zero U
		return zero, e
	})
}

// NoopExceptionFunc returns the exception function used when composing a
// promise that cannot fail. It is never invoked with a real failure.
func NoopExceptionFunc[U any, F error]() func(NeverThrows) (U, F) {
	return func(NeverThrows) (U, F) {
		var (
			u U
			f F
		)
		return u, f
	}
}

func forward[V any, E error](from, to *Promise[V, E]) {
	if from == nil {
		var zero V
		to.Resolve(zero)
		return
	}
	from.onSettle(func() {
		v, e, ok := from.outcome()
		if ok {
			to.Resolve(v)
		} else {
			to.Fail(e)
		}
	})
}

// recoverInto settles next after a panicking transform: failed with a
// *PanicError when F admits one, resolved with the zero value otherwise.
func recoverInto[U any, F error](next *Promise[U, F]) {
	r := recover()
	if r == nil {
		return
	}
	pe := &PanicError{Value: r, Stack: debug.Stack()}
	if f, ok := error(pe).(F); ok && next.Fail(f) {
		return
	}
	PanicHandler(r, pe.Stack)
	var zero U
	next.Resolve(zero)
}

func guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			PanicHandler(r, debug.Stack())
		}
	}()
	fn()
}

// isFailure reports whether e is a non-zero failure value. A nil pointer
// counts as no failure, whether E is the pointer type itself or an interface
// holding it.
func isFailure[E error](e E) bool {
	v := reflect.ValueOf(&e).Elem()
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return !v.IsNil()
	}
	return !v.IsZero()
}
