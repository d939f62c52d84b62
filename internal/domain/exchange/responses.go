package exchange

import "github.com/Sentinel-Gate/filtergate/pkg/promise"

// NewNotFound returns an empty 404 response.
func NewNotFound() *Response {
	return NewResponse(StatusNotFound)
}

// NewInternalServerError returns a 500 response carrying err as its cause.
// err may be nil.
func NewInternalServerError(err error) *Response {
	return NewResponse(StatusInternalServerError).SetCause(err)
}

// InternalServerErrorOn returns an exception function that turns any failure
// into a 500 response. Use it as the exception argument of promise.Then to
// move a failing promise onto the never-failing response channel.
func InternalServerErrorOn[E error]() func(E) (*Response, promise.NeverThrows) {
	return func(e E) (*Response, promise.NeverThrows) {
		return NewInternalServerError(e), nil
	}
}

// InternalServerErrorAsync is InternalServerErrorOn for promise.ThenAsync.
func InternalServerErrorAsync[E error]() func(E) *promise.Promise[*Response, promise.NeverThrows] {
	return func(e E) *promise.Promise[*Response, promise.NeverThrows] {
		return promise.Resolved[*Response, promise.NeverThrows](NewInternalServerError(e))
	}
}
