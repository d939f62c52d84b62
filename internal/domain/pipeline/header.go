package pipeline

import (
	"net/http"

	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
)

// HeaderFilter removes then adds headers on the request before dispatch and
// on the response after it.
type HeaderFilter struct {
	RequestRemove  []string
	RequestAdd     http.Header
	ResponseRemove []string
	ResponseAdd    http.Header
}

var _ Filter = (*HeaderFilter)(nil)

// Filter applies the request edits, dispatches, then applies the response edits.
func (f *HeaderFilter) Filter(ctx *reqctx.Context, req *exchange.Request, next Handler) *ResponsePromise {
	if req.Headers == nil {
		req.Headers = make(http.Header)
	}
	editHeaders(req.Headers, f.RequestRemove, f.RequestAdd)

	p := next.Handle(ctx, req)
	if p == nil {
		return Respond(exchange.NewInternalServerError(ErrNoResponse))
	}
	if len(f.ResponseRemove) == 0 && len(f.ResponseAdd) == 0 {
		return p
	}
	return MapResponse(p, func(resp *exchange.Response) *exchange.Response {
		if resp == nil {
			return nil
		}
		if resp.Headers == nil {
			resp.Headers = make(http.Header)
		}
		editHeaders(resp.Headers, f.ResponseRemove, f.ResponseAdd)
		return resp
	})
}

func editHeaders(h http.Header, remove []string, add http.Header) {
	for _, name := range remove {
		h.Del(name)
	}
	for name, values := range add {
		for _, v := range values {
			h.Add(name, v)
		}
	}
}
