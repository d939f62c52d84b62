package pipeline

import (
	"net/http"
	"strings"

	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
)

// StaticHandler answers every request with a copy of the same response.
type StaticHandler struct {
	resp *exchange.Response
}

var _ Handler = (*StaticHandler)(nil)

// NewStaticHandler returns a handler replying with status, headers and body.
func NewStaticHandler(status exchange.Status, headers http.Header, body string) *StaticHandler {
	resp := exchange.NewResponse(status)
	for name, values := range headers {
		for _, v := range values {
			resp.Headers.Add(name, v)
		}
	}
	resp.Entity.SetString(body)
	return &StaticHandler{resp: resp}
}

// Handle returns the configured response.
func (h *StaticHandler) Handle(_ *reqctx.Context, _ *exchange.Request) *ResponsePromise {
	return Respond(h.resp.Copy())
}

// Route binds a path prefix to a handler.
type Route struct {
	Name    string
	Prefix  string
	Handler Handler
}

// Router dispatches to the first route whose prefix matches the request
// path, and answers 404 when none does.
type Router struct {
	routes []Route
}

var _ Handler = (*Router)(nil)

// NewRouter returns a Router over routes, tried in order.
func NewRouter(routes ...Route) (*Router, error) {
	for _, r := range routes {
		if r.Handler == nil {
			return nil, &ConfigError{Component: "route " + r.Name, Err: ErrNilComponent}
		}
	}
	return &Router{routes: append([]Route(nil), routes...)}, nil
}

// Handle dispatches req.
func (r *Router) Handle(ctx *reqctx.Context, req *exchange.Request) *ResponsePromise {
	path := "/"
	if req.URI != nil && req.URI.Path != "" {
		path = req.URI.Path
	}
	for _, route := range r.routes {
		if matchPrefix(path, route.Prefix) {
			return route.Handler.Handle(ctx, req)
		}
	}
	return Respond(exchange.NewNotFound())
}

// Routes returns the configured routes.
func (r *Router) Routes() []Route {
	return append([]Route(nil), r.routes...)
}

// matchPrefix matches whole path segments: "/api" matches "/api" and
// "/api/x" but not "/apix".
func matchPrefix(path, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
