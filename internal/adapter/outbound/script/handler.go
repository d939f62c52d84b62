package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/pipeline"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
	"github.com/Sentinel-Gate/filtergate/pkg/promise"
)

// ErrNoResult is reported when a handler script produces nothing.
var ErrNoResult = errors.New("script returned no response")

// ScriptableHandler is a Handler whose response is computed by a script.
//
// Results convert to responses as follows: a *exchange.Response is used as
// is; an integer is a status; a string is a 200 body; a map may carry
// status, headers and body. Failures become 500 responses.
type ScriptableHandler struct {
	script *Script
}

var _ pipeline.Handler = (*ScriptableHandler)(nil)

// NewScriptableHandler returns a handler running s.
func NewScriptableHandler(s *Script) (*ScriptableHandler, error) {
	if s == nil {
		return nil, &pipeline.ConfigError{Component: "scriptable handler", Err: pipeline.ErrNilComponent}
	}
	return &ScriptableHandler{script: s}, nil
}

// Handle runs the script.
func (h *ScriptableHandler) Handle(ctx *reqctx.Context, req *exchange.Request) *pipeline.ResponsePromise {
	b := h.script.Bindings(ctx, req, nil)
	return promise.Then(h.script.Execute(b), func(v any) (*exchange.Response, promise.NeverThrows) {
		if v == nil {
			return exchange.NewInternalServerError(&ScriptError{Script: h.script.name, Err: ErrNoResult}), nil
		}
		return h.script.response(v), nil
	}, exchange.InternalServerErrorOn[error]())
}

// ScriptableFilter is a Filter whose decision is computed by a script.
//
// true or null continues the chain, false answers 403 Forbidden, and any
// response-shaped result (see ScriptableHandler) short-circuits with that
// response. Go functions may also call Bindings.Next themselves and return
// its promise.
type ScriptableFilter struct {
	script *Script
}

var _ pipeline.Filter = (*ScriptableFilter)(nil)

// NewScriptableFilter returns a filter running s.
func NewScriptableFilter(s *Script) (*ScriptableFilter, error) {
	if s == nil {
		return nil, &pipeline.ConfigError{Component: "scriptable filter", Err: pipeline.ErrNilComponent}
	}
	return &ScriptableFilter{script: s}, nil
}

// Filter runs the script and acts on its decision.
func (f *ScriptableFilter) Filter(ctx *reqctx.Context, req *exchange.Request, next pipeline.Handler) *pipeline.ResponsePromise {
	b := f.script.Bindings(ctx, req, next)
	return promise.ThenAsync(f.script.Execute(b), func(v any) *pipeline.ResponsePromise {
		switch v := v.(type) {
		case nil:
			return next.Handle(ctx, req)
		case bool:
			if v {
				return next.Handle(ctx, req)
			}
			return pipeline.Respond(exchange.NewResponse(exchange.StatusForbidden))
		default:
			return pipeline.Respond(f.script.response(v))
		}
	}, exchange.InternalServerErrorAsync[error]())
}

// response converts a script result, answering 500 for shapes it does not know.
func (s *Script) response(v any) *exchange.Response {
	resp, err := toResponse(v)
	if err != nil {
		se := &ScriptError{Script: s.name, Err: err}
		s.logger.Error("script result is not a response", "error", err)
		return exchange.NewInternalServerError(se)
	}
	return resp
}

func toResponse(v any) (*exchange.Response, error) {
	switch v := v.(type) {
	case *exchange.Response:
		if v == nil {
			return nil, ErrNoResult
		}
		return v, nil
	case string:
		resp := exchange.NewResponse(exchange.StatusOK)
		resp.Entity.SetString(v)
		return resp, nil
	case map[string]any:
		return mapResponse(v)
	default:
		code, ok := asInt(v)
		if !ok {
			return nil, fmt.Errorf("unsupported result type %T", v)
		}
		return statusResponse(code)
	}
}

func statusResponse(code int) (*exchange.Response, error) {
	if code < 100 || code > 599 {
		return nil, fmt.Errorf("status %d out of range", code)
	}
	return exchange.NewResponse(exchange.NewStatus(code)), nil
}

// mapResponse reads {status, headers, body}. status defaults to 200.
func mapResponse(m map[string]any) (*exchange.Response, error) {
	code := http.StatusOK
	if raw, ok := m["status"]; ok {
		n, ok := asInt(raw)
		if !ok {
			return nil, fmt.Errorf("status must be an integer, got %T", raw)
		}
		code = n
	}
	resp, err := statusResponse(code)
	if err != nil {
		return nil, err
	}

	if raw, ok := m["headers"]; ok {
		headers, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("headers must be a map, got %T", raw)
		}
		for name, value := range headers {
			switch value := value.(type) {
			case string:
				resp.Headers.Add(name, value)
			case []any:
				for _, item := range value {
					resp.Headers.Add(name, fmt.Sprint(item))
				}
			case []string:
				for _, item := range value {
					resp.Headers.Add(name, item)
				}
			default:
				resp.Headers.Add(name, fmt.Sprint(value))
			}
		}
	}

	switch body := m["body"].(type) {
	case nil:
	case string:
		resp.Entity.SetString(body)
	case []byte:
		resp.Entity.SetBytes(body)
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding body: %w", err)
		}
		resp.Entity.SetBytes(data)
		if resp.Headers.Get("Content-Type") == "" {
			resp.Headers.Set("Content-Type", "application/json")
		}
	}
	return resp, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
