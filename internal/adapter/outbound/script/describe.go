package script

import (
	"encoding/json"
	"fmt"

	"github.com/Sentinel-Gate/filtergate/internal/domain/exchange"
	"github.com/Sentinel-Gate/filtergate/internal/domain/oauth2"
	"github.com/Sentinel-Gate/filtergate/internal/domain/reqctx"
)

// describeContext renders the leaf context node.
func describeContext(c *reqctx.Context) map[string]any {
	if c == nil {
		return map[string]any{}
	}
	return map[string]any{
		"id":    c.ID(),
		"name":  c.Name(),
		"value": describe(c.Value()),
	}
}

// describeContexts renders the nearest value per context name.
func describeContexts(contexts map[string]*reqctx.Context) map[string]any {
	out := make(map[string]any, len(contexts))
	for name, c := range contexts {
		out[name] = describe(c.Value())
	}
	return out
}

func describeRequest(req *exchange.Request) map[string]any {
	if req == nil {
		return map[string]any{}
	}
	out := map[string]any{
		"method":  req.Method,
		"version": req.Version,
		"headers": stringLists(req.Headers),
		"body":    req.Entity.String(),
		"uri":     "",
		"path":    "",
		"query":   map[string]any{},
	}
	if req.URI != nil {
		out["uri"] = req.URI.String()
		out["path"] = req.URI.Path
		out["query"] = stringLists(exchange.QueryParameters(req.URI))
	}
	return out
}

func attributesOf(c *reqctx.Context) (map[string]any, bool) {
	attrs, ok := reqctx.AttributesFrom(c)
	if !ok {
		return nil, false
	}
	return describeMap(attrs.All()), true
}

func describeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = describe(v)
	}
	return out
}

// describe converts a context value into something CEL can index.
func describe(v any) any {
	switch v := v.(type) {
	case nil, string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return v
	case []string, []any:
		return v
	case map[string]any:
		return describeMap(v)
	case map[string][]string:
		return stringLists(v)
	case reqctx.TransactionID:
		return map[string]any{"id": v.Value}
	case reqctx.ClientInfo:
		return map[string]any{
			"remoteAddress": v.RemoteAddress,
			"remotePort":    v.RemotePort,
			"localAddress":  v.LocalAddress,
			"localName":     v.LocalName,
			"localPort":     v.LocalPort,
			"userAgent":     v.UserAgent,
			"secure":        v.Secure,
		}
	case reqctx.RequestAudit:
		return map[string]any{"receivedTime": v.ReceivedTime}
	case reqctx.Attributes:
		return describeMap(v.All())
	case *oauth2.AccessToken:
		return map[string]any{
			"token":     v.Token(),
			"expiresAt": v.ExpiresAt(),
			"scopes":    v.Scopes(),
			"info":      describeMap(v.Info()),
		}
	default:
		return viaJSON(v)
	}
}

// viaJSON renders values of unknown types through their JSON form.
func viaJSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

func stringLists[M ~map[string][]string](m M) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	return out
}
