package oauth2

import (
	"encoding/json"
	"math"

	"github.com/Sentinel-Gate/filtergate/internal/domain/clock"
)

// Builder validates token info and turns it into an AccessToken.
type Builder struct {
	time clock.TimeService
}

// NewBuilder returns a Builder computing expiry instants from ts.
func NewBuilder(ts clock.TimeService) *Builder {
	if ts == nil {
		ts = clock.System()
	}
	return &Builder{time: ts}
}

// Build reads expires_in (seconds), access_token and scope from info.
// Any other field is retained in Info. Errors are *AccessTokenError.
func (b *Builder) Build(info map[string]any) (*AccessToken, error) {
	if info == nil {
		return nil, &AccessTokenError{Field: "token info", Reason: "is missing"}
	}

	expiresIn, err := seconds(info)
	if err != nil {
		return nil, err
	}

	raw, ok := info[FieldAccessToken]
	if !ok || raw == nil {
		return nil, &AccessTokenError{Field: FieldAccessToken, Reason: "is missing"}
	}
	token, ok := raw.(string)
	if !ok {
		return nil, &AccessTokenError{Field: FieldAccessToken, Reason: "is not a string"}
	}

	scopes, err := scopeSet(info)
	if err != nil {
		return nil, err
	}

	now := b.time.Now()
	ttl := expiresIn * 1000
	if (ttl > 0 && now > math.MaxInt64-ttl) || (ttl < 0 && now < math.MinInt64-ttl) {
		return nil, &AccessTokenError{Field: FieldExpiresIn, Reason: "is out of range"}
	}

	return &AccessToken{
		token:     token,
		expiresAt: now + ttl,
		scopes:    scopes,
		info:      info,
	}, nil
}

// maxExpiresIn bounds expires_in so that its value in milliseconds fits an int64.
const maxExpiresIn = math.MaxInt64 / 1000

func seconds(info map[string]any) (int64, error) {
	n, err := rawSeconds(info)
	if err != nil {
		return 0, err
	}
	if n > maxExpiresIn || n < -maxExpiresIn {
		return 0, &AccessTokenError{Field: FieldExpiresIn, Reason: "is out of range"}
	}
	return n, nil
}

func rawSeconds(info map[string]any) (int64, error) {
	raw, ok := info[FieldExpiresIn]
	if !ok || raw == nil {
		return 0, &AccessTokenError{Field: FieldExpiresIn, Reason: "is missing"}
	}
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, &AccessTokenError{Field: FieldExpiresIn, Reason: "is not a whole number"}
		}
		if math.Abs(v) > maxExpiresIn {
			return 0, &AccessTokenError{Field: FieldExpiresIn, Reason: "is out of range"}
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, &AccessTokenError{Field: FieldExpiresIn, Reason: "is not a whole number"}
		}
		return n, nil
	default:
		return 0, &AccessTokenError{Field: FieldExpiresIn, Reason: "is not a number"}
	}
}

func scopeSet(info map[string]any) ([]string, error) {
	raw, ok := info[FieldScope]
	if !ok || raw == nil {
		return nil, &AccessTokenError{Field: FieldScope, Reason: "is missing"}
	}

	var items []string
	switch v := raw.(type) {
	case []string:
		items = v
	case []any:
		items = make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, &AccessTokenError{Field: FieldScope, Reason: "contains a non-string entry"}
			}
			items = append(items, s)
		}
	default:
		return nil, &AccessTokenError{Field: FieldScope, Reason: "is not an array"}
	}

	seen := make(map[string]struct{}, len(items))
	scopes := make([]string, 0, len(items))
	for _, s := range items {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		scopes = append(scopes, s)
	}
	return scopes, nil
}
