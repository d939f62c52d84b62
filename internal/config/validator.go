package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers filtergate-specific validation rules.
// Must be called before validating GatewayConfig.
func RegisterCustomValidators(v *validator.Validate) error {
	rules := map[string]validator.Func{
		"audit_output":     validateAuditOutput,
		"telemetry_output": validateTelemetryOutput,
		"key_hash":         validateKeyHash,
		"duration":         validateDuration,
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateAuditOutput accepts "stdout" or a file://, dir:// or sqlite://
// URI with an absolute path.
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()
	if output == "stdout" {
		return true
	}
	for _, scheme := range []string{"file://", "dir://", "sqlite://"} {
		if path, ok := strings.CutPrefix(output, scheme); ok {
			return path != "" && filepath.IsAbs(path)
		}
	}
	return false
}

// validateTelemetryOutput accepts "stdout", "stderr" or "file://<absolute-path>".
func validateTelemetryOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()
	if output == "stdout" || output == "stderr" {
		return true
	}
	if path, ok := strings.CutPrefix(output, "file://"); ok {
		return path != "" && filepath.IsAbs(path)
	}
	return false
}

// validateKeyHash accepts an Argon2id PHC string or "sha256:" followed by
// 64 hex characters.
func validateKeyHash(fl validator.FieldLevel) bool {
	hash := fl.Field().String()
	if strings.HasPrefix(hash, "$argon2id$") {
		return true
	}
	hexPart, ok := strings.CutPrefix(hash, "sha256:")
	if !ok || len(hexPart) != 64 {
		return false
	}
	for _, c := range hexPart {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// validateDuration accepts anything time.ParseDuration does, except
// negative durations.
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

// Validate validates the GatewayConfig using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *GatewayConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateIdentityReferences(); err != nil {
		return err
	}

	if err := c.validateRoutes(); err != nil {
		return err
	}

	return nil
}

// validateIdentityReferences ensures all API key identity_id values reference valid identities.
func (c *GatewayConfig) validateIdentityReferences() error {
	knownIdentities := make(map[string]struct{}, len(c.Auth.Identities))
	for _, identity := range c.Auth.Identities {
		knownIdentities[identity.ID] = struct{}{}
	}

	for i, apiKey := range c.Auth.APIKeys {
		if _, exists := knownIdentities[apiKey.IdentityID]; !exists {
			return fmt.Errorf("api_keys[%d]: references unknown identity_id: %s", i, apiKey.IdentityID)
		}
	}

	return nil
}

// validateRoutes checks what struct tags cannot: unique names and the
// fields each filter and handler type needs.
func (c *GatewayConfig) validateRoutes() error {
	names := make(map[string]struct{}, len(c.Routes))
	for i, route := range c.Routes {
		where := fmt.Sprintf("routes[%d] (%s)", i, route.Name)
		if _, dup := names[route.Name]; dup {
			return fmt.Errorf("%s: duplicate route name", where)
		}
		names[route.Name] = struct{}{}

		for j, f := range route.Filters {
			if err := c.validateFilter(f); err != nil {
				return fmt.Errorf("%s: filters[%d] (%s): %w", where, j, f.Type, err)
			}
		}
		if err := validateHandler(route.Handler); err != nil {
			return fmt.Errorf("%s: handler (%s): %w", where, route.Handler.Type, err)
		}
	}
	return nil
}

func (c *GatewayConfig) validateFilter(f FilterConfig) error {
	switch f.Type {
	case FilterAPIKey:
		if len(c.Auth.APIKeys) == 0 {
			return errors.New("no auth.api_keys configured")
		}
	case FilterOAuth2:
		if c.OAuth2.TokenInfoURL == "" {
			return errors.New("oauth2.tokeninfo_url is required")
		}
	case FilterRateLimit:
		period := ParseDuration(f.Period)
		if period <= 0 {
			return errors.New("period must be positive")
		}
		if f.Rate > 0 && period/time.Duration(f.Rate) <= 0 {
			return fmt.Errorf("period %s is too short for rate %d", f.Period, f.Rate)
		}
	case FilterTimeout:
		if ParseDuration(f.Timeout) <= 0 {
			return errors.New("timeout must be positive")
		}
	case FilterCache:
		if ParseDuration(f.TTL) <= 0 {
			return errors.New("ttl must be positive")
		}
	case FilterHeader:
		if len(f.Request.Remove)+len(f.Request.Add)+len(f.Response.Remove)+len(f.Response.Add) == 0 {
			return errors.New("no header edits configured")
		}
	case FilterScript:
		return validateScript(f.Script)
	}
	return nil
}

func validateHandler(h HandlerConfig) error {
	switch h.Type {
	case HandlerProxy:
		if h.Upstream == nil {
			return errors.New("upstream is required")
		}
	case HandlerScript:
		return validateScript(h.Script)
	}
	return nil
}

func validateScript(s *ScriptConfig) error {
	if s == nil {
		return errors.New("script is required")
	}
	if (s.Source == "") == (s.File == "") {
		return errors.New("script needs exactly one of source or file")
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_with":
		return fmt.Sprintf("%s is required together with %s", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout' or one of file://, dir://, sqlite:// with an absolute path", field)
	case "telemetry_output":
		return fmt.Sprintf("%s must be 'stdout', 'stderr' or 'file://<absolute-path>'", field)
	case "key_hash":
		return fmt.Sprintf("%s must be an argon2id hash or 'sha256:<64 hex chars>'", field)
	case "duration":
		return fmt.Sprintf("%s must be a non-negative duration such as '500ms' or '1m'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
