package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for filtergate.yaml/.yml in standard locations.
// The search requires an explicit YAML extension so the binary itself is
// never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("filtergate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: FILTERGATE_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("FILTERGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys(viper.GetViper())
}

// findConfigFile searches standard locations for a filtergate config file.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".filtergate"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "filtergate"))
		}
	} else {
		paths = append(paths, "/etc/filtergate")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for filtergate.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "filtergate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar config keys for environment variable support.
// Example: FILTERGATE_SERVER_HTTP_ADDR overrides server.http_addr.
// Routes and auth entries are arrays and must come from the config file.
func bindNestedEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"server.http_addr",
		"server.log_level",
		"server.tls_cert_file",
		"server.tls_key_file",
		"server.trust_proxy_headers",
		"server.trust_transaction_id",
		"server.max_request_body",
		"server.admin_token",

		"audit.output",
		"audit.channel_size",
		"audit.batch_size",
		"audit.flush_interval",
		"audit.send_timeout",
		"audit.buffer_size",
		"audit.retention_days",
		"audit.max_file_size_mb",
		"audit.record_headers",

		"rate_limit.cleanup_interval",
		"rate_limit.max_ttl",

		"oauth2.tokeninfo_url",
		"oauth2.realm",
		"oauth2.timeout",

		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.output",
		"telemetry.sample_ratio",
		"telemetry.metric_interval",

		"script_dir",
		"dev_mode",
	} {
		_ = v.BindEnv(key)
	}
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the validated GatewayConfig.
func LoadConfig() (*GatewayConfig, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*GatewayConfig, error) {
	return load(viper.GetViper())
}

func load(v *viper.Viper) (*GatewayConfig, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Continue with env vars only.
	}

	var cfg GatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Scripts live next to the config file unless told otherwise.
	if cfg.ScriptDir == "" {
		if used := v.ConfigFileUsed(); used != "" {
			cfg.ScriptDir = filepath.Dir(used)
		}
	}

	if !v.IsSet("telemetry.sample_ratio") {
		cfg.Telemetry.SampleRatio = 1
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// LoadFile reads and validates the configuration at path with a private
// Viper instance, ignoring environment overrides.
func LoadFile(path string) (*GatewayConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	cfg, err := load(v)
	if err != nil {
		return nil, err
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
