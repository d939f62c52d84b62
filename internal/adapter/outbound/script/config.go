package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Supported script types.
const (
	// MimeTypeCEL selects a CEL expression.
	MimeTypeCEL = "application/x-cel"
	// MimeTypeFunc selects a Go function registered with WithFuncs; Source
	// names the function.
	MimeTypeFunc = "application/x-go-func"
)

// Configuration errors, wrapped in *pipeline.ConfigError by New.
var (
	ErrMissingType     = errors.New("script type is required")
	ErrUnsupportedType = errors.New("unsupported script type")
	ErrSourceAndFile   = errors.New("script source and file are mutually exclusive")
	ErrNoSource        = errors.New("script source or file is required")
	ErrReservedArg     = errors.New("script argument overrides a reserved binding")
	ErrUnknownFunc     = errors.New("no script function registered under that name")
)

// reservedNames may not be used as argument names.
var reservedNames = []string{
	"context", "contexts", "request", "globals", "args", "attributes",
	"http", "ldap", "logger", "next",
}

// Config describes a script-backed component.
type Config struct {
	// Type is the script MIME type.
	Type string `mapstructure:"type" yaml:"type"`
	// Source is the inline script.
	Source string `mapstructure:"source" yaml:"source,omitempty"`
	// File is a path to the script, relative to the script directory.
	File string `mapstructure:"file" yaml:"file,omitempty"`
	// Args are static values exposed to the script as args.
	Args map[string]any `mapstructure:"args" yaml:"args,omitempty"`
}

// load checks the shape of the configuration and returns the script text.
func (c Config) load(dir string) (string, error) {
	if strings.TrimSpace(c.Type) == "" {
		return "", ErrMissingType
	}
	if c.Type != MimeTypeCEL && c.Type != MimeTypeFunc {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, c.Type)
	}
	if c.Source != "" && c.File != "" {
		return "", ErrSourceAndFile
	}
	if c.Source == "" && c.File == "" {
		return "", ErrNoSource
	}
	for name := range c.Args {
		if slices.Contains(reservedNames, name) {
			return "", fmt.Errorf("%w: %q", ErrReservedArg, name)
		}
	}
	if c.Source != "" {
		return c.Source, nil
	}

	path := c.File
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading script file: %w", err)
	}
	return string(data), nil
}
