// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/logwarden/config.yaml",
	"/etc/logwarden/config.yml",
}

// ConfigPathEnvVar overrides the config file search list.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces Logwarden environment variables.
const envPrefix = "LOGWARDEN_"

// Load builds a validated configuration snapshot from defaults, the config
// file (if any), and LOGWARDEN_ environment variables, in that precedence.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file path; an empty path skips
// the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Clamp()

	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to koanf paths. The
// first underscore-separated token is the section; the remainder is the
// key within it:
//
//	LOGWARDEN_QUEUE_MAX_SIZE    -> queue.max_size
//	LOGWARDEN_HUB_JWT_SECRET    -> hub.jwt_secret
//	LOGWARDEN_LOGGING_LEVEL     -> logging.level
//
// Structured settings (sources, rules) are file-only; there is no sane
// flat-env encoding for lists of structs.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	parts := strings.SplitN(key, "_", 2)
	if len(parts) != 2 {
		return key
	}
	return parts[0] + "." + parts[1]
}

// Watch invokes onChange whenever the config file changes on disk. The
// callback is responsible for re-loading and deciding whether to apply.
// Watching an empty path is a no-op.
func Watch(path string, onChange func()) error {
	if path == "" {
		return nil
	}
	provider := file.Provider(path)
	return provider.Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		onChange()
	})
}

// FindConfigFile exposes the search result for callers wiring Watch.
func FindConfigFile() string { return findConfigFile() }
