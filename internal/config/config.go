// Logwarden - Security Log Ingestion and Broadcast Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logwarden

// Package config loads and validates Logwarden configuration using Koanf v2
// with layered sources (highest priority wins):
//
//  1. Environment variables (LOGWARDEN_ prefixed, see envTransformFunc)
//  2. YAML config file (CONFIG_PATH or the default search list)
//  3. Built-in defaults
//
// A validated snapshot is immutable; hot reload produces a fresh snapshot
// and the previous one stays active if the new one fails validation.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
)

// PollFloor is the minimum polling interval allowed for any source. Values
// below the floor are clamped, bounding CPU use on mis-configured sources.
const PollFloor = 250 * time.Millisecond

// ShutdownPolicy selects what happens to queued items on shutdown.
type ShutdownPolicy string

const (
	// ShutdownDeadLetter drains pending items to the badger dead-letter
	// bucket so they survive the restart.
	ShutdownDeadLetter ShutdownPolicy = "deadletter"

	// ShutdownDiscard drops pending items, logging the count.
	ShutdownDiscard ShutdownPolicy = "discard"
)

// Config is the root configuration snapshot.
type Config struct {
	Logging  LoggingConfig  `koanf:"logging"`
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	Watcher  WatcherConfig  `koanf:"watcher"`
	Queue    QueueConfig    `koanf:"queue"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Hub      HubConfig      `koanf:"hub"`
	Notify   NotifyConfig   `koanf:"notify"`
	Health   HealthConfig   `koanf:"health"`
}

// LoggingConfig controls the zerolog sink.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// ServerConfig controls the HTTP listener hosting /ws, /healthz, /metrics.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gt=0,lte=65535"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig locates the embedded badger database used for offsets,
// dead letters, and notification records.
type StorageConfig struct {
	Path     string `koanf:"path" validate:"required"`
	InMemory bool   `koanf:"in_memory"`
}

// SourceConfig describes one monitored file or directory.
type SourceConfig struct {
	Name         string        `koanf:"name" validate:"required"`
	Path         string        `koanf:"path" validate:"required"`
	IsDirectory  bool          `koanf:"is_directory"`
	FilePattern  string        `koanf:"file_pattern"`
	Enabled      bool          `koanf:"enabled"`
	PollInterval time.Duration `koanf:"poll_interval"`
	Priority     int           `koanf:"priority" validate:"gte=0,lte=10"`
}

// WatcherConfig controls the file watcher.
type WatcherConfig struct {
	ChunkSize     int            `koanf:"chunk_size" validate:"gt=0"`
	BoostKeywords []string       `koanf:"boost_keywords"`
	Sources       []SourceConfig `koanf:"sources" validate:"dive"`

	// ErrorRetry backs off failing sources without stalling healthy ones.
	ErrorRetry RetryConfig `koanf:"error_retry"`
}

// QueueConfig controls the bounded priority queue.
type QueueConfig struct {
	MaxSize        int            `koanf:"max_size" validate:"gt=0"`
	BatchSize      int            `koanf:"batch_size" validate:"gt=0"`
	BatchWait      time.Duration  `koanf:"batch_wait"`
	ShutdownPolicy ShutdownPolicy `koanf:"shutdown_policy" validate:"oneof=deadletter discard"`

	// AgingThreshold is the number of consecutive high-priority batches
	// after which one low-priority batch is force-drained; prevents
	// starvation of low tiers under sustained high-priority load.
	AgingThreshold int `koanf:"aging_threshold" validate:"gt=0"`
}

// PipelineConfig controls the processing worker pool.
type PipelineConfig struct {
	Workers         int           `koanf:"workers" validate:"gt=0"`
	AnalyzerTimeout time.Duration `koanf:"analyzer_timeout"`
	AnalyzerRetry   RetryConfig   `koanf:"analyzer_retry"`

	// Breaker trips after this many consecutive analyzer failures.
	BreakerThreshold uint32        `koanf:"breaker_threshold" validate:"gt=0"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown"`
}

// AuthMode selects the WebSocket handshake authentication scheme.
type AuthMode string

const (
	AuthJWT   AuthMode = "jwt"
	AuthToken AuthMode = "token"
	AuthNone  AuthMode = "none"
)

// HubConfig controls the broadcast hub.
type HubConfig struct {
	ClientBuffer   int           `koanf:"client_buffer" validate:"gt=0"`
	PingInterval   time.Duration `koanf:"ping_interval"`
	MaxMissedPongs int           `koanf:"max_missed_pongs" validate:"gt=0"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`

	AuthMode AuthMode `koanf:"auth_mode" validate:"oneof=jwt token none"`

	// JWTSecret signs/verifies HS256 tokens when AuthMode is "jwt".
	JWTSecret string `koanf:"jwt_secret"`

	// TokenHash is the bcrypt hash of the shared token when AuthMode is
	// "token". The plaintext token never appears in configuration.
	TokenHash string `koanf:"token_hash"`
}

// RuleConfig is the configuration form of a notification rule.
type RuleConfig struct {
	Name            string   `koanf:"name" validate:"required"`
	Enabled         bool     `koanf:"enabled"`
	MinSeverity     int      `koanf:"min_severity" validate:"gte=0,lte=10"`
	MaxSeverity     int      `koanf:"max_severity" validate:"gte=0,lte=10"`
	Categories      []string `koanf:"categories"`
	Channels        []string `koanf:"channels" validate:"min=1"`
	ThrottleMinutes int      `koanf:"throttle_minutes" validate:"gte=0"`
}

// WebhookChannelConfig declares a named webhook delivery channel that
// rules can reference.
type WebhookChannelConfig struct {
	Name string `koanf:"name" validate:"required"`
	URL  string `koanf:"url" validate:"required,url"`
}

// NotifyConfig controls the notification dispatcher.
type NotifyConfig struct {
	Rules         []RuleConfig           `koanf:"rules" validate:"dive"`
	Webhooks      []WebhookChannelConfig `koanf:"webhooks" validate:"dive"`
	DeliveryRetry RetryConfig            `koanf:"delivery_retry"`
}

// HealthConfig controls the health aggregator.
type HealthConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// RetryConfig is the configuration form of a retry policy.
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts" validate:"gt=0"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	Multiplier  float64       `koanf:"multiplier"`
	MaxDelay    time.Duration `koanf:"max_delay"`
}

// defaultConfig returns the built-in defaults; file and env layers override.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8843,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Path: "/data/logwarden",
		},
		Watcher: WatcherConfig{
			ChunkSize:     8 * 1024,
			BoostKeywords: []string{"FAILED", "ERROR", "DENIED", "ATTACK"},
			ErrorRetry: RetryConfig{
				MaxAttempts: 8,
				BaseDelay:   time.Second,
				Multiplier:  2.0,
				MaxDelay:    time.Minute,
			},
		},
		Queue: QueueConfig{
			MaxSize:        10000,
			BatchSize:      100,
			BatchWait:      200 * time.Millisecond,
			ShutdownPolicy: ShutdownDeadLetter,
			AgingThreshold: 4,
		},
		Pipeline: PipelineConfig{
			Workers:         defaultWorkers(),
			AnalyzerTimeout: 10 * time.Second,
			AnalyzerRetry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   100 * time.Millisecond,
				Multiplier:  2.0,
				MaxDelay:    5 * time.Second,
			},
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Hub: HubConfig{
			ClientBuffer:   64,
			PingInterval:   20 * time.Second,
			MaxMissedPongs: 3,
			WriteTimeout:   10 * time.Second,
			AuthMode:       AuthNone,
		},
		Notify: NotifyConfig{
			DeliveryRetry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   500 * time.Millisecond,
				Multiplier:  2.0,
				MaxDelay:    10 * time.Second,
			},
		},
		Health: HealthConfig{
			Interval: 15 * time.Second,
		},
	}
}

// defaultWorkers sizes the pipeline pool from available CPUs, bounded 2..8.
func defaultWorkers() int {
	n := runtime.NumCPU()
	if n < 2 {
		return 2
	}
	if n > 8 {
		return 8
	}
	return n
}

var validate = validator.New()

// Validate checks struct tags plus the cross-field invariants the tags
// cannot express. It mutates nothing; callers clamp separately.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	seen := make(map[string]bool, len(c.Watcher.Sources))
	for i := range c.Watcher.Sources {
		s := &c.Watcher.Sources[i]
		if seen[s.Name] {
			return fmt.Errorf("config validation: duplicate source name %q", s.Name)
		}
		seen[s.Name] = true
		if s.IsDirectory && s.FilePattern == "" {
			return fmt.Errorf("config validation: directory source %q requires file_pattern", s.Name)
		}
	}

	ruleNames := make(map[string]bool, len(c.Notify.Rules))
	for i := range c.Notify.Rules {
		r := &c.Notify.Rules[i]
		if ruleNames[r.Name] {
			return fmt.Errorf("config validation: duplicate rule name %q", r.Name)
		}
		ruleNames[r.Name] = true
		if r.MinSeverity > r.MaxSeverity {
			return fmt.Errorf("config validation: rule %q min_severity %d > max_severity %d",
				r.Name, r.MinSeverity, r.MaxSeverity)
		}
	}

	switch c.Hub.AuthMode {
	case AuthJWT:
		if len(c.Hub.JWTSecret) < 32 {
			return fmt.Errorf("config validation: auth_mode jwt requires jwt_secret of 32+ characters")
		}
	case AuthToken:
		if c.Hub.TokenHash == "" {
			return fmt.Errorf("config validation: auth_mode token requires token_hash")
		}
	}

	return nil
}

// Clamp normalizes values that are valid but below operational floors.
func (c *Config) Clamp() {
	for i := range c.Watcher.Sources {
		if c.Watcher.Sources[i].PollInterval < PollFloor {
			c.Watcher.Sources[i].PollInterval = PollFloor
		}
	}
	if c.Queue.BatchWait <= 0 {
		c.Queue.BatchWait = 200 * time.Millisecond
	}
}
