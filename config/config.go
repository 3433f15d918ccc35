// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for conclaved.
//
// Configuration is loaded from a single YAML file specified by the
// CONCLAVE_CONFIG environment variable or the --config flag. There
// are no fallbacks or automatic discovery; the file is the single
// source of truth, validated eagerly at load so a bad deployment
// fails at startup rather than at the first assignment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// instanceIDPattern matches ids safe to embed in store keys and
// subject names.
var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Config is the full conclaved configuration.
type Config struct {
	// Instance identifies this control-plane instance to the
	// orchestration service.
	Instance InstanceConfig `yaml:"instance"`

	// NATS configures the messaging and fenced-store connection.
	NATS NATSConfig `yaml:"nats"`

	// Secrets configures key material locations.
	Secrets SecretsConfig `yaml:"secrets"`

	// DrainTimeout bounds the graceful shutdown drain, as a
	// duration string ("3s"). Independent of, and much shorter
	// than, the reconnection grace period.
	DrainTimeout string `yaml:"drain_timeout"`
}

// InstanceConfig identifies and sizes one instance.
type InstanceConfig struct {
	// ID is this instance's stable identity. It doubles as the
	// fenced-store writer id, so restarts must reuse it.
	ID string `yaml:"id"`

	// Region is reported to the orchestration service for
	// placement.
	Region string `yaml:"region"`

	// Endpoint is the address clients are directed to for this
	// instance's media transport.
	Endpoint string `yaml:"endpoint"`

	// Capacity is the maximum number of concurrently hosted
	// meetings.
	Capacity int `yaml:"capacity"`
}

// NATSConfig configures the shared NATS connection.
type NATSConfig struct {
	// URL is the server address, nats:// or tls://.
	URL string `yaml:"url"`

	// KVBucket is the JetStream key-value bucket holding fenced
	// meeting state. All instances of a deployment share one
	// bucket.
	KVBucket string `yaml:"kv_bucket"`
}

// SecretsConfig locates key material.
type SecretsConfig struct {
	// MasterSecretPath is the file holding the instance-group
	// master secret. Every instance of a deployment must load the
	// same secret or reconnection across instances breaks.
	MasterSecretPath string `yaml:"master_secret_path"`
}

// Default returns the configuration defaults applied before the file
// is read.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:      "nats://127.0.0.1:4222",
			KVBucket: "conclave-meetings",
		},
		DrainTimeout: "5s",
	}
}

// DrainDuration returns the parsed drain timeout. Valid after
// Validate has passed.
func (c *Config) DrainDuration() time.Duration {
	parsed, err := time.ParseDuration(c.DrainTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return parsed
}

// Load loads configuration from the CONCLAVE_CONFIG environment
// variable.
func Load() (*Config, error) {
	path := os.Getenv("CONCLAVE_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("CONCLAVE_CONFIG environment variable not set; " +
			"set it to the path of your conclave.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads and validates configuration from a specific path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field a running instance depends on.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return fmt.Errorf("instance.id is required")
	}
	if !instanceIDPattern.MatchString(c.Instance.ID) {
		return fmt.Errorf("instance.id %q: only [A-Za-z0-9_-], max 64 characters", c.Instance.ID)
	}
	if c.Instance.Region == "" {
		return fmt.Errorf("instance.region is required")
	}
	if c.Instance.Endpoint == "" {
		return fmt.Errorf("instance.endpoint is required")
	}
	if c.Instance.Capacity <= 0 {
		return fmt.Errorf("instance.capacity must be positive, got %d", c.Instance.Capacity)
	}

	parsed, err := url.Parse(c.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats.url: %w", err)
	}
	switch parsed.Scheme {
	case "nats", "tls", "ws", "wss":
	default:
		return fmt.Errorf("nats.url scheme %q: want nats, tls, ws, or wss", parsed.Scheme)
	}
	if c.NATS.KVBucket == "" {
		return fmt.Errorf("nats.kv_bucket is required")
	}

	if c.Secrets.MasterSecretPath == "" {
		return fmt.Errorf("secrets.master_secret_path is required")
	}

	drain, err := time.ParseDuration(c.DrainTimeout)
	if err != nil {
		return fmt.Errorf("drain_timeout: %w", err)
	}
	if drain <= 0 {
		return fmt.Errorf("drain_timeout must be positive, got %s", c.DrainTimeout)
	}
	return nil
}
