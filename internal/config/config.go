// Package config loads and validates daemon configuration from a YAML
// file, with environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all pipectl configuration.
type Config struct {
	Listen     string           `yaml:"listen"`
	AuthToken  string           `yaml:"auth_token"`
	CORSOrigin string           `yaml:"cors_origin"`
	Docker     DockerConfig     `yaml:"docker"`
	Containers ContainersConfig `yaml:"containers"`
	Links      LinksConfig      `yaml:"links"`
	Stream     StreamConfig     `yaml:"stream"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

// DockerConfig locates the container engine.
type DockerConfig struct {
	Socket string `yaml:"socket"`
}

// ContainersConfig names the three watched containers. Start/stop operates
// only on Pipeline; the other two are observed, never driven.
type ContainersConfig struct {
	Pipeline string `yaml:"pipeline"`
	VPN      string `yaml:"vpn"`
	Tor      string `yaml:"tor"`
}

// LinksConfig configures the link store and its URL allow-list.
type LinksConfig struct {
	File            string   `yaml:"file"`
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
}

// StreamConfig tunes the push streams and container-stop behavior.
// Intervals are whole seconds in the file.
type StreamConfig struct {
	StatusPollSeconds      int `yaml:"status_poll_seconds"`
	StatusHeartbeatSeconds int `yaml:"status_heartbeat_seconds"`
	LogHeartbeatSeconds    int `yaml:"log_heartbeat_seconds"`
	LogTail                int `yaml:"log_tail"`
	StopGraceSeconds       int `yaml:"stop_grace_seconds"`
}

// StatusPoll is the fallback recompute interval for status streams.
func (s StreamConfig) StatusPoll() time.Duration {
	return time.Duration(s.StatusPollSeconds) * time.Second
}

// StatusHeartbeat is the keepalive interval for status streams.
func (s StreamConfig) StatusHeartbeat() time.Duration {
	return time.Duration(s.StatusHeartbeatSeconds) * time.Second
}

// LogHeartbeat is the keepalive interval for log streams.
func (s StreamConfig) LogHeartbeat() time.Duration {
	return time.Duration(s.LogHeartbeatSeconds) * time.Second
}

// StopGrace is the grace window passed to the engine on container stop.
func (s StreamConfig) StopGrace() time.Duration {
	return time.Duration(s.StopGraceSeconds) * time.Second
}

// RateLimitConfig bounds mutating requests per client IP.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:     "127.0.0.1:8089",
		CORSOrigin: "*",
		Docker:     DockerConfig{Socket: "/var/run/docker.sock"},
		Containers: ContainersConfig{
			Pipeline: "pipeline",
			VPN:      "gluetun",
			Tor:      "tor",
		},
		Links: LinksConfig{
			File:            "/data/links.txt",
			AllowedPrefixes: []string{"https://mega.nz/"},
		},
		Stream: StreamConfig{
			StatusPollSeconds:      5,
			StatusHeartbeatSeconds: 15,
			LogHeartbeatSeconds:    30,
			LogTail:                200,
			StopGraceSeconds:       30,
		},
		RateLimit: RateLimitConfig{RPS: 5, Burst: 10},
	}
}

// Load reads the YAML file at path (optional: empty path means defaults
// only), applies PIPECTL_* environment overrides, fills defaults and
// validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}

	// Secrets prefer the environment over the file.
	if v := os.Getenv("PIPECTL_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("PIPECTL_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("PIPECTL_DOCKER_SOCKET"); v != "" {
		cfg.Docker.Socket = v
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDefaults fills zero values left by a sparse YAML file.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.CORSOrigin == "" {
		c.CORSOrigin = def.CORSOrigin
	}
	if c.Docker.Socket == "" {
		c.Docker.Socket = def.Docker.Socket
	}
	if c.Links.File == "" {
		c.Links.File = def.Links.File
	}
	if len(c.Links.AllowedPrefixes) == 0 {
		c.Links.AllowedPrefixes = def.Links.AllowedPrefixes
	}
	if c.Stream.StatusPollSeconds <= 0 {
		c.Stream.StatusPollSeconds = def.Stream.StatusPollSeconds
	}
	if c.Stream.StatusHeartbeatSeconds <= 0 {
		c.Stream.StatusHeartbeatSeconds = def.Stream.StatusHeartbeatSeconds
	}
	if c.Stream.LogHeartbeatSeconds <= 0 {
		c.Stream.LogHeartbeatSeconds = def.Stream.LogHeartbeatSeconds
	}
	if c.Stream.LogTail == 0 {
		c.Stream.LogTail = def.Stream.LogTail
	}
	if c.Stream.StopGraceSeconds <= 0 {
		c.Stream.StopGraceSeconds = def.Stream.StopGraceSeconds
	}
	if c.RateLimit.RPS <= 0 {
		c.RateLimit.RPS = def.RateLimit.RPS
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
}

func (c *Config) validate() error {
	if c.Containers.Pipeline == "" {
		return fmt.Errorf("config: containers.pipeline is required")
	}
	if c.Containers.VPN == "" {
		return fmt.Errorf("config: containers.vpn is required")
	}
	if c.Containers.Tor == "" {
		return fmt.Errorf("config: containers.tor is required")
	}
	return nil
}
