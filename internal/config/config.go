// Package config loads the broker's runtime configuration from a flat
// key=value file, in the same line-oriented style the teacher repo used for
// its credential file.
package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the ingest plane needs.
type Config struct {
	// RTPPort is the UDP/TCP port the packet listener binds (component A).
	RTPPort int

	// SessionTTL is how long a session may go without traffic before the
	// lifecycle engine evicts it (default 8000ms per spec.md §4.I).
	SessionTTL time.Duration
	// IdleGrace is how long a session may sit with zero subscribers before
	// a stream_idle hook fires (default 6000ms per spec.md §4.I).
	IdleGrace time.Duration

	// StoragePath is the configured root directory for MP4 recordings and
	// picture uploads. It is loaded here, but no other package reads it:
	// the MP4 sink only writes to a path set through its SetPath.
	StoragePath string

	// HLSSegmentDuration is the configured duration of each HLS segment.
	// It is loaded here but not passed to the HLS sinks, which always use
	// a 4s segment.
	HLSSegmentDuration time.Duration
	// HLSWindowSize is the configured number of segments in the sliding
	// playlist. It is loaded here but not passed to the HLS sinks, which
	// always keep 6.
	HLSWindowSize int

	// HookBaseURL is the signalling service's base URL; callback paths from
	// spec.md §6 are appended to it.
	HookBaseURL string
	// HookToken is compared against incoming playback tokens; it is not an
	// authentication scheme (spec.md Non-goals).
	HookToken string
}

// Default returns the broker's documented defaults.
func Default() *Config {
	return &Config{
		RTPPort:            10000,
		SessionTTL:         8000 * time.Millisecond,
		IdleGrace:          6000 * time.Millisecond,
		StoragePath:        "./storage",
		HLSSegmentDuration: 4 * time.Second,
		HLSWindowSize:      6,
	}
}

// Load reads key=value pairs from path, overlaying them onto Default().
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decoded, err := url.QueryUnescape(value)
		if err != nil {
			decoded = value
		}

		if err := cfg.apply(key, decoded); err != nil {
			return nil, fmt.Errorf("config key %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(key, value string) error {
	switch key {
	case "rtp_port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("not an integer: %w", err)
		}
		c.RTPPort = port
	case "session_ttl_ms":
		ms, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("not an integer: %w", err)
		}
		c.SessionTTL = time.Duration(ms) * time.Millisecond
	case "idle_grace_ms":
		ms, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("not an integer: %w", err)
		}
		c.IdleGrace = time.Duration(ms) * time.Millisecond
	case "storage_path":
		c.StoragePath = value
	case "hls_segment_seconds":
		sec, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("not an integer: %w", err)
		}
		c.HLSSegmentDuration = time.Duration(sec) * time.Second
	case "hls_window_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("not an integer: %w", err)
		}
		c.HLSWindowSize = n
	case "hook_base_url":
		c.HookBaseURL = value
	case "hook_token":
		c.HookToken = value
	}
	return nil
}

// Validate checks that required fields are present and sane.
func (c *Config) Validate() error {
	if c.RTPPort <= 0 || c.RTPPort > 65535 {
		return fmt.Errorf("invalid rtp_port: %d", c.RTPPort)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl_ms must be positive")
	}
	if c.IdleGrace <= 0 {
		return fmt.Errorf("idle_grace_ms must be positive")
	}
	if c.StoragePath == "" {
		return fmt.Errorf("missing storage_path")
	}
	if c.HookBaseURL == "" {
		return fmt.Errorf("missing hook_base_url")
	}
	return nil
}
