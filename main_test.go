package main

import (
	"testing"
	"time"
)

func TestParseFlags(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := parseFlags([]string{})

		if cfg.addr != ":6969" {
			t.Errorf("expected addr :6969, got %q", cfg.addr)
		}
		if cfg.statePath != defaultStatePath {
			t.Errorf("expected state %q, got %q", defaultStatePath, cfg.statePath)
		}
		if cfg.similarity != defaultSimilarityRatio {
			t.Errorf("expected similarity %v, got %v", defaultSimilarityRatio, cfg.similarity)
		}
		if cfg.peerTimeout != defaultPeerTimeout {
			t.Errorf("expected peer timeout %v, got %v", defaultPeerTimeout, cfg.peerTimeout)
		}
		if cfg.trustProxy {
			t.Error("expected trust-proxy to be off by default")
		}
	})

	t.Run("addr from env var", func(t *testing.T) {
		t.Setenv("PICO_SWARM__ADDR", "127.0.0.1:8080")

		cfg := parseFlags([]string{})

		if cfg.addr != "127.0.0.1:8080" {
			t.Errorf("expected addr 127.0.0.1:8080, got %q", cfg.addr)
		}
	})

	t.Run("addr from flag overrides env var", func(t *testing.T) {
		t.Setenv("PICO_SWARM__ADDR", "127.0.0.1:8080")

		cfg := parseFlags([]string{"-a", ":9000"})

		if cfg.addr != ":9000" {
			t.Errorf("expected addr :9000, got %q", cfg.addr)
		}
	})

	t.Run("duration from env var", func(t *testing.T) {
		t.Setenv("PICO_SWARM__PEER_TIMEOUT", "90s")

		cfg := parseFlags([]string{})

		if cfg.peerTimeout != 90*time.Second {
			t.Errorf("expected 90s, got %v", cfg.peerTimeout)
		}
	})

	t.Run("invalid env values are ignored", func(t *testing.T) {
		t.Setenv("PICO_SWARM__PEER_TIMEOUT", "soon")
		t.Setenv("PICO_SWARM__MAX_PEERS", "-3")
		t.Setenv("PICO_SWARM__SIMILARITY", "high")

		cfg := parseFlags([]string{})

		if cfg.peerTimeout != defaultPeerTimeout {
			t.Errorf("expected default peer timeout, got %v", cfg.peerTimeout)
		}
		if cfg.maxPeers != defaultMaxPeers {
			t.Errorf("expected default max peers, got %d", cfg.maxPeers)
		}
		if cfg.similarity != defaultSimilarityRatio {
			t.Errorf("expected default similarity, got %v", cfg.similarity)
		}
	})

	t.Run("bool from env var", func(t *testing.T) {
		t.Setenv("PICO_SWARM__TRUST_PROXY", "yes")

		cfg := parseFlags([]string{})

		if !cfg.trustProxy {
			t.Error("expected trust-proxy to be on")
		}
	})

	t.Run("debug mode from env", func(t *testing.T) {
		t.Setenv("DEBUG", "1")

		cfg := parseFlags([]string{})

		if !cfg.debug {
			t.Error("expected debug to be true")
		}
	})

	t.Run("debug mode from flag", func(t *testing.T) {
		t.Setenv("DEBUG", "")

		cfg := parseFlags([]string{"-d"})

		if !cfg.debug {
			t.Error("expected debug to be true")
		}
	})

	t.Run("redis settings", func(t *testing.T) {
		cfg := parseFlags([]string{"-redis-url", "redis://localhost:6379/0", "-redis-key", "custom"})

		if cfg.redisURL != "redis://localhost:6379/0" {
			t.Errorf("unexpected redis url %q", cfg.redisURL)
		}
		if cfg.redisKey != "custom" {
			t.Errorf("unexpected redis key %q", cfg.redisKey)
		}
	})
}
