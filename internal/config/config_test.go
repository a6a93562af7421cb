package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidatesWithIdentity(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("default config validated without an identity")
	}
	cfg.Identity.ID = "alice"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name  string
		tweak func(*Config)
	}{
		{"empty identity", func(c *Config) { c.Identity.ID = "" }},
		{"identity with slash", func(c *Config) { c.Identity.ID = "a/b" }},
		{"empty redis addr", func(c *Config) { c.Signal.RedisAddr = "" }},
		{"redis addr without port", func(c *Config) { c.Signal.RedisAddr = "localhost" }},
		{"negative redis db", func(c *Config) { c.Signal.RedisDB = -1 }},
		{"no stun servers", func(c *Config) { c.ICE.STUNURLs = nil }},
		{"bogus stun url", func(c *Config) { c.ICE.STUNURLs = []string{"turn:x:3478"} }},
		{"negative ring timeout", func(c *Config) { c.Call.RingTimeoutSec = -1 }},
		{"zero staleness", func(c *Config) { c.Call.StaleOfferSec = 0 }},
		{"zero bitrate", func(c *Config) { c.Media.VideoBitrate = 0 }},
		{"zero resolution", func(c *Config) { c.Media.MaxWidth = 0 }},
		{"history without dir", func(c *Config) { c.History.Dir = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Identity.ID = "alice"
			tc.tweak(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peercall.json")

	cfg, created, err := Ensure(path, func() string { return "generated-id" })
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a fresh config file")
	}
	if cfg.Identity.ID != "generated-id" {
		t.Fatalf("identity %q, want generated-id", cfg.Identity.ID)
	}

	// Second call loads the same file, identity generator unused.
	cfg2, created, err := Ensure(path, func() string { t.Fatal("regenerated identity"); return "" })
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("config recreated on second Ensure")
	}
	if cfg2.Identity.ID != "generated-id" {
		t.Fatalf("identity %q after reload", cfg2.Identity.ID)
	}
}

func TestLoadMergesDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peercall.json")
	body := []byte("\xEF\xBB\xBF" + `{"identity":{"id":"bob"},"call":{"ring_timeout_seconds":10,"stale_offer_seconds":30}}`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.ID != "bob" {
		t.Fatalf("identity %q, want bob", cfg.Identity.ID)
	}
	if cfg.Call.RingTimeoutSec != 10 {
		t.Fatalf("ring timeout %d, want 10", cfg.Call.RingTimeoutSec)
	}
	// Omitted sections keep their defaults.
	if cfg.Signal.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("redis addr %q, want default", cfg.Signal.RedisAddr)
	}
	if len(cfg.ICE.STUNURLs) == 0 {
		t.Fatal("stun defaults lost")
	}
}

func TestSaveValidates(t *testing.T) {
	cfg := Default() // no identity
	if err := Save(filepath.Join(t.TempDir(), "x.json"), cfg); err == nil {
		t.Fatal("save accepted an invalid config")
	}
}
