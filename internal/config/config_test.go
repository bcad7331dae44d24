package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty listen addr", func(c *Config) { c.Server.ListenAddr = " " }, "listen_addr"},
		{"bad redis scheme", func(c *Config) { c.Redis.URL = "http://localhost:6379" }, "redis.url"},
		{"zero online ttl", func(c *Config) { c.Presence.OnlineTTLSec = 0 }, "online_ttl"},
		{"grace exceeds ttl", func(c *Config) { c.Registry.OfflineGraceSec = c.Presence.OnlineTTLSec }, "offline_grace"},
		{"zero ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 0 }, "ring_timeout"},
		{"empty data dir", func(c *Config) { c.Store.DataDir = "" }, "data_dir"},
		{"no auth at all", func(c *Config) { c.Auth.ServiceURL = ""; c.Auth.Insecure = false }, "auth"},
		{"bad auth url", func(c *Config) { c.Auth.ServiceURL = "ftp://accounts" }, "auth.service_url"},
		{"bad push url", func(c *Config) { c.Push.ServiceURL = "not a url at all\x7f" }, "push.service_url"},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q should mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "realtime.json")
	os.WriteFile(path, []byte(`{"server":{"listen_addr":"0.0.0.0:9999"}}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.ListenAddr != "0.0.0.0:9999" {
		t.Fatalf("listen addr = %q", cfg.Server.ListenAddr)
	}
	// Untouched sections keep defaults.
	if cfg.Presence.OnlineTTLSec != 300 || cfg.Registry.OfflineGraceSec != 30 {
		t.Fatalf("missing fields should keep defaults, got %+v", cfg.Presence)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "realtime.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"log":{"level":"debug"}}`)...)
	os.WriteFile(path, body, 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "realtime.json")
	os.WriteFile(path, []byte(`{"presence":{"online_ttl_seconds":-5}}`), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("invalid config should fail to load")
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "realtime.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first Ensure should create the file")
	}
	if cfg.Server.ListenAddr != Default().Server.ListenAddr {
		t.Fatal("created config should equal defaults")
	}

	_, created, err = Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second Ensure should load, not create")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "realtime.json")
	cfg := Default()
	cfg.Server.AllowedOrigins = []string{"https://app.velora.example"}
	cfg.Redis.URL = "redis://cache:6379/1"

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Redis.URL != cfg.Redis.URL || len(got.Server.AllowedOrigins) != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
