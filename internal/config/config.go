package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Server   Server   `json:"server"`
	Redis    Redis    `json:"redis"`
	Presence Presence `json:"presence"`
	Registry Registry `json:"registry"`
	Call     Call     `json:"call"`
	Store    Store    `json:"store"`
	Auth     Auth     `json:"auth"`
	Push     Push     `json:"push"`
	Log      Log      `json:"log"`
}

type Server struct {
	ListenAddr string `json:"listen_addr"`

	// Origins allowed to open a realtime connection. Empty list means any
	// origin is accepted (development).
	AllowedOrigins []string `json:"allowed_origins"`
}

type Redis struct {
	// URL of the shared presence store, e.g. redis://localhost:6379/0.
	// Empty means presence runs degraded: everyone reads as offline and
	// unread counters are not kept. Message delivery still works.
	URL string `json:"url"`
}

type Presence struct {
	OnlineTTLSec   int `json:"online_ttl_seconds"`
	LastSeenTTLSec int `json:"last_seen_ttl_seconds"`
	TypingTTLSec   int `json:"typing_ttl_seconds"`
	CallMetaTTLSec int `json:"call_meta_ttl_seconds"`
}

type Registry struct {
	// Delay between the last connection closing and the user being marked
	// offline. Absorbs mobile reconnect churn (screen lock, network handoff).
	OfflineGraceSec int `json:"offline_grace_seconds"`
}

type Call struct {
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// How long a terminal call session stays queryable before it is dropped.
	RetentionSec int `json:"retention_seconds"`
}

type Store struct {
	// Directory for the bundled SQLite message store.
	DataDir string `json:"data_dir"`
}

type Auth struct {
	// URL of the auth service used to verify connection tokens.
	ServiceURL string `json:"service_url"`

	// When true and ServiceURL is empty, the token is taken verbatim as the
	// user id. Never enable outside local development.
	Insecure bool `json:"insecure"`
}

type Push struct {
	// URL of the push-notification service. Empty disables offline pushes.
	ServiceURL string `json:"service_url"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Server: Server{
			ListenAddr: "127.0.0.1:8090",
		},
		Presence: Presence{
			OnlineTTLSec:   300,
			LastSeenTTLSec: 7 * 24 * 3600,
			TypingTTLSec:   10,
			CallMetaTTLSec: 2 * 3600,
		},
		Registry: Registry{
			OfflineGraceSec: 30,
		},
		Call: Call{
			RingTimeoutSec: 30,
			RetentionSec:   300,
		},
		Store: Store{
			DataDir: "data",
		},
		Auth: Auth{
			Insecure: true,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		return errors.New("server.listen_addr is required")
	}

	if c.Redis.URL != "" {
		if err := validateServiceURL(c.Redis.URL, "redis", "rediss"); err != nil {
			return fmt.Errorf("redis.url: %w", err)
		}
	}

	if c.Presence.OnlineTTLSec <= 0 {
		return errors.New("presence.online_ttl_seconds must be > 0")
	}
	if c.Presence.LastSeenTTLSec <= 0 {
		return errors.New("presence.last_seen_ttl_seconds must be > 0")
	}
	if c.Presence.TypingTTLSec <= 0 {
		return errors.New("presence.typing_ttl_seconds must be > 0")
	}
	if c.Presence.CallMetaTTLSec <= 0 {
		return errors.New("presence.call_meta_ttl_seconds must be > 0")
	}

	if c.Registry.OfflineGraceSec <= 0 {
		return errors.New("registry.offline_grace_seconds must be > 0")
	}
	if c.Registry.OfflineGraceSec >= c.Presence.OnlineTTLSec {
		return errors.New("registry.offline_grace_seconds must be < presence.online_ttl_seconds")
	}

	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.RetentionSec <= 0 {
		return errors.New("call.retention_seconds must be > 0")
	}

	if strings.TrimSpace(c.Store.DataDir) == "" {
		return errors.New("store.data_dir is required")
	}

	if c.Auth.ServiceURL != "" {
		if err := validateServiceURL(c.Auth.ServiceURL, "http", "https"); err != nil {
			return fmt.Errorf("auth.service_url: %w", err)
		}
	}
	if c.Auth.ServiceURL == "" && !c.Auth.Insecure {
		return errors.New("auth.service_url is required unless auth.insecure is set")
	}

	if c.Push.ServiceURL != "" {
		if err := validateServiceURL(c.Push.ServiceURL, "http", "https"); err != nil {
			return fmt.Errorf("push.service_url: %w", err)
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be one of debug, info, warn, error")
	}

	return nil
}

func validateServiceURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
