package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/petervdpas/peercall/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Signal   Signal   `json:"signal"`
	ICE      ICE      `json:"ice"`
	Call     Call     `json:"call"`
	Media    Media    `json:"media"`
	History  History  `json:"history"`
}

type Identity struct {
	ID        string `json:"id"`
	Name      string `json:"display_name"`
	AvatarURL string `json:"avatar_url"`
}

// Signal points at the shared document store both peers signal through.
type Signal struct {
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	// TLS to the store. Capture of camera and microphone is refused on
	// a plaintext non-loopback store, mirroring browser secure-context
	// rules.
	UseTLS bool `json:"use_tls"`
}

type ICE struct {
	STUNURLs []string `json:"stun_urls"`
}

type Call struct {
	// Unanswered outgoing calls give up after this many seconds.
	// 0 disables the timeout.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// Inbound offers older than this never ring; they are leftovers
	// from a caller that gave up or crashed.
	StaleOfferSec int `json:"stale_offer_seconds"`
}

type Media struct {
	VideoBitrate int `json:"video_bitrate"` // bits per second
	MaxWidth     int `json:"max_width"`
	MaxHeight    int `json:"max_height"`
}

type History struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir"` // relative to the peer directory
}

func Default() Config {
	return Config{
		Identity: Identity{
			Name: "anonymous",
		},
		Signal: Signal{
			RedisAddr: "127.0.0.1:6379",
			RedisDB:   0,
			UseTLS:    false,
		},
		ICE: ICE{
			STUNURLs: []string{"stun:stun.l.google.com:19302"},
		},
		Call: Call{
			RingTimeoutSec: 45,
			StaleOfferSec:  60,
		},
		Media: Media{
			VideoBitrate: 1_500_000,
			MaxWidth:     640,
			MaxHeight:    480,
		},
		History: History{
			Enabled: true,
			Dir:     "data",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if _, err := util.ValidatePeerID(c.Identity.ID); err != nil {
		return fmt.Errorf("identity.id: %w", err)
	}

	// Signal
	addr := strings.TrimSpace(c.Signal.RedisAddr)
	if addr == "" {
		return errors.New("signal.redis_addr is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return errors.New("signal.redis_addr must be host:port")
	}
	if c.Signal.RedisDB < 0 {
		return errors.New("signal.redis_db must be >= 0")
	}

	// ICE
	if len(c.ICE.STUNURLs) == 0 {
		return errors.New("ice.stun_urls must list at least one server")
	}
	for _, u := range c.ICE.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("ice.stun_urls: %q is not a stun url", u)
		}
	}

	// Call
	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_seconds must be >= 0")
	}
	if c.Call.StaleOfferSec <= 0 {
		return errors.New("call.stale_offer_seconds must be > 0")
	}

	// Media
	if c.Media.VideoBitrate <= 0 {
		return errors.New("media.video_bitrate must be > 0")
	}
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}

	// History
	if c.History.Enabled && strings.TrimSpace(c.History.Dir) == "" {
		return errors.New("history.dir is required when history is enabled")
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

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config
// file with a fresh identity. Returns (cfg, createdNew, err).
func Ensure(path string, newID func() string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.ID = newID()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
