package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// PeerFile is the on-disk shape of one peer's config.
type PeerFile struct {
	Peer          string        `toml:"peer"`
	Role          string        `toml:"role"`
	LogLevel      string        `toml:"log_level"`
	ResetLogLevel string        `toml:"reset_log_level"`
	DedupWindow   int           `toml:"dedup_window"`
	Transport     TransportFile `toml:"transport"`
	Admin         AdminFile     `toml:"admin"`
}

type TransportFile struct {
	Mode               string  `toml:"mode"`
	Address            string  `toml:"address"`
	PeerID             string  `toml:"peer_id"`
	Heartbeat          string  `toml:"heartbeat"`
	DeadAfter          string  `toml:"dead_after"`
	WriteTimeout       string  `toml:"write_timeout"`
	ConnectTimeout     string  `toml:"connect_timeout"`
	MaxConnectAttempts int     `toml:"max_connect_attempts"`
	CompressThreshold  int     `toml:"compress_threshold"`
	SpoolLimit         int     `toml:"spool_limit"`
	SecurityMode       string  `toml:"security_mode"`
	TLS                TLSFile `toml:"tls"`
}

type TLSFile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type AdminFile struct {
	Addr        string   `toml:"addr"`
	Token       string   `toml:"token"`
	CorsOrigins []string `toml:"cors_origins"`
}

// LoadPeerFile strictly decodes path: unknown keys are an error so typos do
// not silently fall back to defaults.
func LoadPeerFile(path string) (PeerFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PeerFile{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var cfg PeerFile
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return PeerFile{}, fmt.Errorf("config parse failed (%s): %s", path, strict.String())
		}
		return PeerFile{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := ValidatePeerFile(cfg); err != nil {
		return PeerFile{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// ValidatePeerFile checks values that the loaders cannot express as types.
// Empty fields are allowed; they fall back to defaults.
func ValidatePeerFile(cfg PeerFile) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Role)) {
	case "", "follower", "authority":
	default:
		return fmt.Errorf("role must be follower or authority, got %q", cfg.Role)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Mode)) {
	case "", "listen", "dial":
	default:
		return fmt.Errorf("transport.mode must be listen or dial, got %q", cfg.Transport.Mode)
	}
	if strings.ToLower(strings.TrimSpace(cfg.Transport.Mode)) == "dial" && strings.TrimSpace(cfg.Transport.Address) == "" {
		return fmt.Errorf("transport.address is required in dial mode")
	}
	for key, raw := range map[string]string{
		"transport.heartbeat":       cfg.Transport.Heartbeat,
		"transport.dead_after":      cfg.Transport.DeadAfter,
		"transport.write_timeout":   cfg.Transport.WriteTimeout,
		"transport.connect_timeout": cfg.Transport.ConnectTimeout,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := time.ParseDuration(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if cfg.DedupWindow < 0 {
		return fmt.Errorf("dedup_window must not be negative")
	}
	if cfg.Transport.CompressThreshold < 0 || cfg.Transport.SpoolLimit < 0 || cfg.Transport.MaxConnectAttempts < 0 {
		return fmt.Errorf("transport limits must not be negative")
	}
	if cfg.Transport.TLS.Mutual && !cfg.Transport.TLS.Enabled {
		return fmt.Errorf("transport.tls.mutual requires transport.tls.enabled")
	}
	return nil
}

// Marshal renders cfg back to TOML.
func Marshal(cfg PeerFile) ([]byte, error) {
	return toml.Marshal(cfg)
}
