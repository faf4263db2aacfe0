package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/peerlink/internal/admin"
	"github.com/danmuck/peerlink/internal/config"
	"github.com/danmuck/peerlink/internal/link"
	"github.com/danmuck/peerlink/internal/protocol/session"
	"github.com/danmuck/peerlink/internal/transport/tcp"
)

// peerConfig is everything one linkctl peer process needs.
type peerConfig struct {
	Link      link.Config
	Transport tcp.Config
	Admin     admin.Config
	LogLevel  string
}

func defaultPeerConfig() peerConfig {
	lc := link.DefaultConfig()
	tc := tcp.DefaultConfig()
	return peerConfig{
		Link:      lc,
		Transport: tc,
		Admin: admin.Config{
			Peer: lc.Peer,
			Addr: "127.0.0.1:7421",
		},
		LogLevel: "info",
	}
}

// loadPeerConfig runs the strict schema check first, then overlays only the
// keys the file actually defines onto the defaults.
func loadPeerConfig(path string) (peerConfig, error) {
	if _, err := config.LoadPeerFile(path); err != nil {
		return peerConfig{}, err
	}

	cfg := defaultPeerConfig()
	var raw config.PeerFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return peerConfig{}, fmt.Errorf("load peer config: %w", err)
	}

	if meta.IsDefined("peer") {
		if peer := strings.TrimSpace(raw.Peer); peer != "" {
			cfg.Link.Peer = peer
			cfg.Admin.Peer = peer
		}
	}
	if meta.IsDefined("role") {
		role, err := link.ParseRole(raw.Role)
		if err != nil {
			return peerConfig{}, err
		}
		cfg.Link.Role = role
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("reset_log_level") {
		cfg.Link.LogLevel = strings.TrimSpace(raw.ResetLogLevel)
	}
	if meta.IsDefined("dedup_window") {
		cfg.Link.DedupWindow = raw.DedupWindow
	}

	if err := overlayTransport(&cfg.Transport, raw.Transport, meta); err != nil {
		return peerConfig{}, err
	}
	cfg.Transport.Role = cfg.Link.Role.String()

	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "token") {
		cfg.Admin.Token = strings.TrimSpace(raw.Admin.Token)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CorsOrigins = raw.Admin.CorsOrigins
	}
	return cfg, nil
}

func overlayTransport(dst *tcp.Config, raw config.TransportFile, meta toml.MetaData) error {
	if meta.IsDefined("transport", "mode") {
		mode, err := tcp.ParseMode(raw.Mode)
		if err != nil {
			return err
		}
		dst.Mode = mode
	}
	if meta.IsDefined("transport", "address") {
		dst.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("transport", "peer_id") {
		dst.PeerID = strings.TrimSpace(raw.PeerID)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat", raw.Heartbeat, &dst.Session.HeartbeatInterval},
		{"dead_after", raw.DeadAfter, &dst.Session.SessionDeadAfter},
		{"write_timeout", raw.WriteTimeout, &dst.Session.WriteTimeout},
		{"connect_timeout", raw.ConnectTimeout, &dst.Session.ConnectTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("transport", d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse transport.%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if meta.IsDefined("transport", "max_connect_attempts") {
		dst.Session.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("transport", "compress_threshold") {
		dst.Session.CompressThreshold = raw.CompressThreshold
	}
	if meta.IsDefined("transport", "spool_limit") {
		dst.Session.SpoolLimit = raw.SpoolLimit
	}
	if meta.IsDefined("transport", "security_mode") {
		dst.Session.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(raw.SecurityMode))
	}
	if meta.IsDefined("transport", "tls") {
		dst.Session.TLS = raw.TLS.SessionTLS()
	}
	return nil
}
