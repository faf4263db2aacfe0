package config

import (
	"strings"

	"github.com/danmuck/peerlink/internal/protocol/session"
)

// SessionTLS converts the file's TLS table.
func (t TLSFile) SessionTLS() session.TLSConfig {
	return session.TLSConfig{
		Enabled:            t.Enabled,
		Mutual:             t.Mutual,
		CertFile:           strings.TrimSpace(t.CertFile),
		KeyFile:            strings.TrimSpace(t.KeyFile),
		CAFile:             strings.TrimSpace(t.CAFile),
		ServerName:         strings.TrimSpace(t.ServerName),
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
}
