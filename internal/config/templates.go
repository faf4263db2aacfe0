package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter config for a follower or an authority peer.
func Template(role string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "follower":
		return followerTemplate, nil
	case "authority":
		return authorityTemplate, nil
	default:
		return "", fmt.Errorf("unknown config role: %s", role)
	}
}

func WriteTemplate(path, role string, overwrite bool) error {
	template, err := Template(role)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const followerTemplate = `peer = "watch"
role = "follower"
log_level = "info"
dedup_window = 256

[transport]
mode = "listen"
address = "127.0.0.1:7420"
heartbeat = "5s"
dead_after = "15s"
compress_threshold = 4096
spool_limit = 1024
security_mode = "development"

[transport.tls]
enabled = false
mutual = false

[admin]
addr = "127.0.0.1:7421"
token = ""
cors_origins = ["http://localhost:3000"]
`

const authorityTemplate = `peer = "phone"
role = "authority"
log_level = "info"
reset_log_level = "2"
dedup_window = 256

[transport]
mode = "dial"
address = "127.0.0.1:7420"
heartbeat = "5s"
dead_after = "15s"
max_connect_attempts = 0
compress_threshold = 4096
spool_limit = 1024
security_mode = "development"

[transport.tls]
enabled = false
mutual = false

[admin]
addr = "127.0.0.1:7431"
token = ""
cors_origins = ["http://localhost:3000"]
`
