package tcp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/peerlink/internal/protocol/frame"
	"github.com/danmuck/peerlink/internal/protocol/session"
)

var (
	ErrAddressRequired = errors.New("tcp: address required")
	ErrInvalidMode     = errors.New("tcp: invalid mode")
	ErrReceiverMissing = errors.New("tcp: receiver required")
	ErrAlreadyStarted  = errors.New("tcp: adapter already started")
	ErrClosed          = errors.New("tcp: adapter closed")
)

// Mode selects which side opens the connection.
type Mode string

const (
	ModeListen Mode = "listen"
	ModeDial   Mode = "dial"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeListen:
		return ModeListen, nil
	case ModeDial:
		return ModeDial, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

type Config struct {
	Mode    Mode
	Address string
	// PeerID is announced in the hello. A random id is used when empty.
	PeerID string
	// Role is informational and only travels in the hello.
	Role string
	// Epoch reports the local session for the hello. Optional.
	Epoch   func() int64
	Session session.Config
	Limits  frame.Limits
}

func DefaultConfig() Config {
	return Config{
		Mode:    ModeListen,
		Address: "127.0.0.1:7420",
		Session: session.DefaultConfig(),
		Limits:  frame.DefaultLimits(),
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return ErrAddressRequired
	}
	switch c.Mode {
	case ModeListen:
		return c.Session.ValidateServerTransport()
	case ModeDial:
		return c.Session.ValidateClientTransport()
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}
}
