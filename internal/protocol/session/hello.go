package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
)

const (
	controlTypeHello = "peerlink.hello"

	HelloVersion = 1

	maxControlLine = 64 * 1024
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrHelloVersion           = errors.New("session: unsupported hello version")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Hello is the JSON line each side writes before switching to frames.
type Hello struct {
	Version     int    `json:"version"`
	PeerID      string `json:"peer_id"`
	Role        string `json:"role"`
	Session     int64  `json:"session"`
	TimestampMS int64  `json:"timestamp_ms"`
}

func (h Hello) Validate() error {
	if h.Version != HelloVersion {
		return fmt.Errorf("%w: %d", ErrHelloVersion, h.Version)
	}
	if strings.TrimSpace(h.PeerID) == "" {
		return fmt.Errorf("%w: missing peer_id", ErrInvalidHello)
	}
	if h.TimestampMS <= 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHello)
	}
	return nil
}

type controlEnvelope struct {
	Type  string `json:"type"`
	Hello *Hello `json:"hello,omitempty"`
}

func WriteHello(w io.Writer, h Hello) error {
	if h.Version == 0 {
		h.Version = HelloVersion
	}
	if err := h.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(controlEnvelope{Type: controlTypeHello, Hello: &h})
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

// ReadHello reads one hello line. r must be the same buffered reader used for
// the frames that follow.
func ReadHello(r *bufio.Reader) (Hello, error) {
	line, err := readControlLine(r)
	if err != nil {
		return Hello{}, err
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidHello, env.Type)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func readControlLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxControlLine {
			return nil, ErrControlMessageTooLarge
		}
		if err == nil {
			return line, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
}
