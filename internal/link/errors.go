package link

import (
	"errors"
	"fmt"
)

var (
	ErrUnreachable       = errors.New("link: peer unreachable")
	ErrSuperseded        = errors.New("link: superseded")
	ErrSessionReset      = errors.New("link: session reset")
	ErrObsolete          = errors.New("link: obsolete or unmatched")
	ErrProtocolViolation = errors.New("link: protocol violation")
	ErrCanceled          = errors.New("link: canceled")
	ErrReservedType      = errors.New("link: reserved message type")
	ErrNotAuthority      = errors.New("link: session reset requires authority role")
	ErrTransportRequired = errors.New("link: transport required")
)

// TransportError is a permanent transmission failure.
type TransportError struct {
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	return "link: transport error: " + e.Reason
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DeliveryError is what OnError receives. It unwraps to the cause.
type DeliveryError struct {
	Channel   Channel
	Timestamp int64
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("link: %s %d: %v", e.Channel, e.Timestamp, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err means the peer is momentarily unreachable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

func permanent(err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Reason: err.Error(), Err: err}
}
