package link

import "strings"

// Reserved message types. The "link." prefix is owned by this package and
// rejected from application sends and handler bindings.
const (
	ReservedPrefix    = "link."
	TypeData          = "link.data"
	TypeAck           = "link.ack"
	TypeStateAck      = "link.state.ack"
	TypeBackgroundAck = "link.background.ack"
	TypeReset         = "link.reset"
	TypeLogLevel      = "link.loglevel"
)

// IsReserved reports whether msgType belongs to the control namespace.
func IsReserved(msgType string) bool {
	return strings.HasPrefix(msgType, ReservedPrefix)
}

// Meta is the delivery metadata carried beside every background and state
// payload. It never lives inside the application body.
type Meta struct {
	Ack       bool
	Timestamp int64
	Session   int64
}

// Envelope is an interactive message or binary payload.
type Envelope struct {
	Timestamp int64
	Session   int64
	Type      string
	Body      []byte
}

// Reply confirms the envelope with the same timestamp.
type Reply struct {
	Timestamp int64
}

// BackgroundEnvelope is a queued transfer. A non-empty Type marks an
// interactive message that fell back to the background channel.
type BackgroundEnvelope struct {
	Meta
	Type string
	Body []byte
}

// StateEnvelope is a replace-latest snapshot.
type StateEnvelope struct {
	Meta
	Body []byte
}

// Transport moves envelopes to the peer. Implementations must deliver in
// order on each channel. Before reporting ErrUnreachable, an adapter flips
// Reachable to false so the next drain does not spin.
type Transport interface {
	// Send transmits env. onReply is nil when no reply is expected; otherwise
	// exactly one of onReply or onError runs, from any goroutine.
	Send(env Envelope, onReply func(Reply), onError func(error))
	// TransferBackground queues env for delivery whenever the peer is next
	// available. It never fails synchronously.
	TransferBackground(env BackgroundEnvelope)
	// SetState replaces the transport's state snapshot.
	SetState(env StateEnvelope) error
	Reachable() bool
	Activated() bool
}

// Receiver is the inbound half. A transport adapter calls these from its own
// goroutines.
type Receiver interface {
	ReceiveMessage(env Envelope)
	ReceiveBackground(env BackgroundEnvelope)
	ReceiveState(env StateEnvelope)
	ReachabilityChanged(reachable bool)
	ActivationChanged(activated bool)
}
