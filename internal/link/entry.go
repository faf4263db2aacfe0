package link

import (
	"fmt"
	"strings"
)

// Channel identifies one delivery lane.
type Channel int

const (
	ChannelMessage Channel = iota
	ChannelBinary
	ChannelBackground
	ChannelState
)

var queuedChannels = [...]Channel{ChannelMessage, ChannelBinary, ChannelBackground}

func (c Channel) String() string {
	switch c {
	case ChannelMessage:
		return "message"
	case ChannelBinary:
		return "binary"
	case ChannelBackground:
		return "background"
	case ChannelState:
		return "state"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

func ParseChannel(raw string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "message", "messages":
		return ChannelMessage, nil
	case "binary", "data":
		return ChannelBinary, nil
	case "background", "userinfo":
		return ChannelBackground, nil
	case "state", "context":
		return ChannelState, nil
	default:
		return 0, fmt.Errorf("link: unknown channel %q", raw)
	}
}

// Callbacks is the caller-owned resolution record. It is copied into the
// entry and invoked at most once, outside any queue lock.
type Callbacks struct {
	OnAck   func(timestamp int64)
	OnError func(err error)
}

// Entry is one queued item. Timestamp doubles as its identity.
type Entry struct {
	Timestamp   int64
	Session     int64
	RequiresAck bool
	Channel     Channel
	Type        string
	Body        []byte
	Callbacks   Callbacks
}

// resolution is a callback invocation collected under a lock and fired after
// the lock is released.
type resolution struct {
	channel   Channel
	timestamp int64
	cb        Callbacks
	err       error
}

func resolve(e Entry, outcome error) resolution {
	return resolution{channel: e.Channel, timestamp: e.Timestamp, cb: e.Callbacks, err: outcome}
}

func (r resolution) fire() {
	if r.err == nil {
		if r.cb.OnAck != nil {
			r.cb.OnAck(r.timestamp)
		}
		return
	}
	if r.cb.OnError != nil {
		r.cb.OnError(&DeliveryError{Channel: r.channel, Timestamp: r.timestamp, Err: r.err})
	}
}

func fireAll(rs []resolution) {
	for _, r := range rs {
		r.fire()
	}
}
