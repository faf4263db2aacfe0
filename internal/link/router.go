package link

import (
	"fmt"
	"regexp"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// Disposition is a handler's verdict on whether routing continues.
type Disposition int

const (
	Stop Disposition = iota
	Continue
)

// Handler receives a typed application message.
type Handler func(msgType string, body []byte) Disposition

// PayloadHandler receives a binary, background or state payload.
type PayloadHandler func(timestamp int64, body []byte)

type route struct {
	exact   string
	pattern *regexp.Regexp
	handler Handler
}

func (r route) matches(msgType string) bool {
	if r.pattern != nil {
		return r.pattern.MatchString(msgType)
	}
	return r.exact == msgType
}

type dedupKey struct {
	channel   Channel
	timestamp int64
}

// Router classifies inbound items. Control types are consumed internally;
// everything else goes through the handler table in registration order.
type Router struct {
	mu         sync.RWMutex
	routes     []route
	fallback   Handler
	binary     PayloadHandler
	background PayloadHandler
	state      PayloadHandler
	control    map[string]func(Envelope)

	seen *lru.Cache[dedupKey, struct{}]
	log  zerolog.Logger
}

func NewRouter(window int, logger zerolog.Logger) (*Router, error) {
	if window <= 0 {
		window = 256
	}
	seen, err := lru.New[dedupKey, struct{}](window)
	if err != nil {
		return nil, fmt.Errorf("link: dedup window: %w", err)
	}
	return &Router{
		control: make(map[string]func(Envelope)),
		seen:    seen,
		log:     logger,
	}, nil
}

func (r *Router) Bind(msgType string, h Handler) error {
	if msgType == "" {
		return fmt.Errorf("%w: empty message type", ErrProtocolViolation)
	}
	if IsReserved(msgType) {
		return fmt.Errorf("%w: %s", ErrReservedType, msgType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{exact: msgType, handler: h})
	return nil
}

// BindPattern registers h for every type matched by expr. Patterns that would
// match a control type are rejected.
func (r *Router) BindPattern(expr string, h Handler) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("link: bind pattern %q: %w", expr, err)
	}
	for _, reserved := range reservedTypes {
		if re.MatchString(reserved) {
			return fmt.Errorf("%w: pattern %q matches %s", ErrReservedType, expr, reserved)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{pattern: re, handler: h})
	return nil
}

func (r *Router) BindDefault(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

func (r *Router) BindBinary(h PayloadHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.binary = h
}

func (r *Router) BindBackground(h PayloadHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.background = h
}

func (r *Router) BindState(h PayloadHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = h
}

func (r *Router) bindControl(msgType string, fn func(Envelope)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.control[msgType] = fn
}

// Duplicate records (ch, ts) and reports whether it was already seen inside
// the dedup window.
func (r *Router) Duplicate(ch Channel, ts int64) bool {
	seen, _ := r.seen.ContainsOrAdd(dedupKey{channel: ch, timestamp: ts}, struct{}{})
	return seen
}

// Route dispatches a typed envelope.
func (r *Router) Route(env Envelope) {
	r.mu.RLock()
	ctl, isControl := r.control[env.Type]
	binary := r.binary
	fallback := r.fallback
	routes := r.routes
	r.mu.RUnlock()

	if isControl {
		ctl(env)
		return
	}
	if IsReserved(env.Type) && env.Type != TypeData {
		r.log.Debug().Str("type", env.Type).Msg("link.router unknown control type dropped")
		return
	}
	if env.Type == TypeData {
		if binary == nil {
			r.log.Debug().Int64("ts", env.Timestamp).Msg("link.router no binary handler")
			return
		}
		binary(env.Timestamp, env.Body)
		return
	}

	for _, rt := range routes {
		if !rt.matches(env.Type) {
			continue
		}
		if rt.handler(env.Type, env.Body) == Stop {
			return
		}
	}
	if fallback != nil {
		fallback(env.Type, env.Body)
		return
	}
	r.log.Debug().Str("type", env.Type).Msg("link.router unhandled message")
}

func (r *Router) RouteBackground(ts int64, body []byte) {
	r.mu.RLock()
	h := r.background
	r.mu.RUnlock()
	if h == nil {
		r.log.Debug().Int64("ts", ts).Msg("link.router no background handler")
		return
	}
	h(ts, body)
}

func (r *Router) RouteState(ts int64, body []byte) {
	r.mu.RLock()
	h := r.state
	r.mu.RUnlock()
	if h == nil {
		r.log.Debug().Int64("ts", ts).Msg("link.router no state handler")
		return
	}
	h(ts, body)
}

var reservedTypes = []string{TypeData, TypeAck, TypeStateAck, TypeBackgroundAck, TypeReset, TypeLogLevel}
