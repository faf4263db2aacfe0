package link

import (
	"fmt"
	"strings"
	"sync"
)

// Role decides how a peer reacts to a session identifier it does not hold.
type Role int

const (
	// RoleFollower starts unsynchronized (epoch 0) and adopts any newer
	// epoch announced by the peer.
	RoleFollower Role = iota
	// RoleAuthority mints epochs. It never adopts a peer epoch.
	RoleAuthority
)

func (r Role) String() string {
	switch r {
	case RoleAuthority:
		return "authority"
	default:
		return "follower"
	}
}

func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "follower":
		return RoleFollower, nil
	case "authority":
		return RoleAuthority, nil
	default:
		return RoleFollower, fmt.Errorf("link: unknown role %q", raw)
	}
}

// Verdict classifies an inbound session identifier against the local epoch.
type Verdict int

const (
	VerdictCurrent Verdict = iota
	VerdictObsolete
	VerdictAdvance
	VerdictInvalid
)

func (v Verdict) String() string {
	switch v {
	case VerdictCurrent:
		return "current"
	case VerdictObsolete:
		return "obsolete"
	case VerdictAdvance:
		return "advance"
	default:
		return "invalid"
	}
}

// Epoch is the current session identifier. Zero means not yet known.
type Epoch struct {
	mu    sync.Mutex
	role  Role
	value int64
}

func NewEpoch(role Role, initial int64) *Epoch {
	return &Epoch{role: role, value: initial}
}

func (e *Epoch) Role() Role {
	return e.role
}

func (e *Epoch) Current() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// Classify reports what an inbound item tagged with session s means.
func (e *Epoch) Classify(s int64) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.role == RoleAuthority {
		switch {
		case s == 0 || s == e.value:
			return VerdictCurrent
		case s < e.value:
			return VerdictObsolete
		default:
			return VerdictInvalid
		}
	}
	switch {
	case s == e.value:
		return VerdictCurrent
	case s < e.value:
		return VerdictObsolete
	default:
		return VerdictAdvance
	}
}

// Advance adopts s when it is newer than the current epoch. Only the caller
// that observes ok=true owns the transition.
func (e *Epoch) Advance(s int64) (old int64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s <= e.value {
		return e.value, false
	}
	old = e.value
	e.value = s
	return old, true
}

// Renew mints a fresh epoch no smaller than candidate and always newer than
// the current one.
func (e *Epoch) Renew(candidate int64) (old, next int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	old = e.value
	next = candidate
	if next <= old {
		next = old + 1
	}
	e.value = next
	return old, next
}
