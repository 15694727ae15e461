// Package peer holds the membership model shared by the registry, the
// heartbeat service and the store.
package peer

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateOnline  State = "ONLINE"
	StateOffline State = "OFFLINE"
	StateUnknown State = "UNKNOWN"
)

// ParseState maps a stored or received state string to a State. Anything
// unrecognised is StateUnknown.
func ParseState(s string) State {
	switch State(strings.ToUpper(strings.TrimSpace(s))) {
	case StateOnline:
		return StateOnline
	case StateOffline:
		return StateOffline
	default:
		return StateUnknown
	}
}

type Peer struct {
	ID            uuid.UUID
	IP            string
	Port          int
	State         State
	LastHeartbeat *time.Time
}

func (p Peer) Addr() string {
	return Key(p.IP, p.Port)
}

// StateAt derives the state seen at now. A peer with no heartbeat is
// UNKNOWN; one whose heartbeat is older than timeout is OFFLINE.
func (p Peer) StateAt(now time.Time, timeout time.Duration) State {
	if p.LastHeartbeat == nil {
		if p.State == StateOffline {
			return StateOffline
		}
		return StateUnknown
	}
	if now.Sub(*p.LastHeartbeat) > timeout {
		return StateOffline
	}
	if p.State == StateOffline {
		// explicitly marked offline after the last heartbeat
		return StateOffline
	}
	return StateOnline
}

// Key is the pool and lookup key for an address.
func Key(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// ValidAddress reports whether ip looks like an IP literal or hostname and
// port is in [1,65535].
func ValidAddress(ip string, port int) bool {
	if port <= 0 || port > 65535 {
		return false
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return false
	}
	if net.ParseIP(ip) != nil {
		return true
	}
	return validHostname(ip)
}

func validHostname(host string) bool {
	if len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for i, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			case r == '-' && i > 0 && i < len(label)-1:
			default:
				return false
			}
		}
	}
	return true
}

// Stats counts peers by derived state.
type Stats struct {
	Total   int
	Online  int
	Offline int
	Unknown int
}

func Count(peers []Peer, now time.Time, timeout time.Duration) Stats {
	s := Stats{Total: len(peers)}
	for _, p := range peers {
		switch p.StateAt(now, timeout) {
		case StateOnline:
			s.Online++
		case StateOffline:
			s.Offline++
		default:
			s.Unknown++
		}
	}
	return s
}
