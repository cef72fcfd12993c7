package core

import "fmt"

// ConnectionState is the negotiation-level view of a peer session.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateInitiating
	StateAnsweringOffer
	StateConnected
	StateDegraded
	StateReconnectPending
	StateClosed
)

var connectionStateNames = [...]string{
	StateIdle:             "idle",
	StateInitiating:       "initiating",
	StateAnsweringOffer:   "answering_offer",
	StateConnected:        "connected",
	StateDegraded:         "degraded",
	StateReconnectPending: "reconnect_pending",
	StateClosed:           "closed",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(connectionStateNames) {
		return fmt.Sprintf("connection_state(%d)", int(s))
	}
	return connectionStateNames[s]
}

// Negotiating reports whether a session in this state is still working
// towards a link and must not be replaced by a fresh one.
func (s ConnectionState) Negotiating() bool {
	switch s {
	case StateIdle, StateInitiating, StateAnsweringOffer, StateConnected:
		return true
	}
	return false
}

// LinkState mirrors the ICE-level connectivity of a media connection.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkChecking
	LinkConnected
	LinkCompleted
	LinkDisconnected
	LinkFailed
	LinkClosed
)

var linkStateNames = [...]string{
	LinkNew:          "new",
	LinkChecking:     "checking",
	LinkConnected:    "connected",
	LinkCompleted:    "completed",
	LinkDisconnected: "disconnected",
	LinkFailed:       "failed",
	LinkClosed:       "closed",
}

func (l LinkState) String() string {
	if l < 0 || int(l) >= len(linkStateNames) {
		return fmt.Sprintf("link_state(%d)", int(l))
	}
	return linkStateNames[l]
}

func (l LinkState) Healthy() bool { return l == LinkConnected || l == LinkCompleted }

func (l LinkState) Broken() bool { return l == LinkDisconnected || l == LinkFailed }

// ParseLinkState is the inverse of String; unknown names map to LinkNew.
func ParseLinkState(s string) LinkState {
	for i, name := range linkStateNames {
		if name == s {
			return LinkState(i)
		}
	}
	return LinkNew
}
