// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxPeerIDLen      = 64
	MaxDisplayNameLen = 36
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrPeerIDInvalid      = errors.New("peer id invalid")
)

// PeerID identifies one participant of a room. Ordering of PeerIDs is
// plain byte-wise string ordering.
type PeerID string

// Participant is what the room roster knows about a member.
type Participant struct {
	PeerID      PeerID `json:"peer_id"`
	DisplayName string `json:"display_name"`
	Muted       bool   `json:"muted"`
}

// NewPeerID is a tiny helper for agents started without an explicit identity.
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

func ValidatePeerID(id PeerID) error {
	if len(id) == 0 || len(id) > MaxPeerIDLen {
		return ErrPeerIDInvalid
	}
	if strings.ContainsAny(string(id), " \t\r\n") {
		return ErrPeerIDInvalid
	}
	return nil
}

func ValidateDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	return nil
}

// NewParticipant checks identity and display name before building the entry.
func NewParticipant(id PeerID, displayName string) (*Participant, error) {
	if err := ValidatePeerID(id); err != nil {
		return nil, err
	}
	if err := ValidateDisplayName(displayName); err != nil {
		return nil, err
	}
	return &Participant{PeerID: id, DisplayName: displayName}, nil
}
