// Package signaling holds the wire envelope exchanged between voice agents
// and the relay. Every message is one JSON object with a "type" field; the
// remaining fields are filled depending on the type.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Type string

const (
	TypeJoinVoice             Type = "join_voice"
	TypeLeaveVoice            Type = "leave_voice"
	TypeOffer                 Type = "offer"
	TypeAnswer                Type = "answer"
	TypeICECandidate          Type = "ice_candidate"
	TypeMuteChanged           Type = "mute_changed"
	TypeRequestParticipants   Type = "request_participants"
	TypeParticipants          Type = "participants"
	TypeHeartbeat             Type = "heartbeat"
	TypeConnectionFailed      Type = "connection_failed"
	TypeReconnectionRequested Type = "reconnection_requested"
	TypeRateLimited           Type = "rate_limited"
)

// LinkReport is one entry of a heartbeat: how the sender sees its link to a peer.
type LinkReport struct {
	ConnectionState string `json:"connection_state"`
	LinkState       string `json:"link_state"`
}

type Message struct {
	Type        Type          `json:"type"`
	RoomID      domain.RoomID `json:"room_id,omitempty"`
	PeerID      domain.PeerID `json:"peer_id,omitempty"`
	DisplayName string        `json:"display_name,omitempty"`
	FromPeer    domain.PeerID `json:"from_peer,omitempty"`
	ToPeer      domain.PeerID `json:"to_peer,omitempty"`

	OfferSDP  string                   `json:"offer_sdp,omitempty"`
	AnswerSDP string                   `json:"answer_sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`

	Muted        *bool                        `json:"muted,omitempty"`
	Participants []domain.Participant         `json:"participants,omitempty"`
	States       map[domain.PeerID]LinkReport `json:"connection_states,omitempty"`
	RetryAfterMS int64                        `json:"retry_after_ms,omitempty"`
	Error        string                       `json:"error,omitempty"`
}

// Sender returns the peer a message originates from, whichever field carries it.
func (m *Message) Sender() domain.PeerID {
	if m.FromPeer != "" {
		return m.FromPeer
	}
	return m.PeerID
}

func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("decode signal: missing type")
	}
	return &m, nil
}

func JoinVoice(room domain.RoomID, peer domain.PeerID, displayName string) *Message {
	return &Message{Type: TypeJoinVoice, RoomID: room, PeerID: peer, DisplayName: displayName}
}

func LeaveVoice(room domain.RoomID, peer domain.PeerID) *Message {
	return &Message{Type: TypeLeaveVoice, RoomID: room, PeerID: peer}
}

func Offer(room domain.RoomID, from, to domain.PeerID, sdp string) *Message {
	return &Message{Type: TypeOffer, RoomID: room, FromPeer: from, ToPeer: to, OfferSDP: sdp}
}

func Answer(room domain.RoomID, from, to domain.PeerID, sdp string) *Message {
	return &Message{Type: TypeAnswer, RoomID: room, FromPeer: from, ToPeer: to, AnswerSDP: sdp}
}

func Candidate(room domain.RoomID, from, to domain.PeerID, c webrtc.ICECandidateInit) *Message {
	return &Message{Type: TypeICECandidate, RoomID: room, FromPeer: from, ToPeer: to, Candidate: &c}
}

func MuteChanged(room domain.RoomID, peer domain.PeerID, muted bool) *Message {
	return &Message{Type: TypeMuteChanged, RoomID: room, PeerID: peer, Muted: &muted}
}

func RequestParticipants(room domain.RoomID, peer domain.PeerID) *Message {
	return &Message{Type: TypeRequestParticipants, RoomID: room, PeerID: peer}
}

func Participants(room domain.RoomID, list []domain.Participant) *Message {
	return &Message{Type: TypeParticipants, RoomID: room, Participants: list}
}

func Heartbeat(room domain.RoomID, peer domain.PeerID, states map[domain.PeerID]LinkReport) *Message {
	return &Message{Type: TypeHeartbeat, RoomID: room, PeerID: peer, States: states}
}

// ConnectionFailed reports a broken link. An empty to narrows nothing: every
// receiver treats its own link to from as failed.
func ConnectionFailed(room domain.RoomID, from, to domain.PeerID) *Message {
	return &Message{Type: TypeConnectionFailed, RoomID: room, FromPeer: from, ToPeer: to}
}

func ReconnectionRequested(room domain.RoomID, from, to domain.PeerID) *Message {
	return &Message{Type: TypeReconnectionRequested, RoomID: room, FromPeer: from, ToPeer: to}
}

func RateLimited(room domain.RoomID, retryAfterMS int64) *Message {
	return &Message{Type: TypeRateLimited, RoomID: room, RetryAfterMS: retryAfterMS}
}
