package core

//go:generate mockgen -destination=mocks/media_mock.go -package=mocks github.com/dkeye/jamvoice/internal/core MediaConnection,ConnectionFactory

import (
	"context"

	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/pion/webrtc/v4"
)

// MediaConnection is one direct media link to a remote peer.
// Callbacks may fire on any goroutine.
type MediaConnection interface {
	// CreateOffer generates an offer and stores it as the local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// ApplyOffer sets the remote offer and returns the local answer.
	ApplyOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches the outgoing audio track. Must run before CreateOffer/ApplyOffer.
	AddLocalTrack(webrtc.TrackLocal) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnLinkStateChange(func(LinkState))
	OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))

	// Close releases the underlying peer connection. Safe to call more than once.
	Close() error
}

type ConnectionFactory interface {
	NewConnection(peer domain.PeerID) (MediaConnection, error)
}

// AudioSink receives a remote audio track for playback and level metering.
type AudioSink interface {
	Attach(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	// Level is the latest instantaneous level in [0,1].
	Level() float64
	Close()
}

type SinkFactory interface {
	NewSink(peer domain.PeerID) AudioSink
}

// MediaProvider supplies the local outgoing audio track.
type MediaProvider interface {
	Acquire(ctx context.Context) (webrtc.TrackLocal, error)
	SetMuted(muted bool)
	Level() float64
	Release()
}
