package mesh

import (
	"time"

	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/pion/webrtc/v4"
)

// PeerSession is the local end of one mesh link. It is owned by the Registry
// and only touched from the event loop.
type PeerSession struct {
	PeerID      domain.PeerID
	DisplayName string

	State             core.ConnectionState
	Link              core.LinkState
	ReconnectAttempts int
	LastHealthCheckAt time.Time
	CreatedAt         time.Time

	// remote candidates waiting for the remote description
	pending []webrtc.ICECandidateInit

	offerOutstanding bool
	remoteApplied    bool
	remoteSDP        string

	conn     core.MediaConnection
	sink     core.AudioSink
	released bool
}

func (s *PeerSession) PendingCandidates() int { return len(s.pending) }

// release closes the connection and the sink. Only the first call has effect.
func (s *PeerSession) release() error {
	if s.released {
		return nil
	}
	s.released = true
	s.State = core.StateClosed
	s.pending = nil
	if s.sink != nil {
		s.sink.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// replaceable sessions are dead or dying and give way to a fresh one.
func (s *PeerSession) replaceable() bool {
	return !s.State.Negotiating() || s.Link == core.LinkFailed
}
