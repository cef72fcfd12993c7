package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Connection wraps one pion PeerConnection as a core.MediaConnection.
// Local candidates are trickled through OnICECandidate.
type Connection struct {
	pc   *webrtc.PeerConnection
	peer domain.PeerID
	log  zerolog.Logger

	mu       sync.RWMutex
	onICE    func(webrtc.ICECandidateInit)
	onLink   func(core.LinkState)
	onTrack  func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	hasTrack bool

	closeOnce sync.Once
	closeErr  error
}

func newConnection(pc *webrtc.PeerConnection, peer domain.PeerID) *Connection {
	c := &Connection{
		pc:   pc,
		peer: peer,
		log:  log.With().Str("module", "webrtc").Str("peer", string(peer)).Logger(),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Info().Str("ice_state", s.String()).Msg("ICE state")
		c.mu.RLock()
		fn := c.onLink
		c.mu.RUnlock()
		if fn != nil {
			fn(LinkStateOf(s))
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Debug().Str("peer_connection_state", s.String()).Msg("Peer state")
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	return c
}

// LinkStateOf maps pion's ICE connection state onto the mesh link state.
func LinkStateOf(s webrtc.ICEConnectionState) core.LinkState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return core.LinkChecking
	case webrtc.ICEConnectionStateConnected:
		return core.LinkConnected
	case webrtc.ICEConnectionStateCompleted:
		return core.LinkCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return core.LinkDisconnected
	case webrtc.ICEConnectionStateFailed:
		return core.LinkFailed
	case webrtc.ICEConnectionStateClosed:
		return core.LinkClosed
	default:
		return core.LinkNew
	}
}

func (c *Connection) AddLocalTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.hasTrack = true
	c.mu.Unlock()

	// RTCP has to be read for interceptors (NACK, reports) to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *Connection) ensureReceiver() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasTrack {
		return nil
	}
	c.hasTrack = true
	_, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (c *Connection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.ensureReceiver(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *Connection) ApplyOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	if c.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return errors.New("no local offer outstanding")
	}
	return c.pc.SetRemoteDescription(answer)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnLinkStateChange(fn func(core.LinkState)) {
	c.mu.Lock()
	c.onLink = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote audio tracks.
func (c *Connection) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.onICE, c.onLink, c.onTrack = nil, nil, nil
		c.mu.Unlock()
		c.closeErr = c.pc.Close()
		if c.closeErr != nil {
			c.log.Error().Err(c.closeErr).Msg("close error")
		} else {
			c.log.Info().Msg("closed")
		}
	})
	return c.closeErr
}
