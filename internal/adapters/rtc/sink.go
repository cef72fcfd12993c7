package rtc

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelSink consumes a remote audio track, meters it through the RFC 6464
// audio level header extension and optionally records it as Ogg/Opus.
type LevelSink struct {
	peer      domain.PeerID
	recordDir string
	log       zerolog.Logger

	level atomic.Uint64 // math.Float64bits

	mu       sync.Mutex
	cancel   context.CancelFunc
	gen      uint64
	attaches int
}

func NewLevelSink(peer domain.PeerID, recordDir string) *LevelSink {
	return &LevelSink{
		peer:      peer,
		recordDir: recordDir,
		log:       log.With().Str("module", "sink").Str("peer", string(peer)).Logger(),
	}
}

// packetReader is the part of a remote track the read loop needs.
type packetReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Attach starts the read loop. A second Attach replaces the first track
// without waiting for its loop, which may be parked in ReadRTP until the old
// track ends. Each attach records into its own file.
func (s *LevelSink) Attach(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	codec := track.Codec()
	s.attach(track, codec.ClockRate, codec.Channels, audioLevelID(receiver))
}

func (s *LevelSink) attach(track packetReader, clockRate uint32, channels uint16, extID uint8) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	prevCancel := s.cancel
	s.cancel = cancel
	s.gen++
	gen := s.gen
	s.attaches++
	name := recordingName(s.peer, s.attaches)
	s.mu.Unlock()
	if prevCancel != nil {
		prevCancel()
	}

	var rec *oggwriter.OggWriter
	if s.recordDir != "" {
		name = filepath.Join(s.recordDir, name)
		w, err := oggwriter.New(name, clockRate, channels)
		if err != nil {
			s.log.Error().Err(err).Str("file", name).Msg("recording disabled")
		} else {
			rec = w
		}
	}

	go s.loop(ctx, track, extID, rec, gen)
}

func recordingName(peer domain.PeerID, n int) string {
	if n <= 1 {
		return string(peer) + ".ogg"
	}
	return fmt.Sprintf("%s-%d.ogg", peer, n)
}

// current reports whether gen is still the live attach.
func (s *LevelSink) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && s.cancel != nil
}

func (s *LevelSink) loop(ctx context.Context, track packetReader, extID uint8, rec *oggwriter.OggWriter, gen uint64) {
	defer func() {
		if s.current(gen) {
			s.store(0)
		}
	}()
	if rec != nil {
		defer func() {
			if err := rec.Close(); err != nil {
				s.log.Error().Err(err).Msg("close recording")
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			s.log.Debug().Err(err).Msg("read RTP stopped")
			return
		}
		if ctx.Err() != nil {
			return
		}
		if extID != 0 {
			if lvl, ok := PacketLevel(pkt, extID); ok {
				s.store(lvl)
			}
		}
		if rec != nil {
			if err := rec.WriteRTP(pkt); err != nil {
				s.log.Error().Err(err).Msg("write recording, stopping")
				rec = nil
			}
		}
	}
}

func (s *LevelSink) store(v float64) {
	s.level.Store(math.Float64bits(v))
}

func (s *LevelSink) Level() float64 {
	return math.Float64frombits(s.level.Load())
}

// Close stops the read loop. The track itself is torn down with its connection.
func (s *LevelSink) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.store(0)
}

func audioLevelID(receiver *webrtc.RTPReceiver) uint8 {
	if receiver == nil {
		return 0
	}
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == sdp.AudioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

// PacketLevel extracts the audio level extension and converts it to [0,1].
func PacketLevel(pkt *rtp.Packet, extID uint8) (float64, bool) {
	raw := pkt.GetExtension(extID)
	if raw == nil {
		return 0, false
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return 0, false
	}
	return LevelFromDBov(ext.Level), true
}

// LevelFromDBov converts -dBov (0 loudest, 127 silence) to a linear amplitude.
func LevelFromDBov(dbov uint8) float64 {
	if dbov >= 127 {
		return 0
	}
	return math.Pow(10, -float64(dbov)/20)
}

// SinkFactory hands out LevelSinks, recording into recordDir when set.
type SinkFactory struct {
	RecordDir string
}

func (f SinkFactory) NewSink(peer domain.PeerID) core.AudioSink {
	return NewLevelSink(peer, f.RecordDir)
}
