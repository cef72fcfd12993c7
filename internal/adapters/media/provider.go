package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Provider publishes one Opus track fed from an Ogg file, looped, or from
// generated silence when no file is configured.
type Provider struct {
	path string
	log  zerolog.Logger

	gate  Gate
	level atomic.Uint64 // math.Float64bits

	mu     sync.Mutex
	track  *webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
	done   chan struct{}
	muted  bool
}

func NewProvider(path string) *Provider {
	return &Provider{
		path: path,
		log:  log.With().Str("module", "media").Logger(),
	}
}

func (p *Provider) open() (Source, error) {
	if p.path == "" {
		return silenceSource{}, nil
	}
	src, err := openOgg(p.path)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// Acquire starts capture. Repeated calls return the same track.
func (p *Provider) Acquire(ctx context.Context) (webrtc.TrackLocal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.track != nil {
		return p.track, nil
	}

	src, err := p.open()
	if err != nil {
		return nil, fmt.Errorf("open audio source: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "jam-"+uuid.NewString(),
	)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("create track: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.track, p.cancel, p.done = track, cancel, make(chan struct{})
	p.gate.Reset(p.muted)
	go p.pump(loopCtx, src, track, p.done)

	p.log.Info().Str("file", p.path).Bool("muted", p.muted).Msg("capture started")
	return track, nil
}

func (p *Provider) pump(ctx context.Context, src Source, track *webrtc.TrackLocalStaticSample, done chan struct{}) {
	defer close(done)
	defer func() { _ = src.Close() }()
	defer p.setLevel(0)

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			_ = src.Close()
			if src, err = p.open(); err != nil {
				p.log.Error().Err(err).Msg("reopen source, capture stopped")
				return
			}
			continue
		}
		if err != nil {
			p.log.Error().Err(err).Msg("read source, capture stopped")
			return
		}

		switch p.gate.State() {
		case GateClosed:
			return
		case GateMuted:
			p.setLevel(0)
			frame = Frame{Data: silenceFrame, Duration: frame.Duration}
		case GateOpen:
			p.setLevel(EstimateLevel(frame.Data))
		}

		if err := track.WriteSample(pionmedia.Sample{Data: frame.Data, Duration: frame.Duration}); err != nil {
			p.log.Error().Err(err).Msg("write sample, capture stopped")
			return
		}
	}
}

func (p *Provider) setLevel(v float64) {
	p.level.Store(math.Float64bits(v))
}

// SetMuted sends silence instead of captured audio while muted.
func (p *Provider) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
	if muted {
		p.gate.Mute()
		p.setLevel(0)
	} else {
		p.gate.Open()
	}
}

func (p *Provider) Level() float64 {
	return math.Float64frombits(p.level.Load())
}

// Release stops capture. The next Acquire starts a fresh track.
func (p *Provider) Release() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.track, p.cancel, p.done = nil, nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	p.gate.Close()
	cancel()
	<-done
	p.log.Info().Msg("capture stopped")
}
