package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const frameDuration = 20 * time.Millisecond

// Opus frame that decodes to 20ms of silence.
var silenceFrame = []byte{0xf8, 0xff, 0xfe}

// Frame is one encoded Opus page ready for the track.
type Frame struct {
	Data     []byte
	Duration time.Duration
}

// Source yields Opus frames. Next returns io.EOF at the end of the stream.
type Source interface {
	Next() (Frame, error)
	Close() error
}

type silenceSource struct{}

func (silenceSource) Next() (Frame, error) {
	return Frame{Data: silenceFrame, Duration: frameDuration}, nil
}

func (silenceSource) Close() error { return nil }

// oggSource reads Opus pages from an Ogg container.
type oggSource struct {
	f           *os.File
	r           *oggreader.OggReader
	lastGranule uint64
}

func openOgg(path string) (*oggSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, header, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read ogg header: %w", err)
	}
	if header.SampleRate == 0 {
		_ = f.Close()
		return nil, errors.New("ogg header without sample rate")
	}
	return &oggSource{f: f, r: r}, nil
}

func (s *oggSource) Next() (Frame, error) {
	for {
		page, hdr, err := s.r.ParseNextPage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}
		// Opus always counts granules at 48kHz.
		count := hdr.GranulePosition - s.lastGranule
		s.lastGranule = hdr.GranulePosition
		if count == 0 || len(page) == 0 {
			continue
		}
		return Frame{
			Data:     page,
			Duration: time.Duration(count) * time.Second / 48000,
		}, nil
	}
}

func (s *oggSource) Close() error {
	return s.f.Close()
}

// EstimateLevel approximates loudness from encoded frame size. Opus VBR
// spends more bytes on louder, busier audio; silence frames are a few bytes.
func EstimateLevel(frame []byte) float64 {
	const (
		quiet = 8
		loud  = 160
	)
	n := len(frame)
	switch {
	case n <= quiet:
		return 0
	case n >= loud:
		return 1
	default:
		return float64(n-quiet) / float64(loud-quiet)
	}
}
