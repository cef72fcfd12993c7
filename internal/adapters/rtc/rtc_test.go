package rtc

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/jamvoice/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkStateOf(t *testing.T) {
	cases := map[webrtc.ICEConnectionState]core.LinkState{
		webrtc.ICEConnectionStateNew:          core.LinkNew,
		webrtc.ICEConnectionStateChecking:     core.LinkChecking,
		webrtc.ICEConnectionStateConnected:    core.LinkConnected,
		webrtc.ICEConnectionStateCompleted:    core.LinkCompleted,
		webrtc.ICEConnectionStateDisconnected: core.LinkDisconnected,
		webrtc.ICEConnectionStateFailed:       core.LinkFailed,
		webrtc.ICEConnectionStateClosed:       core.LinkClosed,
	}
	for in, want := range cases {
		assert.Equal(t, want, LinkStateOf(in), in.String())
	}
}

func TestLevelFromDBov(t *testing.T) {
	assert.InDelta(t, 1.0, LevelFromDBov(0), 1e-9)
	assert.InDelta(t, 0.1, LevelFromDBov(20), 1e-9)
	assert.InDelta(t, 0.01, LevelFromDBov(40), 1e-9)
	assert.Equal(t, 0.0, LevelFromDBov(127))
}

func TestPacketLevel(t *testing.T) {
	ext := rtp.AudioLevelExtension{Level: 20, Voice: true}
	raw, err := ext.Marshal()
	require.NoError(t, err)

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}}
	require.NoError(t, pkt.SetExtension(1, raw))

	lvl, ok := PacketLevel(pkt, 1)
	require.True(t, ok)
	assert.InDelta(t, 0.1, lvl, 1e-9)

	_, ok = PacketLevel(pkt, 2)
	assert.False(t, ok)
}

func TestLevelSinkCloseWithoutAttach(t *testing.T) {
	s := NewLevelSink("peer-a", "")
	assert.Equal(t, 0.0, s.Level())
	s.Close()
	s.Close()
}

// chanReader parks in ReadRTP until a packet arrives or the channel closes.
type chanReader struct {
	packets chan *rtp.Packet
}

func newChanReader() *chanReader { return &chanReader{packets: make(chan *rtp.Packet, 4)} }

func (r *chanReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-r.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

func levelPacket(t *testing.T, dbov uint8) *rtp.Packet {
	t.Helper()
	raw, err := rtp.AudioLevelExtension{Level: dbov}.Marshal()
	require.NoError(t, err)
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: 1, Timestamp: 960},
		Payload: []byte{0xf8, 0xff, 0xfe},
	}
	require.NoError(t, pkt.SetExtension(1, raw))
	return pkt
}

func TestLevelSinkReattachDoesNotWaitForParkedReader(t *testing.T) {
	dir := t.TempDir()
	s := NewLevelSink("peer-a", dir)

	first := newChanReader()
	s.attach(first, 48000, 2, 1)
	first.packets <- levelPacket(t, 20)
	require.Eventually(t, func() bool { return s.Level() > 0.09 && s.Level() < 0.11 }, time.Second, 5*time.Millisecond)

	// first is now parked with nothing to read
	second := newChanReader()
	attached := make(chan struct{})
	go func() {
		s.attach(second, 48000, 2, 1)
		close(attached)
	}()
	select {
	case <-attached:
	case <-time.After(time.Second):
		t.Fatal("reattach blocked on the previous read loop")
	}

	second.packets <- levelPacket(t, 0)
	require.Eventually(t, func() bool { return s.Level() == 1.0 }, time.Second, 5*time.Millisecond)

	// the replaced loop ending must not reset the live level
	close(first.packets)
	assert.Never(t, func() bool { return s.Level() != 1.0 }, 100*time.Millisecond, 5*time.Millisecond)

	assert.FileExists(t, filepath.Join(dir, "peer-a.ogg"))
	assert.FileExists(t, filepath.Join(dir, "peer-a-2.ogg"))

	s.Close()
	close(second.packets)
	assert.Equal(t, 0.0, s.Level())
}

func TestFactoryCreatesConnection(t *testing.T) {
	f, err := NewFactory(webrtc.Configuration{})
	require.NoError(t, err)

	conn, err := f.NewConnection("peer-b")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	offer, err := conn.CreateOffer(t.Context())
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")

	assert.Error(t, conn.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}))
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
}

func TestOfferAnswerBetweenConnections(t *testing.T) {
	f, err := NewFactory(webrtc.Configuration{})
	require.NoError(t, err)

	a, err := f.NewConnection("a")
	require.NoError(t, err)
	b, err := f.NewConnection("b")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	offer, err := a.CreateOffer(t.Context())
	require.NoError(t, err)
	answer, err := b.ApplyOffer(t.Context(), offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	require.NoError(t, a.ApplyAnswer(answer))
}

func TestConfigWithICE(t *testing.T) {
	assert.Equal(t, DefaultWebRTCConfig(), ConfigWithICE(nil))
	cfg := ConfigWithICE([]string{"stun:example.org:3478"})
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:example.org:3478"}, cfg.ICEServers[0].URLs)
}
