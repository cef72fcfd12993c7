package media

import "sync/atomic"

type GateState int32

const (
	GateOpen GateState = iota
	GateMuted
	GateClosed
)

// Gate decides whether captured frames reach the outgoing track.
type Gate struct {
	state atomic.Int32 // Zero by default (GateOpen)
}

func (g *Gate) State() GateState {
	return GateState(g.state.Load())
}

func (g *Gate) Open() {
	g.state.CompareAndSwap(int32(GateMuted), int32(GateOpen))
}

func (g *Gate) Mute() {
	g.state.CompareAndSwap(int32(GateOpen), int32(GateMuted))
}

// Close is terminal; Open and Mute have no effect afterwards.
func (g *Gate) Close() {
	g.state.Store(int32(GateClosed))
}

// Reset reopens a closed gate for a new capture.
func (g *Gate) Reset(muted bool) {
	if muted {
		g.state.Store(int32(GateMuted))
		return
	}
	g.state.Store(int32(GateOpen))
}
