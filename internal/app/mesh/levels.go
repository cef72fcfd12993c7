package mesh

import (
	"sync"

	"github.com/dkeye/jamvoice/internal/domain"
)

const (
	levelKeep = 0.7
	levelNew  = 0.3

	// SpeakingThreshold is the smoothed level above which a peer shows as speaking.
	SpeakingThreshold = 0.05
)

// LevelSampler smooths periodic audio levels per peer for presentation.
// It has no say in connection handling.
type LevelSampler struct {
	mu     sync.RWMutex
	levels map[domain.PeerID]float64
}

func NewLevelSampler() *LevelSampler {
	return &LevelSampler{levels: make(map[domain.PeerID]float64)}
}

// Observe folds a raw sample into the moving average and returns the new value.
func (l *LevelSampler) Observe(peer domain.PeerID, sample float64) float64 {
	if sample < 0 {
		sample = 0
	}
	if sample > 1 {
		sample = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	smoothed := levelKeep*l.levels[peer] + levelNew*sample
	l.levels[peer] = smoothed
	return smoothed
}

func (l *LevelSampler) Level(peer domain.PeerID) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.levels[peer]
}

func (l *LevelSampler) Forget(peer domain.PeerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.levels, peer)
}

func (l *LevelSampler) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levels = make(map[domain.PeerID]float64)
}

func (l *LevelSampler) Snapshot() map[domain.PeerID]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[domain.PeerID]float64, len(l.levels))
	for k, v := range l.levels {
		out[k] = v
	}
	return out
}

// Speaking combines both stores for the UI. An explicit mute entry always
// wins; the level only decides for peers that are not muted.
func Speaking(mutes *MuteStore, levels *LevelSampler, peer domain.PeerID) bool {
	if muted, ok := mutes.Get(peer); ok && muted {
		return false
	}
	return levels.Level(peer) > SpeakingThreshold
}
