package mesh

import (
	"sync"

	"github.com/dkeye/jamvoice/internal/domain"
)

// MuteStore is the only authority on who is muted. Entries are written by
// explicit mute signaling and live independently of media sessions.
type MuteStore struct {
	mu    sync.RWMutex
	muted map[domain.PeerID]bool
}

func NewMuteStore() *MuteStore {
	return &MuteStore{muted: make(map[domain.PeerID]bool)}
}

// Set always overwrites; last writer wins.
func (s *MuteStore) Set(peer domain.PeerID, muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted[peer] = muted
}

func (s *MuteStore) Get(peer domain.PeerID) (muted bool, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	muted, ok = s.muted[peer]
	return muted, ok
}

func (s *MuteStore) Delete(peer domain.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.muted, peer)
}

func (s *MuteStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = make(map[domain.PeerID]bool)
}

func (s *MuteStore) Snapshot() map[domain.PeerID]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.PeerID]bool, len(s.muted))
	for k, v := range s.muted {
		out[k] = v
	}
	return out
}
