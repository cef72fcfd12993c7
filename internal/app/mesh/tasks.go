package mesh

import (
	"time"

	"github.com/dkeye/jamvoice/internal/domain"
)

type taskKey struct {
	peer domain.PeerID
	name string
}

type taskEntry struct {
	id    uint64
	timer Timer
}

// taskArena owns every delayed effect scoped to a peer. Cancelling a peer
// invalidates its handles, so a timer that already fired but has not yet
// reached the loop is dropped instead of acting on a removed session.
type taskArena struct {
	clock Clock
	post  func(func())

	seq   uint64
	tasks map[taskKey]taskEntry
}

func newTaskArena(clock Clock, post func(func())) *taskArena {
	return &taskArena{clock: clock, post: post, tasks: make(map[taskKey]taskEntry)}
}

// schedule replaces any task of the same name for the peer.
func (a *taskArena) schedule(peer domain.PeerID, name string, d time.Duration, fn func()) {
	key := taskKey{peer: peer, name: name}
	if old, ok := a.tasks[key]; ok {
		old.timer.Stop()
	}
	a.seq++
	id := a.seq
	timer := a.clock.AfterFunc(d, func() {
		a.post(func() {
			cur, ok := a.tasks[key]
			if !ok || cur.id != id {
				return
			}
			delete(a.tasks, key)
			fn()
		})
	})
	a.tasks[key] = taskEntry{id: id, timer: timer}
}

func (a *taskArena) pending(peer domain.PeerID, name string) bool {
	_, ok := a.tasks[taskKey{peer: peer, name: name}]
	return ok
}

func (a *taskArena) cancel(peer domain.PeerID, name string) {
	key := taskKey{peer: peer, name: name}
	if e, ok := a.tasks[key]; ok {
		e.timer.Stop()
		delete(a.tasks, key)
	}
}

func (a *taskArena) cancelPeer(peer domain.PeerID) int {
	n := 0
	for key, e := range a.tasks {
		if key.peer == peer {
			e.timer.Stop()
			delete(a.tasks, key)
			n++
		}
	}
	return n
}

func (a *taskArena) cancelAll() {
	for key, e := range a.tasks {
		e.timer.Stop()
		delete(a.tasks, key)
	}
}
