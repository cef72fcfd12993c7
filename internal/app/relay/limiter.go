package relay

import (
	"sync"
	"time"

	"github.com/dkeye/jamvoice/internal/domain"
	"golang.org/x/time/rate"
)

// JoinLimiter is a sliding window of join attempts per peer.
type JoinLimiter struct {
	mu       sync.Mutex
	history  map[domain.PeerID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewJoinLimiter(limit int, interval time.Duration) *JoinLimiter {
	return &JoinLimiter{
		history:  make(map[domain.PeerID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records an attempt. When refused it reports how long until the
// oldest attempt in the window expires.
func (rl *JoinLimiter) Allow(peer domain.PeerID) (bool, time.Duration) {
	if rl.limit <= 0 {
		return true, 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[peer]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[peer] = fresh
		return false, fresh[0].Add(rl.interval).Sub(now)
	}

	rl.history[peer] = append(fresh, now)
	return true, 0
}

// Forget drops history older than the window for every peer.
func (rl *JoinLimiter) Forget() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	windowStart := rl.now().Add(-rl.interval)
	for peer, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, peer)
		}
	}
}

// FloodLimiter is a token bucket for one connection's inbound messages.
type FloodLimiter struct {
	lim *rate.Limiter
}

// NewFloodLimiter with perSecond <= 0 allows everything.
func NewFloodLimiter(perSecond float64, burst int) *FloodLimiter {
	if perSecond <= 0 {
		return &FloodLimiter{lim: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}
	return &FloodLimiter{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow takes one token, or reports how long until one is available.
func (f *FloodLimiter) Allow() (bool, time.Duration) {
	now := time.Now()
	if f.lim.AllowN(now, 1) {
		return true, 0
	}
	r := f.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return false, d
}
