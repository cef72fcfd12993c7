package mesh

import (
	"github.com/dkeye/jamvoice/internal/core"
	"github.com/dkeye/jamvoice/internal/domain"
)

// IsInitiator tells whether local opens the connection to remote. The
// lexicographically smaller id offers, the other side waits for it.
func IsInitiator(local, remote domain.PeerID) bool {
	return local < remote
}

// Admission caps the number of concurrent peer sessions.
type Admission struct {
	MaxPeers int
}

func (a Admission) Admit(current int) error {
	if a.MaxPeers > 0 && current >= a.MaxPeers {
		return &core.CapacityError{Limit: a.MaxPeers}
	}
	return nil
}
