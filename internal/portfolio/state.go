package portfolio

import (
	"sync/atomic"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// Publisher holds the latest PortfolioState. Snapshots are swapped whole; readers never see a
// partially built state and must treat what they get as read-only.
type Publisher struct {
	current atomic.Pointer[types.PortfolioState]
}

// Publish replaces the current snapshot.
func (p *Publisher) Publish(state *types.PortfolioState) {
	p.current.Store(state)
}

// Snapshot returns the latest published state, or nil before the first publication.
func (p *Publisher) Snapshot() *types.PortfolioState {
	return p.current.Load()
}
