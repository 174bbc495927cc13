package lending

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/rebatelabs/rebatehook/venue"
)

// ErrNoFacility is returned when no registered facility can cover a
// requested loan.
var ErrNoFacility = errors.New("lending: no suitable facility")

// Manager selects among registered facilities by premium, preferring
// the cheapest one with sufficient liquidity for the request.
type Manager struct {
	facilities []Facility
	logger     *zap.Logger
}

// NewManager creates an empty facility manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger}
}

// Register adds a facility to the selection set.
func (m *Manager) Register(f Facility) {
	m.facilities = append(m.facilities, f)
}

// Select returns the cheapest facility able to lend amount of asset
// within txn's staged state.
func (m *Manager) Select(txn *venue.Txn, asset common.Address, amount *big.Int) (Facility, error) {
	var best Facility
	for _, f := range m.facilities {
		if f.Liquidity(txn, asset).Cmp(amount) < 0 {
			continue
		}
		if best == nil || f.PremiumBps() < best.PremiumBps() {
			best = f
		}
	}
	if best == nil {
		return nil, ErrNoFacility
	}
	m.logger.Debug("facility selected",
		zap.String("facility", best.Address().Hex()),
		zap.Uint64("premium_bps", best.PremiumBps()))
	return best, nil
}
