package hook

import (
	"math/big"
	"sync"

	"go.uber.org/zap"

	"github.com/rebatelabs/rebatehook/types"
)

// OpportunitySignal is the advisory "opportunity recorded"
// notification. Consumers must re-read the ledger before acting; the
// payload may be stale by the time it is handled.
type OpportunitySignal struct {
	PoolKey      types.PoolKey
	TargetPrice  *big.Int
	CurrentPrice *big.Int
	Amount       *big.Int
	Direction    types.Direction
	Block        uint64
}

// SignalBus fans opportunity signals out to subscribers. Publishing
// never blocks: a subscriber that cannot keep up loses signals, which
// is safe because signals are advisory and the ledger stays
// authoritative.
type SignalBus struct {
	mu      sync.Mutex
	subs    map[int]chan OpportunitySignal
	nextID  int
	dropped uint64
	logger  *zap.Logger
}

// NewSignalBus creates an empty bus.
func NewSignalBus(logger *zap.Logger) *SignalBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalBus{
		subs:   make(map[int]chan OpportunitySignal),
		logger: logger,
	}
}

// Subscribe returns a buffered signal channel and a cancel function.
// The channel is closed on cancel.
func (b *SignalBus) Subscribe() (<-chan OpportunitySignal, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan OpportunitySignal, 64)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers sig to every subscriber without blocking.
func (b *SignalBus) Publish(sig OpportunitySignal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- sig:
		default:
			b.dropped++
			b.logger.Warn("signal dropped, subscriber backlogged",
				zap.Uint64("pool", sig.PoolKey.ID()),
				zap.Uint64("total_dropped", b.dropped))
		}
	}
}
