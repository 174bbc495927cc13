// Package ledger tracks one pending backrun opportunity per pool. The
// slot design is deliberate: a fresher signal always overwrites the
// previous one, so the execution amount is bounded by the single most
// recent observation. Expiry is checked lazily by block age; there is
// no background sweep.
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/rebatelabs/rebatehook/types"
)

var (
	// ErrNoOpportunity is returned when the slot is empty, zeroed or
	// already executed.
	ErrNoOpportunity = errors.New("ledger: no opportunity")
	// ErrOpportunityExpired is returned when the recorded block is
	// older than the age bound.
	ErrOpportunityExpired = errors.New("ledger: opportunity expired")
	// ErrUnauthorizedCaller is returned for callers outside the
	// relevant capability set.
	ErrUnauthorizedCaller = errors.New("ledger: unauthorized caller")
)

// DefaultMaxAgeBlocks bounds opportunity age. After two blocks the
// pool price may have drifted back from unrelated trading, making a
// stale positive opportunity negative-EV to execute.
const DefaultMaxAgeBlocks = 2

// Ledger is the per-pool opportunity store plus the three independent
// capability sets (keepers, recorders, forwarders). A principal may
// hold any subset; there is no hierarchy.
type Ledger struct {
	mu    sync.Mutex
	slots map[uint64]*types.BackrunOpportunity

	admin        common.Address
	keepers      map[common.Address]bool
	recorders    map[common.Address]bool
	forwarders   map[common.Address]bool
	maxAgeBlocks uint64

	logger *zap.Logger
}

// New creates a ledger administered by admin.
func New(admin common.Address, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		slots:        make(map[uint64]*types.BackrunOpportunity),
		admin:        admin,
		keepers:      make(map[common.Address]bool),
		recorders:    make(map[common.Address]bool),
		forwarders:   make(map[common.Address]bool),
		maxAgeBlocks: DefaultMaxAgeBlocks,
		logger:       logger,
	}
}

// Record writes the opportunity slot for key, overwriting any previous
// record regardless of its state. Only authorized recorders (normally
// the swap host's hook) may record.
func (l *Ledger) Record(caller common.Address, key types.PoolKey, targetPrice, currentPrice, amount *big.Int, direction types.Direction, block uint64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.recorders[caller] {
		return fmt.Errorf("%w: %s is not a recorder", ErrUnauthorizedCaller, caller.Hex())
	}
	l.slots[key.ID()] = &types.BackrunOpportunity{
		PoolKey:       key,
		TargetPrice:   new(big.Int).Set(targetPrice),
		CurrentPrice:  new(big.Int).Set(currentPrice),
		BackrunAmount: new(big.Int).Set(amount),
		Direction:     direction,
		RecordedAt:    at,
		RecordedBlock: block,
	}
	l.logger.Debug("opportunity recorded",
		zap.Uint64("pool", key.ID()),
		zap.String("amount", amount.String()),
		zap.Uint64("block", block),
		zap.Stringer("direction", direction))
	return nil
}

// Get returns a copy of the current slot for key.
func (l *Ledger) Get(key types.PoolKey) (types.BackrunOpportunity, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key.ID()]
	if !ok {
		return types.BackrunOpportunity{}, false
	}
	return copySlot(slot), true
}

// CheckExecutable verifies that the slot for key can be executed at
// nowBlock. It never mutates state; the transition to Executed happens
// only via BeginExecution, atomically with the execution attempt.
func (l *Ledger) CheckExecutable(key types.PoolKey, nowBlock uint64) (types.BackrunOpportunity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, err := l.executable(key, nowBlock)
	if err != nil {
		return types.BackrunOpportunity{}, err
	}
	return copySlot(slot), nil
}

// executable applies the executability checks under l.mu.
func (l *Ledger) executable(key types.PoolKey, nowBlock uint64) (*types.BackrunOpportunity, error) {
	slot, ok := l.slots[key.ID()]
	if !ok || slot.Executed || slot.BackrunAmount.Sign() == 0 {
		return nil, ErrNoOpportunity
	}
	if nowBlock > slot.RecordedBlock && nowBlock-slot.RecordedBlock > l.maxAgeBlocks {
		return nil, fmt.Errorf("%w: recorded at block %d, now %d", ErrOpportunityExpired, slot.RecordedBlock, nowBlock)
	}
	return slot, nil
}

// Execution is a claimed opportunity. The slot is flagged Executed the
// moment the claim succeeds, before any side effects run, so a
// concurrent or reentrant attempt observes Executed and fails with
// ErrNoOpportunity. Rollback restores the flag if the unit of work
// aborts; Commit makes the claim permanent.
type Execution struct {
	ledger *Ledger
	slotID uint64
	opp    types.BackrunOpportunity
	done   bool
}

// BeginExecution claims the slot for key: it runs the executable
// checks and flags the slot Executed in one critical section. At most
// one claim per recording can ever commit.
func (l *Ledger) BeginExecution(key types.PoolKey, nowBlock uint64) (*Execution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, err := l.executable(key, nowBlock)
	if err != nil {
		return nil, err
	}
	slot.Executed = true
	return &Execution{ledger: l, slotID: key.ID(), opp: copySlot(slot)}, nil
}

// Opportunity returns the claimed record.
func (e *Execution) Opportunity() types.BackrunOpportunity {
	return e.opp
}

// Commit finalizes the claim.
func (e *Execution) Commit() {
	e.done = true
}

// Rollback clears the Executed flag when the unit of work failed. It
// is a no-op after Commit, and also when a newer recording has already
// overwritten the slot.
func (e *Execution) Rollback() {
	if e.done {
		return
	}
	e.done = true
	e.ledger.mu.Lock()
	defer e.ledger.mu.Unlock()
	slot, ok := e.ledger.slots[e.slotID]
	if !ok || slot.RecordedBlock != e.opp.RecordedBlock {
		return
	}
	slot.Executed = false
}

func copySlot(slot *types.BackrunOpportunity) types.BackrunOpportunity {
	out := *slot
	out.TargetPrice = new(big.Int).Set(slot.TargetPrice)
	out.CurrentPrice = new(big.Int).Set(slot.CurrentPrice)
	out.BackrunAmount = new(big.Int).Set(slot.BackrunAmount)
	return out
}
