// Package engine executes recorded backrun opportunities as one atomic
// unit of work: a capture leg against the dislocated pool, a repay leg
// against an independently priced venue, a profitability gate and the
// profit distribution. Both financing modes share the same two-leg
// structure; the difference is only where the input capital comes from
// and what it costs.
package engine

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/rebatelabs/rebatehook/ledger"
	"github.com/rebatelabs/rebatehook/lending"
	"github.com/rebatelabs/rebatehook/types"
	"github.com/rebatelabs/rebatehook/venue"
)

// Report describes one execution attempt's economics.
type Report struct {
	Pool        types.PoolKey
	Direction   types.Direction
	AmountIn    *big.Int
	AmountBack  *big.Int
	Cost        *big.Int // financing cost; zero in self-funded mode
	Profit      *big.Int
	LPShare     *big.Int
	KeeperShare *big.Int
	Bounty      *big.Int
	Borrowed    bool
	Simulated   bool
}

// Engine orchestrates backrun execution against a venue market.
type Engine struct {
	market *venue.Market
	book   *ledger.Ledger
	loans  *lending.Manager // nil disables borrowed mode

	addr      common.Address // engine principal holding in-flight funds
	admin     common.Address
	lpAccount common.Address // liquidity-provider profit sink

	mu                 sync.Mutex
	repayVenues        map[uint64]types.PoolKey
	lpShareBps         uint64
	minProfitDefault   *big.Int
	maxExecutionAmount *big.Int // nil means unbounded
	busy               map[uint64]bool

	inflight *borrowContext

	metrics *Metrics
	logger  *zap.Logger
}

// borrowContext carries the state the flash-loan callback needs. It is
// only populated between Borrow and the callback's return, both inside
// the per-pool execution guard.
type borrowContext struct {
	facility  lending.Facility
	opp       types.BackrunOpportunity
	repayKey  types.PoolKey
	minProfit *big.Int
	report    *Report
}

// New creates an engine. addr is the engine's own principal, lpAccount
// receives the liquidity-provider profit share, and loans may be nil
// to disable borrowed mode.
func New(market *venue.Market, book *ledger.Ledger, loans *lending.Manager, addr, admin, lpAccount common.Address, lpShareBps uint64, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		market:           market,
		book:             book,
		loans:            loans,
		addr:             addr,
		admin:            admin,
		lpAccount:        lpAccount,
		repayVenues:      make(map[uint64]types.PoolKey),
		lpShareBps:       lpShareBps,
		minProfitDefault: big.NewInt(0),
		busy:             make(map[uint64]bool),
		metrics:          newMetrics(),
		logger:           logger,
	}
}

// Address returns the engine's principal.
func (e *Engine) Address() common.Address { return e.addr }

// Metrics exposes the engine's prometheus collectors for registration.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// ExecuteBackrun runs a borrowed-mode execution for caller, clamped to
// min(amount, recorded amount). minProfit may be nil to use the
// configured default.
func (e *Engine) ExecuteBackrun(ctx context.Context, caller common.Address, key types.PoolKey, amount, minProfit *big.Int) (*Report, error) {
	return e.execute(ctx, request{
		keeper:      caller,
		beneficiary: caller,
		key:         key,
		amount:      amount,
		minProfit:   minProfit,
		borrowed:    true,
		commit:      true,
	})
}

// ExecuteSelfFunded runs a self-funded execution: the input capital is
// pulled from caller up front and returned after the round trip; only
// the profit is distributed.
func (e *Engine) ExecuteSelfFunded(ctx context.Context, caller common.Address, key types.PoolKey, amount, minProfit *big.Int) (*Report, error) {
	return e.execute(ctx, request{
		keeper:      caller,
		beneficiary: caller,
		funder:      caller,
		key:         key,
		amount:      amount,
		minProfit:   minProfit,
		commit:      true,
	})
}

// ExecuteFor lets an authorized forwarder execute on behalf of keeper.
// The named keeper must itself still hold the keeper capability; the
// forwarder's bounty is carved from the keeper's profit share.
func (e *Engine) ExecuteFor(ctx context.Context, forwarder, keeper common.Address, key types.PoolKey, amount, minProfit *big.Int, bountyBps uint64) (*Report, error) {
	if !e.book.IsForwarder(forwarder) {
		return nil, fmt.Errorf("%w: %s is not a forwarder", ledger.ErrUnauthorizedCaller, forwarder.Hex())
	}
	return e.execute(ctx, request{
		keeper:      keeper,
		beneficiary: keeper,
		bountyTo:    forwarder,
		bountyBps:   bountyBps,
		key:         key,
		amount:      amount,
		minProfit:   minProfit,
		borrowed:    true,
		commit:      true,
	})
}

// Simulate runs the full execution path against staged state that is
// never committed. The ledger slot is left untouched.
func (e *Engine) Simulate(ctx context.Context, caller common.Address, key types.PoolKey, amount, minProfit *big.Int, selfFunded bool) (*Report, error) {
	req := request{
		keeper:      caller,
		beneficiary: caller,
		key:         key,
		amount:      amount,
		minProfit:   minProfit,
		borrowed:    !selfFunded,
	}
	if selfFunded {
		req.funder = caller
	}
	return e.execute(ctx, req)
}

type request struct {
	keeper      common.Address
	beneficiary common.Address
	funder      common.Address // self-funded capital source
	bountyTo    common.Address
	bountyBps   uint64
	key         types.PoolKey
	amount      *big.Int
	minProfit   *big.Int
	borrowed    bool
	commit      bool
}

// execute is the single unit of work: precondition checks, slot claim,
// both legs, profitability gate, distribution, commit. Any failure
// after the claim rolls the claim back; the staged venue transaction
// is discarded unless the final commit point is reached.
func (e *Engine) execute(ctx context.Context, req request) (report *Report, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode := "self_funded"
	if req.borrowed {
		mode = "borrowed"
	}
	defer func() {
		e.metrics.observe(mode, req.commit, err)
	}()

	// Cheap precondition checks first, before any state is touched.
	if !e.book.IsKeeper(req.keeper) {
		return nil, fmt.Errorf("%w: %s is not a keeper", ledger.ErrUnauthorizedCaller, req.keeper.Hex())
	}
	repayKey, ok := e.repayVenue(req.key)
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", ErrRepayVenueNotConfigured, req.key)
	}
	if req.borrowed && e.loans == nil {
		return nil, ErrBorrowingDisabled
	}

	// The guard covers the entire leg-1/leg-2/distribution sequence.
	// Leg execution calls out to the venue, an external-code boundary,
	// so an entry-only check would not stop a reentrant second attempt.
	if !e.acquire(req.key) {
		return nil, fmt.Errorf("%w: pool %s", ErrExecutionInProgress, req.key)
	}
	defer e.release(req.key)

	// Claim the slot before any side effects: a racing attempt now
	// observes Executed and fails with NoOpportunity.
	exec, err := e.book.BeginExecution(req.key, e.market.BlockNumber())
	if err != nil {
		return nil, err
	}
	defer exec.Rollback()

	opp := exec.Opportunity()
	amount := e.clampAmount(req.amount, opp.BackrunAmount)
	if amount.Sign() == 0 {
		return nil, ledger.ErrNoOpportunity
	}
	minProfit := req.minProfit
	if minProfit == nil {
		minProfit = e.minProfit()
	}

	asset := borrowAsset(opp)
	if req.borrowed && asset == (common.Address{}) {
		return nil, fmt.Errorf("%w: native asset on input side", ErrInvalidBorrowAsset)
	}

	txn := e.market.Begin()
	defer txn.Discard()

	if req.borrowed {
		report, err = e.runBorrowed(txn, opp, repayKey, asset, amount, minProfit)
	} else {
		report, err = e.runSelfFunded(txn, opp, repayKey, asset, amount, minProfit, req.funder)
	}
	if err != nil {
		return nil, err
	}

	if err := e.distribute(txn, asset, report, req); err != nil {
		return nil, err
	}

	report.Simulated = !req.commit
	if req.commit {
		txn.Commit()
		exec.Commit()
		e.logger.Info("backrun executed",
			zap.Uint64("pool", req.key.ID()),
			zap.String("mode", mode),
			zap.String("amount_in", report.AmountIn.String()),
			zap.String("profit", report.Profit.String()),
			zap.String("keeper", req.keeper.Hex()))
	}
	return report, nil
}

// runLegs performs the capture and repay swaps and returns the amount
// recovered in the input asset. No price limit is passed on either
// leg: the profitability gate, not the price limit, is the real gate.
func (e *Engine) runLegs(txn *venue.Txn, opp types.BackrunOpportunity, repayKey types.PoolKey, amountIn *big.Int) (*Report, error) {
	leg1, err := txn.Swap(opp.PoolKey, opp.Direction, amountIn, nil, e.addr)
	if err != nil {
		return nil, fmt.Errorf("engine: capture leg: %w", err)
	}
	leg2, err := txn.Swap(repayKey, opp.Direction.Opposite(), leg1.AmountOut, nil, e.addr)
	if err != nil {
		return nil, fmt.Errorf("engine: repay leg: %w", err)
	}
	return &Report{
		Pool:       opp.PoolKey,
		Direction:  opp.Direction,
		AmountIn:   new(big.Int).Set(amountIn),
		AmountBack: leg2.AmountOut,
	}, nil
}

// runSelfFunded pulls capital from the funder, runs the legs, applies
// the gate and returns the capital. Financing cost is zero.
func (e *Engine) runSelfFunded(txn *venue.Txn, opp types.BackrunOpportunity, repayKey types.PoolKey, asset common.Address, amount, minProfit *big.Int, funder common.Address) (*Report, error) {
	if err := txn.Transfer(asset, funder, e.addr, amount); err != nil {
		return nil, fmt.Errorf("engine: pull capital: %w", err)
	}
	report, err := e.runLegs(txn, opp, repayKey, amount)
	if err != nil {
		return nil, err
	}
	report.Cost = big.NewInt(0)
	if err := checkProfit(report, minProfit); err != nil {
		return nil, err
	}
	if err := txn.Transfer(asset, e.addr, funder, amount); err != nil {
		return nil, fmt.Errorf("engine: return capital: %w", err)
	}
	return report, nil
}

// runBorrowed finances the legs through the cheapest facility. The
// legs, gate and repayment approval all happen inside the facility's
// callback so the loan is repaid before Borrow returns.
func (e *Engine) runBorrowed(txn *venue.Txn, opp types.BackrunOpportunity, repayKey types.PoolKey, asset common.Address, amount, minProfit *big.Int) (*Report, error) {
	facility, err := e.loans.Select(txn, asset, amount)
	if err != nil {
		return nil, err
	}
	bctx := &borrowContext{
		facility:  facility,
		opp:       opp,
		repayKey:  repayKey,
		minProfit: minProfit,
	}
	e.inflight = bctx
	defer func() { e.inflight = nil }()

	if err := facility.Borrow(txn, e, e.addr, asset, amount, e.addr, nil); err != nil {
		return nil, err
	}
	return bctx.report, nil
}

// OnBorrowed implements lending.Borrower. It rejects callbacks that do
// not come from the selected facility or were not initiated by this
// engine, runs both legs, applies the profitability gate including the
// premium, and approves exactly the owed amount; nothing more, so no
// allowance dangles after the operation.
func (e *Engine) OnBorrowed(txn *venue.Txn, caller, asset common.Address, amount, premium *big.Int, initiator common.Address, _ []byte) error {
	bctx := e.inflight
	if bctx == nil || caller != bctx.facility.Address() {
		return fmt.Errorf("%w: unexpected flash loan caller %s", ledger.ErrUnauthorizedCaller, caller.Hex())
	}
	if initiator != e.addr {
		return fmt.Errorf("%w: unexpected initiator %s", ledger.ErrUnauthorizedCaller, initiator.Hex())
	}

	report, err := e.runLegs(txn, bctx.opp, bctx.repayKey, amount)
	if err != nil {
		return err
	}
	report.Cost = new(big.Int).Set(premium)
	report.Borrowed = true
	if err := checkProfit(report, bctx.minProfit); err != nil {
		return err
	}

	owed := new(big.Int).Add(amount, premium)
	bctx.facility.Approve(e.addr, asset, owed)
	bctx.report = report
	return nil
}

// checkProfit enforces amountBack >= amountIn + cost + minProfit and
// fills in the realized profit.
func checkProfit(r *Report, minProfit *big.Int) error {
	required := new(big.Int).Add(r.AmountIn, r.Cost)
	required.Add(required, minProfit)
	if r.AmountBack.Cmp(required) < 0 {
		return fmt.Errorf("%w: back %s, required %s", ErrInsufficientProfit, r.AmountBack, required)
	}
	r.Profit = new(big.Int).Sub(r.AmountBack, new(big.Int).Add(r.AmountIn, r.Cost))
	return nil
}

// distribute pays the profit split out of the engine's balance.
func (e *Engine) distribute(txn *venue.Txn, asset common.Address, report *Report, req request) error {
	dist := SplitProfit(report.Profit, e.lpShare())
	report.LPShare = dist.LPShare
	report.KeeperShare = dist.KeeperShare
	report.Bounty = big.NewInt(0)

	if err := txn.Transfer(asset, e.addr, e.lpAccount, dist.LPShare); err != nil {
		return fmt.Errorf("engine: lp share: %w", err)
	}
	keeperShare := dist.KeeperShare
	if req.bountyBps > 0 && req.bountyTo != (common.Address{}) {
		bounty, remainder := CarveBounty(keeperShare, req.bountyBps)
		if err := txn.Transfer(asset, e.addr, req.bountyTo, bounty); err != nil {
			return fmt.Errorf("engine: bounty: %w", err)
		}
		report.Bounty = bounty
		keeperShare = remainder
		report.KeeperShare = remainder
	}
	if err := txn.Transfer(asset, e.addr, req.beneficiary, keeperShare); err != nil {
		return fmt.Errorf("engine: keeper share: %w", err)
	}
	return nil
}

func borrowAsset(opp types.BackrunOpportunity) common.Address {
	if opp.Direction == types.SellAsset0 {
		return opp.PoolKey.Asset0
	}
	return opp.PoolKey.Asset1
}

func (e *Engine) clampAmount(requested, recorded *big.Int) *big.Int {
	amount := new(big.Int).Set(recorded)
	if requested != nil && requested.Sign() > 0 {
		amount = types.BigMin(requested, recorded)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.maxExecutionAmount != nil {
		amount = types.BigMin(amount, e.maxExecutionAmount)
	}
	return amount
}

func (e *Engine) acquire(key types.PoolKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy[key.ID()] {
		return false
	}
	e.busy[key.ID()] = true
	return true
}

func (e *Engine) release(key types.PoolKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.busy, key.ID())
}

func (e *Engine) repayVenue(key types.PoolKey) (types.PoolKey, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rk, ok := e.repayVenues[key.ID()]
	return rk, ok
}

func (e *Engine) lpShare() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lpShareBps
}

func (e *Engine) minProfit() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Set(e.minProfitDefault)
}
