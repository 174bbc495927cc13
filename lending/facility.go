// Package lending provides the borrowed-capital facility for the
// backrun engine: funds are supplied for the duration of one atomic
// unit of work and must be repaid with a premium before the unit
// commits. The facility operates entirely inside the caller's staged
// venue transaction, so a failed round trip leaves no trace.
package lending

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/rebatelabs/rebatehook/types"
	"github.com/rebatelabs/rebatehook/venue"
)

var (
	// ErrInsufficientLiquidity is returned when the facility cannot
	// cover the requested amount.
	ErrInsufficientLiquidity = errors.New("lending: insufficient liquidity")
	// ErrRepaymentNotApproved is returned when the borrower did not
	// approve the owed amount before the callback returned.
	ErrRepaymentNotApproved = errors.New("lending: repayment not approved")
)

// Borrower receives borrowed funds. The callback runs inside the
// facility's Borrow call; the implementation must verify caller (the
// facility address) and initiator (itself) before acting, and must
// approve exactly the owed amount for repayment.
type Borrower interface {
	OnBorrowed(txn *venue.Txn, caller, asset common.Address, amount, premium *big.Int, initiator common.Address, params []byte) error
}

// Facility is the narrow lending surface the engine consumes.
type Facility interface {
	Address() common.Address
	PremiumBps() uint64
	Liquidity(txn *venue.Txn, asset common.Address) *big.Int
	Approve(owner, asset common.Address, amount *big.Int)
	Borrow(txn *venue.Txn, borrower Borrower, borrowerAddr, asset common.Address, amount *big.Int, initiator common.Address, params []byte) error
}

// PoolFacility is an in-memory Facility funded through venue balances.
type PoolFacility struct {
	addr       common.Address
	premiumBps uint64

	mu        sync.Mutex
	approvals map[approvalKey]*big.Int

	logger *zap.Logger
}

type approvalKey struct {
	owner common.Address
	asset common.Address
}

// NewPoolFacility creates a facility holding funds under addr and
// charging premiumBps per loan.
func NewPoolFacility(addr common.Address, premiumBps uint64, logger *zap.Logger) *PoolFacility {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PoolFacility{
		addr:       addr,
		premiumBps: premiumBps,
		approvals:  make(map[approvalKey]*big.Int),
		logger:     logger,
	}
}

// Address returns the facility's funding account.
func (f *PoolFacility) Address() common.Address { return f.addr }

// PremiumBps returns the loan premium in basis points.
func (f *PoolFacility) PremiumBps() uint64 { return f.premiumBps }

// Liquidity returns the facility's staged balance of asset.
func (f *PoolFacility) Liquidity(txn *venue.Txn, asset common.Address) *big.Int {
	return txn.Balance(f.addr, asset)
}

// Approve records the borrower's repayment allowance. Borrowers call
// this from inside OnBorrowed with exactly the owed amount.
func (f *PoolFacility) Approve(owner, asset common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals[approvalKey{owner, asset}] = new(big.Int).Set(amount)
}

// Borrow lends amount of asset to the borrower, runs the callback and
// pulls back the owed amount against the recorded approval. Any
// failure propagates to the caller, failing the whole unit of work;
// the approval is consumed in every path so no allowance dangles.
func (f *PoolFacility) Borrow(txn *venue.Txn, borrower Borrower, borrowerAddr, asset common.Address, amount *big.Int, initiator common.Address, params []byte) error {
	defer f.clearApproval(borrowerAddr, asset)

	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive amount", ErrInsufficientLiquidity)
	}
	if f.Liquidity(txn, asset).Cmp(amount) < 0 {
		return fmt.Errorf("%w: asset %s amount %s", ErrInsufficientLiquidity, asset.Hex(), amount)
	}

	premium := types.MulDivBps(amount, f.premiumBps)
	if err := txn.Transfer(asset, f.addr, borrowerAddr, amount); err != nil {
		return fmt.Errorf("lending: fund transfer: %w", err)
	}

	if err := borrower.OnBorrowed(txn, f.addr, asset, amount, premium, initiator, params); err != nil {
		return fmt.Errorf("lending: borrower callback: %w", err)
	}

	owed := new(big.Int).Add(amount, premium)
	if f.approval(borrowerAddr, asset).Cmp(owed) < 0 {
		return fmt.Errorf("%w: owed %s", ErrRepaymentNotApproved, owed)
	}
	if err := txn.Transfer(asset, borrowerAddr, f.addr, owed); err != nil {
		return fmt.Errorf("lending: repayment: %w", err)
	}

	f.logger.Debug("flash loan round trip complete",
		zap.String("asset", asset.Hex()),
		zap.String("amount", amount.String()),
		zap.String("premium", premium.String()))
	return nil
}

func (f *PoolFacility) approval(owner, asset common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a := f.approvals[approvalKey{owner, asset}]; a != nil {
		return new(big.Int).Set(a)
	}
	return big.NewInt(0)
}

func (f *PoolFacility) clearApproval(owner, asset common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.approvals, approvalKey{owner, asset})
}
