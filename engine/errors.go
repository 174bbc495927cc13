package engine

import "errors"

var (
	// ErrInsufficientProfit is returned when the round trip fails the
	// profitability gate after both legs have run. The whole unit of
	// work rolls back; no partial execution survives.
	ErrInsufficientProfit = errors.New("engine: insufficient profit")
	// ErrRepayVenueNotConfigured is returned when no repay venue has
	// been bound for the pool. A missing binding is a hard
	// precondition failure, never a silent skip.
	ErrRepayVenueNotConfigured = errors.New("engine: repay venue not configured")
	// ErrInvalidBorrowAsset is returned in borrowed mode when the
	// opportunity's input side is the native, unwrapped asset.
	ErrInvalidBorrowAsset = errors.New("engine: invalid borrow asset")
	// ErrExecutionInProgress is returned when a reentrant or
	// concurrent attempt hits a pool whose execution is still running.
	ErrExecutionInProgress = errors.New("engine: execution in progress")
	// ErrBorrowingDisabled is returned when borrowed mode is requested
	// but no lending facilities are wired.
	ErrBorrowingDisabled = errors.New("engine: borrowing disabled")
)
