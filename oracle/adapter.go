// Package oracle normalizes external reference prices for the
// divergence math. The adapter scales a raw feed observation to the
// WAD fixed point and rejects stale or invalid reads outright; callers
// never see a defaulted or carried-forward price.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/rebatelabs/rebatehook/types"
)

var (
	// ErrStalePrice is returned when the feed observation is older than
	// the configured staleness bound.
	ErrStalePrice = errors.New("oracle: stale price")
	// ErrInvalidPrice is returned for non-positive or missing prices.
	ErrInvalidPrice = errors.New("oracle: invalid price")
)

// Feed is the raw external price source. Price and confidence are
// reported at the feed's own decimal scale.
type Feed interface {
	LatestPrice(ctx context.Context, base, quote common.Address) (price, confidence *big.Int, updatedAt time.Time, err error)
	Decimals() uint8
}

// Adapter wraps a Feed and produces WAD-scaled PricePoints with
// staleness and validity enforcement.
type Adapter struct {
	feed         Feed
	maxStaleness time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// NewAdapter creates an adapter over feed. maxStaleness bounds the age
// of an observation before reads fail with ErrStalePrice.
func NewAdapter(feed Feed, maxStaleness time.Duration, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		feed:         feed,
		maxStaleness: maxStaleness,
		now:          time.Now,
		logger:       logger,
	}
}

// Latest returns the normalized reference price for base/quote. It
// fails closed: a zero price, a negative price, or an observation older
// than maxStaleness is an error, never a sentinel value.
func (a *Adapter) Latest(ctx context.Context, base, quote common.Address) (types.PricePoint, error) {
	price, confidence, updatedAt, err := a.feed.LatestPrice(ctx, base, quote)
	if err != nil {
		return types.PricePoint{}, fmt.Errorf("oracle: feed read: %w", err)
	}
	if price == nil || price.Sign() <= 0 {
		return types.PricePoint{}, ErrInvalidPrice
	}
	if age := a.now().Sub(updatedAt); age > a.maxStaleness {
		a.logger.Debug("rejecting stale oracle price",
			zap.Duration("age", age),
			zap.Duration("max_staleness", a.maxStaleness))
		return types.PricePoint{}, fmt.Errorf("%w: age %s", ErrStalePrice, age)
	}
	if confidence == nil || confidence.Sign() < 0 {
		confidence = big.NewInt(0)
	}
	return types.PricePoint{
		Price:      scaleToWad(price, a.feed.Decimals()),
		Confidence: scaleToWad(confidence, a.feed.Decimals()),
		UpdatedAt:  updatedAt,
	}, nil
}

// scaleToWad rescales x from the given decimal precision to 18.
func scaleToWad(x *big.Int, decimals uint8) *big.Int {
	out := new(big.Int).Set(x)
	switch {
	case decimals < 18:
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil)
		out.Mul(out, factor)
	case decimals > 18:
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-18)), nil)
		out.Div(out, factor)
	}
	return out
}
