package oracle

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	base      = common.HexToAddress("0x01")
	quoteAddr = common.HexToAddress("0x02")
)

func TestAdapterLatest(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	newAdapter := func(t *testing.T, decimals uint8) (*StaticFeed, *Adapter) {
		feed := NewStaticFeed(decimals)
		a := NewAdapter(feed, time.Minute, zaptest.NewLogger(t))
		a.now = func() time.Time { return now }
		return feed, a
	}

	t.Run("ScalesEightDecimalsToWad", func(t *testing.T) {
		feed, a := newAdapter(t, 8)
		// 1.5 at 8 decimals.
		feed.Set(base, quoteAddr, big.NewInt(150_000_000), big.NewInt(30_000), now)

		ref, err := a.Latest(context.Background(), base, quoteAddr)
		require.NoError(t, err)
		assert.Equal(t, "1500000000000000000", ref.Price.String())
		assert.Equal(t, "300000000000000", ref.Confidence.String())
		assert.Equal(t, now, ref.UpdatedAt)
	})

	t.Run("WadFeedPassesThrough", func(t *testing.T) {
		feed, a := newAdapter(t, 18)
		feed.Set(base, quoteAddr, big.NewInt(1_000_000_000_000_000_000), big.NewInt(0), now)

		ref, err := a.Latest(context.Background(), base, quoteAddr)
		require.NoError(t, err)
		assert.Equal(t, "1000000000000000000", ref.Price.String())
	})

	t.Run("HighPrecisionFeedScalesDown", func(t *testing.T) {
		feed, a := newAdapter(t, 20)
		// 1.5 at 20 decimals is 150 * 10^18.
		feed.Set(base, quoteAddr, new(big.Int).Mul(big.NewInt(150), big.NewInt(1_000_000_000_000_000_000)), big.NewInt(0), now)

		ref, err := a.Latest(context.Background(), base, quoteAddr)
		require.NoError(t, err)
		assert.Equal(t, "1500000000000000000", ref.Price.String())
	})

	t.Run("StalePriceRejected", func(t *testing.T) {
		feed, a := newAdapter(t, 8)
		feed.Set(base, quoteAddr, big.NewInt(150_000_000), big.NewInt(0), now.Add(-2*time.Minute))

		_, err := a.Latest(context.Background(), base, quoteAddr)
		assert.ErrorIs(t, err, ErrStalePrice)
	})

	t.Run("AgeExactlyAtBoundAccepted", func(t *testing.T) {
		feed, a := newAdapter(t, 8)
		feed.Set(base, quoteAddr, big.NewInt(150_000_000), big.NewInt(0), now.Add(-time.Minute))

		_, err := a.Latest(context.Background(), base, quoteAddr)
		assert.NoError(t, err)
	})

	t.Run("ZeroPriceRejected", func(t *testing.T) {
		feed, a := newAdapter(t, 8)
		feed.Set(base, quoteAddr, big.NewInt(0), big.NewInt(0), now)

		_, err := a.Latest(context.Background(), base, quoteAddr)
		assert.ErrorIs(t, err, ErrInvalidPrice)
	})

	t.Run("NegativeConfidenceClampedToZero", func(t *testing.T) {
		feed, a := newAdapter(t, 8)
		feed.Set(base, quoteAddr, big.NewInt(150_000_000), big.NewInt(-5), now)

		ref, err := a.Latest(context.Background(), base, quoteAddr)
		require.NoError(t, err)
		assert.Zero(t, ref.Confidence.Sign())
	})

	t.Run("UnknownPairPropagatesFeedError", func(t *testing.T) {
		_, a := newAdapter(t, 8)
		_, err := a.Latest(context.Background(), base, quoteAddr)
		assert.Error(t, err)
	})
}
