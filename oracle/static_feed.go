package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// StaticFeed is an in-memory Feed whose quotes are set by the
// operator. It backs local runs and tests where no live feed is wired.
type StaticFeed struct {
	mu       sync.RWMutex
	decimals uint8
	quotes   map[pairKey]quote
}

type pairKey struct {
	base  common.Address
	quote common.Address
}

type quote struct {
	price      *big.Int
	confidence *big.Int
	updatedAt  time.Time
}

// NewStaticFeed creates an empty feed reporting at the given decimal
// precision.
func NewStaticFeed(decimals uint8) *StaticFeed {
	return &StaticFeed{
		decimals: decimals,
		quotes:   make(map[pairKey]quote),
	}
}

// Set stores a quote for base/quote at the feed's decimal scale.
func (f *StaticFeed) Set(base, quoteAsset common.Address, price, confidence *big.Int, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[pairKey{base, quoteAsset}] = quote{
		price:      new(big.Int).Set(price),
		confidence: new(big.Int).Set(confidence),
		updatedAt:  updatedAt,
	}
}

// LatestPrice implements Feed.
func (f *StaticFeed) LatestPrice(_ context.Context, base, quoteAsset common.Address) (*big.Int, *big.Int, time.Time, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[pairKey{base, quoteAsset}]
	if !ok {
		return nil, nil, time.Time{}, errors.New("oracle: no quote for pair")
	}
	return new(big.Int).Set(q.price), new(big.Int).Set(q.confidence), q.updatedAt, nil
}

// Decimals implements Feed.
func (f *StaticFeed) Decimals() uint8 {
	return f.decimals
}
