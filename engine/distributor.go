package engine

import (
	"math/big"

	"github.com/rebatelabs/rebatehook/types"
)

// Distribution is a realized profit split. LPShare + KeeperShare
// equals the input profit exactly: the LP side is floored and the
// keeper side takes the division remainder, deterministically.
type Distribution struct {
	LPShare     *big.Int
	KeeperShare *big.Int
}

// SplitProfit divides profit between the liquidity-provider side and
// the keeper side at lpShareBps. Non-positive profit splits to zeros.
func SplitProfit(profit *big.Int, lpShareBps uint64) Distribution {
	if profit == nil || profit.Sign() <= 0 {
		return Distribution{LPShare: big.NewInt(0), KeeperShare: big.NewInt(0)}
	}
	lp := types.MulDivBps(profit, lpShareBps)
	return Distribution{
		LPShare:     lp,
		KeeperShare: new(big.Int).Sub(profit, lp),
	}
}

// CarveBounty splits a keeper share into a forwarder bounty and the
// keeper remainder. The bounty is floored; the keeper keeps the
// remainder.
func CarveBounty(keeperShare *big.Int, bountyBps uint64) (bounty, remainder *big.Int) {
	if keeperShare == nil || keeperShare.Sign() <= 0 {
		return big.NewInt(0), big.NewInt(0)
	}
	bounty = types.MulDivBps(keeperShare, bountyBps)
	return bounty, new(big.Int).Sub(keeperShare, bounty)
}
