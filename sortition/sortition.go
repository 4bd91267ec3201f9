package sortition

import (
	"encoding/binary"
	"math/big"
	"math/bits"

	"dagbft/types"
	"dagbft/utils"
)

// ============================================
// 抽签引擎：纯函数，没有共享状态
// ============================================

const (
	// TicketBits 彩票取 VRF 输出的高 46 位
	TicketBits = 46
	// StakeFactorBits 质押系数的位宽，threshold 的位宽 + 它 = TicketBits，乘积不会溢出
	StakeFactorBits = 6
	MaxStakeFactor  = 1<<StakeFactorBits - 1

	maxThreshold = uint64(1)<<(TicketBits-StakeFactorBits) - 1

	// weightPrecision 二项分布逆 CDF 的计算精度
	weightPrecision = 256
)

// Ticket VRF 输出前 8 字节（大端）的高 TicketBits 位
func Ticket(output []byte) uint64 {
	var head [8]byte
	copy(head[:], output)
	return binary.BigEndian.Uint64(head[:]) >> (64 - TicketBits)
}

// StakeFactor floor(log2(stake)) + 1，封顶 MaxStakeFactor；0 质押得 0
func StakeFactor(stake uint64) uint64 {
	f := uint64(bits.Len64(stake))
	if f > MaxStakeFactor {
		return MaxStakeFactor
	}
	return f
}

// ProposalThreshold VRF ThresholdUpper -> 出块阈值
func ProposalThreshold(upper uint16) uint64 {
	return uint64(upper) << (TicketBits - StakeFactorBits - 16)
}

// IsEligible ticket < threshold * stakeFactor
func IsEligible(output []byte, threshold uint64, stake uint64) bool {
	factor := StakeFactor(stake)
	if factor == 0 || len(output) == 0 {
		return false
	}
	if threshold > maxThreshold {
		threshold = maxThreshold
	}
	return Ticket(output) < threshold*factor
}

// DagProposalSeed DAG 出块抽签输入：出块周期的 PBFT 块哈希 + level
func DagProposalSeed(anchor types.Hash, proposalPeriod, level uint64) []byte {
	return utils.VrfInput(anchor[:], proposalPeriod, level)
}

// VoteSeed 投票抽签输入：上一周期 PBFT 块哈希 + 投票上下文
func VoteSeed(anchor types.Hash, voteType types.VoteType, period, round, step uint64) []byte {
	return utils.VrfInput(anchor[:], uint64(voteType), period, round, step)
}

// Committee 委员会规模 c = min(committeeSize, total)
func Committee(committeeSize, totalWeight uint64) uint64 {
	if totalWeight < committeeSize {
		return totalWeight
	}
	return committeeSize
}

// TwoTPlusOne c*2/3 + 1，总权重为 0 时为 0
func TwoTPlusOne(committeeSize, totalWeight uint64) uint64 {
	c := Committee(committeeSize, totalWeight)
	if c == 0 {
		return 0
	}
	return c*2/3 + 1
}

// VoteWeight 票权 = Binomial(stake, c/total) 在 u 处的逆 CDF，
// u 是 VRF 输出看作 [0,1) 上的小数。结果对相同输入确定
func VoteWeight(output []byte, stake, committee, total uint64) uint64 {
	if stake == 0 || total == 0 || committee == 0 {
		return 0
	}
	if stake > total {
		stake = total
	}
	c := Committee(committee, total)
	if c >= total {
		return stake
	}

	prec := uint(weightPrecision)
	newF := func() *big.Float { return new(big.Float).SetPrec(prec) }

	u := newF().SetInt(new(big.Int).SetBytes(output))
	u.SetMantExp(u, -8*len(output))

	p := newF().Quo(newF().SetUint64(c), newF().SetUint64(total))
	q := newF().Sub(newF().SetUint64(1), p)
	ratio := newF().Quo(p, q)

	// pmf(0) = q^n
	pmf := powUint(q, stake, prec)
	cdf := newF().Set(pmf)

	// 越过均值之后 pmf 小到可以忽略就停，避免精度误差让 cdf 永远追不上 u
	mean := newF().Mul(newF().SetUint64(stake), p)
	eps := newF().SetMantExp(newF().SetUint64(1), -int(prec))

	var k uint64
	for cdf.Cmp(u) <= 0 && k < stake {
		if pmf.Cmp(eps) < 0 && newF().SetUint64(k).Cmp(mean) > 0 {
			break
		}
		// pmf(k+1) = pmf(k) * (n-k)/(k+1) * p/q
		pmf.Mul(pmf, newF().SetUint64(stake-k))
		pmf.Quo(pmf, newF().SetUint64(k+1))
		pmf.Mul(pmf, ratio)
		cdf.Add(cdf, pmf)
		k++
	}
	return k
}

func powUint(base *big.Float, exp uint64, prec uint) *big.Float {
	result := new(big.Float).SetPrec(prec).SetUint64(1)
	b := new(big.Float).SetPrec(prec).Set(base)
	for exp > 0 {
		if exp&1 == 1 {
			result.Mul(result, b)
		}
		b.Mul(b, b)
		exp >>= 1
	}
	return result
}
