package sortition

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dagbft/types"
)

func outputFor(i uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], i)
	sum := sha256.Sum256(buf[:])
	return sum[:]
}

func TestTicketUsesTopBits(t *testing.T) {
	out := make([]byte, 32)
	for i := range out {
		out[i] = 0xff
	}
	assert.Equal(t, uint64(1)<<TicketBits-1, Ticket(out))

	out[0] = 0
	assert.Less(t, Ticket(out), uint64(1)<<(TicketBits-8))
}

func TestStakeFactor(t *testing.T) {
	assert.Equal(t, uint64(0), StakeFactor(0))
	assert.Equal(t, uint64(1), StakeFactor(1))
	assert.Equal(t, uint64(2), StakeFactor(2))
	assert.Equal(t, uint64(2), StakeFactor(3))
	assert.Equal(t, uint64(11), StakeFactor(1024))
	assert.Equal(t, uint64(MaxStakeFactor), StakeFactor(1<<63))
}

func TestIsEligibleDeterministicAndZeroStake(t *testing.T) {
	threshold := ProposalThreshold(30000)
	for i := uint64(0); i < 200; i++ {
		out := outputFor(i)
		a := IsEligible(out, threshold, 1<<20)
		b := IsEligible(out, threshold, 1<<20)
		if a != b {
			t.Fatalf("eligibility not deterministic for output %d", i)
		}
		if IsEligible(out, threshold, 0) {
			t.Fatalf("zero stake must never be eligible")
		}
	}
}

func TestEligibilityMonotonicInStake(t *testing.T) {
	threshold := ProposalThreshold(20000)
	countFor := func(stake uint64) int {
		n := 0
		for i := uint64(0); i < 2000; i++ {
			if IsEligible(outputFor(i), threshold, stake) {
				n++
			}
		}
		return n
	}
	prev := 0
	for _, stake := range []uint64{1, 2, 4, 1 << 10, 1 << 20, 1 << 40, 1 << 62} {
		for i := uint64(0); i < 2000; i++ {
			out := outputFor(i)
			if IsEligible(out, threshold, stake) && !IsEligible(out, threshold, stake*2) {
				t.Fatalf("doubling stake %d lost eligibility for output %d", stake, i)
			}
		}
		n := countFor(stake)
		assert.GreaterOrEqual(t, n, prev)
		prev = n
	}
	require.Greater(t, prev, 0)
}

func TestThresholdClampNeverOverflows(t *testing.T) {
	out := make([]byte, 32)
	for i := range out {
		out[i] = 0xff
	}
	// 最大 ticket 不会因为乘积溢出而变得合格
	assert.False(t, IsEligible(out, ^uint64(0), ^uint64(0)))
}

func TestVoteWeightFullCommittee(t *testing.T) {
	// 委员会不小于总权重时概率为 1，票权等于质押
	for i := uint64(0); i < 10; i++ {
		assert.Equal(t, uint64(7), VoteWeight(outputFor(i), 7, 100, 30))
	}
	assert.Equal(t, uint64(0), VoteWeight(outputFor(1), 0, 100, 30))
	assert.Equal(t, uint64(0), VoteWeight(outputFor(1), 5, 100, 0))
}

func TestVoteWeightBinomial(t *testing.T) {
	const (
		stake     = uint64(1) << 40
		total     = uint64(4) << 40
		committee = uint64(1000)
	)
	var sum uint64
	const samples = 200
	for i := uint64(0); i < samples; i++ {
		w := VoteWeight(outputFor(i), stake, committee, total)
		if w > stake {
			t.Fatalf("weight %d above stake", w)
		}
		assert.Equal(t, w, VoteWeight(outputFor(i), stake, committee, total))
		sum += w
	}
	// 期望 250，容差放宽
	mean := sum / samples
	assert.InDelta(t, 250, float64(mean), 15)
}

func TestVoteWeightExtremeOutputs(t *testing.T) {
	low := make([]byte, 32)
	high := make([]byte, 32)
	for i := range high {
		high[i] = 0xff
	}
	w0 := VoteWeight(low, 100, 10, 1000)
	w1 := VoteWeight(high, 100, 10, 1000)
	assert.LessOrEqual(t, w0, w1)
	assert.LessOrEqual(t, w1, uint64(100))
}

func TestTwoTPlusOne(t *testing.T) {
	assert.Equal(t, uint64(667), TwoTPlusOne(1000, 1<<40))
	assert.Equal(t, uint64(3), TwoTPlusOne(1000, 4))
	assert.Equal(t, uint64(0), TwoTPlusOne(1000, 0))
	assert.Equal(t, uint64(4), Committee(1000, 4))
}

func TestSeedsDiffer(t *testing.T) {
	anchor := types.Hash{1}
	assert.NotEqual(t, DagProposalSeed(anchor, 1, 2), DagProposalSeed(anchor, 1, 3))
	assert.NotEqual(t, VoteSeed(anchor, types.SoftVote, 1, 1, 2), VoteSeed(anchor, types.CertVote, 1, 1, 2))
}
