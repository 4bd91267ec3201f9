package vote

import (
	"sort"

	"dagbft/types"
)

// VerifiedVote 通过校验的投票，带上恢复出来的投票人和票权
type VerifiedVote struct {
	*types.Vote
	Hash   types.Hash
	Voter  types.Address
	Weight uint64
}

// bucket 同一 (period, round, step) 下投给同一个值的票
type bucket struct {
	value  types.Hash
	weight uint64
	votes  []*VerifiedVote
	quorum bool // 一旦置位不再清除
}

type stepVotes struct {
	votes   map[types.Hash]*VerifiedVote    // 投票哈希 -> 票
	slots   map[types.Address]*VerifiedVote // 投票人 -> 首张票，计数以它为准
	buckets map[types.Hash]*bucket
}

func newStepVotes() *stepVotes {
	return &stepVotes{
		votes:   make(map[types.Hash]*VerifiedVote),
		slots:   make(map[types.Address]*VerifiedVote),
		buckets: make(map[types.Hash]*bucket),
	}
}

// sortedBuckets 非空值优先，其次权重高，最后哈希小
func (s *stepVotes) sortedBuckets() []*bucket {
	out := make([]*bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return bucketBetter(out[i], out[j]) })
	return out
}

func bucketBetter(a, b *bucket) bool {
	aNull, bNull := a.value == types.NullBlockHash, b.value == types.NullBlockHash
	if aNull != bNull {
		return !aNull
	}
	if a.weight != b.weight {
		return a.weight > b.weight
	}
	return types.HashLess(a.value, b.value)
}

type roundVotes struct {
	steps map[uint64]*stepVotes
}

type periodVotes struct {
	rounds map[uint64]*roundVotes
}

// Equivocation 同一投票人在同一槽位上的两张不同的票
type Equivocation struct {
	Voter  types.Address
	First  *VerifiedVote
	Second *VerifiedVote
}
