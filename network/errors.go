package network

import (
	"errors"
	"fmt"

	"dagbft/dag"
	"dagbft/pbft"
	"dagbft/vote"
)

var (
	ErrMalformedPacket = errors.New("malformed packet")
	ErrMaliciousPeer   = errors.New("malicious peer")
	ErrUnknownPacket   = fmt.Errorf("%w: unknown packet type", ErrMalformedPacket)
)

// ErrorClass 决定收到坏包之后怎么处理对端
type ErrorClass int

const (
	ClassNone      ErrorClass = iota
	ClassMalformed            // 格式或签名错误，断开
	ClassStale                // 过期数据，忽略
	ClassTransient            // 缺依赖或太超前，忽略，必要时触发同步
	ClassInvariant            // 违反协议规则（双签、伪造顺序），断开
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassMalformed:
		return "malformed"
	case ClassStale:
		return "stale"
	case ClassTransient:
		return "transient"
	case ClassInvariant:
		return "invariant"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classify 按错误链归类。先判暂时性错误：缺父块也属于 ErrInvalidParent
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, dag.ErrMissingParent),
		errors.Is(err, dag.ErrMissingTransactions),
		errors.Is(err, dag.ErrFutureProposal),
		errors.Is(err, vote.ErrFutureVote),
		errors.Is(err, vote.ErrUnknownAnchor),
		errors.Is(err, pbft.ErrMissingDagHistory),
		errors.Is(err, pbft.ErrFutureProposal):
		return ClassTransient
	case errors.Is(err, dag.ErrStaleProposal),
		errors.Is(err, dag.ErrAnchorFinalized),
		errors.Is(err, vote.ErrStaleOrFuturePeriod),
		errors.Is(err, pbft.ErrStaleProposal),
		errors.Is(err, pbft.ErrNonMonotonicPeriod):
		return ClassStale
	case errors.Is(err, ErrMalformedPacket),
		errors.Is(err, vote.ErrMalformedVote),
		errors.Is(err, vote.ErrMalformedBundle),
		errors.Is(err, vote.ErrBadSignature),
		errors.Is(err, vote.ErrIneligibleSortition),
		errors.Is(err, dag.ErrBadBlockSignature),
		errors.Is(err, dag.ErrBadVrfProof),
		errors.Is(err, dag.ErrNotEligible),
		errors.Is(err, dag.ErrWrongDifficulty),
		errors.Is(err, dag.ErrDuplicateTrx),
		errors.Is(err, pbft.ErrInvalidProposal):
		return ClassMalformed
	case errors.Is(err, vote.ErrEquivocation),
		errors.Is(err, dag.ErrInvalidParent),
		errors.Is(err, dag.ErrInvalidLevel),
		errors.Is(err, pbft.ErrScheduleMismatch),
		errors.Is(err, pbft.ErrInsufficientCertVotes),
		errors.Is(err, ErrMaliciousPeer):
		return ClassInvariant
	default:
		return ClassTransient
	}
}

// IsMalicious 对端应被断开
func IsMalicious(err error) bool {
	c := Classify(err)
	return c == ClassMalformed || c == ClassInvariant
}
