package pbft

import (
	"sync"
	"time"

	"dagbft/types"
)

// stepDuration 第 1 步 2λ 收提案，第 2 步投完 soft 立即进入第 3 步，第 3 步到 4λ 为止；
// 第 4 步起每两步把超时加一倍 2λ，最多 maxEscalation 倍
func stepDuration(step uint64, lambda time.Duration, maxEscalation uint64) time.Duration {
	switch step {
	case types.StepPropose, types.StepCert:
		return 2 * lambda
	case types.StepSoft:
		return 0
	}
	factor := 1 + (step-types.StepFirstNext)/2
	if maxEscalation > 0 && factor > maxEscalation {
		factor = maxEscalation
	}
	return 2 * lambda * time.Duration(factor)
}

// roundState 周期/轮次/步骤以及本轮已经做过的决定。
// 只有 PBFT 线程修改，网络侧通过 snapshot 读取
type roundState struct {
	mu sync.RWMutex

	period uint64
	round  uint64
	step   uint64

	periodStart time.Time
	roundStart  time.Time
	stepStart   time.Time

	proposed bool
	voted    map[uint64]bool // 本轮已经投过票的步骤

	// 上一次 soft 票，跨轮保留，超过 MaxWaitForSoftVotedBlock 视为过期
	softVoted   types.Hash
	softVotedAt time.Time
	hasSoftVote bool

	certVoted    types.Hash
	hasCertVote  bool
	certWaitFrom time.Time // 等待 soft 多数块的起始时间

	// 上一轮 next 票的 2t+1 结果
	prevNext    types.Hash
	hasPrevNext bool
}

type stateSnapshot struct {
	period, round, step uint64
	stepStart           time.Time
	roundStart          time.Time
	proposed            bool
	softVoted           types.Hash
	softVotedAt         time.Time
	hasSoftVote         bool
	certVoted           types.Hash
	hasCertVote         bool
	certWaitFrom        time.Time
	prevNext            types.Hash
	hasPrevNext         bool
}

func newRoundState(period uint64, now time.Time) *roundState {
	s := &roundState{}
	s.resetPeriod(period, now)
	return s
}

func (s *roundState) resetPeriod(period uint64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.period = period
	s.periodStart = now
	s.hasSoftVote = false
	s.softVoted = types.Hash{}
	s.resetRoundLocked(1, now)
	s.hasPrevNext = false
	s.prevNext = types.Hash{}
}

// advanceRound 由上一轮的 next 票结果驱动
func (s *roundState) advanceRound(round uint64, prevNext types.Hash, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetRoundLocked(round, now)
	s.prevNext = prevNext
	s.hasPrevNext = true
}

func (s *roundState) resetRoundLocked(round uint64, now time.Time) {
	s.round = round
	s.step = types.StepPropose
	s.roundStart = now
	s.stepStart = now
	s.proposed = false
	s.voted = make(map[uint64]bool)
	s.hasCertVote = false
	s.certVoted = types.Hash{}
	s.certWaitFrom = time.Time{}
}

func (s *roundState) setStep(step uint64, now time.Time) {
	s.mu.Lock()
	s.step = step
	s.stepStart = now
	s.mu.Unlock()
}

func (s *roundState) snapshot() stateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stateSnapshot{
		period:       s.period,
		round:        s.round,
		step:         s.step,
		stepStart:    s.stepStart,
		roundStart:   s.roundStart,
		proposed:     s.proposed,
		softVoted:    s.softVoted,
		softVotedAt:  s.softVotedAt,
		hasSoftVote:  s.hasSoftVote,
		certVoted:    s.certVoted,
		hasCertVote:  s.hasCertVote,
		certWaitFrom: s.certWaitFrom,
		prevNext:     s.prevNext,
		hasPrevNext:  s.hasPrevNext,
	}
}

func (s *roundState) current() (period, round, step uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.period, s.round, s.step
}

// markVoted 同一轮同一步只允许投一次，已投过返回 false
func (s *roundState) markVoted(round, step uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.round != round || s.voted[step] {
		return false
	}
	s.voted[step] = true
	return true
}

func (s *roundState) hasVoted(step uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voted[step]
}

func (s *roundState) setProposed() {
	s.mu.Lock()
	s.proposed = true
	s.mu.Unlock()
}

func (s *roundState) setSoftVoted(value types.Hash, now time.Time) {
	s.mu.Lock()
	s.softVoted = value
	s.softVotedAt = now
	s.hasSoftVote = value != types.NullBlockHash
	s.mu.Unlock()
}

func (s *roundState) setCertVoted(value types.Hash) {
	s.mu.Lock()
	s.certVoted = value
	s.hasCertVote = true
	s.mu.Unlock()
}

// startCertWait 返回开始等待的时间，已经在等时不重置
func (s *roundState) startCertWait(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.certWaitFrom.IsZero() {
		s.certWaitFrom = now
	}
	return s.certWaitFrom
}

// prevNonNull 上一轮 next 票多数是非空值时返回它
func (snap stateSnapshot) prevNonNull() (types.Hash, bool) {
	if snap.hasPrevNext && snap.prevNext != types.NullBlockHash {
		return snap.prevNext, true
	}
	return types.Hash{}, false
}

// freshSoftVoted 上一次 soft 票的值，超过 maxWait 视为过期
func (snap stateSnapshot) freshSoftVoted(now time.Time, maxWait time.Duration) (types.Hash, bool) {
	if snap.hasSoftVote && now.Sub(snap.softVotedAt) < maxWait {
		return snap.softVoted, true
	}
	return types.Hash{}, false
}
