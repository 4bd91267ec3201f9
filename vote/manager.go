package vote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"dagbft/config"
	"dagbft/interfaces"
	"dagbft/logs"
	"dagbft/sortition"
	"dagbft/stats"
	"dagbft/types"
	"dagbft/utils"
)

// committeeInfo 某个周期的委员会规模，首次查询时计算后缓存
type committeeInfo struct {
	total       uint64
	committee   uint64
	twoTPlusOne uint64
}

// validationResult 只缓存与当前轮次无关的结果
type validationResult struct {
	vote *VerifiedVote
	err  error
}

// Manager 投票校验、去重、按值累计权重、2t+1 判定
type Manager struct {
	cfg    config.PbftConfig
	oracle interfaces.StakeOracle
	chain  interfaces.ChainReader
	keys   *utils.KeyPair
	stats  *stats.Stats
	logger logs.Logger

	roundMu sync.RWMutex
	round   interfaces.RoundStateReader

	validated  *lru.Cache // 投票哈希 -> *validationResult
	committees *lru.Cache // period -> *committeeInfo

	mu            sync.RWMutex
	periods       map[uint64]*periodVotes
	minPeriod     uint64 // 低于它的普通投票直接丢弃
	rewardPeriod  uint64
	rewardVotes   map[types.Hash]*VerifiedVote
	rewardBlock   types.Hash
	equivocations []*Equivocation

	notify chan struct{}
}

func NewManager(cfg config.PbftConfig, oracle interfaces.StakeOracle, chain interfaces.ChainReader, keys *utils.KeyPair,
	st *stats.Stats, logger logs.Logger) (*Manager, error) {
	if logger == nil {
		logger = logs.Default()
	}
	validatedSize := cfg.VerifiedCacheSize
	if validatedSize <= 0 {
		validatedSize = 100000
	}
	committeeSize := cfg.CommitteeCacheSize
	if committeeSize <= 0 {
		committeeSize = 64
	}
	validated, err := lru.New(validatedSize)
	if err != nil {
		return nil, err
	}
	committees, err := lru.New(committeeSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:         cfg,
		oracle:      oracle,
		chain:       chain,
		keys:        keys,
		stats:       st,
		logger:      logger,
		validated:   validated,
		committees:  committees,
		periods:     make(map[uint64]*periodVotes),
		rewardVotes: make(map[types.Hash]*VerifiedVote),
		notify:      make(chan struct{}, 1),
	}, nil
}

// SetRoundStateReader PBFT 管理器创建后注入，之前按链长推算当前周期
func (m *Manager) SetRoundStateReader(r interfaces.RoundStateReader) {
	m.roundMu.Lock()
	m.round = r
	m.roundMu.Unlock()
}

func (m *Manager) current() (period, round, step uint64) {
	m.roundMu.RLock()
	r := m.round
	m.roundMu.RUnlock()
	if r != nil {
		return r.CurrentPeriodRoundStep()
	}
	return m.chain.Size() + 1, 1, types.StepPropose
}

// Notify 有桶新达到 2t+1 时收到信号，只保证"至少一次"
func (m *Manager) Notify() <-chan struct{} {
	return m.notify
}

func (m *Manager) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) committeeFor(period uint64) *committeeInfo {
	if v, ok := m.committees.Get(period); ok {
		return v.(*committeeInfo)
	}
	total := m.oracle.GetTotalEligibleWeight(period)
	info := &committeeInfo{
		total:       total,
		committee:   sortition.Committee(m.cfg.CommitteeSize, total),
		twoTPlusOne: sortition.TwoTPlusOne(m.cfg.CommitteeSize, total),
	}
	m.committees.Add(period, info)
	return info
}

// GetTwoTPlusOne 周期 period 的 2t+1 票权
func (m *Manager) GetTwoTPlusOne(period uint64) uint64 {
	return m.committeeFor(period).twoTPlusOne
}

// GetSortitionThreshold 周期 period 的委员会规模
func (m *Manager) GetSortitionThreshold(period uint64) uint64 {
	return m.committeeFor(period).committee
}

// voteAnchor 周期 p 的投票种子取第 p-1 周期的 PBFT 块哈希
func (m *Manager) voteAnchor(period uint64) (types.Hash, error) {
	anchor, ok := m.chain.PbftBlockHash(period - 1)
	if !ok {
		return types.Hash{}, fmt.Errorf("%w: period %d", ErrUnknownAnchor, period-1)
	}
	return anchor, nil
}

// IsValidated 这张票是否已经校验通过
func (m *Manager) IsValidated(hash types.Hash) bool {
	v, ok := m.validated.Peek(hash)
	return ok && v.(*validationResult).err == nil
}

// CheckBounds 周期/轮次/步骤窗口检查，不做密码学校验
func (m *Manager) CheckBounds(v *types.Vote) error {
	if v.Period == 0 || v.Round == 0 || v.Step == 0 {
		return fmt.Errorf("%w: zero period/round/step", ErrMalformedVote)
	}
	if types.VoteTypeForStep(v.Step) != v.Type {
		return fmt.Errorf("%w: type %s at step %d", ErrMalformedVote, v.Type, v.Step)
	}
	if v.Type == types.ProposeVote && v.IsNull() {
		return fmt.Errorf("%w: null propose vote", ErrMalformedVote)
	}

	period, round, _ := m.current()
	switch {
	case v.Period+1 < period:
		return fmt.Errorf("%w: period %d, current %d", ErrStaleVote, v.Period, period)
	case v.Period+1 == period:
		// 上一周期只收 cert 票，作为奖励票
		if v.Type != types.CertVote {
			return fmt.Errorf("%w: %s vote for finalized period %d", ErrStaleVote, v.Type, v.Period)
		}
		return nil
	case v.Period > period+m.cfg.MaxFuturePeriods:
		return fmt.Errorf("%w: period %d, current %d", ErrFutureVote, v.Period, period)
	}
	if v.Period == period {
		if v.Round+1 < round || (v.Round+1 == round && v.Type != types.NextVote) {
			return fmt.Errorf("%w: round %d, current %d", ErrStaleVote, v.Round, round)
		}
		if v.Round > round+m.cfg.MaxFutureRounds {
			return fmt.Errorf("%w: round %d, current %d", ErrFutureVote, v.Round, round)
		}
	}
	if m.cfg.MaxSteps > 0 && v.Step > m.cfg.MaxSteps {
		return fmt.Errorf("%w: step %d", ErrFutureVote, v.Step)
	}
	return nil
}

// Validate 签名、VRF、票权和窗口检查。票权为 0 视为不合格
func (m *Manager) Validate(v *types.Vote) (*VerifiedVote, error) {
	hash := v.Hash()
	if cached, ok := m.validated.Get(hash); ok {
		res := cached.(*validationResult)
		return res.vote, res.err
	}

	vv, err := m.validateCurrent(v, hash)
	if err != nil && m.stats != nil {
		m.stats.IncVoteRejected(rejectReason(err))
	}
	if isPermanent(err) {
		m.validated.Add(hash, &validationResult{vote: vv, err: err})
	}
	return vv, err
}

func (m *Manager) validateCurrent(v *types.Vote, hash types.Hash) (*VerifiedVote, error) {
	if err := m.CheckBounds(v); err != nil {
		return nil, err
	}
	anchor, err := m.voteAnchor(v.Period)
	if err != nil {
		return nil, err
	}
	return m.validate(v, hash, anchor)
}

// ValidateWithAnchor 同步周期数据时用：不检查轮次窗口，种子取调用方给出的第 period-1 周期块哈希
// （同步中的块可能还没进链），调用方负责 anchor 本身可信。失败结果不缓存
func (m *Manager) ValidateWithAnchor(v *types.Vote, anchor types.Hash) (*VerifiedVote, error) {
	hash := v.Hash()
	if cached, ok := m.validated.Get(hash); ok {
		if res := cached.(*validationResult); res.err == nil {
			return res.vote, nil
		}
	}
	vv, err := m.validate(v, hash, anchor)
	if err != nil {
		return nil, err
	}
	m.validated.Add(hash, &validationResult{vote: vv})
	return vv, nil
}

func (m *Manager) validate(v *types.Vote, hash types.Hash, anchor types.Hash) (*VerifiedVote, error) {
	if v.Period == 0 || types.VoteTypeForStep(v.Step) != v.Type {
		return nil, fmt.Errorf("%w: period %d type %s step %d", ErrMalformedVote, v.Period, v.Type, v.Step)
	}
	voter, err := v.Voter()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	pk, ok := m.oracle.GetVrfKey(voter)
	if !ok {
		return nil, fmt.Errorf("%w: no vrf key for %s", ErrIneligibleSortition, voter.Hex())
	}
	output, err := utils.VrfVerify(pk, sortition.VoteSeed(anchor, v.Type, v.Period, v.Round, v.Step), v.VrfProof)
	if err != nil {
		return nil, fmt.Errorf("%w: vrf: %v", ErrIneligibleSortition, err)
	}
	weight := m.weightOf(voter, output, v.Period)
	if weight == 0 {
		return nil, fmt.Errorf("%w: zero weight for %s", ErrIneligibleSortition, voter.Hex())
	}
	return &VerifiedVote{Vote: v, Hash: hash, Voter: voter, Weight: weight}, nil
}

func (m *Manager) weightOf(voter types.Address, output []byte, period uint64) uint64 {
	stake := m.oracle.GetEffectiveStake(voter, period)
	if stake == 0 {
		return 0
	}
	info := m.committeeFor(period)
	return sortition.VoteWeight(output, stake, info.committee, info.total)
}

// ValidateBatch 用固定数量的 worker 并行校验，结果与输入一一对应
func (m *Manager) ValidateBatch(ctx context.Context, votes []*types.Vote) ([]*VerifiedVote, []error) {
	out := make([]*VerifiedVote, len(votes))
	errs := make([]error, len(votes))
	g, ctx := errgroup.WithContext(ctx)
	workers := m.cfg.VerifyWorkers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	for i, v := range votes {
		i, v := i, v
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			out[i], errs[i] = m.Validate(v)
			return nil
		})
	}
	_ = g.Wait()
	return out, errs
}

// AddVerifiedVote 按哈希幂等；同一槽位的第二张不同票记为双签，不计票
func (m *Manager) AddVerifiedVote(vv *VerifiedVote) (bool, error) {
	m.mu.Lock()
	added, quorum, err := m.addLocked(vv)
	m.mu.Unlock()

	if err != nil {
		if m.stats != nil {
			m.stats.IncVoteRejected(rejectReason(err))
		}
		return false, err
	}
	if added && m.stats != nil {
		m.stats.IncVoteReceived(vv.Type.String())
	}
	if quorum {
		m.logger.Debug("[VoteManager] 2t+1 %s votes for %s at period %d round %d step %d",
			vv.Type, vv.BlockHash.TerminalString(), vv.Period, vv.Round, vv.Step)
		m.signal()
	}
	return added, nil
}

func (m *Manager) addLocked(vv *VerifiedVote) (added, quorum bool, err error) {
	if vv.Period < m.minPeriod {
		if vv.Type == types.CertVote && vv.Period == m.rewardPeriod && vv.BlockHash == m.rewardBlock {
			if _, ok := m.rewardVotes[vv.Hash]; ok {
				return false, false, nil
			}
			m.rewardVotes[vv.Hash] = vv
			return true, false, nil
		}
		return false, false, fmt.Errorf("%w: period %d already finalized", ErrStaleVote, vv.Period)
	}

	pv, ok := m.periods[vv.Period]
	if !ok {
		pv = &periodVotes{rounds: make(map[uint64]*roundVotes)}
		m.periods[vv.Period] = pv
	}
	rv, ok := pv.rounds[vv.Round]
	if !ok {
		rv = &roundVotes{steps: make(map[uint64]*stepVotes)}
		pv.rounds[vv.Round] = rv
	}
	sv, ok := rv.steps[vv.Step]
	if !ok {
		sv = newStepVotes()
		rv.steps[vv.Step] = sv
	}

	if _, dup := sv.votes[vv.Hash]; dup {
		return false, false, nil
	}
	if first, ok := sv.slots[vv.Voter]; ok {
		// 未签名内容相同只是签名编码不同，按重复票处理
		if first.SigningHash() == vv.SigningHash() {
			return false, false, nil
		}
		m.equivocations = append(m.equivocations, &Equivocation{Voter: vv.Voter, First: first, Second: vv})
		if m.stats != nil {
			m.stats.IncEquivocation()
		}
		m.logger.Warn("[VoteManager] equivocation by %s at period %d round %d step %d: %s vs %s",
			vv.Voter.Hex(), vv.Period, vv.Round, vv.Step, first.BlockHash.TerminalString(), vv.BlockHash.TerminalString())
		return false, false, fmt.Errorf("%w: %s", ErrEquivocation, vv.Voter.Hex())
	}

	sv.votes[vv.Hash] = vv
	sv.slots[vv.Voter] = vv
	b, ok := sv.buckets[vv.BlockHash]
	if !ok {
		b = &bucket{value: vv.BlockHash}
		sv.buckets[vv.BlockHash] = b
	}
	b.votes = append(b.votes, vv)
	b.weight += vv.Weight

	if !b.quorum && vv.Type != types.ProposeVote {
		if threshold := m.GetTwoTPlusOne(vv.Period); threshold > 0 && b.weight >= threshold {
			b.quorum = true
			quorum = true
		}
	}
	return true, quorum, nil
}

func (m *Manager) stepLocked(period, round, step uint64) *stepVotes {
	pv, ok := m.periods[period]
	if !ok {
		return nil
	}
	rv, ok := pv.rounds[round]
	if !ok {
		return nil
	}
	return rv.steps[step]
}

func copyVotes(b *bucket) []*VerifiedVote {
	return append([]*VerifiedVote(nil), b.votes...)
}

// GetTwoTPlusOneVotes 某一步达到 2t+1 的值（非空值优先）及其票
func (m *Manager) GetTwoTPlusOneVotes(period, round, step uint64) (types.Hash, []*VerifiedVote, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sv := m.stepLocked(period, round, step)
	if sv == nil {
		return types.Hash{}, nil, false
	}
	for _, b := range sv.sortedBuckets() {
		if b.quorum {
			return b.value, copyVotes(b), true
		}
	}
	return types.Hash{}, nil, false
}

// GetNextVotesQuorum 一轮里任一 next 步骤达到 2t+1 的值，非空值优先，其次步骤靠后
func (m *Manager) GetNextVotesQuorum(period, round uint64) (types.Hash, []*VerifiedVote, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pv, ok := m.periods[period]
	if !ok {
		return types.Hash{}, nil, false
	}
	rv, ok := pv.rounds[round]
	if !ok {
		return types.Hash{}, nil, false
	}
	steps := make([]uint64, 0, len(rv.steps))
	for s := range rv.steps {
		if s >= types.StepFirstNext {
			steps = append(steps, s)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i] > steps[j] })

	var null *bucket
	for _, s := range steps {
		for _, b := range rv.steps[s].sortedBuckets() {
			if !b.quorum {
				continue
			}
			if b.value != types.NullBlockHash {
				return b.value, copyVotes(b), true
			}
			if null == nil {
				null = b
			}
		}
	}
	if null != nil {
		return types.NullBlockHash, copyVotes(null), true
	}
	return types.Hash{}, nil, false
}

// BestValue 某一步权重最高的值（非空值优先），没有票时返回 false
func (m *Manager) BestValue(period, round, step uint64) (types.Hash, uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sv := m.stepLocked(period, round, step)
	if sv == nil || len(sv.buckets) == 0 {
		return types.Hash{}, 0, false
	}
	b := sv.sortedBuckets()[0]
	return b.value, b.weight, true
}

// GetProposalVotes 某轮的 propose 票，票权高的在前，同权按块哈希升序
func (m *Manager) GetProposalVotes(period, round uint64) []*VerifiedVote {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sv := m.stepLocked(period, round, types.StepPropose)
	if sv == nil {
		return nil
	}
	out := make([]*VerifiedVote, 0, len(sv.votes))
	for _, v := range sv.votes {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		if out[i].BlockHash != out[j].BlockHash {
			return types.HashLess(out[i].BlockHash, out[j].BlockHash)
		}
		return types.HashLess(out[i].Hash, out[j].Hash)
	})
	return out
}

// GetVotesBundle 某一步投给 value 的全部票，用于同步包
func (m *Manager) GetVotesBundle(period, round, step uint64, value types.Hash) []*types.Vote {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sv := m.stepLocked(period, round, step)
	if sv == nil {
		return nil
	}
	b, ok := sv.buckets[value]
	if !ok {
		return nil
	}
	out := make([]*types.Vote, 0, len(b.votes))
	for _, v := range b.votes {
		out = append(out, v.Vote)
	}
	return out
}

// StepWeight 某一步某个值累计的票权
func (m *Manager) StepWeight(period, round, step uint64, value types.Hash) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sv := m.stepLocked(period, round, step)
	if sv == nil {
		return 0
	}
	if b, ok := sv.buckets[value]; ok {
		return b.weight
	}
	return 0
}

// Equivocations 目前记录到的双签证据
func (m *Manager) Equivocations() []*Equivocation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Equivocation(nil), m.equivocations...)
}

// PeriodFinalized 周期定稿后清空它及之前的计票；定稿的 cert 票转为奖励票，
// 之后迟到的同一块的 cert 票也并入奖励票
func (m *Manager) PeriodFinalized(period uint64, block types.Hash, certVotes []*VerifiedVote) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for p := range m.periods {
		if p <= period {
			delete(m.periods, p)
		}
	}
	if m.minPeriod < period+1 {
		m.minPeriod = period + 1
	}
	m.rewardPeriod = period
	m.rewardBlock = block
	m.rewardVotes = make(map[types.Hash]*VerifiedVote, len(certVotes))
	for _, v := range certVotes {
		m.rewardVotes[v.Hash] = v
	}
	m.logger.Debug("[VoteManager] period %d finalized, %d reward votes", period, len(certVotes))
}

// CleanupRounds 删除当前周期里早于 round-1 的轮次，上一轮的 next 票要留给同步
func (m *Manager) CleanupRounds(period, round uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pv, ok := m.periods[period]
	if !ok {
		return
	}
	for r := range pv.rounds {
		if r+1 < round {
			delete(pv.rounds, r)
		}
	}
}

// RewardVotes 上一个定稿周期的 cert 票
func (m *Manager) RewardVotes() (uint64, []*VerifiedVote) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*VerifiedVote, 0, len(m.rewardVotes))
	for _, v := range m.rewardVotes {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return types.HashLess(out[i].Hash, out[j].Hash) })
	return m.rewardPeriod, out
}

// GenerateVote 本节点在 (period, round, step) 上抽签并签名，不合格返回 nil, nil
func (m *Manager) GenerateVote(blockHash types.Hash, period, round, step uint64) (*VerifiedVote, error) {
	if m.keys == nil {
		return nil, nil
	}
	typ := types.VoteTypeForStep(step)
	anchor, err := m.voteAnchor(period)
	if err != nil {
		return nil, err
	}
	proof, output, err := utils.VrfProve(m.keys.VrfSecret, sortition.VoteSeed(anchor, typ, period, round, step))
	if err != nil {
		return nil, err
	}
	weight := m.weightOf(m.keys.Address, output, period)
	if weight == 0 {
		return nil, nil
	}
	v := &types.Vote{
		Type:      typ,
		Period:    period,
		Round:     round,
		Step:      step,
		BlockHash: blockHash,
		VrfProof:  proof,
	}
	v.Sign(m.keys.Priv)
	vv := &VerifiedVote{Vote: v, Hash: v.Hash(), Voter: m.keys.Address, Weight: weight}
	m.validated.Add(vv.Hash, &validationResult{vote: vv})
	return vv, nil
}
