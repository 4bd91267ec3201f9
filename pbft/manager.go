package pbft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dagbft/config"
	"dagbft/interfaces"
	"dagbft/logs"
	"dagbft/stats"
	"dagbft/types"
	"dagbft/utils"
	"dagbft/vote"
)

var (
	ErrInvalidProposal       = errors.New("invalid pbft proposal")
	ErrStaleProposal         = errors.New("stale pbft proposal")
	ErrFutureProposal        = errors.New("pbft proposal too far ahead")
	ErrScheduleMismatch      = errors.New("pbft schedule does not match dag order")
	ErrMissingDagHistory     = errors.New("dag history of anchor not available")
	ErrInsufficientCertVotes = errors.New("cert votes below 2t+1")
)

// DagSource PBFT 用到的 DAG 操作
type DagSource interface {
	GetLatestPivotAndTips() (types.Hash, []types.Hash)
	GetDagBlockOrder(anchor types.Hash, period uint64) ([]types.Hash, error)
	SetDagBlockOrder(anchor types.Hash, period uint64) ([]types.Hash, error)
	GetBlock(hash types.Hash) (*types.DagBlock, bool)
	HasHistory(anchor types.Hash) bool
	IsFinalized(hash types.Hash) bool
	Genesis() types.Hash
	Prune(belowPeriod uint64) int
}

// PeriodStore 周期数据和链头的持久化
type PeriodStore interface {
	PutPeriodData(data *types.PeriodData) error
}

// ParamsObserver 每个定稿周期通知一次抽签参数控制器
type ParamsObserver interface {
	PbftBlockPushed(data *types.PeriodData, nonEmptySize uint64) error
}

// Deps Manager 的协作方，EventBus 和 Stats 可以为空
type Deps struct {
	Dag    DagSource
	Votes  *vote.Manager
	Chain  *Chain
	Store  PeriodStore
	Params ParamsObserver
	Txs    interfaces.TxSource
	Net    interfaces.Broadcaster
	Keys   *utils.KeyPair
	Events interfaces.EventBus
	Stats  *stats.Stats
	Logger logs.Logger
}

// Manager PBFT 轮次/步骤状态机，一个节点一个实例，由单独的 goroutine 驱动
type Manager struct {
	cfg    config.PbftConfig
	dagCfg config.DagConfig
	dag    DagSource
	votes  *vote.Manager
	chain  *Chain
	store  PeriodStore
	params ParamsObserver
	txs    interfaces.TxSource
	net    interfaces.Broadcaster
	keys   *utils.KeyPair
	events interfaces.EventBus
	stats  *stats.Stats
	logger logs.Logger

	state     *roundState
	proposals *ProposalPool

	// 本轮自己投出的票和上一轮 next 票的 2t+1 证据，只在 PBFT 线程读写
	ownPeriod, ownRound uint64
	ownVotes            []*types.Vote
	prevBundle          []*types.Vote

	pushMu sync.Mutex // 定稿串行化

	syncMu sync.Mutex
	synced map[uint64]*types.PeriodData // 同步收到、等待按序推入的周期数据

	reqMu    sync.Mutex
	requests map[types.Hash]time.Time // 最近一次补块请求的时间

	wake    chan struct{}
	stopped atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

func NewManager(cfg config.PbftConfig, dagCfg config.DagConfig, deps Deps) (*Manager, error) {
	if deps.Dag == nil || deps.Votes == nil || deps.Chain == nil {
		return nil, fmt.Errorf("pbft manager needs dag, vote manager and chain")
	}
	if cfg.Lambda <= 0 {
		return nil, fmt.Errorf("pbft lambda must be positive")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logs.Default()
	}
	m := &Manager{
		cfg:       cfg,
		dagCfg:    dagCfg,
		dag:       deps.Dag,
		votes:     deps.Votes,
		chain:     deps.Chain,
		store:     deps.Store,
		params:    deps.Params,
		txs:       deps.Txs,
		net:       deps.Net,
		keys:      deps.Keys,
		events:    deps.Events,
		stats:     deps.Stats,
		logger:    logger,
		state:     newRoundState(deps.Chain.Size()+1, time.Now()),
		proposals: NewProposalPool(cfg.ProposalPoolMaxSize),
		synced:    make(map[uint64]*types.PeriodData),
		requests:  make(map[types.Hash]time.Time),
		wake:      make(chan struct{}, 1),
	}
	m.votes.SetRoundStateReader(m)
	return m, nil
}

// CurrentPeriodRoundStep 供投票管理器和握手使用
func (m *Manager) CurrentPeriodRoundStep() (period, round, step uint64) {
	return m.state.current()
}

func (m *Manager) Chain() *Chain { return m.chain }

// Proposal 按哈希查未定稿的提案
func (m *Manager) Proposal(hash types.Hash) (*types.PbftBlock, bool) {
	return m.proposals.Get(hash)
}

// Wake 提前唤醒 PBFT 线程重新评估当前步骤
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	m.stopped.Store(false)

	m.wg.Add(1)
	go m.run(ctx)
	period, round, step := m.state.current()
	m.logger.Info("[PbftManager] started at period %d round %d step %d", period, round, step)
}

// Stop 可重复调用，返回时 PBFT 线程已经退出
func (m *Manager) Stop() {
	m.stopped.Store(true)
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.Wake()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	for !m.stopped.Load() {
		m.runStep()

		timer := time.NewTimer(m.nextWait(time.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.votes.Notify():
		case <-m.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// nextWait 到当前步骤截止时间为止，但最多等 λ/2，方便轮询补块结果
func (m *Manager) nextWait(now time.Time) time.Duration {
	snap := m.state.snapshot()
	wait := snap.stepStart.Add(stepDuration(snap.step, m.cfg.Lambda, m.cfg.MaxStepEscalation)).Sub(now)
	if poll := m.cfg.Lambda / 2; wait > poll {
		wait = poll
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// runStep 执行到状态不再变化为止；单步决策里的 panic 记日志后吞掉，下一次唤醒照常调度
func (m *Manager) runStep() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("[PbftManager] step panic: %v", r)
		}
	}()
	for i := 0; i < 16 && !m.stopped.Load(); i++ {
		if !m.stepOnce(time.Now()) {
			return
		}
	}
}

// stepOnce 返回 true 表示周期、轮次或步骤发生了变化
func (m *Manager) stepOnce(now time.Time) bool {
	if m.pushSyncedPeriods() {
		return true
	}
	if m.tryFinalize() {
		return true
	}
	if m.tryAdvanceRound(now) {
		return true
	}

	snap := m.state.snapshot()
	deadline := snap.stepStart.Add(stepDuration(snap.step, m.cfg.Lambda, m.cfg.MaxStepEscalation))
	expired := !now.Before(deadline)

	switch {
	case snap.step == types.StepPropose:
		if !snap.proposed {
			m.state.setProposed()
			if err := m.proposeBlock(snap); err != nil {
				m.logger.Warn("[PbftManager] propose at period %d round %d failed: %v", snap.period, snap.round, err)
			}
		}
		// 上一轮带过来非空值时不必等提案
		if _, carried := snap.prevNonNull(); carried || expired {
			return m.gotoStep(snap, types.StepSoft, now)
		}
	case snap.step == types.StepSoft:
		m.softVote(snap, now)
		return m.gotoStep(snap, types.StepCert, now)
	case snap.step == types.StepCert:
		m.certVote(snap, now)
		if expired {
			return m.gotoStep(snap, types.StepFirstNext, now)
		}
	default:
		m.nextVote(snap, now, expired)
		if !expired {
			break
		}
		if m.cfg.MaxSteps == 0 || snap.step < m.cfg.MaxSteps {
			// 一对 next 步走完还没换轮，重发一次，照顾丢包或刚恢复连接的节点
			if snap.step%2 == 1 {
				m.rebroadcastVotes(snap)
			}
			return m.gotoStep(snap, snap.step+1, now)
		}
		// 到顶后停在最后一步，每个步长重发一次
		n := m.rebroadcastVotes(snap)
		m.state.setStep(snap.step, now)
		m.logger.Debug("[PbftManager] period %d round %d stuck at step %d, rebroadcast %d votes",
			snap.period, snap.round, snap.step, n)
	}
	return false
}

func (m *Manager) gotoStep(snap stateSnapshot, step uint64, now time.Time) bool {
	m.state.setStep(step, now)
	if m.stats != nil {
		m.stats.SetRoundState(snap.period, snap.round, step)
	}
	m.logger.Trace("[PbftManager] period %d round %d -> step %d", snap.period, snap.round, step)
	return true
}

// tryAdvanceRound 当前轮或更靠后的轮次出现 next 票 2t+1 时进入下一轮
func (m *Manager) tryAdvanceRound(now time.Time) bool {
	period, round, _ := m.state.current()
	for r := round + m.cfg.MaxFutureRounds; r >= round; r-- {
		value, votes, ok := m.votes.GetNextVotesQuorum(period, r)
		if !ok {
			continue
		}
		m.state.advanceRound(r+1, value, now)
		m.votes.CleanupRounds(period, r+1)
		if m.stats != nil {
			m.stats.SetRoundState(period, r+1, types.StepPropose)
		}
		bundle := make([]*types.Vote, 0, len(votes))
		for _, v := range votes {
			bundle = append(bundle, v.Vote)
		}
		m.prevBundle = bundle
		if m.net != nil {
			m.net.BroadcastVotesBundle(bundle)
		}
		m.logger.Debug("[PbftManager] period %d advanced to round %d, next votes for %s",
			period, r+1, value.TerminalString())
		return true
	}
	return false
}

// requestOnce 同一个对象在 SyncRequestInterval 内只请求一次
func (m *Manager) requestOnce(key types.Hash, now time.Time) bool {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	if last, ok := m.requests[key]; ok && now.Sub(last) < m.cfg.SyncRequestInterval {
		return false
	}
	m.requests[key] = now
	return true
}

func (m *Manager) requestPbftBlock(hash types.Hash) {
	if m.net != nil && m.requestOnce(hash, time.Now()) {
		m.logger.Debug("[PbftManager] requesting pbft block %s", hash.TerminalString())
		m.net.RequestPbftBlock(hash)
	}
}

func (m *Manager) requestDagHistory(anchor types.Hash) {
	if m.net != nil && m.requestOnce(anchor, time.Now()) {
		m.logger.Debug("[PbftManager] requesting dag history of %s", anchor.TerminalString())
		m.net.RequestMissingDagBlocks(anchor)
	}
}

func (m *Manager) clearRequests() {
	m.reqMu.Lock()
	m.requests = make(map[types.Hash]time.Time)
	m.reqMu.Unlock()
}

func (m *Manager) publish(t types.EventType, data interface{}) {
	if m.events != nil {
		m.events.PublishAsync(types.BaseEvent{EventType: t, EventData: data})
	}
}
