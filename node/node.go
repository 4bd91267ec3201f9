package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"dagbft/config"
	"dagbft/dag"
	"dagbft/db"
	"dagbft/interfaces"
	"dagbft/logs"
	"dagbft/network"
	"dagbft/pbft"
	"dagbft/sortition"
	"dagbft/stats"
	"dagbft/txpool"
	"dagbft/types"
	"dagbft/utils"
	"dagbft/vote"
)

// Options 构造一个节点需要的外部输入。Network 为空时节点独占一个本地网络
type Options struct {
	Config  *config.Config
	Keys    *utils.KeyPair
	Oracle  interfaces.StakeOracle
	Genesis *types.DagBlock
	Network *network.LocalNetwork
	Logger  logs.Logger
}

// Node 把各组件按依赖注入组装起来，自身只实现网络回调和对外查询
type Node struct {
	id   types.PeerID
	cfg  *config.Config
	keys *utils.KeyPair

	store      *db.Manager
	events     *EventBus
	stats      *stats.Stats
	dag        *dag.Manager
	pending    *dag.PendingBuffer
	validator  *dag.Validator
	proposer   *dag.Proposer
	txpool     *txpool.TxPool
	params     *sortition.ParamsManager
	votes      *vote.Manager
	chain      *pbft.Chain
	pbft       *pbft.Manager
	endpoint   *network.Endpoint
	dispatcher *network.Dispatcher
	ownNetwork *network.LocalNetwork
	Logger     logs.Logger

	requested   *lru.Cache // 补块请求的对象 -> 上次请求时间
	lastSyncReq atomic.Int64
	highestSeen atomic.Uint64 // 从对端见过的最大周期

	syncMu  sync.Mutex
	syncBuf map[uint64]*types.PeriodData // DAG 区块还没能全部入库的同步数据
	// 已校验并交给 PBFT 线程、但链上还没推进到的最后一个周期
	syncHead     uint64
	syncHeadHash types.Hash

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once
}

func NewNode(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Keys == nil || opts.Oracle == nil || opts.Genesis == nil {
		return nil, fmt.Errorf("node needs keys, stake oracle and genesis block")
	}
	id := types.PeerID(opts.Keys.Address.Hex())
	logger := opts.Logger
	if logger == nil {
		logger = logs.NewNodeLogger(opts.Keys.Address.Hex(), logs.ParseLevel(cfg.Node.LogLevel))
	}

	store, err := db.NewManager(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	n := &Node{
		id:      id,
		cfg:     cfg,
		keys:    opts.Keys,
		store:   store,
		events:  NewEventBus(1024),
		stats:   stats.NewStats(),
		syncBuf: make(map[uint64]*types.PeriodData),
		Logger:  logger,
	}
	if err := n.build(opts); err != nil {
		_ = store.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) build(opts Options) error {
	cfg := n.cfg
	var err error

	n.dag, err = dag.NewManager(opts.Genesis, cfg.Dag, n.store, n.Logger, n.stats)
	if err != nil {
		return err
	}
	n.chain, err = pbft.NewChain(n.store)
	if err != nil {
		return err
	}
	if err := restoreDag(n.dag, n.store, n.chain.Size(), cfg.Dag.PruneKeepPeriods); err != nil {
		return err
	}
	n.params, err = sortition.NewParamsManager(cfg.Sortition, n.store, n.Logger, n.stats)
	if err != nil {
		return err
	}
	n.txpool, err = txpool.NewTxPool(n.store, nil, cfg.TxPool, n.Logger)
	if err != nil {
		return err
	}
	n.votes, err = vote.NewManager(cfg.Pbft, opts.Oracle, n.chain, n.keys, n.stats, n.Logger)
	if err != nil {
		return err
	}

	netw := opts.Network
	if netw == nil {
		netw = network.NewLocalNetwork(cfg.Network, n.Logger)
		n.ownNetwork = netw
	}
	n.endpoint = netw.Join(n.id, cfg.Pbft.MaxVotesInPacket)
	n.endpoint.SetLogger(n.Logger)
	n.endpoint.SetEventBus(n.events)

	n.pbft, err = pbft.NewManager(cfg.Pbft, cfg.Dag, pbft.Deps{
		Dag:    n.dag,
		Votes:  n.votes,
		Chain:  n.chain,
		Store:  n.store,
		Params: n.params,
		Txs:    n.txpool,
		Net:    n.endpoint,
		Keys:   n.keys,
		Events: n.events,
		Stats:  n.stats,
		Logger: n.Logger,
	})
	if err != nil {
		return err
	}
	n.validator = dag.NewValidator(opts.Oracle, n.chain, n.params, n.txpool, cfg.Dag.MaxProposalPeriodLag)
	n.pending = dag.NewPendingBuffer(cfg.Dag.PendingBlocksLimit, cfg.Dag.PendingBlockTTL)
	n.proposer = dag.NewProposer(n.dag, n.params, n.chain, n.txpool, n.endpoint, opts.Oracle, n.keys,
		cfg.Proposer, n.stats, n.Logger)
	n.dispatcher = network.NewDispatcher(n, n.endpoint, cfg.Pbft.MaxVotesInPacket, cfg.Network.SyncRequestLimit,
		n.stats, n.Logger)
	n.requested, _ = lru.New(4096)

	n.events.Subscribe(types.EventMaliciousPeer, func(e interfaces.Event) {
		n.Logger.Warn("[Node] peer %v marked malicious", e.Data())
	})
	n.events.Subscribe(types.EventPeriodFinalized, func(e interfaces.Event) {
		if pd, ok := e.Data().(*types.PeriodData); ok {
			n.observePeriod(pd.PbftBlock.Period)
			n.retryPending(periodKey(pd.PbftBlock.Period))
		}
	})
	return nil
}

// restoreDag 按周期重放已落盘的周期数据，把内存 DAG 恢复到链头
func restoreDag(m *dag.Manager, store interfaces.BlockStore, upTo uint64, keep uint64) error {
	for period := uint64(1); period <= upTo; period++ {
		pd, err := store.GetFinalizedPeriodData(period)
		if err != nil {
			return fmt.Errorf("restore period %d: %w", period, err)
		}
		for _, b := range pd.DagBlocks {
			if m.HasBlock(b.Hash()) {
				continue
			}
			if _, err := m.InsertBlock(b); err != nil {
				return fmt.Errorf("restore dag block of period %d: %w", period, err)
			}
		}
		if _, err := m.SetDagBlockOrder(pd.PbftBlock.PivotDagHash, period); err != nil {
			return fmt.Errorf("restore dag order of period %d: %w", period, err)
		}
	}
	if keep > 0 && upTo > keep {
		m.Prune(upTo - keep)
	}
	if upTo > 0 {
		logs.Verbose("[Node] restored dag up to period %d, %d blocks in memory", upTo, m.Size())
	}
	return nil
}

func (n *Node) ID() types.PeerID            { return n.id }
func (n *Node) Address() types.Address      { return n.keys.Address }
func (n *Node) Events() interfaces.EventBus { return n.events }
func (n *Node) Stats() *stats.Stats         { return n.stats }
func (n *Node) Chain() *pbft.Chain          { return n.chain }
func (n *Node) Dag() *dag.Manager           { return n.dag }
func (n *Node) TxPool() *txpool.TxPool      { return n.txpool }
func (n *Node) Votes() *vote.Manager        { return n.votes }
func (n *Node) Pbft() *pbft.Manager         { return n.pbft }
func (n *Node) Store() *db.Manager          { return n.store }

func (n *Node) Start(ctx context.Context) {
	if !n.started.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.txpool.Start()
	n.endpoint.Start(ctx, n.dispatcher)
	n.pbft.Start(ctx)
	n.proposer.Start(ctx)

	n.wg.Add(1)
	go n.maintenanceLoop(ctx)
	n.Logger.Info("[Node] %s started at chain size %d", n.id, n.chain.Size())
}

// Stop 按启动的逆序关闭，最后关数据库
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if n.started.Load() {
			n.proposer.Stop()
			n.pbft.Stop()
			n.endpoint.Stop()
			n.cancel()
			n.wg.Wait()
			n.txpool.Stop()
		}
		n.events.Close()
		if n.ownNetwork != nil {
			n.ownNetwork.Close()
		}
		if err := n.store.Close(); err != nil {
			n.Logger.Warn("[Node] close db: %v", err)
		}
		n.Logger.Info("[Node] %s stopped", n.id)
	})
}

// maintenanceLoop 清理过期的待定区块，发现落后时拉取周期数据
func (n *Node) maintenanceLoop(ctx context.Context) {
	defer n.wg.Done()
	interval := n.cfg.Pbft.SyncRequestInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if dropped := n.pending.Expire(now); dropped > 0 {
				n.Logger.Debug("[Node] dropped %d expired pending dag blocks", dropped)
			}
			if n.highestSeen.Load() > n.chain.Size()+1 {
				n.requestPeriodData()
			}
		}
	}
}

func (n *Node) observePeriod(period uint64) {
	for {
		cur := n.highestSeen.Load()
		if period <= cur || n.highestSeen.CompareAndSwap(cur, period) {
			return
		}
	}
}

// requestOnce 同一个对象在 SyncRequestInterval 内只请求一次
func (n *Node) requestOnce(key types.Hash) bool {
	now := time.Now()
	if v, ok := n.requested.Get(key); ok && now.Sub(v.(time.Time)) < n.cfg.Pbft.SyncRequestInterval {
		return false
	}
	n.requested.Add(key, now)
	return true
}

func (n *Node) requestDagHistory(hash types.Hash) {
	if n.requestOnce(hash) {
		n.endpoint.RequestMissingDagBlocks(hash)
	}
}

func (n *Node) requestPeriodData() {
	now := time.Now().UnixNano()
	last := n.lastSyncReq.Load()
	if now-last < int64(n.cfg.Pbft.SyncRequestInterval) || !n.lastSyncReq.CompareAndSwap(last, now) {
		return
	}
	from := n.chain.Size() + 1
	n.Logger.Debug("[Node] requesting period data from %d", from)
	n.endpoint.RequestPeriodData(from)
}

// SubmitTransaction 本地提交的交易先进交易池，随本节点的 DAG 区块广播出去
func (n *Node) SubmitTransaction(tx *types.Transaction) error {
	return n.txpool.SubmitTx(tx, nil)
}

// GetCurrentRoundAndPeriod PBFT 状态机当前所在的周期和轮次
func (n *Node) GetCurrentRoundAndPeriod() (period, round uint64) {
	period, round, _ = n.pbft.CurrentPeriodRoundStep()
	return period, round
}

func (n *Node) GetPbftChainSize() uint64 {
	return n.chain.Size()
}

// GetTwoTPlusOne 周期 period 的 2t+1 票权
func (n *Node) GetTwoTPlusOne(period uint64) uint64 {
	return n.votes.GetTwoTPlusOne(period)
}

// Status 握手时交换的本地进度
type Status struct {
	Period      uint64
	Round       uint64
	Step        uint64
	ChainSize   uint64
	DagSize     int
	TwoTPlusOne uint64
}

func (n *Node) Status() Status {
	period, round, step := n.pbft.CurrentPeriodRoundStep()
	return Status{
		Period:      period,
		Round:       round,
		Step:        step,
		ChainSize:   n.chain.Size(),
		DagSize:     n.dag.Size(),
		TwoTPlusOne: n.votes.GetTwoTPlusOne(period),
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound)
}
