package dag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dagbft/config"
	"dagbft/interfaces"
	"dagbft/logs"
	"dagbft/sortition"
	"dagbft/stats"
	"dagbft/types"
	"dagbft/utils"
)

// Proposer 定时尝试出 DAG 区块，每个 (出块周期, level) 只抽一次签
type Proposer struct {
	dag    *Manager
	params ParamsSource
	chain  interfaces.ChainReader
	txs    interfaces.TxSource
	net    interfaces.Broadcaster
	oracle interfaces.StakeOracle
	keys   *utils.KeyPair
	cfg    config.ProposerConfig
	shard  uint64
	stats  *stats.Stats
	logger logs.Logger

	mu         sync.Mutex
	lastPeriod uint64
	lastLevel  uint64
	triedAny   bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewProposer(dag *Manager, params ParamsSource, chain interfaces.ChainReader, txs interfaces.TxSource,
	net interfaces.Broadcaster, oracle interfaces.StakeOracle, keys *utils.KeyPair, cfg config.ProposerConfig,
	st *stats.Stats, logger logs.Logger) *Proposer {
	if logger == nil {
		logger = logs.Default()
	}
	shardCount := cfg.ShardCount
	if shardCount == 0 {
		shardCount = 1
	}
	return &Proposer{
		dag:    dag,
		params: params,
		chain:  chain,
		txs:    txs,
		net:    net,
		oracle: oracle,
		keys:   keys,
		cfg:    cfg,
		shard:  utils.MurmurHash(keys.Address[:]) % shardCount,
		stats:  st,
		logger: logger,
	}
}

// Start 启动出块 goroutine，Stop 或 ctx 取消时退出
func (p *Proposer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := p.ProposeOnce(); err != nil {
					p.logger.Warn("[BlockProposer] propose failed: %v", err)
				}
			}
		}
	}()
	p.logger.Info("[BlockProposer] started, shard %d/%d", p.shard, p.cfg.ShardCount)
}

func (p *Proposer) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// ProposeOnce 不合格或这一轮已经抽过签时返回 nil, nil
func (p *Proposer) ProposeOnce() (*types.DagBlock, error) {
	period := p.chain.Size()
	anchor, ok := p.chain.PbftBlockHash(period)
	if !ok {
		return nil, fmt.Errorf("no pbft block hash for period %d", period)
	}

	pivot, tips := p.dag.GetLatestPivotAndTips()
	level, err := p.nextLevel(pivot, tips)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.triedAny && p.lastPeriod == period && p.lastLevel >= level {
		p.mu.Unlock()
		return nil, nil
	}
	p.triedAny = true
	p.lastPeriod = period
	p.lastLevel = level
	p.mu.Unlock()

	stake := p.oracle.GetEffectiveStake(p.keys.Address, period)
	if stake == 0 {
		return nil, nil
	}
	upper := p.params.GetSortitionParams(&period).Vrf.ThresholdUpper
	proof, output, err := utils.VrfProve(p.keys.VrfSecret, sortition.DagProposalSeed(anchor, period, level))
	if err != nil {
		return nil, err
	}
	if !sortition.IsEligible(output, sortition.ProposalThreshold(upper), stake) {
		p.logger.Trace("[BlockProposer] not eligible at period %d level %d", period, level)
		return nil, nil
	}

	hashes := p.txs.PackTransactions(p.cfg.MaxTxsPerBlock, func(h types.Hash) bool {
		return utils.ShardOf(h, p.cfg.ShardCount) == p.shard
	})
	if len(hashes) == 0 && !p.cfg.ProposeEmptyBlocks {
		return nil, nil
	}
	bodies := make([]*types.Transaction, 0, len(hashes))
	for _, h := range hashes {
		if tx, ok := p.txs.GetTransaction(h); ok {
			bodies = append(bodies, tx)
		}
	}

	block := &types.DagBlock{
		Pivot:          pivot,
		Tips:           tips,
		Level:          level,
		Trxs:           hashes,
		ProposalPeriod: period,
		VrfProof:       proof,
		Difficulty:     upper,
		Timestamp:      uint64(time.Now().Unix()),
	}
	block.Sign(p.keys.Priv)

	if _, err := p.dag.InsertBlock(block); err != nil {
		return nil, fmt.Errorf("insert own block: %w", err)
	}
	p.txs.MarkPacked(hashes)
	p.net.BroadcastDagBlock(block, bodies)
	if p.stats != nil {
		p.stats.IncDagBlockProposed()
	}
	p.logger.Info("[BlockProposer] proposed %s", block)
	return block, nil
}

func (p *Proposer) nextLevel(pivot types.Hash, tips []types.Hash) (uint64, error) {
	var max uint64
	for _, h := range append([]types.Hash{pivot}, tips...) {
		b, ok := p.dag.GetBlock(h)
		if !ok {
			return 0, fmt.Errorf("parent %s vanished", h.Hex())
		}
		if b.Level > max {
			max = b.Level
		}
	}
	return max + 1, nil
}
