package pbft

import (
	"fmt"
	"time"

	"dagbft/types"
	"dagbft/vote"
)

// PushPbftBlock 把带 2t+1 cert 票的块推入链：定稿 DAG 顺序、落盘、通知参数控制器、
// 清理交易池和投票，然后进入下一个周期
func (m *Manager) PushPbftBlock(block *types.PbftBlock, certVotes []*vote.VerifiedVote) error {
	m.pushMu.Lock()
	defer m.pushMu.Unlock()

	start := time.Now()
	if size := m.chain.Size(); block.Period != size+1 {
		return fmt.Errorf("%w: block period %d, chain size %d", ErrNonMonotonicPeriod, block.Period, size)
	}
	if block.PrevBlockHash != m.chain.LastHash() {
		return fmt.Errorf("%w: %s", ErrPrevHashMismatch, block.PrevBlockHash.TerminalString())
	}
	if err := m.checkSchedule(block); err != nil {
		return err
	}
	// 只读地算出顺序，落盘成功后才定稿 DAG 和推进链，任何一步失败都可以原样重试
	order, err := m.dag.GetDagBlockOrder(block.PivotDagHash, block.Period)
	if err != nil {
		return fmt.Errorf("dag order: %w", err)
	}

	pd := &types.PeriodData{PbftBlock: block}
	for _, v := range certVotes {
		pd.CertVotes = append(pd.CertVotes, v.Vote)
	}
	seen := make(map[types.Hash]struct{})
	var txHashes []types.Hash
	for _, h := range order {
		b, _ := m.dag.GetBlock(h)
		pd.DagBlocks = append(pd.DagBlocks, b)
		for _, th := range b.Trxs {
			if _, dup := seen[th]; dup {
				continue
			}
			seen[th] = struct{}{}
			txHashes = append(txHashes, th)
			if m.txs == nil {
				continue
			}
			if tx, ok := m.txs.GetTransaction(th); ok {
				pd.Transactions = append(pd.Transactions, tx)
			} else {
				m.logger.Warn("[PbftManager] period %d: body of tx %s not available", block.Period, th.TerminalString())
			}
		}
	}

	if m.store != nil {
		if err := m.store.PutPeriodData(pd); err != nil {
			return fmt.Errorf("persist period %d: %w", block.Period, err)
		}
	}
	if _, err := m.dag.SetDagBlockOrder(block.PivotDagHash, block.Period); err != nil {
		return fmt.Errorf("finalize dag order: %w", err)
	}
	if err := m.chain.Push(block); err != nil {
		return err
	}
	if m.params != nil {
		if err := m.params.PbftBlockPushed(pd, m.chain.NonEmptySize()); err != nil {
			m.logger.Error("[PbftManager] sortition params update at period %d: %v", block.Period, err)
		}
	}
	if m.txs != nil && len(txHashes) > 0 {
		m.txs.RemoveFinalized(txHashes)
	}
	m.votes.PeriodFinalized(block.Period, block.Hash(), certVotes)
	m.proposals.Cleanup(block.Period)
	m.clearRequests()

	m.state.resetPeriod(block.Period+1, time.Now())
	if m.stats != nil {
		m.stats.ObservePeriodFinalized(block.Period, time.Since(start))
		m.stats.SetRoundState(block.Period+1, 1, types.StepPropose)
	}
	if keep := m.dagCfg.PruneKeepPeriods; keep > 0 && block.Period > keep {
		m.dag.Prune(block.Period - keep)
	}
	m.publish(types.EventPeriodFinalized, pd)
	m.logger.Info("[PbftManager] finalized %s with %d dag blocks, %d txs", block, len(order), len(txHashes))
	return nil
}

// PushSyncedPeriodData 同步来的周期数据先排队，由 PBFT 线程按周期顺序校验后推入。
// 其中的 DAG 区块和交易需要调用方先入库
func (m *Manager) PushSyncedPeriodData(pd *types.PeriodData) {
	if pd == nil || pd.PbftBlock == nil {
		return
	}
	period := pd.PbftBlock.Period
	if period <= m.chain.Size() {
		return
	}
	m.syncMu.Lock()
	if _, ok := m.synced[period]; !ok {
		m.synced[period] = pd
	}
	m.syncMu.Unlock()
	m.Wake()
}

// SyncedQueueLen 排队中的同步周期数
func (m *Manager) SyncedQueueLen() int {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	return len(m.synced)
}

// pushSyncedPeriods 推入紧接链头的同步数据，返回是否推进了链
func (m *Manager) pushSyncedPeriods() bool {
	pushed := false
	for {
		next := m.chain.Size() + 1
		m.syncMu.Lock()
		for p := range m.synced {
			if p < next {
				delete(m.synced, p)
			}
		}
		pd, ok := m.synced[next]
		delete(m.synced, next)
		m.syncMu.Unlock()
		if !ok {
			return pushed
		}
		certVotes, err := m.verifyCertVotes(pd, m.chain.LastHash())
		if err != nil {
			m.logger.Warn("[PbftManager] dropping synced period %d: %v", next, err)
			return pushed
		}
		if err := m.PushPbftBlock(pd.PbftBlock, certVotes); err != nil {
			m.logger.Warn("[PbftManager] push synced period %d: %v", next, err)
			return pushed
		}
		pushed = true
	}
}

// VerifyPeriodData 同步来的周期数据入库前的检查：前块哈希接上 prevHash，
// cert 票达到 2t+1，DAG 区块正好是块里排好的顺序。prevHash 也是 cert 票的抽签种子
func (m *Manager) VerifyPeriodData(pd *types.PeriodData, prevHash types.Hash) ([]*vote.VerifiedVote, error) {
	block := pd.PbftBlock
	if block.PrevBlockHash != prevHash {
		return nil, fmt.Errorf("%w: period %d prev hash %s, want %s", ErrInvalidProposal, block.Period,
			block.PrevBlockHash.TerminalString(), prevHash.TerminalString())
	}
	certVotes, err := m.verifyCertVotes(pd, prevHash)
	if err != nil {
		return nil, err
	}
	order := block.Schedule.DagBlocksOrder
	if len(pd.DagBlocks) != len(order) {
		return nil, fmt.Errorf("%w: period %d carries %d dag blocks, schedule has %d",
			ErrScheduleMismatch, block.Period, len(pd.DagBlocks), len(order))
	}
	for i, b := range pd.DagBlocks {
		if b == nil || b.Hash() != order[i] {
			return nil, fmt.Errorf("%w: period %d dag block %d", ErrScheduleMismatch, block.Period, i)
		}
	}
	if block.HasAnchor() && (len(order) == 0 || order[len(order)-1] != block.PivotDagHash) {
		return nil, fmt.Errorf("%w: period %d anchor %s not last", ErrScheduleMismatch, block.Period,
			block.PivotDagHash.TerminalString())
	}
	return certVotes, nil
}

// verifyCertVotes 同步数据里的 cert 票：签名和抽签有效、同一块、投票人不重复、合计达到 2t+1
func (m *Manager) verifyCertVotes(pd *types.PeriodData, anchor types.Hash) ([]*vote.VerifiedVote, error) {
	block := pd.PbftBlock
	hash := block.Hash()
	voters := make(map[types.Address]struct{}, len(pd.CertVotes))
	out := make([]*vote.VerifiedVote, 0, len(pd.CertVotes))
	var weight uint64
	for _, v := range pd.CertVotes {
		if v == nil || v.Type != types.CertVote || v.Period != block.Period || v.BlockHash != hash {
			return nil, fmt.Errorf("%w: %s", ErrInsufficientCertVotes, v)
		}
		vv, err := m.votes.ValidateWithAnchor(v, anchor)
		if err != nil {
			return nil, err
		}
		if _, dup := voters[vv.Voter]; dup {
			continue
		}
		voters[vv.Voter] = struct{}{}
		weight += vv.Weight
		out = append(out, vv)
	}
	if need := m.votes.GetTwoTPlusOne(block.Period); need == 0 || weight < need {
		return nil, fmt.Errorf("%w: %d < %d", ErrInsufficientCertVotes, weight, need)
	}
	return out, nil
}

// AddProposal 收到的 PBFT 提案：签名、周期窗口、对当前周期还要核对前块哈希和高度
func (m *Manager) AddProposal(block *types.PbftBlock) error {
	if _, err := block.Sender(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	size := m.chain.Size()
	if block.Period <= size {
		return fmt.Errorf("%w: period %d, chain size %d", ErrStaleProposal, block.Period, size)
	}
	if block.Period > size+1+m.cfg.MaxFuturePeriods {
		return fmt.Errorf("%w: period %d, chain size %d", ErrFutureProposal, block.Period, size)
	}
	if block.Period == size+1 {
		if block.PrevBlockHash != m.chain.LastHash() {
			return fmt.Errorf("%w: prev hash %s", ErrInvalidProposal, block.PrevBlockHash.TerminalString())
		}
		height := m.chain.NonEmptySize()
		if block.HasAnchor() {
			height++
		}
		if block.Height != height {
			return fmt.Errorf("%w: height %d, want %d", ErrInvalidProposal, block.Height, height)
		}
	}
	if m.proposals.Add(block) {
		m.Wake()
	}
	return nil
}
