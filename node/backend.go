package node

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"dagbft/dag"
	"dagbft/network"
	"dagbft/pbft"
	"dagbft/types"
	"dagbft/utils"
	"dagbft/vote"
)

var _ network.Backend = (*Node)(nil)

// periodKey 等待某个周期确定的区块在待定缓存里挂在这个键下
func periodKey(period uint64) types.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], period)
	return utils.Keccak256([]byte("proposal-period"), buf[:])
}

// retryPending 父块入库或周期确定后重放等待它的区块
func (n *Node) retryPending(key types.Hash) {
	for _, child := range n.pending.Take(key) {
		if err := n.OnNewDagBlock(child.Block(), child.Transactions(), child.From()); err != nil {
			n.Logger.Debug("[Node] pending block %s: %v", child.Block().Hash().TerminalString(), err)
		}
	}
}

// OnNewDagBlock 校验后入库；缺父块时缓存并向对端补块，父块到达后重试子块
func (n *Node) OnNewDagBlock(block *types.DagBlock, txs []*types.Transaction, from types.PeerID) error {
	hash := block.Hash()
	if n.dag.HasBlock(hash) {
		return nil
	}
	for _, tx := range txs {
		if tx != nil {
			n.txpool.Insert(tx)
		}
	}
	if _, err := n.validator.Validate(block); err != nil {
		if errors.Is(err, dag.ErrFutureProposal) {
			// 等对应周期确定后重试
			n.pending.Add(block, txs, from, []types.Hash{periodKey(block.ProposalPeriod)})
			n.observePeriod(block.ProposalPeriod)
			n.requestPeriodData()
		}
		return err
	}
	if missing := n.dag.MissingParents(block); len(missing) > 0 {
		if !n.pending.Add(block, txs, from, missing) {
			n.Logger.Debug("[Node] pending buffer full, dropping %s", hash.TerminalString())
		}
		for _, p := range missing {
			n.requestDagHistory(p)
		}
		return fmt.Errorf("%w: %d parents of %s", dag.ErrMissingParent, len(missing), hash.TerminalString())
	}
	added, err := n.dag.InsertBlock(block)
	if err != nil || !added {
		return err
	}
	n.txpool.MarkPacked(block.Trxs)
	n.events.PublishAsync(types.BaseEvent{EventType: types.EventDagBlockInserted, EventData: block})
	n.pbft.Wake()

	n.retryPending(hash)
	return nil
}

// OnNewVote propose/soft 票可能附带提案，先收提案再验票
func (n *Node) OnNewVote(v *types.Vote, block *types.PbftBlock, from types.PeerID) error {
	if block != nil {
		if block.Hash() != v.BlockHash {
			return fmt.Errorf("%w: attached block %s, vote for %s", vote.ErrMalformedVote,
				block.Hash().TerminalString(), v.BlockHash.TerminalString())
		}
		err := n.pbft.AddProposal(block)
		if errors.Is(err, pbft.ErrFutureProposal) {
			n.observePeriod(block.Period)
			n.requestPeriodData()
		}
		if err != nil && !errors.Is(err, pbft.ErrStaleProposal) {
			return err
		}
	}
	vv, err := n.votes.Validate(v)
	if err != nil {
		if errors.Is(err, vote.ErrFutureVote) || errors.Is(err, vote.ErrUnknownAnchor) {
			n.observePeriod(v.Period)
			n.requestPeriodData()
		}
		return err
	}
	if _, err := n.votes.AddVerifiedVote(vv); err != nil {
		if errors.Is(err, vote.ErrEquivocation) {
			n.events.PublishAsync(types.BaseEvent{EventType: types.EventEquivocation, EventData: vv.Voter})
		}
		return err
	}
	return nil
}

// OnNewVotesBundle 并行验票；返回最严重的一个错误，恶意优先
func (n *Node) OnNewVotesBundle(votes []*types.Vote, from types.PeerID) error {
	verified, errs := n.votes.ValidateBatch(context.Background(), votes)
	var firstErr, maliciousErr error
	note := func(err error) {
		if network.IsMalicious(err) && maliciousErr == nil {
			maliciousErr = err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	for i, vv := range verified {
		if errs[i] != nil {
			note(errs[i])
			continue
		}
		if _, err := n.votes.AddVerifiedVote(vv); err != nil {
			note(err)
		}
	}
	if maliciousErr != nil {
		return maliciousErr
	}
	if errors.Is(firstErr, vote.ErrFutureVote) || errors.Is(firstErr, vote.ErrUnknownAnchor) {
		n.observePeriod(votes[0].Period)
		n.requestPeriodData()
	}
	return firstErr
}

func (n *Node) OnNewPbftBlockProposal(block *types.PbftBlock, from types.PeerID) error {
	err := n.pbft.AddProposal(block)
	if errors.Is(err, pbft.ErrFutureProposal) {
		n.observePeriod(block.Period)
		n.requestPeriodData()
	}
	return err
}

// OnPeriodData 同步来的周期数据：交易先入池，DAG 区块要等周期的 cert 票校验通过后才入库，
// 再交给 PBFT 线程按序推入
func (n *Node) OnPeriodData(pd *types.PeriodData, from types.PeerID) error {
	if pd == nil || pd.PbftBlock == nil {
		return fmt.Errorf("%w: period data without pbft block", network.ErrMalformedPacket)
	}
	for _, b := range pd.DagBlocks {
		if b == nil {
			return fmt.Errorf("%w: nil dag block in period data", network.ErrMalformedPacket)
		}
		if _, err := b.Sender(); err != nil {
			return fmt.Errorf("%w: %v", dag.ErrBadBlockSignature, err)
		}
	}
	period := pd.PbftBlock.Period
	n.observePeriod(period)

	n.syncMu.Lock()
	defer n.syncMu.Unlock()
	size := n.chain.Size()
	if period <= size {
		return nil
	}
	limit := uint64(n.cfg.Network.SyncRequestLimit)
	if limit == 0 {
		limit = 16
	}
	if period > size+4*limit {
		return nil
	}
	for _, tx := range pd.Transactions {
		if tx != nil {
			n.txpool.Insert(tx)
		}
	}
	n.syncBuf[period] = pd
	return n.drainSyncBufLocked(size)
}

// drainSyncBufLocked 从紧接已校验部分的周期开始逐个校验并入库：
// 前块哈希要接上，cert 票要够，缺周期或缺父块时停下等数据
func (n *Node) drainSyncBufLocked(size uint64) error {
	for p := range n.syncBuf {
		if p <= size {
			delete(n.syncBuf, p)
		}
	}
	// PBFT 线程的同步队列空了而链没跟上，说明交出去的数据被丢弃，从链头重新开始
	if n.syncHead <= size || n.pbft.SyncedQueueLen() == 0 {
		n.syncHead = size
		n.syncHeadHash = n.chain.LastHash()
	}

	for {
		next := n.syncHead + 1
		pd, ok := n.syncBuf[next]
		if !ok {
			return nil
		}
		if _, err := n.pbft.VerifyPeriodData(pd, n.syncHeadHash); err != nil {
			delete(n.syncBuf, next)
			return fmt.Errorf("%w: period %d: %w", network.ErrMaliciousPeer, next, err)
		}
		if err := n.insertPeriodBlocks(pd); err != nil {
			if errors.Is(err, dag.ErrMissingParent) {
				return nil
			}
			delete(n.syncBuf, next)
			return err
		}
		delete(n.syncBuf, next)
		n.syncHead = next
		n.syncHeadHash = pd.PbftBlock.Hash()
		n.pbft.PushSyncedPeriodData(pd)
	}
}

func (n *Node) insertPeriodBlocks(pd *types.PeriodData) error {
	for _, b := range pd.DagBlocks {
		if n.dag.HasBlock(b.Hash()) {
			continue
		}
		if _, err := n.dag.InsertBlock(b); err != nil {
			return fmt.Errorf("period %d: %w", pd.PbftBlock.Period, err)
		}
		n.txpool.MarkPacked(b.Trxs)
	}
	return nil
}

// DagHistory anchor 之前所有未确定的区块，父块在前，附带本地有的交易体
func (n *Node) DagHistory(anchor types.Hash) ([]*types.DagBlock, [][]*types.Transaction, error) {
	order, err := n.dag.GetDagBlockOrder(anchor, n.dag.LastPeriod()+1)
	if err != nil {
		return nil, nil, err
	}
	blocks := make([]*types.DagBlock, 0, len(order))
	txs := make([][]*types.Transaction, 0, len(order))
	for _, h := range order {
		b, ok := n.dag.GetBlock(h)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", dag.ErrMissingParent, h.TerminalString())
		}
		bodies := make([]*types.Transaction, 0, len(b.Trxs))
		for _, th := range b.Trxs {
			if tx, ok := n.txpool.GetTransaction(th); ok {
				bodies = append(bodies, tx)
			}
		}
		blocks = append(blocks, b)
		txs = append(txs, bodies)
	}
	return blocks, txs, nil
}

func (n *Node) PbftBlock(hash types.Hash) (*types.PbftBlock, bool) {
	return n.pbft.Proposal(hash)
}

// PeriodData 从 fromPeriod 开始最多 limit 个已确定周期
func (n *Node) PeriodData(fromPeriod uint64, limit int) ([]*types.PeriodData, error) {
	if fromPeriod == 0 {
		fromPeriod = 1
	}
	var out []*types.PeriodData
	for p := fromPeriod; p <= n.chain.Size() && len(out) < limit; p++ {
		pd, err := n.store.GetFinalizedPeriodData(p)
		if isNotFound(err) {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, pd)
	}
	return out, nil
}
