package pbft

import (
	"errors"
	"fmt"
	"time"

	"dagbft/types"
)

// proposeBlock 锚定当前 pivot；pivot 已经定稿（包括只有创世块）时提空块
func (m *Manager) proposeBlock(snap stateSnapshot) error {
	if _, carried := snap.prevNonNull(); carried {
		return nil
	}
	if m.keys == nil {
		return nil
	}

	anchor, _ := m.dag.GetLatestPivotAndTips()
	if anchor == m.dag.Genesis() || m.dag.IsFinalized(anchor) {
		anchor = types.NullBlockHash
	}
	schedule, err := m.buildSchedule(anchor, snap.period)
	if err != nil {
		return err
	}
	height := m.chain.NonEmptySize()
	if anchor != types.NullBlockHash {
		height++
	}
	block := &types.PbftBlock{
		PrevBlockHash: m.chain.LastHash(),
		PivotDagHash:  anchor,
		Schedule:      schedule,
		Period:        snap.period,
		Height:        height,
		Timestamp:     uint64(time.Now().Unix()),
		Beneficiary:   m.keys.Address,
	}
	block.Sign(m.keys.Priv)

	vv, err := m.votes.GenerateVote(block.Hash(), snap.period, snap.round, types.StepPropose)
	if err != nil {
		return err
	}
	if vv == nil {
		m.logger.Trace("[PbftManager] not eligible to propose at period %d round %d", snap.period, snap.round)
		return nil
	}
	m.proposals.Add(block)
	if _, err := m.votes.AddVerifiedVote(vv); err != nil {
		return err
	}
	if m.net != nil {
		m.net.BroadcastVote(vv.Vote, block)
	}
	m.logger.Info("[PbftManager] proposed %s at round %d", block, snap.round)
	return nil
}

// buildSchedule 按 DAG 顺序排块，每笔交易只执行一次
func (m *Manager) buildSchedule(anchor types.Hash, period uint64) (types.Schedule, error) {
	order, err := m.dag.GetDagBlockOrder(anchor, period)
	if err != nil {
		return types.Schedule{}, err
	}
	schedule := types.Schedule{DagBlocksOrder: order}
	seen := make(map[types.Hash]struct{})
	for _, h := range order {
		b, ok := m.dag.GetBlock(h)
		if !ok {
			return types.Schedule{}, fmt.Errorf("%w: %s", ErrMissingDagHistory, h.Hex())
		}
		for _, tx := range b.Trxs {
			if _, dup := seen[tx]; dup {
				continue
			}
			seen[tx] = struct{}{}
			schedule.TrxModes = append(schedule.TrxModes, types.TrxModeSequential)
		}
	}
	return schedule, nil
}

// checkSchedule 提案的顺序必须和本地 DAG 算出来的一致
func (m *Manager) checkSchedule(block *types.PbftBlock) error {
	if !m.dag.HasHistory(block.PivotDagHash) {
		return fmt.Errorf("%w: %s", ErrMissingDagHistory, block.PivotDagHash.Hex())
	}
	want, err := m.buildSchedule(block.PivotDagHash, block.Period)
	if err != nil {
		return err
	}
	if !sameSchedule(want, block.Schedule) {
		return fmt.Errorf("%w: anchor %s", ErrScheduleMismatch, block.PivotDagHash.TerminalString())
	}
	return nil
}

func sameSchedule(a, b types.Schedule) bool {
	if len(a.DagBlocksOrder) != len(b.DagBlocksOrder) || len(a.TrxModes) != len(b.TrxModes) {
		return false
	}
	for i := range a.DagBlocksOrder {
		if a.DagBlocksOrder[i] != b.DagBlocksOrder[i] {
			return false
		}
	}
	for i := range a.TrxModes {
		if a.TrxModes[i] != b.TrxModes[i] {
			return false
		}
	}
	return true
}

// bestProposal 按票权、块哈希挑第一个可以投的提案
func (m *Manager) bestProposal(period, round uint64) (types.Hash, bool) {
	for _, pv := range m.votes.GetProposalVotes(period, round) {
		block, ok := m.proposals.Get(pv.BlockHash)
		if !ok {
			m.requestPbftBlock(pv.BlockHash)
			continue
		}
		sender, err := block.Sender()
		if err != nil || sender != pv.Voter {
			continue
		}
		if block.Period != period || block.PrevBlockHash != m.chain.LastHash() {
			continue
		}
		if err := m.checkSchedule(block); err != nil {
			if isMissing(err) {
				m.requestDagHistory(block.PivotDagHash)
			} else {
				m.logger.Warn("[PbftManager] bogus proposal %s: %v", block.Hash().TerminalString(), err)
			}
			continue
		}
		return pv.BlockHash, true
	}
	return types.Hash{}, false
}

func (m *Manager) softVote(snap stateSnapshot, now time.Time) {
	var value types.Hash
	if v, ok := snap.prevNonNull(); ok {
		value = v
		if _, have := m.proposals.Get(v); !have {
			m.requestPbftBlock(v)
		}
	} else if v, ok := m.bestProposal(snap.period, snap.round); ok {
		value = v
	} else if v, ok := snap.freshSoftVoted(now, m.cfg.MaxWaitForSoftVotedBlock); ok {
		value = v
	} else {
		value = types.NullBlockHash
	}
	if m.castVote(snap, types.StepSoft, value) && value != types.NullBlockHash {
		m.state.setSoftVoted(value, now)
	}
}

// certVote 看到非空值的 soft 2t+1 且块和 DAG 历史都在本地时投 cert；
// 缺数据时请求补块，超过 MaxWaitForNextVotedBlock 就放弃
func (m *Manager) certVote(snap stateSnapshot, now time.Time) {
	if snap.hasCertVote || m.state.hasVoted(types.StepCert) {
		return
	}
	value, _, ok := m.votes.GetTwoTPlusOneVotes(snap.period, snap.round, types.StepSoft)
	if !ok || value == types.NullBlockHash {
		return
	}
	since := m.state.startCertWait(now)
	if now.Sub(since) > m.cfg.MaxWaitForNextVotedBlock {
		return
	}
	block, ok := m.proposals.Get(value)
	if !ok {
		m.requestPbftBlock(value)
		return
	}
	if err := m.checkSchedule(block); err != nil {
		if isMissing(err) {
			m.requestDagHistory(block.PivotDagHash)
		} else {
			m.logger.Warn("[PbftManager] not cert voting %s: %v", value.TerminalString(), err)
		}
		return
	}
	if m.castVote(snap, types.StepCert, value) {
		m.state.setCertVoted(value)
		m.state.setSoftVoted(value, now)
	}
}

// nextFallback 没有 cert 多数时的候选：上一轮 next 票的非空多数 > 未过期的 soft 票 > 空
func (m *Manager) nextFallback(snap stateSnapshot, now time.Time) types.Hash {
	if v, ok := snap.prevNonNull(); ok {
		return v
	}
	if v, ok := snap.freshSoftVoted(now, m.cfg.MaxWaitForSoftVotedBlock); ok {
		return v
	}
	return types.NullBlockHash
}

// nextVote 偶数步一开始就投：cert 多数优先，否则按 nextFallback；
// 奇数步等到非空值的 soft 2t+1 就投它，截止时还没投则按 nextFallback
func (m *Manager) nextVote(snap stateSnapshot, now time.Time, expired bool) {
	if m.state.hasVoted(snap.step) {
		return
	}
	if snap.step%2 == 0 {
		value := m.nextFallback(snap, now)
		if v, _, ok := m.votes.GetTwoTPlusOneVotes(snap.period, snap.round, types.StepCert); ok && v != types.NullBlockHash {
			value = v
		}
		m.castVote(snap, snap.step, value)
		return
	}

	if v, _, ok := m.votes.GetTwoTPlusOneVotes(snap.period, snap.round, types.StepSoft); ok && v != types.NullBlockHash {
		m.castVote(snap, snap.step, v)
		return
	}
	if expired {
		m.castVote(snap, snap.step, m.nextFallback(snap, now))
	}
}

// rebroadcastVotes 重发本轮自己的票和上一轮 next 票的 2t+1 证据，返回重发的自己的票数
func (m *Manager) rebroadcastVotes(snap stateSnapshot) int {
	if m.net == nil {
		return 0
	}
	if len(m.prevBundle) > 0 && m.prevBundle[0].Period == snap.period && m.prevBundle[0].Round+1 == snap.round {
		m.net.BroadcastVotesBundle(m.prevBundle)
	}
	if m.ownPeriod != snap.period || m.ownRound != snap.round {
		return 0
	}
	for _, v := range m.ownVotes {
		m.net.BroadcastVote(v, nil)
	}
	return len(m.ownVotes)
}

// castVote 每个 (轮, 步) 至多投一次；没有票权时也算投过
func (m *Manager) castVote(snap stateSnapshot, step uint64, value types.Hash) bool {
	if !m.state.markVoted(snap.round, step) {
		return false
	}
	vv, err := m.votes.GenerateVote(value, snap.period, snap.round, step)
	if err != nil {
		m.logger.Warn("[PbftManager] generate %s vote failed: %v", types.VoteTypeForStep(step), err)
		return false
	}
	if vv == nil {
		return false
	}
	if _, err := m.votes.AddVerifiedVote(vv); err != nil {
		m.logger.Warn("[PbftManager] add own vote %s: %v", vv.Vote, err)
		return false
	}
	if m.ownPeriod != snap.period || m.ownRound != snap.round {
		m.ownPeriod, m.ownRound, m.ownVotes = snap.period, snap.round, nil
	}
	m.ownVotes = append(m.ownVotes, vv.Vote)
	if m.net != nil {
		var block *types.PbftBlock
		if step == types.StepSoft {
			block, _ = m.proposals.Get(value)
		}
		m.net.BroadcastVote(vv.Vote, block)
	}
	m.logger.Debug("[PbftManager] voted %s", vv.Vote)
	return true
}

// tryFinalize 当前周期任一轮出现非空值的 cert 2t+1，并且块和 DAG 历史都在本地时推入链
func (m *Manager) tryFinalize() bool {
	period, round, _ := m.state.current()
	first := uint64(1)
	if round > 1 {
		first = round - 1
	}
	for r := first; r <= round+m.cfg.MaxFutureRounds; r++ {
		value, votes, ok := m.votes.GetTwoTPlusOneVotes(period, r, types.StepCert)
		if !ok || value == types.NullBlockHash {
			continue
		}
		block, ok := m.proposals.Get(value)
		if !ok {
			m.requestPbftBlock(value)
			return false
		}
		if !m.dag.HasHistory(block.PivotDagHash) {
			m.requestDagHistory(block.PivotDagHash)
			return false
		}
		if err := m.PushPbftBlock(block, votes); err != nil {
			m.logger.Warn("[PbftManager] push %s failed: %v", block, err)
			return false
		}
		return true
	}
	return false
}

func isMissing(err error) bool {
	return errors.Is(err, ErrMissingDagHistory)
}
