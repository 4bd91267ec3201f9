package interfaces

import (
	"go.dedis.ch/kyber/v3"

	"dagbft/types"
)

// ============================================
// 共识核心依赖的外部协作方
// ============================================

// BlockStore DAG 区块、已最终确定周期数据、抽签参数日志的持久化
type BlockStore interface {
	GetDagBlock(hash types.Hash) (*types.DagBlock, error)
	PutDagBlock(block *types.DagBlock) error
	GetFinalizedPeriodData(period uint64) (*types.PeriodData, error)
	PutPeriodData(data *types.PeriodData) error
	LastFinalizedPeriod() (uint64, error)
	PutDagOrder(period uint64, order []types.Hash) error
	GetDagOrder(period uint64) ([]types.Hash, error)
	PutSortitionChange(change *types.SortitionParamsChange) error
	GetSortitionChanges(limit int) ([]*types.SortitionParamsChange, error)
	GetSortitionChangeAt(period uint64) (*types.SortitionParamsChange, error)
}

// TxSource 交易来源，只要求能按哈希取回
type TxSource interface {
	PackTransactions(maxCount int, accept func(types.Hash) bool) []types.Hash
	GetTransaction(hash types.Hash) (*types.Transaction, bool)
	MarkPacked(hashes []types.Hash)
	RemoveFinalized(hashes []types.Hash)
}

// Broadcaster 尽力而为的广播，核心不假设送达和顺序
type Broadcaster interface {
	BroadcastVote(vote *types.Vote, block *types.PbftBlock)
	BroadcastVotesBundle(votes []*types.Vote)
	BroadcastPbftBlock(block *types.PbftBlock)
	BroadcastDagBlock(block *types.DagBlock, txs []*types.Transaction)
	RequestMissingDagBlocks(anchor types.Hash)
	RequestPbftBlock(hash types.Hash)
	RequestPeriodData(fromPeriod uint64)
}

// StakeOracle 质押/资格预言机
type StakeOracle interface {
	GetEffectiveStake(addr types.Address, period uint64) uint64
	GetTotalEligibleWeight(period uint64) uint64
	GetVrfKey(addr types.Address) (kyber.Point, bool)
}

// ChainReader PBFT 链的只读视图
type ChainReader interface {
	Size() uint64
	NonEmptySize() uint64
	LastHash() types.Hash
	PbftBlockHash(period uint64) (types.Hash, bool)
}

// RoundStateReader PBFT 当前周期/轮次/步骤的快照
type RoundStateReader interface {
	CurrentPeriodRoundStep() (period, round, step uint64)
}

type Event interface {
	Type() types.EventType
	Data() interface{}
}

type EventHandler func(Event)

type EventBus interface {
	Subscribe(topic types.EventType, handler EventHandler)
	Publish(event Event)
	PublishAsync(event Event)
}
