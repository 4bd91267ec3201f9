package pbft

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"

	"dagbft/db"
	"dagbft/types"
)

var (
	ErrNonMonotonicPeriod = errors.New("non-monotonic pbft period")
	ErrPrevHashMismatch   = errors.New("pbft block does not extend chain head")
)

// ChainStore PBFT 链重启恢复用到的存储
type ChainStore interface {
	GetChainHead() (*db.ChainHead, error)
	GetFinalizedPeriodData(period uint64) (*types.PeriodData, error)
}

// Chain 已最终确定的 PBFT 链，第 0 周期是空哈希
type Chain struct {
	mu       sync.RWMutex
	store    ChainStore
	size     uint64
	nonEmpty uint64
	lastHash types.Hash
	hashes   *lru.Cache // period -> hash，缓存之外的回源到 store
}

// NewChain 从存储里的链头恢复
func NewChain(store ChainStore) (*Chain, error) {
	hashes, err := lru.New(4096)
	if err != nil {
		return nil, err
	}
	c := &Chain{store: store, hashes: hashes}
	if store == nil {
		return c, nil
	}
	head, err := store.GetChainHead()
	if errors.Is(err, db.ErrNotFound) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load chain head: %w", err)
	}
	c.size = head.Period
	c.nonEmpty = head.NonEmptySize
	c.lastHash = common.BytesToHash(head.Hash)
	c.hashes.Add(c.size, c.lastHash)
	return c, nil
}

func (c *Chain) Size() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// NonEmptySize 锚定了 DAG 区块的 PBFT 块个数
func (c *Chain) NonEmptySize() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nonEmpty
}

func (c *Chain) LastHash() types.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHash
}

func (c *Chain) PbftBlockHash(period uint64) (types.Hash, bool) {
	if period == 0 {
		return types.NullBlockHash, true
	}
	c.mu.RLock()
	size := c.size
	c.mu.RUnlock()
	if period > size {
		return types.Hash{}, false
	}
	if h, ok := c.hashes.Get(period); ok {
		return h.(types.Hash), true
	}
	if c.store == nil {
		return types.Hash{}, false
	}
	pd, err := c.store.GetFinalizedPeriodData(period)
	if err != nil {
		return types.Hash{}, false
	}
	h := pd.PbftBlock.Hash()
	c.hashes.Add(period, h)
	return h, true
}

// Push 只接受恰好接在链头之后的块
func (c *Chain) Push(block *types.PbftBlock) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if block.Period != c.size+1 {
		return fmt.Errorf("%w: block period %d, chain size %d", ErrNonMonotonicPeriod, block.Period, c.size)
	}
	if block.PrevBlockHash != c.lastHash {
		return fmt.Errorf("%w: prev %s, head %s", ErrPrevHashMismatch,
			block.PrevBlockHash.TerminalString(), c.lastHash.TerminalString())
	}
	hash := block.Hash()
	c.size = block.Period
	if block.HasAnchor() {
		c.nonEmpty++
	}
	c.lastHash = hash
	c.hashes.Add(block.Period, hash)
	return nil
}
