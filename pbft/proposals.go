package pbft

import (
	"sync"

	"dagbft/types"
)

// ProposalPool 收到但还没最终确定的 PBFT 块，按哈希索引
type ProposalPool struct {
	mu       sync.RWMutex
	blocks   map[types.Hash]*types.PbftBlock
	byPeriod map[uint64][]types.Hash
	maxSize  int
}

func NewProposalPool(maxSize int) *ProposalPool {
	return &ProposalPool{
		blocks:   make(map[types.Hash]*types.PbftBlock),
		byPeriod: make(map[uint64][]types.Hash),
		maxSize:  maxSize,
	}
}

// Add 已存在或池满返回 false
func (p *ProposalPool) Add(b *types.PbftBlock) bool {
	hash := b.Hash()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.blocks[hash]; ok {
		return false
	}
	if p.maxSize > 0 && len(p.blocks) >= p.maxSize {
		return false
	}
	p.blocks[hash] = b
	p.byPeriod[b.Period] = append(p.byPeriod[b.Period], hash)
	return true
}

func (p *ProposalPool) Get(hash types.Hash) (*types.PbftBlock, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.blocks[hash]
	return b, ok
}

// Cleanup 删除 period 及之前的提案
func (p *ProposalPool) Cleanup(period uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for per, hashes := range p.byPeriod {
		if per > period {
			continue
		}
		for _, h := range hashes {
			delete(p.blocks, h)
			removed++
		}
		delete(p.byPeriod, per)
	}
	return removed
}

func (p *ProposalPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.blocks)
}
