package dag

import (
	"sync"
	"time"

	"dagbft/types"
)

// PendingBuffer 父块尚未到达的 DAG 区块，父块入库后取出重试
type PendingBuffer struct {
	mu      sync.Mutex
	entries map[types.Hash]*PendingEntry
	waiting map[types.Hash][]types.Hash // 缺失父块 -> 等待它的区块
	limit   int
	ttl     time.Duration
}

// PendingEntry 缓存里的一个区块及其附带的交易
type PendingEntry struct {
	block   *types.DagBlock
	txs     []*types.Transaction
	from    types.PeerID
	addedAt time.Time
}

func NewPendingBuffer(limit int, ttl time.Duration) *PendingBuffer {
	return &PendingBuffer{
		entries: make(map[types.Hash]*PendingEntry),
		waiting: make(map[types.Hash][]types.Hash),
		limit:   limit,
		ttl:     ttl,
	}
}

// Add 满了返回 false
func (p *PendingBuffer) Add(b *types.DagBlock, txs []*types.Transaction, from types.PeerID, missing []types.Hash) bool {
	hash := b.Hash()
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[hash]; ok {
		return true
	}
	if p.limit > 0 && len(p.entries) >= p.limit {
		return false
	}
	p.entries[hash] = &PendingEntry{block: b, txs: txs, from: from, addedAt: time.Now()}
	for _, parent := range missing {
		p.waiting[parent] = append(p.waiting[parent], hash)
	}
	return true
}

// Take 取出所有等待 parent 的区块
func (p *PendingBuffer) Take(parent types.Hash) []*PendingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	children := p.waiting[parent]
	delete(p.waiting, parent)
	out := make([]*PendingEntry, 0, len(children))
	for _, h := range children {
		if e, ok := p.entries[h]; ok {
			delete(p.entries, h)
			out = append(out, e)
		}
	}
	return out
}

// Expire 丢弃超时的区块
func (p *PendingBuffer) Expire(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for h, e := range p.entries {
		if now.Sub(e.addedAt) > p.ttl {
			delete(p.entries, h)
			removed++
		}
	}
	if removed > 0 {
		for parent, children := range p.waiting {
			kept := children[:0]
			for _, c := range children {
				if _, ok := p.entries[c]; ok {
					kept = append(kept, c)
				}
			}
			if len(kept) == 0 {
				delete(p.waiting, parent)
			} else {
				p.waiting[parent] = kept
			}
		}
	}
	return removed
}

func (p *PendingBuffer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (e *PendingEntry) Block() *types.DagBlock             { return e.block }
func (e *PendingEntry) Transactions() []*types.Transaction { return e.txs }
func (e *PendingEntry) From() types.PeerID                 { return e.from }
