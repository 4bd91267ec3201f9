package dag

import (
	"sync"

	"dagbft/config"
	"dagbft/sortition"
	"dagbft/types"
	"dagbft/utils"
)

type fakeChain struct {
	mu     sync.Mutex
	size   uint64
	hashes map[uint64]types.Hash
}

func newFakeChain() *fakeChain {
	return &fakeChain{hashes: map[uint64]types.Hash{0: types.NullBlockHash}}
}

// advance 追加一个周期
func (c *fakeChain) advance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.size++
	c.hashes[c.size] = utils.Keccak256([]byte{byte(c.size), byte(c.size >> 8)})
}

func (c *fakeChain) Size() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *fakeChain) NonEmptySize() uint64 { return c.Size() }

func (c *fakeChain) LastHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hashes[c.size]
}

func (c *fakeChain) PbftBlockHash(period uint64) (types.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hashes[period]
	return h, ok
}

type fixedParams struct{ upper uint16 }

func (p fixedParams) GetSortitionParams(_ *uint64) sortition.Params {
	return sortition.Params{Vrf: config.VrfParams{ThresholdRange: 80, ThresholdUpper: p.upper}}
}

type fakeTxs struct {
	mu     sync.Mutex
	txs    map[types.Hash]*types.Transaction
	order  []types.Hash
	packed map[types.Hash]bool
}

func newFakeTxs() *fakeTxs {
	return &fakeTxs{txs: make(map[types.Hash]*types.Transaction), packed: make(map[types.Hash]bool)}
}

func (f *fakeTxs) add(tx *types.Transaction) types.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := tx.Hash()
	f.txs[h] = tx
	f.order = append(f.order, h)
	return h
}

func (f *fakeTxs) PackTransactions(max int, accept func(types.Hash) bool) []types.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Hash
	for _, h := range f.order {
		if len(out) >= max {
			break
		}
		if !f.packed[h] && (accept == nil || accept(h)) {
			out = append(out, h)
		}
	}
	return out
}

func (f *fakeTxs) GetTransaction(h types.Hash) (*types.Transaction, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[h]
	return tx, ok
}

func (f *fakeTxs) MarkPacked(hs []types.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range hs {
		f.packed[h] = true
	}
}

func (f *fakeTxs) RemoveFinalized(hs []types.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range hs {
		delete(f.txs, h)
	}
}

type fakeNet struct {
	mu        sync.Mutex
	dagBlocks []*types.DagBlock
}

func (n *fakeNet) BroadcastVote(*types.Vote, *types.PbftBlock) {}
func (n *fakeNet) BroadcastVotesBundle([]*types.Vote)          {}
func (n *fakeNet) BroadcastPbftBlock(*types.PbftBlock)         {}
func (n *fakeNet) RequestMissingDagBlocks(types.Hash)          {}
func (n *fakeNet) RequestPbftBlock(types.Hash)                 {}
func (n *fakeNet) RequestPeriodData(uint64)                    {}
func (n *fakeNet) BroadcastDagBlock(b *types.DagBlock, _ []*types.Transaction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dagBlocks = append(n.dagBlocks, b)
}
