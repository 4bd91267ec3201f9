package pbft

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dagbft/config"
	"dagbft/dag"
	"dagbft/db"
	"dagbft/dpos"
	"dagbft/logs"
	"dagbft/types"
	"dagbft/utils"
	"dagbft/vote"
)

type fakeTxs struct {
	mu      sync.Mutex
	txs     map[types.Hash]*types.Transaction
	removed []types.Hash
}

func newFakeTxs() *fakeTxs {
	return &fakeTxs{txs: make(map[types.Hash]*types.Transaction)}
}

func (f *fakeTxs) add(tx *types.Transaction) types.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := tx.Hash()
	f.txs[h] = tx
	return h
}

func (f *fakeTxs) PackTransactions(int, func(types.Hash) bool) []types.Hash { return nil }

func (f *fakeTxs) GetTransaction(h types.Hash) (*types.Transaction, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[h]
	return tx, ok
}

func (f *fakeTxs) MarkPacked([]types.Hash) {}

func (f *fakeTxs) RemoveFinalized(hashes []types.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, hashes...)
}

func (f *fakeTxs) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

type fakeNet struct {
	mu       sync.Mutex
	votes    []*types.Vote
	bundles  [][]*types.Vote
	requests []types.Hash
}

func (n *fakeNet) BroadcastVote(v *types.Vote, _ *types.PbftBlock) {
	n.mu.Lock()
	n.votes = append(n.votes, v)
	n.mu.Unlock()
}
func (n *fakeNet) BroadcastVotesBundle(votes []*types.Vote) {
	n.mu.Lock()
	n.bundles = append(n.bundles, votes)
	n.mu.Unlock()
}
func (n *fakeNet) BroadcastPbftBlock(*types.PbftBlock)                     {}
func (n *fakeNet) BroadcastDagBlock(*types.DagBlock, []*types.Transaction) {}
func (n *fakeNet) RequestMissingDagBlocks(anchor types.Hash) {
	n.mu.Lock()
	n.requests = append(n.requests, anchor)
	n.mu.Unlock()
}
func (n *fakeNet) RequestPbftBlock(hash types.Hash) {
	n.mu.Lock()
	n.requests = append(n.requests, hash)
	n.mu.Unlock()
}
func (n *fakeNet) RequestPeriodData(uint64) {}

func (n *fakeNet) bundleCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.bundles)
}

type fakeParams struct {
	mu       sync.Mutex
	pushed   []uint64
	nonEmpty []uint64
}

func (p *fakeParams) PbftBlockPushed(pd *types.PeriodData, nonEmptySize uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, pd.PbftBlock.Period)
	p.nonEmpty = append(p.nonEmpty, nonEmptySize)
	return nil
}

func (p *fakeParams) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushed)
}

var genesis = types.NewGenesisBlock(1)

func testPbftConfig() config.PbftConfig {
	cfg := config.DefaultConfig().Pbft
	cfg.Lambda = 20 * time.Millisecond
	cfg.MaxWaitForSoftVotedBlock = time.Second
	cfg.MaxWaitForNextVotedBlock = time.Second
	cfg.SyncRequestInterval = 50 * time.Millisecond
	return cfg
}

type testEnv struct {
	keys   *utils.KeyPair
	others []*utils.KeyPair
	oracle *dpos.StaticOracle
	store  *db.Manager
	dag    *dag.Manager
	chain  *Chain
	votes  *vote.Manager
	txs    *fakeTxs
	net    *fakeNet
	params *fakeParams
	mgr    *Manager
}

// newTestEnv 本节点质押 10，其余验证人按 extraStakes 登记；委员会大于总质押，票权等于质押
func newTestEnv(t *testing.T, extraStakes ...uint64) *testEnv {
	t.Helper()
	keys, err := utils.GenerateKeyPair()
	require.NoError(t, err)
	oracle := dpos.NewStaticOracle()
	oracle.RegisterKeys(keys, 10)
	var others []*utils.KeyPair
	for _, s := range extraStakes {
		kp, err := utils.GenerateKeyPair()
		require.NoError(t, err)
		oracle.RegisterKeys(kp, s)
		others = append(others, kp)
	}

	store, err := db.NewManager(config.DatabaseConfig{InMemory: true}, logs.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	dagMgr, err := dag.NewManager(genesis, config.DefaultConfig().Dag, store, logs.Discard(), nil)
	require.NoError(t, err)
	chain, err := NewChain(store)
	require.NoError(t, err)

	cfg := testPbftConfig()
	votes, err := vote.NewManager(cfg, oracle, chain, keys, nil, logs.Discard())
	require.NoError(t, err)

	env := &testEnv{
		keys:   keys,
		others: others,
		oracle: oracle,
		store:  store,
		dag:    dagMgr,
		chain:  chain,
		votes:  votes,
		txs:    newFakeTxs(),
		net:    &fakeNet{},
		params: &fakeParams{},
	}
	env.mgr, err = NewManager(cfg, config.DefaultConfig().Dag, Deps{
		Dag:    dagMgr,
		Votes:  votes,
		Chain:  chain,
		Store:  store,
		Params: env.params,
		Txs:    env.txs,
		Net:    env.net,
		Keys:   keys,
		Logger: logs.Discard(),
	})
	require.NoError(t, err)
	return env
}

// insertDagBlock 在 parent 之上挂一个带一笔交易的区块
func (e *testEnv) insertDagBlock(t *testing.T, parent types.Hash, level uint64, nonce uint64) *types.DagBlock {
	t.Helper()
	txHash := e.txs.add(&types.Transaction{Nonce: nonce, From: e.keys.Address, Payload: []byte("pay")})
	b := &types.DagBlock{Pivot: parent, Level: level, Trxs: []types.Hash{txHash}, Timestamp: 10 + nonce}
	b.Sign(e.keys.Priv)
	ok, err := e.dag.InsertBlock(b)
	require.NoError(t, err)
	require.True(t, ok)
	return b
}

// proposalFor 按当前链头构造一个签名的提案
func (e *testEnv) proposalFor(t *testing.T, keys *utils.KeyPair, anchor types.Hash, ts uint64) *types.PbftBlock {
	t.Helper()
	period := e.chain.Size() + 1
	schedule, err := e.mgr.buildSchedule(anchor, period)
	require.NoError(t, err)
	height := e.chain.NonEmptySize()
	if anchor != types.NullBlockHash {
		height++
	}
	b := &types.PbftBlock{
		PrevBlockHash: e.chain.LastHash(),
		PivotDagHash:  anchor,
		Schedule:      schedule,
		Period:        period,
		Height:        height,
		Timestamp:     ts,
		Beneficiary:   keys.Address,
	}
	b.Sign(keys.Priv)
	return b
}
