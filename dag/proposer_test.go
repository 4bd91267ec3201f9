package dag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dagbft/config"
	"dagbft/dpos"
	"dagbft/logs"
	"dagbft/types"
	"dagbft/utils"
)

const (
	testKeyA = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"
	testKeyB = "6cbed15c793ce57650b9877cf6fa156fbef513c4e6134f022a85b1ffdd59b2a1"
)

type proposerEnv struct {
	keys   *utils.KeyPair
	oracle *dpos.StaticOracle
	chain  *fakeChain
	txs    *fakeTxs
	net    *fakeNet
	dag    *Manager
	p      *Proposer
}

// 质押 1<<60 配合 upper 65535，单次抽签合格概率约 95%
func newProposerEnv(t *testing.T, cfg config.ProposerConfig) *proposerEnv {
	t.Helper()
	kp, err := utils.ParsePrivateKeyHex(testKeyA)
	require.NoError(t, err)
	env := &proposerEnv{
		keys:   kp,
		oracle: dpos.NewStaticOracle(),
		chain:  newFakeChain(),
		txs:    newFakeTxs(),
		net:    &fakeNet{},
		dag:    newTestManager(t, nil),
	}
	env.oracle.RegisterKeys(kp, 1<<60)
	if cfg.MaxTxsPerBlock == 0 {
		cfg.MaxTxsPerBlock = 10
	}
	if cfg.ShardCount == 0 {
		cfg.ShardCount = 1
	}
	env.p = NewProposer(env.dag, fixedParams{upper: 65535}, env.chain, env.txs, env.net, env.oracle, kp, cfg, nil, logs.Discard())
	return env
}

// proposeUntil 不合格时推进一个周期再试
func (e *proposerEnv) proposeUntil(t *testing.T) *types.DagBlock {
	t.Helper()
	for i := 0; i < 40; i++ {
		b, err := e.p.ProposeOnce()
		require.NoError(t, err)
		if b != nil {
			return b
		}
		e.chain.advance()
	}
	t.Fatalf("no eligible proposal after 40 periods")
	return nil
}

func TestProposeOnceBuildsSignedBlock(t *testing.T) {
	env := newProposerEnv(t, config.ProposerConfig{})
	h1 := env.txs.add(&types.Transaction{Nonce: 1, From: env.keys.Address})
	h2 := env.txs.add(&types.Transaction{Nonce: 2, From: env.keys.Address})

	b := env.proposeUntil(t)
	assert.Equal(t, []types.Hash{h1, h2}, b.Trxs)
	assert.Equal(t, uint64(1), b.Level)
	assert.Equal(t, env.dag.Genesis(), b.Pivot)
	assert.Equal(t, uint16(65535), b.Difficulty)
	assert.Equal(t, env.chain.Size(), b.ProposalPeriod)

	sender, err := b.Sender()
	require.NoError(t, err)
	assert.Equal(t, env.keys.Address, sender)
	assert.True(t, env.dag.HasBlock(b.Hash()))
	assert.True(t, env.txs.packed[h1])
	require.Len(t, env.net.dagBlocks, 1)

	// 交易都已打包，不出空块
	env.chain.advance()
	again, err := env.p.ProposeOnce()
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestProposeOnceOncePerLevel(t *testing.T) {
	env := newProposerEnv(t, config.ProposerConfig{ProposeEmptyBlocks: true})
	first := env.proposeUntil(t)
	require.NotNil(t, first)

	// 新块成为 pivot，下一次在更高 level 抽签
	next := env.proposeUntil(t)
	assert.Equal(t, first.Level+1, next.Level)
	assert.Equal(t, first.Hash(), next.Pivot)

	// 同一周期同一 level 不重复抽签
	env.p.mu.Lock()
	env.p.lastLevel = next.Level + 1
	env.p.mu.Unlock()
	b, err := env.p.ProposeOnce()
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestProposeOnceZeroStake(t *testing.T) {
	env := newProposerEnv(t, config.ProposerConfig{ProposeEmptyBlocks: true})
	env.oracle.Register(env.keys.Address, 0, env.keys.VrfPublic)
	b, err := env.p.ProposeOnce()
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestProposerShardFilter(t *testing.T) {
	env := newProposerEnv(t, config.ProposerConfig{ShardCount: 4})
	for i := uint64(0); i < 32; i++ {
		env.txs.add(&types.Transaction{Nonce: i, From: env.keys.Address})
	}
	b := env.proposeUntil(t)
	require.NotEmpty(t, b.Trxs)
	for _, h := range b.Trxs {
		assert.Equal(t, env.p.shard, utils.ShardOf(h, 4))
	}
}

func TestProposerStartStop(t *testing.T) {
	env := newProposerEnv(t, config.ProposerConfig{Interval: 5 * time.Millisecond, ProposeEmptyBlocks: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.p.Start(ctx)

	require.Eventually(t, func() bool {
		env.chain.advance()
		env.net.mu.Lock()
		defer env.net.mu.Unlock()
		return len(env.net.dagBlocks) > 0
	}, 2*time.Second, 10*time.Millisecond)
	env.p.Stop()
}
