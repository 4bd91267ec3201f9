package dag

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dagbft/config"
	"dagbft/db"
	"dagbft/logs"
	"dagbft/types"
)

var genesis = types.NewGenesisBlock(1)

func newTestManager(t *testing.T, store Store) *Manager {
	t.Helper()
	m, err := NewManager(genesis, config.DagConfig{MaxTips: 16}, store, logs.Discard(), nil)
	require.NoError(t, err)
	return m
}

func blk(pivot types.Hash, level uint64, ts uint64, tips ...types.Hash) *types.DagBlock {
	return &types.DagBlock{Pivot: pivot, Tips: tips, Level: level, Timestamp: ts}
}

func mustInsert(t *testing.T, m *Manager, b *types.DagBlock) types.Hash {
	t.Helper()
	ok, err := m.InsertBlock(b)
	require.NoError(t, err)
	require.True(t, ok)
	return b.Hash()
}

func TestGenesisPivotAndTips(t *testing.T) {
	m := newTestManager(t, nil)
	g := genesis.Hash()

	a := mustInsert(t, m, blk(g, 1, 100))
	pivot, tips := m.GetLatestPivotAndTips()
	assert.Equal(t, a, pivot)
	assert.Empty(t, tips)

	b := mustInsert(t, m, blk(g, 1, 200))
	leaves := m.Leaves()
	assert.ElementsMatch(t, []types.Hash{a, b}, leaves)

	pivot, tips = m.GetLatestPivotAndTips()
	low, high := a, b
	if types.HashLess(b, a) {
		low, high = b, a
	}
	assert.Equal(t, low, pivot, "level tie must pick the lower hash")
	assert.Equal(t, []types.Hash{high}, tips)
}

func TestInsertRejectsBadParents(t *testing.T) {
	m := newTestManager(t, nil)
	g := genesis.Hash()
	a := mustInsert(t, m, blk(g, 1, 1))

	_, err := m.InsertBlock(blk(types.Hash{0xaa}, 1, 2))
	require.ErrorIs(t, err, ErrInvalidParent)
	require.ErrorIs(t, err, ErrMissingParent)

	_, err = m.InsertBlock(blk(g, 2, 3, types.Hash{0xbb}))
	require.ErrorIs(t, err, ErrMissingParent)

	_, err = m.InsertBlock(blk(a, 2, 4, a))
	require.ErrorIs(t, err, ErrInvalidParent)
	assert.NotErrorIs(t, err, ErrMissingParent)

	b := mustInsert(t, m, blk(g, 1, 5))
	_, err = m.InsertBlock(blk(a, 2, 6, b, b))
	require.ErrorIs(t, err, ErrInvalidParent)

	_, err = m.InsertBlock(blk(a, 3, 7))
	require.ErrorIs(t, err, ErrInvalidLevel)
	_, err = m.InsertBlock(blk(a, 1, 8))
	require.ErrorIs(t, err, ErrInvalidLevel)

	// 重复插入不是错误
	ok, err := m.InsertBlock(blk(g, 1, 1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDagBlockOrderAndFinalization(t *testing.T) {
	dir := t.TempDir()
	store, err := db.NewManager(config.DatabaseConfig{Path: dir}, logs.Discard())
	require.NoError(t, err)
	defer store.Close()

	m := newTestManager(t, store)
	g := genesis.Hash()
	a := mustInsert(t, m, blk(g, 1, 1))
	b := mustInsert(t, m, blk(g, 1, 2))
	c := mustInsert(t, m, blk(a, 2, 3, b))
	d := mustInsert(t, m, blk(c, 3, 4))
	e := mustInsert(t, m, blk(b, 2, 5))

	order, err := m.GetDagBlockOrder(d, 1)
	require.NoError(t, err)
	assert.Equal(t, []types.Hash{b, a, c, d}, order)

	got, err := m.SetDagBlockOrder(d, 1)
	require.NoError(t, err)
	assert.Equal(t, order, got)
	assert.True(t, m.IsFinalized(a))
	assert.False(t, m.IsFinalized(e))

	stored, err := store.GetDagOrder(1)
	require.NoError(t, err)
	assert.Equal(t, order, stored)

	_, err = m.GetDagBlockOrder(d, 2)
	require.ErrorIs(t, err, ErrAnchorFinalized)

	f := mustInsert(t, m, blk(e, 4, 6, d))
	order, err = m.GetDagBlockOrder(f, 2)
	require.NoError(t, err)
	assert.Equal(t, []types.Hash{e, f}, order)

	_, err = m.GetDagBlockOrder(types.Hash{0x11}, 2)
	require.ErrorIs(t, err, ErrUnknownAnchor)

	order, err = m.GetDagBlockOrder(types.NullBlockHash, 2)
	require.NoError(t, err)
	assert.Empty(t, order)
}

func TestSetDagBlockOrderMonotonic(t *testing.T) {
	m := newTestManager(t, nil)
	g := genesis.Hash()
	a := mustInsert(t, m, blk(g, 1, 1))

	_, err := m.SetDagBlockOrder(a, 2)
	require.ErrorIs(t, err, ErrNonMonotonicPeriod)

	// 空 anchor 也推进周期
	_, err = m.SetDagBlockOrder(types.NullBlockHash, 1)
	require.NoError(t, err)
	_, err = m.SetDagBlockOrder(a, 1)
	require.ErrorIs(t, err, ErrNonMonotonicPeriod)
	_, err = m.SetDagBlockOrder(a, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m.LastPeriod())
}

// randomDag 随机 DAG，按 level 分层返回
func randomDag(r *rand.Rand, levels, width int) [][]*types.DagBlock {
	g := genesis.Hash()
	layers := [][]*types.DagBlock{}
	prev := []*types.DagBlock{genesis}
	ts := uint64(1000)
	for l := 1; l <= levels; l++ {
		var layer []*types.DagBlock
		n := 1 + r.Intn(width)
		for i := 0; i < n; i++ {
			ts++
			pivot := prev[r.Intn(len(prev))]
			var tips []types.Hash
			for _, p := range prev {
				if p != pivot && r.Intn(2) == 0 && p.Hash() != g {
					tips = append(tips, p.Hash())
				}
			}
			layer = append(layer, &types.DagBlock{Pivot: pivot.Hash(), Tips: tips, Level: uint64(l), Timestamp: ts})
		}
		layers = append(layers, layer)
		prev = layer
	}
	return layers
}

func TestDagBlockOrderDeterministicAcrossInsertOrder(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	layers := randomDag(r, 8, 4)

	build := func(seed int64) *Manager {
		m := newTestManager(t, nil)
		rr := rand.New(rand.NewSource(seed))
		for _, layer := range layers {
			shuffled := append([]*types.DagBlock(nil), layer...)
			rr.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
			for _, b := range shuffled {
				mustInsert(t, m, b)
			}
		}
		return m
	}
	m1 := build(1)
	m2 := build(2)

	p1, _ := m1.GetLatestPivotAndTips()
	p2, _ := m2.GetLatestPivotAndTips()
	require.Equal(t, p1, p2)

	o1, err := m1.GetDagBlockOrder(p1, 1)
	require.NoError(t, err)
	o2, err := m2.GetDagBlockOrder(p2, 1)
	require.NoError(t, err)
	assert.Equal(t, o1, o2)
	assert.Equal(t, p1, o1[len(o1)-1], "anchor comes last")

	// 每个块都排在它的父块之后
	pos := make(map[types.Hash]int, len(o1))
	for i, h := range o1 {
		pos[h] = i
	}
	for _, h := range o1 {
		b, _ := m1.GetBlock(h)
		for _, p := range b.Parents() {
			if pi, ok := pos[p]; ok && pi > pos[h] {
				t.Fatalf("parent %s ordered after child %s", p.TerminalString(), h.TerminalString())
			}
		}
	}
}

func TestPrune(t *testing.T) {
	m := newTestManager(t, nil)
	g := genesis.Hash()
	a := mustInsert(t, m, blk(g, 1, 1))
	b := mustInsert(t, m, blk(a, 2, 2))
	_, err := m.SetDagBlockOrder(b, 1)
	require.NoError(t, err)
	c := mustInsert(t, m, blk(b, 3, 3))
	_, err = m.SetDagBlockOrder(c, 2)
	require.NoError(t, err)

	removed := m.Prune(2)
	assert.Equal(t, 2, removed)
	assert.False(t, m.HasBlock(a))
	assert.True(t, m.HasBlock(c), "leaves are kept")
	assert.True(t, m.HasBlock(g))

	_, err = m.InsertBlock(blk(a, 2, 9))
	require.ErrorIs(t, err, ErrMissingParent)

	d := mustInsert(t, m, blk(c, 4, 4))
	order, err := m.GetDagBlockOrder(d, 3)
	require.NoError(t, err)
	assert.Equal(t, []types.Hash{d}, order)
}

func TestMissingParents(t *testing.T) {
	m := newTestManager(t, nil)
	g := genesis.Hash()
	x := types.Hash{0x42}
	missing := m.MissingParents(blk(g, 1, 1, x))
	assert.Equal(t, []types.Hash{x}, missing)
}
