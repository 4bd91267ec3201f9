package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dagbft/config"
	"dagbft/logs"
	"dagbft/types"
	"dagbft/utils"
)

func openTestDB(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(config.DatabaseConfig{Path: t.TempDir(), BlockCacheSize: 16}, logs.Discard())
	if err != nil {
		t.Fatalf("Failed to open DB: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func TestDagBlockRoundTrip(t *testing.T) {
	mgr := openTestDB(t)
	b := &types.DagBlock{Pivot: utils.Keccak256([]byte("g")), Level: 1, Timestamp: 5}
	require.NoError(t, mgr.PutDagBlock(b))

	// 清掉缓存，强制走磁盘
	mgr.blockCache.Purge()
	got, err := mgr.GetDagBlock(b.Hash())
	require.NoError(t, err)
	assert.Equal(t, b.Hash(), got.Hash())

	_, err = mgr.GetDagBlock(utils.Keccak256([]byte("missing")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPeriodDataAndHead(t *testing.T) {
	mgr := openTestDB(t)

	last, err := mgr.LastFinalizedPeriod()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)

	for p := uint64(1); p <= 3; p++ {
		pb := &types.PbftBlock{Period: p, Height: p - 1}
		require.NoError(t, mgr.PutPeriodData(&types.PeriodData{PbftBlock: pb}))
	}
	last, err = mgr.LastFinalizedPeriod()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	head, err := mgr.GetChainHead()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head.NonEmptySize)

	pd, err := mgr.GetFinalizedPeriodData(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pd.PbftBlock.Period)
}

func TestDagOrderIndex(t *testing.T) {
	mgr := openTestDB(t)
	order := []types.Hash{utils.Keccak256([]byte("a")), utils.Keccak256([]byte("b"))}
	require.NoError(t, mgr.PutDagOrder(4, order))
	got, err := mgr.GetDagOrder(4)
	require.NoError(t, err)
	assert.Equal(t, order, got)
}

func TestSortitionChangeLookup(t *testing.T) {
	mgr := openTestDB(t)
	for _, p := range []uint64{10, 20, 30} {
		require.NoError(t, mgr.PutSortitionChange(&types.SortitionParamsChange{
			Period: p, Efficiency: uint16(p * 100), ThresholdRange: 80, ThresholdUpper: uint16(1000 + p),
		}))
	}

	_, err := mgr.GetSortitionChangeAt(5)
	require.ErrorIs(t, err, ErrNotFound)

	c, err := mgr.GetSortitionChangeAt(10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), c.Period)

	c, err = mgr.GetSortitionChangeAt(25)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), c.Period)

	c, err = mgr.GetSortitionChangeAt(1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), c.Period)
	assert.Equal(t, uint16(1030), c.ThresholdUpper)

	latest, err := mgr.GetSortitionChanges(2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, uint64(20), latest[0].Period)
	assert.Equal(t, uint64(30), latest[1].Period)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DatabaseConfig{Path: dir, BlockCacheSize: 4}
	mgr, err := NewManager(cfg, logs.Discard())
	require.NoError(t, err)
	require.NoError(t, mgr.PutPeriodData(&types.PeriodData{PbftBlock: &types.PbftBlock{Period: 1}}))
	require.NoError(t, mgr.Close())
	require.NoError(t, mgr.Close())

	mgr, err = NewManager(cfg, logs.Discard())
	require.NoError(t, err)
	defer mgr.Close()
	last, err := mgr.LastFinalizedPeriod()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
}

func TestPendingTxs(t *testing.T) {
	mgr := openTestDB(t)
	tx1 := &types.Transaction{Nonce: 1, Payload: []byte("a")}
	tx2 := &types.Transaction{Nonce: 2, Payload: []byte("b")}
	require.NoError(t, mgr.SavePendingTx(tx1))
	require.NoError(t, mgr.SavePendingTx(tx2))

	loaded, err := mgr.LoadPendingTxs()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	got := map[types.Hash]bool{loaded[0].Hash(): true, loaded[1].Hash(): true}
	assert.True(t, got[tx1.Hash()])
	assert.True(t, got[tx2.Hash()])

	require.NoError(t, mgr.DeletePendingTxs([]types.Hash{tx1.Hash(), utils.Keccak256([]byte("absent"))}))
	loaded, err = mgr.LoadPendingTxs()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, tx2.Hash(), loaded[0].Hash())
}
