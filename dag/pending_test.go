package dag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dagbft/types"
)

func TestPendingBufferTakeByParent(t *testing.T) {
	buf := NewPendingBuffer(10, time.Minute)
	p1, p2 := types.Hash{1}, types.Hash{2}
	a := blk(p1, 2, 1)
	b := blk(p1, 2, 2, p2)

	require.True(t, buf.Add(a, nil, "peer-1", []types.Hash{p1}))
	require.True(t, buf.Add(b, nil, "peer-2", []types.Hash{p1, p2}))
	require.True(t, buf.Add(a, nil, "peer-1", []types.Hash{p1}), "re-adding is a no-op")
	assert.Equal(t, 2, buf.Len())

	got := buf.Take(p1)
	require.Len(t, got, 2)
	assert.Equal(t, a.Hash(), got[0].Block().Hash())
	assert.Equal(t, types.PeerID("peer-2"), got[1].From())
	assert.Equal(t, 0, buf.Len())

	// b 已经被取走，p2 的等待项不再返回它
	assert.Empty(t, buf.Take(p2))
}

func TestPendingBufferLimitAndExpire(t *testing.T) {
	buf := NewPendingBuffer(1, time.Second)
	require.True(t, buf.Add(blk(types.Hash{1}, 2, 1), nil, "", []types.Hash{{1}}))
	assert.False(t, buf.Add(blk(types.Hash{1}, 2, 2), nil, "", []types.Hash{{1}}))

	assert.Equal(t, 0, buf.Expire(time.Now()))
	assert.Equal(t, 1, buf.Expire(time.Now().Add(2*time.Second)))
	assert.Equal(t, 0, buf.Len())
	assert.Empty(t, buf.Take(types.Hash{1}))
}
