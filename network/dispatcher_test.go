package network

import (
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"dagbft/dag"
	"dagbft/logs"
	"dagbft/types"
	"dagbft/utils"
)

type fakeBackend struct {
	mu        sync.Mutex
	dagBlocks []*types.DagBlock
	votes     []*types.Vote
	bundles   int
	proposals int
	periods   []*types.PeriodData
	dagErr    error

	history []*types.DagBlock
	stored  []*types.PeriodData
}

func (b *fakeBackend) OnNewDagBlock(block *types.DagBlock, _ []*types.Transaction, _ types.PeerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dagBlocks = append(b.dagBlocks, block)
	return b.dagErr
}

func (b *fakeBackend) OnNewVote(v *types.Vote, _ *types.PbftBlock, _ types.PeerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.votes = append(b.votes, v)
	return nil
}

func (b *fakeBackend) OnNewVotesBundle([]*types.Vote, types.PeerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bundles++
	return nil
}

func (b *fakeBackend) OnNewPbftBlockProposal(*types.PbftBlock, types.PeerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.proposals++
	return nil
}

func (b *fakeBackend) OnPeriodData(pd *types.PeriodData, _ types.PeerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.periods = append(b.periods, pd)
	return nil
}

func (b *fakeBackend) DagHistory(types.Hash) ([]*types.DagBlock, [][]*types.Transaction, error) {
	if len(b.history) == 0 {
		return nil, nil, errors.New("no history")
	}
	return b.history, make([][]*types.Transaction, len(b.history)), nil
}

func (b *fakeBackend) PbftBlock(types.Hash) (*types.PbftBlock, bool) { return nil, false }

func (b *fakeBackend) PeriodData(from uint64, limit int) ([]*types.PeriodData, error) {
	var out []*types.PeriodData
	for _, pd := range b.stored {
		if pd.PbftBlock.Period >= from && len(out) < limit {
			out = append(out, pd)
		}
	}
	return out, nil
}

func (b *fakeBackend) dagCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dagBlocks)
}

type sent struct {
	to types.PeerID
	p  *Packet
}

type fakeReplier struct {
	mu   sync.Mutex
	sent []sent
}

func (r *fakeReplier) SendTo(to types.PeerID, p *Packet) {
	r.mu.Lock()
	r.sent = append(r.sent, sent{to: to, p: p})
	r.mu.Unlock()
}

func encodePacket(t *testing.T, typ PacketType, payload interface{}) []byte {
	t.Helper()
	p, err := NewPacket(typ, payload)
	require.NoError(t, err)
	data, err := p.Encode()
	require.NoError(t, err)
	return data
}

func testDagBlock(t *testing.T, level uint64) *types.DagBlock {
	t.Helper()
	kp, err := utils.GenerateKeyPair()
	require.NoError(t, err)
	b := &types.DagBlock{Pivot: common.HexToHash("0x01"), Level: level, Timestamp: 100 + level}
	b.Sign(kp.Priv)
	return b
}

func newTestDispatcher() (*Dispatcher, *fakeBackend, *fakeReplier) {
	backend := &fakeBackend{}
	replier := &fakeReplier{}
	return NewDispatcher(backend, replier, 4, 2, nil, logs.Discard()), backend, replier
}

func TestDispatcherDedupesGossip(t *testing.T) {
	d, backend, _ := newTestDispatcher()
	data := encodePacket(t, PacketDagBlock, &DagBlockPacket{Block: testDagBlock(t, 1)})

	require.NoError(t, d.Handle("peer-1", data))
	require.NoError(t, d.Handle("peer-2", data))
	require.Equal(t, 1, backend.dagCount())
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	d, backend, _ := newTestDispatcher()
	backend.dagErr = dag.ErrMissingParent
	data := encodePacket(t, PacketDagBlock, &DagBlockPacket{Block: testDagBlock(t, 1)})

	err := d.Handle("peer-1", data)
	require.ErrorIs(t, err, dag.ErrMissingParent)
	require.False(t, IsMalicious(err))

	backend.dagErr = nil
	require.NoError(t, d.Handle("peer-1", data))
	require.Equal(t, 2, backend.dagCount())
}

func TestDispatcherMaliciousBundle(t *testing.T) {
	d, backend, _ := newTestDispatcher()
	votes := []*types.Vote{
		{Type: types.NextVote, Period: 2, Round: 1, Step: 4, BlockHash: common.HexToHash("0xaa")},
		{Type: types.NextVote, Period: 2, Round: 1, Step: 4, BlockHash: common.HexToHash("0xbb")},
	}
	err := d.Handle("peer-1", encodePacket(t, PacketVotesBundle, &VotesBundlePacket{Votes: votes}))
	require.Error(t, err)
	require.True(t, IsMalicious(err))
	require.ErrorIs(t, err, ErrMaliciousPeer)
	require.Equal(t, 0, backend.bundles)
}

func TestDispatcherMalformedInput(t *testing.T) {
	d, _, _ := newTestDispatcher()

	err := d.Handle("peer-1", []byte{0xff, 0x00, 0x13})
	require.Equal(t, ClassMalformed, Classify(err))

	data, err := (&Packet{Type: PacketType(99), Payload: []byte{0xc0}}).Encode()
	require.NoError(t, err)
	require.ErrorIs(t, d.Handle("peer-1", data), ErrUnknownPacket)

	err = d.Handle("peer-1", encodePacket(t, PacketVote, &VotePacket{}))
	require.True(t, IsMalicious(err))
}

func TestDispatcherServesRequests(t *testing.T) {
	d, backend, replier := newTestDispatcher()
	for p := uint64(1); p <= 5; p++ {
		backend.stored = append(backend.stored, &types.PeriodData{PbftBlock: &types.PbftBlock{Period: p}})
	}
	backend.history = []*types.DagBlock{testDagBlock(t, 1), testDagBlock(t, 2)}

	// 对端要 10 个周期，本地上限是 2
	require.NoError(t, d.Handle("peer-1", encodePacket(t, PacketGetPeriodData, &GetPeriodDataPacket{FromPeriod: 2, Limit: 10})))
	require.NoError(t, d.Handle("peer-1", encodePacket(t, PacketGetDagBlocks, &GetDagBlocksPacket{Anchor: common.HexToHash("0x02")})))

	replier.mu.Lock()
	defer replier.mu.Unlock()
	require.Len(t, replier.sent, 3)
	for i, want := range []uint64{2, 3} {
		require.Equal(t, PacketPeriodData, replier.sent[i].p.Type)
		var pkt PeriodDataPacket
		require.NoError(t, replier.sent[i].p.decodePayload(&pkt))
		require.Equal(t, want, pkt.Data.PbftBlock.Period)
	}
	last := replier.sent[2]
	require.Equal(t, types.PeerID("peer-1"), last.to)
	require.Equal(t, PacketDagBlocks, last.p.Type)
	var blocks DagBlocksPacket
	require.NoError(t, last.p.decodePayload(&blocks))
	require.Len(t, blocks.Blocks, 2)
	require.Equal(t, uint64(2), blocks.Blocks[1].Block.Level)
}
