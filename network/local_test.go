package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dagbft/config"
	"dagbft/logs"
	"dagbft/types"
)

type recordingHandler struct {
	mu      sync.Mutex
	packets []*Packet
	err     error
}

func (h *recordingHandler) Handle(_ types.PeerID, data []byte) error {
	p, err := DecodePacket(data)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.packets = append(h.packets, p)
	return h.err
}

func (h *recordingHandler) count(t PacketType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.packets {
		if p.Type == t {
			n++
		}
	}
	return n
}

func testNetworkConfig() config.NetworkConfig {
	cfg := config.DefaultConfig().Network
	cfg.NetworkLatency = 2 * time.Millisecond
	cfg.DeliveryWorkers = 2
	return cfg
}

func startEndpoint(t *testing.T, n *LocalNetwork, id types.PeerID, maxVotes int, h Handler) *Endpoint {
	t.Helper()
	e := n.Join(id, maxVotes)
	e.Start(context.Background(), h)
	t.Cleanup(e.Stop)
	return e
}

func TestLocalNetworkBroadcast(t *testing.T) {
	n := NewLocalNetwork(testNetworkConfig(), logs.Discard())
	defer n.Close()

	a := startEndpoint(t, n, "a", 2, &recordingHandler{})
	hb := &recordingHandler{}
	hc := &recordingHandler{}
	startEndpoint(t, n, "b", 2, hb)
	startEndpoint(t, n, "c", 2, hc)

	require.Equal(t, []types.PeerID{"b", "c"}, n.Peers("a"))

	a.BroadcastDagBlock(&types.DagBlock{Level: 1}, nil)
	// 5 张票按每包 2 张拆成 3 个包
	votes := make([]*types.Vote, 5)
	for i := range votes {
		votes[i] = &types.Vote{Type: types.NextVote, Period: 1, Round: 1, Step: 4}
	}
	a.BroadcastVotesBundle(votes)

	require.Eventually(t, func() bool {
		return hb.count(PacketDagBlock) == 1 && hc.count(PacketDagBlock) == 1 &&
			hb.count(PacketVotesBundle) == 3 && hc.count(PacketVotesBundle) == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLocalNetworkDisconnectsMaliciousPeer(t *testing.T) {
	n := NewLocalNetwork(testNetworkConfig(), logs.Discard())
	defer n.Close()

	a := startEndpoint(t, n, "a", 10, &recordingHandler{})
	b := startEndpoint(t, n, "b", 10, &recordingHandler{err: ErrMalformedPacket})
	hc := &recordingHandler{}
	startEndpoint(t, n, "c", 10, hc)

	a.BroadcastPbftBlock(&types.PbftBlock{Period: 1})

	require.Eventually(t, func() bool {
		return len(b.Connected()) == 1 && len(a.Connected()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []types.PeerID{"c"}, b.Connected())
	require.Equal(t, []types.PeerID{"c"}, a.Connected())

	// 断开之后 a 的请求只会发给 c
	a.RequestPbftBlock(types.Hash{1})
	require.Eventually(t, func() bool { return hc.count(PacketGetPbftBlock) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestLocalNetworkTransientErrorsKeepPeer(t *testing.T) {
	cfg := testNetworkConfig()
	n := NewLocalNetwork(cfg, logs.Discard())
	defer n.Close()

	a := startEndpoint(t, n, "a", 10, &recordingHandler{})
	hb := &recordingHandler{err: errors.New("busy")}
	startEndpoint(t, n, "b", 10, hb)

	a.RequestPeriodData(3)
	require.Eventually(t, func() bool { return hb.count(PacketGetPeriodData) == 1 }, 2*time.Second, 5*time.Millisecond)

	hb.mu.Lock()
	var pkt GetPeriodDataPacket
	require.NoError(t, hb.packets[0].decodePayload(&pkt))
	hb.mu.Unlock()
	require.Equal(t, uint64(3), pkt.FromPeriod)
	require.Equal(t, uint64(cfg.SyncRequestLimit), pkt.Limit)
	require.Equal(t, []types.PeerID{"b"}, a.Connected())
}

func TestLocalNetworkStopLeaves(t *testing.T) {
	n := NewLocalNetwork(testNetworkConfig(), logs.Discard())
	defer n.Close()

	startEndpoint(t, n, "a", 10, &recordingHandler{})
	startEndpoint(t, n, "b", 10, &recordingHandler{})
	c := n.Join("c", 10)
	c.Start(context.Background(), &recordingHandler{})
	require.Equal(t, []types.PeerID{"b", "c"}, n.Peers("a"))

	c.Stop()
	require.Equal(t, []types.PeerID{"b"}, n.Peers("a"))

	// 同一 ID 重新加入后，旧端点的 Stop 不会把新端点移除
	c2 := startEndpoint(t, n, "c", 10, &recordingHandler{})
	c.Stop()
	require.Equal(t, []types.PeerID{"b", "c"}, n.Peers("a"))
	require.Equal(t, types.PeerID("c"), c2.ID())
}
