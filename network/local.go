package network

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"dagbft/config"
	"dagbft/interfaces"
	"dagbft/logs"
	"dagbft/types"
)

// 补块类请求最多同时发给几个对端
const requestFanout = 3

// Handler 收包方
type Handler interface {
	Handle(from types.PeerID, data []byte) error
}

type envelope struct {
	from types.PeerID
	data []byte
}

// LocalNetwork 进程内全连接网络，按配置的延迟异步投递，不保证顺序
type LocalNetwork struct {
	mu        sync.RWMutex
	endpoints map[types.PeerID]*Endpoint
	cfg       config.NetworkConfig
	ctx       context.Context
	cancel    context.CancelFunc
	logger    logs.Logger
}

func NewLocalNetwork(cfg config.NetworkConfig, logger logs.Logger) *LocalNetwork {
	if logger == nil {
		logger = logs.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalNetwork{
		endpoints: make(map[types.PeerID]*Endpoint),
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Join 注册一个节点，Start 之后才开始处理收到的包
func (n *LocalNetwork) Join(id types.PeerID, maxVotes int) *Endpoint {
	inbox := n.cfg.InboxSize
	if inbox <= 0 {
		inbox = 4096
	}
	e := &Endpoint{
		id:       id,
		net:      n,
		inbox:    make(chan envelope, inbox),
		maxVotes: maxVotes,
		banned:   make(map[types.PeerID]struct{}),
		logger:   n.logger,
	}
	n.mu.Lock()
	n.endpoints[id] = e
	n.mu.Unlock()
	return e
}

// Leave 只移除仍是 e 本身的注册项，同一 ID 重新 Join 的端点不受影响
func (n *LocalNetwork) Leave(e *Endpoint) {
	n.mu.Lock()
	if n.endpoints[e.id] == e {
		delete(n.endpoints, e.id)
	}
	n.mu.Unlock()
}

// Peers 除 exclude 以外的全部节点，按 ID 排序
func (n *LocalNetwork) Peers(exclude types.PeerID) []types.PeerID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]types.PeerID, 0, len(n.endpoints))
	for id := range n.endpoints {
		if id != exclude {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (n *LocalNetwork) endpoint(id types.PeerID) *Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.endpoints[id]
}

// Close 丢弃所有在途的包
func (n *LocalNetwork) Close() {
	n.cancel()
}

func (n *LocalNetwork) deliver(from, to types.PeerID, data []byte) {
	go func() {
		delay := n.cfg.NetworkLatency
		if half := int64(delay / 2); half > 0 {
			delay += time.Duration(rand.Int63n(half))
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-n.ctx.Done():
				timer.Stop()
				return
			}
		}

		receiver := n.endpoint(to)
		if receiver == nil || receiver.isBanned(from) {
			return
		}
		select {
		case receiver.inbox <- envelope{from: from, data: data}:
		case <-time.After(100 * time.Millisecond):
			n.logger.Debug("[LocalNetwork] inbox of %s full, dropping packet from %s", to, from)
		case <-n.ctx.Done():
		}
	}()
}

// Endpoint 一个节点在本地网络上的收发端，实现 interfaces.Broadcaster
type Endpoint struct {
	id       types.PeerID
	net      *LocalNetwork
	inbox    chan envelope
	handler  Handler
	maxVotes int

	mu     sync.RWMutex
	banned map[types.PeerID]struct{}
	events interfaces.EventBus
	logger logs.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ interfaces.Broadcaster = (*Endpoint)(nil)

func (e *Endpoint) ID() types.PeerID { return e.id }

func (e *Endpoint) SetLogger(l logs.Logger) {
	if l != nil {
		e.logger = l
	}
}

// SetEventBus 断开恶意对端时发布事件
func (e *Endpoint) SetEventBus(bus interfaces.EventBus) {
	e.mu.Lock()
	e.events = bus
	e.mu.Unlock()
}

// Start 启动 DeliveryWorkers 个处理协程
func (e *Endpoint) Start(ctx context.Context, h Handler) {
	ctx, cancel := context.WithCancel(ctx)
	e.handler = h
	e.cancel = cancel
	workers := e.net.cfg.DeliveryWorkers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.serve(ctx)
	}
}

// Stop 退出网络并等处理协程结束
func (e *Endpoint) Stop() {
	e.net.Leave(e)
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Endpoint) serve(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-e.inbox:
			if e.isBanned(env.from) {
				continue
			}
			err := e.handler.Handle(env.from, env.data)
			if err == nil {
				continue
			}
			if IsMalicious(err) {
				e.logger.Warn("[LocalNetwork] %s: %v", e.id, err)
				if e.net.cfg.DisconnectOnBad {
					e.Disconnect(env.from)
				}
				continue
			}
			e.logger.Trace("[LocalNetwork] %s dropped packet from %s: %v (%s)", e.id, env.from, err, Classify(err))
		}
	}
}

// Disconnect 之后双向都不再投递
func (e *Endpoint) Disconnect(peer types.PeerID) {
	e.mu.Lock()
	_, already := e.banned[peer]
	e.banned[peer] = struct{}{}
	bus := e.events
	e.mu.Unlock()
	if already {
		return
	}
	if other := e.net.endpoint(peer); other != nil {
		other.mu.Lock()
		other.banned[e.id] = struct{}{}
		other.mu.Unlock()
	}
	e.logger.Warn("[LocalNetwork] %s disconnected %s", e.id, peer)
	if bus != nil {
		bus.PublishAsync(types.BaseEvent{EventType: types.EventMaliciousPeer, EventData: peer})
	}
}

func (e *Endpoint) isBanned(peer types.PeerID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.banned[peer]
	return ok
}

// Connected 当前还连着的对端
func (e *Endpoint) Connected() []types.PeerID {
	var out []types.PeerID
	for _, p := range e.net.Peers(e.id) {
		if !e.isBanned(p) {
			out = append(out, p)
		}
	}
	return out
}

// SendTo 实现 Replier
func (e *Endpoint) SendTo(to types.PeerID, p *Packet) {
	if e.isBanned(to) {
		return
	}
	data, err := p.Encode()
	if err != nil {
		e.logger.Error("[LocalNetwork] encode %s: %v", p.Type, err)
		return
	}
	e.net.deliver(e.id, to, data)
}

func (e *Endpoint) send(to []types.PeerID, t PacketType, payload interface{}) {
	p, err := NewPacket(t, payload)
	if err != nil {
		e.logger.Error("[LocalNetwork] %v", err)
		return
	}
	for _, peer := range to {
		e.SendTo(peer, p)
	}
}

func (e *Endpoint) sample() []types.PeerID {
	peers := e.Connected()
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if len(peers) > requestFanout {
		peers = peers[:requestFanout]
	}
	return peers
}

func (e *Endpoint) BroadcastVote(v *types.Vote, block *types.PbftBlock) {
	e.send(e.Connected(), PacketVote, &VotePacket{Vote: v, Block: block})
}

// BroadcastVotesBundle 超过单包上限时拆成多个包
func (e *Endpoint) BroadcastVotesBundle(votes []*types.Vote) {
	if len(votes) == 0 {
		return
	}
	peers := e.Connected()
	size := e.maxVotes
	if size <= 0 {
		size = len(votes)
	}
	for start := 0; start < len(votes); start += size {
		end := start + size
		if end > len(votes) {
			end = len(votes)
		}
		e.send(peers, PacketVotesBundle, &VotesBundlePacket{Votes: votes[start:end]})
	}
}

func (e *Endpoint) BroadcastPbftBlock(block *types.PbftBlock) {
	e.send(e.Connected(), PacketPbftBlock, &PbftBlockPacket{Block: block})
}

func (e *Endpoint) BroadcastDagBlock(block *types.DagBlock, txs []*types.Transaction) {
	e.send(e.Connected(), PacketDagBlock, &DagBlockPacket{Block: block, Txs: txs})
}

func (e *Endpoint) RequestMissingDagBlocks(anchor types.Hash) {
	e.send(e.sample(), PacketGetDagBlocks, &GetDagBlocksPacket{Anchor: anchor})
}

func (e *Endpoint) RequestPbftBlock(hash types.Hash) {
	e.send(e.sample(), PacketGetPbftBlock, &GetPbftBlockPacket{Hash: hash})
}

func (e *Endpoint) RequestPeriodData(fromPeriod uint64) {
	limit := e.net.cfg.SyncRequestLimit
	if limit <= 0 {
		limit = 16
	}
	e.send(e.sample(), PacketGetPeriodData, &GetPeriodDataPacket{FromPeriod: fromPeriod, Limit: uint64(limit)})
}
