package network

import (
	"fmt"
	mrand "math/rand"

	lru "github.com/hashicorp/golang-lru"

	"dagbft/logs"
	"dagbft/stats"
	"dagbft/types"
	"dagbft/utils"
	"dagbft/vote"
)

// Backend 包处理器背后的节点能力
type Backend interface {
	OnNewDagBlock(block *types.DagBlock, txs []*types.Transaction, from types.PeerID) error
	OnNewVote(v *types.Vote, block *types.PbftBlock, from types.PeerID) error
	OnNewVotesBundle(votes []*types.Vote, from types.PeerID) error
	OnNewPbftBlockProposal(block *types.PbftBlock, from types.PeerID) error
	OnPeriodData(pd *types.PeriodData, from types.PeerID) error

	// 请求类包的数据来源
	DagHistory(anchor types.Hash) ([]*types.DagBlock, [][]*types.Transaction, error)
	PbftBlock(hash types.Hash) (*types.PbftBlock, bool)
	PeriodData(fromPeriod uint64, limit int) ([]*types.PeriodData, error)
}

// Replier 请求类包的应答通道
type Replier interface {
	SendTo(to types.PeerID, p *Packet)
}

// PacketHandler 单一类型包的处理函数
type PacketHandler func(from types.PeerID, p *Packet) error

// Dispatcher 解包后按类型分发；重复的广播包直接跳过
type Dispatcher struct {
	backend  Backend
	replier  Replier
	handlers map[PacketType]PacketHandler

	maxVotes     int
	maxSyncBatch int
	seen         *lru.Cache // 广播包的 siphash
	k0, k1       uint64
	Stats        *stats.Stats
	Logger       logs.Logger
}

func NewDispatcher(backend Backend, replier Replier, maxVotes, maxSyncBatch int, st *stats.Stats, logger logs.Logger) *Dispatcher {
	if logger == nil {
		logger = logs.Default()
	}
	if maxSyncBatch <= 0 {
		maxSyncBatch = 16
	}
	seen, _ := lru.New(100000)
	d := &Dispatcher{
		backend:      backend,
		replier:      replier,
		maxVotes:     maxVotes,
		maxSyncBatch: maxSyncBatch,
		seen:         seen,
		k0:           mrand.Uint64(),
		k1:           mrand.Uint64(),
		Stats:        st,
		Logger:       logger,
	}
	d.handlers = map[PacketType]PacketHandler{
		PacketDagBlock:      d.handleDagBlock,
		PacketDagBlocks:     d.handleDagBlocks,
		PacketVote:          d.handleVote,
		PacketVotesBundle:   d.handleVotesBundle,
		PacketPbftBlock:     d.handlePbftBlock,
		PacketGetDagBlocks:  d.handleGetDagBlocks,
		PacketGetPbftBlock:  d.handleGetPbftBlock,
		PacketGetPeriodData: d.handleGetPeriodData,
		PacketPeriodData:    d.handlePeriodData,
	}
	return d
}

// Handle 返回的错误用 Classify 判断是否要断开对端
func (d *Dispatcher) Handle(from types.PeerID, data []byte) error {
	p, err := DecodePacket(data)
	if err != nil {
		return err
	}
	h, ok := d.handlers[p.Type]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPacket, uint8(p.Type))
	}
	if d.Stats != nil {
		d.Stats.RecordAPICall(p.Type.String())
	}
	var key uint64
	gossip := isGossip(p.Type)
	if gossip {
		key = utils.SipHash(d.k0, d.k1, []byte{byte(p.Type)}, p.Payload)
		if d.seen.Contains(key) {
			return nil
		}
		d.seen.Add(key, struct{}{})
	}
	if err := h(from, p); err != nil {
		// 暂时性失败的包允许之后再收一次
		if gossip && Classify(err) == ClassTransient {
			d.seen.Remove(key)
		}
		if IsMalicious(err) {
			return fmt.Errorf("%w: %s from %s: %w", ErrMaliciousPeer, p.Type, from, err)
		}
		return err
	}
	return nil
}

func isGossip(t PacketType) bool {
	switch t {
	case PacketDagBlock, PacketVote, PacketVotesBundle, PacketPbftBlock:
		return true
	}
	return false
}

func (d *Dispatcher) handleDagBlock(from types.PeerID, p *Packet) error {
	var pkt DagBlockPacket
	if err := p.decodePayload(&pkt); err != nil {
		return err
	}
	if pkt.Block == nil {
		return fmt.Errorf("%w: empty dag block", ErrMalformedPacket)
	}
	return d.backend.OnNewDagBlock(pkt.Block, pkt.Txs, from)
}

// handleDagBlocks 补块响应逐个入库，缺父块等暂时性错误不打断后续区块
func (d *Dispatcher) handleDagBlocks(from types.PeerID, p *Packet) error {
	var pkt DagBlocksPacket
	if err := p.decodePayload(&pkt); err != nil {
		return err
	}
	var firstErr error
	for _, b := range pkt.Blocks {
		if b == nil || b.Block == nil {
			return fmt.Errorf("%w: empty dag block in batch", ErrMalformedPacket)
		}
		err := d.backend.OnNewDagBlock(b.Block, b.Txs, from)
		if IsMalicious(err) {
			return err
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Dispatcher) handleVote(from types.PeerID, p *Packet) error {
	var pkt VotePacket
	if err := p.decodePayload(&pkt); err != nil {
		return err
	}
	if pkt.Vote == nil {
		return fmt.Errorf("%w: empty vote", ErrMalformedPacket)
	}
	return d.backend.OnNewVote(pkt.Vote, pkt.Block, from)
}

// handleVotesBundle 格式不合规的票包直接判为恶意
func (d *Dispatcher) handleVotesBundle(from types.PeerID, p *Packet) error {
	var pkt VotesBundlePacket
	if err := p.decodePayload(&pkt); err != nil {
		return err
	}
	if err := vote.CheckBundle(pkt.Votes, d.maxVotes); err != nil {
		return err
	}
	return d.backend.OnNewVotesBundle(pkt.Votes, from)
}

func (d *Dispatcher) handlePbftBlock(from types.PeerID, p *Packet) error {
	var pkt PbftBlockPacket
	if err := p.decodePayload(&pkt); err != nil {
		return err
	}
	if pkt.Block == nil {
		return fmt.Errorf("%w: empty pbft block", ErrMalformedPacket)
	}
	return d.backend.OnNewPbftBlockProposal(pkt.Block, from)
}

func (d *Dispatcher) handleGetDagBlocks(from types.PeerID, p *Packet) error {
	var pkt GetDagBlocksPacket
	if err := p.decodePayload(&pkt); err != nil {
		return err
	}
	blocks, txs, err := d.backend.DagHistory(pkt.Anchor)
	if err != nil {
		d.Logger.Debug("[Dispatcher] no dag history of %s for %s: %v", pkt.Anchor.TerminalString(), from, err)
		return nil
	}
	resp := &DagBlocksPacket{Blocks: make([]*DagBlockPacket, 0, len(blocks))}
	for i, b := range blocks {
		resp.Blocks = append(resp.Blocks, &DagBlockPacket{Block: b, Txs: txs[i]})
	}
	return d.reply(from, PacketDagBlocks, resp)
}

func (d *Dispatcher) handleGetPbftBlock(from types.PeerID, p *Packet) error {
	var pkt GetPbftBlockPacket
	if err := p.decodePayload(&pkt); err != nil {
		return err
	}
	block, ok := d.backend.PbftBlock(pkt.Hash)
	if !ok {
		return nil
	}
	return d.reply(from, PacketPbftBlock, &PbftBlockPacket{Block: block})
}

func (d *Dispatcher) handleGetPeriodData(from types.PeerID, p *Packet) error {
	var pkt GetPeriodDataPacket
	if err := p.decodePayload(&pkt); err != nil {
		return err
	}
	limit := d.maxSyncBatch
	if pkt.Limit > 0 && int(pkt.Limit) < limit {
		limit = int(pkt.Limit)
	}
	data, err := d.backend.PeriodData(pkt.FromPeriod, limit)
	if err != nil {
		return nil
	}
	for _, pd := range data {
		if err := d.reply(from, PacketPeriodData, &PeriodDataPacket{Data: pd}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) handlePeriodData(from types.PeerID, p *Packet) error {
	var pkt PeriodDataPacket
	if err := p.decodePayload(&pkt); err != nil {
		return err
	}
	if pkt.Data == nil || pkt.Data.PbftBlock == nil {
		return fmt.Errorf("%w: period data without pbft block", ErrMalformedPacket)
	}
	return d.backend.OnPeriodData(pkt.Data, from)
}

func (d *Dispatcher) reply(to types.PeerID, t PacketType, payload interface{}) error {
	if d.replier == nil {
		return nil
	}
	p, err := NewPacket(t, payload)
	if err != nil {
		return err
	}
	d.replier.SendTo(to, p)
	return nil
}
