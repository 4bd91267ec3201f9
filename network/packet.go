package network

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"dagbft/types"
)

type PacketType uint8

const (
	PacketDagBlock PacketType = iota + 1
	PacketDagBlocks
	PacketVote
	PacketVotesBundle
	PacketPbftBlock
	PacketGetDagBlocks
	PacketGetPbftBlock
	PacketGetPeriodData
	PacketPeriodData
)

func (t PacketType) String() string {
	switch t {
	case PacketDagBlock:
		return "DagBlock"
	case PacketDagBlocks:
		return "DagBlocks"
	case PacketVote:
		return "Vote"
	case PacketVotesBundle:
		return "VotesBundle"
	case PacketPbftBlock:
		return "PbftBlock"
	case PacketGetDagBlocks:
		return "GetDagBlocks"
	case PacketGetPbftBlock:
		return "GetPbftBlock"
	case PacketGetPeriodData:
		return "GetPeriodData"
	case PacketPeriodData:
		return "PeriodData"
	default:
		return fmt.Sprintf("Packet(%d)", uint8(t))
	}
}

// Packet 线上帧：类型 + RLP 编码的负载
type Packet struct {
	Type    PacketType
	Payload []byte
}

type DagBlockPacket struct {
	Block *types.DagBlock
	Txs   []*types.Transaction
}

// DagBlocksPacket 补块响应，按父块在前的顺序排列
type DagBlocksPacket struct {
	Blocks []*DagBlockPacket
}

type VotePacket struct {
	Vote  *types.Vote
	Block *types.PbftBlock `rlp:"nil"` // propose/soft 票附带提案
}

type VotesBundlePacket struct {
	Votes []*types.Vote
}

type PbftBlockPacket struct {
	Block *types.PbftBlock
}

type GetDagBlocksPacket struct {
	Anchor types.Hash
}

type GetPbftBlockPacket struct {
	Hash types.Hash
}

type GetPeriodDataPacket struct {
	FromPeriod uint64
	Limit      uint64
}

type PeriodDataPacket struct {
	Data *types.PeriodData
}

// NewPacket 编码负载
func NewPacket(t PacketType, payload interface{}) (*Packet, error) {
	enc, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return &Packet{Type: t, Payload: enc}, nil
}

func (p *Packet) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(p)
}

func DecodePacket(data []byte) (*Packet, error) {
	var p Packet
	if err := rlp.DecodeBytes(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return &p, nil
}

// decodePayload 解码失败一律视为格式错误
func (p *Packet) decodePayload(dst interface{}) error {
	if err := rlp.DecodeBytes(p.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedPacket, p.Type, err)
	}
	return nil
}
