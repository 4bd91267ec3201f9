package db

import (
	"github.com/hashicorp/go-msgpack/codec"

	"dagbft/types"
)

// 非共识对象（头指针、顺序索引、参数日志）用 msgpack 落盘，
// 需要签名/哈希的对象保持 rlp 原样

func encodeMsgpack(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeMsgpack(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, &codec.MsgpackHandle{})
	return dec.Decode(v)
}

// ChainHead PBFT 链头
type ChainHead struct {
	Period       uint64
	Hash         []byte
	NonEmptySize uint64
}

type dagOrderRecord struct {
	Hashes [][]byte
}

type sortitionChangeRecord struct {
	Period         uint64
	Efficiency     uint16
	ThresholdRange uint16
	ThresholdUpper uint16
}

func hashesToBytes(hs []types.Hash) [][]byte {
	out := make([][]byte, len(hs))
	for i, h := range hs {
		out[i] = h.Bytes()
	}
	return out
}

func bytesToHashes(bs [][]byte) []types.Hash {
	out := make([]types.Hash, len(bs))
	for i, b := range bs {
		out[i] = types.Hash{}
		copy(out[i][:], b)
	}
	return out
}

func (r *sortitionChangeRecord) toChange() *types.SortitionParamsChange {
	return &types.SortitionParamsChange{
		Period:         r.Period,
		Efficiency:     r.Efficiency,
		ThresholdRange: r.ThresholdRange,
		ThresholdUpper: r.ThresholdUpper,
	}
}
