package types

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/rlp"

	"dagbft/utils"
)

// DagBlock DAG 区块，签名之后不可变
type DagBlock struct {
	Pivot          Hash
	Tips           []Hash
	Level          uint64
	Trxs           []Hash
	ProposalPeriod uint64 // 抽签种子所用的 PBFT 周期
	VrfProof       []byte
	Difficulty     uint16 // 出块时生效的 VRF ThresholdUpper
	Timestamp      uint64
	Signature      []byte
}

type dagBlockUnsigned struct {
	Pivot          Hash
	Tips           []Hash
	Level          uint64
	Trxs           []Hash
	ProposalPeriod uint64
	VrfProof       []byte
	Difficulty     uint16
	Timestamp      uint64
}

// SigningHash 签名覆盖除签名本身以外的所有字段
func (b *DagBlock) SigningHash() Hash {
	enc, _ := rlp.EncodeToBytes(&dagBlockUnsigned{
		Pivot:          b.Pivot,
		Tips:           b.Tips,
		Level:          b.Level,
		Trxs:           b.Trxs,
		ProposalPeriod: b.ProposalPeriod,
		VrfProof:       b.VrfProof,
		Difficulty:     b.Difficulty,
		Timestamp:      b.Timestamp,
	})
	return utils.Keccak256(enc)
}

// Hash 区块哈希是全部字段（含签名）的纯函数
func (b *DagBlock) Hash() Hash {
	enc, _ := rlp.EncodeToBytes(b)
	return utils.Keccak256(enc)
}

func (b *DagBlock) Sign(priv *secp256k1.PrivateKey) {
	b.Signature = utils.Sign(priv, b.SigningHash())
}

// Sender 从签名恢复出块人
func (b *DagBlock) Sender() (Address, error) {
	return utils.RecoverAddress(b.SigningHash(), b.Signature)
}

// Parents pivot 在前，其后是 tips
func (b *DagBlock) Parents() []Hash {
	out := make([]Hash, 0, 1+len(b.Tips))
	out = append(out, b.Pivot)
	return append(out, b.Tips...)
}

func (b *DagBlock) String() string {
	return fmt.Sprintf("DagBlock{hash=%s level=%d pivot=%s tips=%d trxs=%d}",
		b.Hash().TerminalString(), b.Level, b.Pivot.TerminalString(), len(b.Tips), len(b.Trxs))
}

func (b *DagBlock) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(b)
}

func DecodeDagBlock(data []byte) (*DagBlock, error) {
	var b DagBlock
	if err := rlp.DecodeBytes(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// NewGenesisBlock 创世块：level 0，没有父块
func NewGenesisBlock(timestamp uint64) *DagBlock {
	return &DagBlock{Level: 0, Timestamp: timestamp}
}
