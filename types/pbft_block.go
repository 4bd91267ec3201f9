package types

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/rlp"

	"dagbft/utils"
)

// 交易执行模式
const (
	TrxModeSequential uint8 = 1
)

// Schedule DAG 区块顺序 + 去重后每笔交易的执行模式
type Schedule struct {
	DagBlocksOrder []Hash
	TrxModes       []uint8
}

// PbftBlock 最终性单元
type PbftBlock struct {
	PrevBlockHash Hash
	PivotDagHash  Hash // 锚点，NullBlockHash 表示空块
	Schedule      Schedule
	Period        uint64
	Height        uint64 // 非空 PBFT 块的累计个数
	Timestamp     uint64
	Beneficiary   Address
	Signature     []byte
}

type pbftBlockUnsigned struct {
	PrevBlockHash Hash
	PivotDagHash  Hash
	Schedule      Schedule
	Period        uint64
	Height        uint64
	Timestamp     uint64
	Beneficiary   Address
}

func (b *PbftBlock) SigningHash() Hash {
	enc, _ := rlp.EncodeToBytes(&pbftBlockUnsigned{
		PrevBlockHash: b.PrevBlockHash,
		PivotDagHash:  b.PivotDagHash,
		Schedule:      b.Schedule,
		Period:        b.Period,
		Height:        b.Height,
		Timestamp:     b.Timestamp,
		Beneficiary:   b.Beneficiary,
	})
	return utils.Keccak256(enc)
}

func (b *PbftBlock) Hash() Hash {
	enc, _ := rlp.EncodeToBytes(b)
	return utils.Keccak256(enc)
}

func (b *PbftBlock) Sign(priv *secp256k1.PrivateKey) {
	b.Signature = utils.Sign(priv, b.SigningHash())
}

func (b *PbftBlock) Sender() (Address, error) {
	return utils.RecoverAddress(b.SigningHash(), b.Signature)
}

func (b *PbftBlock) HasAnchor() bool {
	return b.PivotDagHash != NullBlockHash
}

func (b *PbftBlock) String() string {
	return fmt.Sprintf("PbftBlock{hash=%s period=%d height=%d anchor=%s dag=%d}",
		b.Hash().TerminalString(), b.Period, b.Height, b.PivotDagHash.TerminalString(), len(b.Schedule.DagBlocksOrder))
}

func DecodePbftBlock(data []byte) (*PbftBlock, error) {
	var b PbftBlock
	if err := rlp.DecodeBytes(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// PeriodData 一个已最终确定周期的全部数据：PBFT 块、cert 票、按顺序的 DAG 块和交易
type PeriodData struct {
	PbftBlock    *PbftBlock
	CertVotes    []*Vote
	DagBlocks    []*DagBlock
	Transactions []*Transaction
}

func (pd *PeriodData) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(pd)
}

func DecodePeriodData(data []byte) (*PeriodData, error) {
	var pd PeriodData
	if err := rlp.DecodeBytes(data, &pd); err != nil {
		return nil, err
	}
	if pd.PbftBlock == nil {
		return nil, fmt.Errorf("period data without pbft block")
	}
	return &pd, nil
}

// SortitionParamsChange 抽签参数变更记录，从 Period 开始生效
type SortitionParamsChange struct {
	Period         uint64
	Efficiency     uint16 // 基点
	ThresholdRange uint16
	ThresholdUpper uint16
}
