package types

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/rlp"

	"dagbft/utils"
)

type VoteType uint8

const (
	ProposeVote VoteType = iota
	SoftVote
	CertVote
	NextVote
)

func (t VoteType) String() string {
	switch t {
	case ProposeVote:
		return "propose"
	case SoftVote:
		return "soft"
	case CertVote:
		return "cert"
	case NextVote:
		return "next"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// PBFT 步骤编号
const (
	StepPropose   uint64 = 1
	StepSoft      uint64 = 2
	StepCert      uint64 = 3
	StepFirstNext uint64 = 4
)

// VoteTypeForStep 1 propose, 2 soft, 3 cert, 4 及以后 next
func VoteTypeForStep(step uint64) VoteType {
	switch step {
	case StepPropose:
		return ProposeVote
	case StepSoft:
		return SoftVote
	case StepCert:
		return CertVote
	default:
		return NextVote
	}
}

// Vote 某个验证者在 (period, round, step) 上的表态
type Vote struct {
	Type      VoteType
	Period    uint64
	Round     uint64
	Step      uint64
	BlockHash Hash // NullBlockHash 表示投给"无值"
	VrfProof  []byte
	Signature []byte
}

type voteUnsigned struct {
	Type      VoteType
	Period    uint64
	Round     uint64
	Step      uint64
	BlockHash Hash
	VrfProof  []byte
}

func (v *Vote) SigningHash() Hash {
	enc, _ := rlp.EncodeToBytes(&voteUnsigned{
		Type:      v.Type,
		Period:    v.Period,
		Round:     v.Round,
		Step:      v.Step,
		BlockHash: v.BlockHash,
		VrfProof:  v.VrfProof,
	})
	return utils.Keccak256(enc)
}

func (v *Vote) Hash() Hash {
	enc, _ := rlp.EncodeToBytes(v)
	return utils.Keccak256(enc)
}

func (v *Vote) Sign(priv *secp256k1.PrivateKey) {
	v.Signature = utils.Sign(priv, v.SigningHash())
}

func (v *Vote) Voter() (Address, error) {
	return utils.RecoverAddress(v.SigningHash(), v.Signature)
}

func (v *Vote) IsNull() bool {
	return v.BlockHash == NullBlockHash
}

func (v *Vote) String() string {
	return fmt.Sprintf("Vote{%s p=%d r=%d s=%d block=%s}",
		v.Type, v.Period, v.Round, v.Step, v.BlockHash.TerminalString())
}

func DecodeVote(data []byte) (*Vote, error) {
	var v Vote
	if err := rlp.DecodeBytes(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
