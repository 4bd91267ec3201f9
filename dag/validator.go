package dag

import (
	"errors"
	"fmt"

	"dagbft/interfaces"
	"dagbft/sortition"
	"dagbft/types"
	"dagbft/utils"
)

var (
	ErrBadBlockSignature   = errors.New("bad dag block signature")
	ErrWrongDifficulty     = errors.New("dag block difficulty does not match sortition params")
	ErrBadVrfProof         = errors.New("bad dag block vrf proof")
	ErrNotEligible         = errors.New("proposer not eligible")
	ErrDuplicateTrx        = errors.New("duplicate transaction in dag block")
	ErrStaleProposal       = errors.New("proposal period too old")
	ErrFutureProposal      = errors.New("proposal period not finalized yet")
	ErrMissingTransactions = errors.New("missing transactions")
)

// ParamsSource 按周期查询抽签参数
type ParamsSource interface {
	GetSortitionParams(period *uint64) sortition.Params
}

// Validator DAG 区块入库前的校验：签名、出块资格、交易可用性
type Validator struct {
	oracle       interfaces.StakeOracle
	chain        interfaces.ChainReader
	params       ParamsSource
	txs          interfaces.TxSource
	maxPeriodLag uint64
}

func NewValidator(oracle interfaces.StakeOracle, chain interfaces.ChainReader, params ParamsSource,
	txs interfaces.TxSource, maxPeriodLag uint64) *Validator {
	return &Validator{oracle: oracle, chain: chain, params: params, txs: txs, maxPeriodLag: maxPeriodLag}
}

// Validate 通过时返回出块人地址。ErrFutureProposal / ErrMissingTransactions 是暂时性错误
func (v *Validator) Validate(b *types.DagBlock) (types.Address, error) {
	sender, err := b.Sender()
	if err != nil {
		return types.Address{}, fmt.Errorf("%w: %v", ErrBadBlockSignature, err)
	}

	size := v.chain.Size()
	if b.ProposalPeriod > size {
		return sender, fmt.Errorf("%w: %d > %d", ErrFutureProposal, b.ProposalPeriod, size)
	}
	if v.maxPeriodLag > 0 && b.ProposalPeriod+v.maxPeriodLag < size {
		return sender, fmt.Errorf("%w: %d, chain size %d", ErrStaleProposal, b.ProposalPeriod, size)
	}
	anchor, ok := v.chain.PbftBlockHash(b.ProposalPeriod)
	if !ok {
		return sender, fmt.Errorf("%w: no pbft block at %d", ErrFutureProposal, b.ProposalPeriod)
	}

	period := b.ProposalPeriod
	params := v.params.GetSortitionParams(&period)
	if b.Difficulty != params.Vrf.ThresholdUpper {
		return sender, fmt.Errorf("%w: got %d, want %d", ErrWrongDifficulty, b.Difficulty, params.Vrf.ThresholdUpper)
	}

	pk, ok := v.oracle.GetVrfKey(sender)
	if !ok {
		return sender, fmt.Errorf("%w: no vrf key for %s", ErrNotEligible, sender.Hex())
	}
	output, err := utils.VrfVerify(pk, sortition.DagProposalSeed(anchor, b.ProposalPeriod, b.Level), b.VrfProof)
	if err != nil {
		return sender, fmt.Errorf("%w: %v", ErrBadVrfProof, err)
	}
	stake := v.oracle.GetEffectiveStake(sender, b.ProposalPeriod)
	if !sortition.IsEligible(output, sortition.ProposalThreshold(b.Difficulty), stake) {
		return sender, fmt.Errorf("%w: %s at level %d", ErrNotEligible, sender.Hex(), b.Level)
	}

	seen := make(map[types.Hash]struct{}, len(b.Trxs))
	var missing int
	for _, h := range b.Trxs {
		if _, dup := seen[h]; dup {
			return sender, fmt.Errorf("%w: %s", ErrDuplicateTrx, h.Hex())
		}
		seen[h] = struct{}{}
		if _, ok := v.txs.GetTransaction(h); !ok {
			missing++
		}
	}
	if missing > 0 {
		return sender, fmt.Errorf("%w: %d of %d", ErrMissingTransactions, missing, len(b.Trxs))
	}
	return sender, nil
}

// IsTransient 暂时性错误：等一会儿或补数据后可能通过
func IsTransient(err error) bool {
	return errors.Is(err, ErrFutureProposal) || errors.Is(err, ErrMissingTransactions) || errors.Is(err, ErrMissingParent)
}
