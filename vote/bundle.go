package vote

import (
	"errors"
	"fmt"

	"dagbft/types"
)

var ErrMalformedBundle = errors.New("malformed votes bundle")

// CheckBundle 同步包的格式规则：1..maxVotes 张票，同类型/周期/轮次，不允许 propose 票；
// next 票包里可以混有空值和唯一一个非空值，其他票包只能有一个值
func CheckBundle(votes []*types.Vote, maxVotes int) error {
	if len(votes) == 0 || (maxVotes > 0 && len(votes) > maxVotes) {
		return fmt.Errorf("%w: %d votes", ErrMalformedBundle, len(votes))
	}
	ref := votes[0]
	if ref.Type == types.ProposeVote {
		return fmt.Errorf("%w: propose votes", ErrMalformedBundle)
	}
	var nonNull types.Hash
	for _, v := range votes {
		if v.Type != ref.Type {
			return fmt.Errorf("%w: mixed types %s/%s", ErrMalformedBundle, ref.Type, v.Type)
		}
		if v.Period != ref.Period || v.Round != ref.Round {
			return fmt.Errorf("%w: mixed period/round", ErrMalformedBundle)
		}
		if ref.Type == types.NextVote {
			if v.IsNull() {
				continue
			}
			if nonNull == (types.Hash{}) {
				nonNull = v.BlockHash
			} else if v.BlockHash != nonNull {
				return fmt.Errorf("%w: next votes for %s and %s", ErrMalformedBundle,
					nonNull.TerminalString(), v.BlockHash.TerminalString())
			}
			continue
		}
		if v.BlockHash != ref.BlockHash {
			return fmt.Errorf("%w: votes for %s and %s", ErrMalformedBundle,
				ref.BlockHash.TerminalString(), v.BlockHash.TerminalString())
		}
	}
	return nil
}
