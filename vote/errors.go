package vote

import (
	"errors"
	"fmt"
)

var (
	ErrBadSignature        = errors.New("bad vote signature")
	ErrIneligibleSortition = errors.New("ineligible sortition")
	ErrStaleOrFuturePeriod = errors.New("vote outside acceptable window")
	ErrStaleVote           = fmt.Errorf("%w: stale", ErrStaleOrFuturePeriod)
	ErrFutureVote          = fmt.Errorf("%w: too far in the future", ErrStaleOrFuturePeriod)
	ErrUnknownAnchor       = errors.New("unknown anchor for vote period")
	ErrEquivocation        = errors.New("equivocating vote")
	ErrMalformedVote       = errors.New("malformed vote")
)

// isPermanent 结果只取决于投票本身，可以按哈希缓存
func isPermanent(err error) bool {
	return err == nil || errors.Is(err, ErrBadSignature) || errors.Is(err, ErrIneligibleSortition) ||
		errors.Is(err, ErrMalformedVote)
}

// rejectReason 指标标签
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrIneligibleSortition):
		return "ineligible"
	case errors.Is(err, ErrStaleVote):
		return "stale"
	case errors.Is(err, ErrFutureVote):
		return "future"
	case errors.Is(err, ErrUnknownAnchor):
		return "unknown_anchor"
	case errors.Is(err, ErrEquivocation):
		return "equivocation"
	case errors.Is(err, ErrMalformedVote):
		return "malformed"
	default:
		return "other"
	}
}
