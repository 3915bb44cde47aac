package state

// SkipReason explains why a proposed action was not committed.
// Skips are outcomes, not errors.
type SkipReason int32

const (
	SkipNone SkipReason = iota
	SkipSpreadProblem
	SkipBelowMinAction
	SkipFeeRejected
	SkipFeeHardCap
	SkipFeeSoftBand
	SkipInsufficientFunds
	SkipInsufficientLiquidity
	SkipPoolCapacity
	SkipNoContribution
	SkipInsufficientShares
	SkipRatioBound
	SkipBlockedByClose
	SkipSizing
	SkipCollateralSwap
	SkipUnknownAsset
)

func (r SkipReason) String() string {
	switch r {
	case SkipNone:
		return "none"
	case SkipSpreadProblem:
		return "spread_problem"
	case SkipBelowMinAction:
		return "below_min_action"
	case SkipFeeRejected:
		return "fee_rejected"
	case SkipFeeHardCap:
		return "fee_hard_cap"
	case SkipFeeSoftBand:
		return "fee_soft_band"
	case SkipInsufficientFunds:
		return "insufficient_funds"
	case SkipInsufficientLiquidity:
		return "insufficient_liquidity"
	case SkipPoolCapacity:
		return "pool_capacity"
	case SkipNoContribution:
		return "no_contribution"
	case SkipInsufficientShares:
		return "insufficient_shares"
	case SkipRatioBound:
		return "ratio_bound"
	case SkipBlockedByClose:
		return "blocked_by_close"
	case SkipSizing:
		return "sizing"
	case SkipCollateralSwap:
		return "collateral_swap"
	case SkipUnknownAsset:
		return "unknown_asset"
	default:
		return "unknown"
	}
}

// AllSkipReasons lists every non-none reason in declaration order.
func AllSkipReasons() []SkipReason {
	out := make([]SkipReason, 0, int(SkipUnknownAsset))
	for r := SkipSpreadProblem; r <= SkipUnknownAsset; r++ {
		out = append(out, r)
	}
	return out
}
