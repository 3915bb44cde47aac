package state

import (
	"fmt"

	"PerpSim/internal/event"
)

// RiskParams defines leverage and liquidation limits per coin
type RiskParams struct {
	Asset                event.Asset
	MaxMargin            float64 // Maximum leverage multiple on collateral
	LiquidationThreshold float64 // Minimum payout per unit of quantity
}

var (
	// Default risk params for the reference asset set
	DefaultRiskParams = map[event.Asset]*RiskParams{
		"BTC": {Asset: "BTC", MaxMargin: 50, LiquidationThreshold: 0.02},
		"ETH": {Asset: "ETH", MaxMargin: 50, LiquidationThreshold: 0.02},
		"SOL": {Asset: "SOL", MaxMargin: 50, LiquidationThreshold: 0.02},
	}
)

// RiskParamsManager manages risk parameters
type RiskParamsManager struct {
	params map[event.Asset]*RiskParams
}

// NewRiskParamsManager starts from the defaults; overrides replace them.
func NewRiskParamsManager(overrides ...*RiskParams) (*RiskParamsManager, error) {
	params := make(map[event.Asset]*RiskParams)
	for k, v := range DefaultRiskParams {
		cp := *v
		params[k] = &cp
	}

	rpm := &RiskParamsManager{params: params}
	for _, p := range overrides {
		if err := rpm.UpdateRiskParams(p); err != nil {
			return nil, err
		}
	}
	return rpm, nil
}

func (rpm *RiskParamsManager) GetRiskParams(asset event.Asset) (*RiskParams, bool) {
	params, ok := rpm.params[asset]
	return params, ok
}

// ValidateRiskParams checks that risk parameters are within valid ranges:
// max_margin > 0, liquidation_threshold >= 0.
func ValidateRiskParams(params *RiskParams) error {
	if params.MaxMargin <= 0 {
		return fmt.Errorf("max_margin must be > 0, got %g", params.MaxMargin)
	}
	if params.LiquidationThreshold < 0 {
		return fmt.Errorf("liquidation_threshold must be >= 0, got %g", params.LiquidationThreshold)
	}
	return nil
}

func (rpm *RiskParamsManager) UpdateRiskParams(params *RiskParams) error {
	if err := ValidateRiskParams(params); err != nil {
		return fmt.Errorf("invalid risk params for %s: %w", params.Asset, err)
	}
	rpm.params[params.Asset] = params
	return nil
}
