package event

import (
	"fmt"
	"strings"
)

// Asset identifies a pool token by symbol (e.g. "BTC", "USDC").
type Asset string

// AssetClass separates spread-quoted coins from single-price stables.
type AssetClass int32

const (
	AssetClassUnknown AssetClass = iota
	AssetClassCoin
	AssetClassStable
)

func (c AssetClass) String() string {
	switch c {
	case AssetClassCoin:
		return "coin"
	case AssetClassStable:
		return "stable"
	default:
		return "unknown"
	}
}

// ParseAssetClass accepts "coin" or "stable" (case-insensitive).
func ParseAssetClass(s string) (AssetClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coin":
		return AssetClassCoin, nil
	case "stable":
		return AssetClassStable, nil
	default:
		return AssetClassUnknown, fmt.Errorf("unknown asset class %q", s)
	}
}

// AssetSpec is the static description of one pool asset.
type AssetSpec struct {
	Symbol Asset
	Class  AssetClass
}

func (a AssetSpec) IsCoin() bool   { return a.Class == AssetClassCoin }
func (a AssetSpec) IsStable() bool { return a.Class == AssetClassStable }
