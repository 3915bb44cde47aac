package state

import (
	"sort"

	"PerpSim/internal/event"
)

// Snapshot is a point-in-time, serializable view of pool and agents.
type Snapshot struct {
	Step      int64              `json:"step"`
	TVL       float64            `json:"tvl"`
	LPShares  float64            `json:"lp_shares"`
	Assets    []AssetSnapshot    `json:"assets"`
	Providers []ProviderSnapshot `json:"providers"`
	Traders   []TraderSnapshot   `json:"traders"`
}

type AssetSnapshot struct {
	Symbol string `json:"symbol"`
	Class  string `json:"class"`
	AssetBook
}

type ProviderSnapshot struct {
	ID        string             `json:"id"`
	Genesis   bool               `json:"genesis"`
	PoolShare float64            `json:"pool_share"`
	Funds     map[string]float64 `json:"funds"`
	Liquidity map[string]float64 `json:"liquidity"`
}

type PositionSnapshot struct {
	Asset          string  `json:"asset"`
	Side           string  `json:"side"`
	Quantity       float64 `json:"quantity"`
	EntryPrice     float64 `json:"entry_price"`
	Collateral     float64 `json:"collateral"`
	Denomination   string  `json:"denomination"`
	LastUpdateStep int64   `json:"last_update_step"`
}

type TraderSnapshot struct {
	ID        string             `json:"id"`
	PnL       float64            `json:"pnl"`
	Liquidity map[string]float64 `json:"liquidity"`
	Positions []PositionSnapshot `json:"positions"`
}

// TakeSnapshot copies the current state. Positions are listed in asset
// order, longs before shorts.
func TakeSnapshot(step int64, pool *Pool, reg *Registry) *Snapshot {
	s := &Snapshot{
		Step:     step,
		TVL:      pool.TVL(),
		LPShares: pool.LPShares,
	}

	for _, a := range pool.Assets() {
		s.Assets = append(s.Assets, AssetSnapshot{
			Symbol:    string(a.Symbol),
			Class:     a.Class.String(),
			AssetBook: *pool.Book(a.Symbol),
		})
	}

	for _, p := range reg.Providers() {
		s.Providers = append(s.Providers, ProviderSnapshot{
			ID:        p.ID.String(),
			Genesis:   p.Genesis,
			PoolShare: p.PoolShare,
			Funds:     amountsByName(p.Funds),
			Liquidity: amountsByName(p.Liquidity),
		})
	}

	for _, t := range reg.Traders() {
		ts := TraderSnapshot{
			ID:        t.ID.String(),
			PnL:       t.PnL,
			Liquidity: amountsByName(t.Liquidity),
		}
		for _, a := range pool.Assets() {
			if pos := t.Longs[a.Symbol]; pos != nil {
				ts.Positions = append(ts.Positions, PositionSnapshot{
					Asset:          string(a.Symbol),
					Side:           event.SideLong.String(),
					Quantity:       pos.Quantity,
					EntryPrice:     pos.EntryPrice,
					Collateral:     pos.Collateral,
					Denomination:   string(a.Symbol),
					LastUpdateStep: pos.LastUpdateStep,
				})
			}
			if pos := t.Shorts[a.Symbol]; pos != nil {
				ts.Positions = append(ts.Positions, PositionSnapshot{
					Asset:          string(a.Symbol),
					Side:           event.SideShort.String(),
					Quantity:       pos.Quantity,
					EntryPrice:     pos.EntryPrice,
					Collateral:     pos.Collateral,
					Denomination:   string(pos.Denomination),
					LastUpdateStep: pos.LastUpdateStep,
				})
			}
		}
		s.Traders = append(s.Traders, ts)
	}

	return s
}

func amountsByName(m map[event.Asset]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

// CanonicalBytes serializes pool and agents deterministically for hashing.
// Map-backed fields are walked in asset or registry order.
func CanonicalBytes(pool *Pool, reg *Registry) []byte {
	assets := pool.Assets()
	buf := make([]byte, 0, 256+len(assets)*96)

	buf = appendFloat64LE(buf, pool.LPShares)
	for _, a := range assets {
		b := pool.Book(a.Symbol)
		buf = append(buf, byte(len(a.Symbol)))
		buf = append(buf, []byte(a.Symbol)...)
		for _, v := range []float64{b.Holdings, b.OILong, b.OIShort, b.ShortInterest, b.FeesCollected, b.Volume, b.Yield} {
			buf = appendFloat64LE(buf, v)
		}
	}

	for _, p := range reg.Providers() {
		buf = append(buf, p.ID[:]...)
		buf = appendFloat64LE(buf, p.PoolShare)
		lps, _ := pool.LPContribution(p.ID)
		for _, a := range assets {
			buf = appendFloat64LE(buf, p.Funds[a.Symbol])
			buf = appendFloat64LE(buf, p.Liquidity[a.Symbol])
			buf = appendFloat64LE(buf, lps[a.Symbol])
		}
	}

	for _, t := range reg.Traders() {
		buf = append(buf, t.ID[:]...)
		buf = appendFloat64LE(buf, t.PnL)
		for _, a := range assets {
			buf = appendFloat64LE(buf, t.Liquidity[a.Symbol])
			if pos := t.Longs[a.Symbol]; pos != nil {
				buf = append(buf, 'L')
				buf = append(buf, pos.CanonicalBytes()...)
			}
			if pos := t.Shorts[a.Symbol]; pos != nil {
				buf = append(buf, 'S')
				buf = append(buf, pos.CanonicalBytes()...)
			}
		}
	}

	return buf
}

// SortedAssets returns asset names sorted, for callers that need a stable
// order over an amounts map.
func SortedAssets(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
