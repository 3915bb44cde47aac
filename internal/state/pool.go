package state

import (
	"fmt"
	"math"

	"PerpSim/internal/event"
	fmath "PerpSim/internal/math"

	"github.com/google/uuid"
)

// GenesisFeeShare is the fraction of every collected fee routed to the
// genesis provider. The remainder stays in pool holdings.
const GenesisFeeShare = 0.3

// AssetParams is the static per-asset pool configuration.
type AssetParams struct {
	Spec            event.AssetSpec
	Bounds          fmath.RatioBounds
	SwapBaseFee     float64
	UtilizationMult float64
}

// AssetBook is the per-asset ledger of the pool.
type AssetBook struct {
	Holdings      float64 `json:"holdings"`
	OILong        float64 `json:"oi_long"`
	OIShort       float64 `json:"oi_short"`
	ShortInterest float64 `json:"short_interest"` // Stables only: notional reserved by open shorts
	FeesCollected float64 `json:"fees_collected"`
	Volume        float64 `json:"volume"`
	Yield         float64 `json:"yield"`
	Ratio         float64 `json:"ratio"`         // Cached by UpdateRatios
	OpenPnLLong   float64 `json:"open_pnl_long"` // Pool perspective: negative when longs are in profit
	OpenPnLShort  float64 `json:"open_pnl_short"`
}

// ContractOI tracks quantity-weighted entry and collateral prices per coin.
type ContractOI struct {
	OILong             float64
	AvgPriceLong       float64
	TotCollateral      float64
	AvgCollateralPrice float64
	OIShort            float64
	AvgPriceShort      float64
}

// Availability is the result of a capacity check. It is a value, not an error.
type Availability struct {
	Asset     event.Asset
	Requested float64
	Available float64
}

func (a Availability) Sufficient() bool {
	return a.Requested <= a.Available
}

// Pool is the shared liquidity venue.
// Every mechanism mutates it in place within a step; readers see prior writes.
type Pool struct {
	assets    []event.AssetSpec
	params    map[event.Asset]AssetParams
	books     map[event.Asset]*AssetBook
	contracts map[event.Asset]*ContractOI

	LPShares float64

	// provider -> asset -> contributed amount
	lps map[uuid.UUID]map[event.Asset]float64

	LongLoans  *LoanBook
	ShortLoans *LoanBook

	tvl float64
}

// NewPool builds an empty pool over assets in declared order.
func NewPool(params []AssetParams, lpShares float64) (*Pool, error) {
	p := &Pool{
		assets:     make([]event.AssetSpec, 0, len(params)),
		params:     make(map[event.Asset]AssetParams, len(params)),
		books:      make(map[event.Asset]*AssetBook, len(params)),
		contracts:  make(map[event.Asset]*ContractOI),
		LPShares:   lpShares,
		lps:        make(map[uuid.UUID]map[event.Asset]float64),
		LongLoans:  NewLoanBook(),
		ShortLoans: NewLoanBook(),
	}

	for _, ap := range params {
		if _, dup := p.params[ap.Spec.Symbol]; dup {
			return nil, fmt.Errorf("duplicate asset %s", ap.Spec.Symbol)
		}
		if err := ap.Bounds.Validate(); err != nil {
			return nil, fmt.Errorf("asset %s: %w", ap.Spec.Symbol, err)
		}
		p.assets = append(p.assets, ap.Spec)
		p.params[ap.Spec.Symbol] = ap
		p.books[ap.Spec.Symbol] = &AssetBook{}
		if ap.Spec.IsCoin() {
			p.contracts[ap.Spec.Symbol] = &ContractOI{}
		}
	}

	return p, nil
}

// Assets returns the asset specs in declared order.
func (p *Pool) Assets() []event.AssetSpec {
	return p.assets
}

// Stables returns the stable assets in declared order.
func (p *Pool) Stables() []event.Asset {
	var out []event.Asset
	for _, a := range p.assets {
		if a.IsStable() {
			out = append(out, a.Symbol)
		}
	}
	return out
}

func (p *Pool) Spec(a event.Asset) (event.AssetSpec, bool) {
	ap, ok := p.params[a]
	return ap.Spec, ok
}

func (p *Pool) Params(a event.Asset) AssetParams {
	return p.params[a]
}

// Book returns the mutable ledger for an asset, or nil if unknown.
func (p *Pool) Book(a event.Asset) *AssetBook {
	return p.books[a]
}

// Contract returns the contract-OI accumulators for a coin, or nil.
func (p *Pool) Contract(a event.Asset) *ContractOI {
	return p.contracts[a]
}

// TVL is the value cached by the last UpdateRatios.
func (p *Pool) TVL() float64 {
	return p.tvl
}

func (p *Pool) Ratio(a event.Asset) float64 {
	if b := p.books[a]; b != nil {
		return b.Ratio
	}
	return 0
}

// TVLAt values holdings at one side of each quote.
func (p *Pool) TVLAt(prices event.Quotes, side event.PriceSide) float64 {
	var tvl float64
	for _, a := range p.assets {
		tvl += p.books[a.Symbol].Holdings * prices.At(a.Symbol, side)
	}
	return tvl
}

// UpdateRatios recomputes TVL at low prices and every asset's allocation
// ratio. It only writes the cached fields, so repeated calls are idempotent.
func (p *Pool) UpdateRatios(prices event.Quotes) {
	p.tvl = p.TVLAt(prices, event.PriceSideLow)
	for _, a := range p.assets {
		b := p.books[a.Symbol]
		if p.tvl == 0 {
			b.Ratio = 0
			continue
		}
		b.Ratio = b.Holdings * prices.Low(a.Symbol) / p.tvl
	}
}

// TVLDrift is the relative gap between holdings valued at low prices and
// the cached TVL. It is zero right after UpdateRatios.
func (p *Pool) TVLDrift(prices event.Quotes) float64 {
	live := p.TVLAt(prices, event.PriceSideLow)
	scale := math.Max(1, math.Max(math.Abs(live), math.Abs(p.tvl)))
	return math.Abs(live-p.tvl) / scale
}

// PostTradeRatio is the allocation of asset after delta units enter (or
// leave, when negative) the pool, valued at price against the post-trade
// TVL. TVL is taken from current holdings, not the cached value.
func (p *Pool) PostTradeRatio(prices event.Quotes, a event.Asset, delta, price float64) float64 {
	b := p.books[a]
	if b == nil {
		return 0
	}
	tvl := p.TVLAt(prices, event.PriceSideLow) + delta*price
	if tvl <= 0 {
		return 0
	}
	return (b.Holdings + delta) * price / tvl
}

// CheckAvailability reports whether amount can be committed against the
// asset. Coins reserve long open interest, stables reserve short interest.
func (p *Pool) CheckAvailability(a event.Asset, amount float64) Availability {
	res := Availability{Asset: a, Requested: amount}
	b := p.books[a]
	if b == nil {
		return res
	}
	if p.params[a].Spec.IsStable() {
		res.Available = b.Holdings - b.ShortInterest
	} else {
		res.Available = b.Holdings - b.OILong
	}
	return res
}

// Utilization is the borrowed fraction of holdings.
func (p *Pool) Utilization(a event.Asset) float64 {
	b := p.books[a]
	if b == nil {
		return 0
	}
	if p.params[a].Spec.IsStable() {
		return fmath.Utilization(b.ShortInterest, b.Holdings)
	}
	return fmath.Utilization(b.OILong, b.Holdings)
}

// CollectFee records a fee against the asset, keeps the LP share in
// holdings and returns the genesis share for the caller to credit.
func (p *Pool) CollectFee(a event.Asset, amount float64) float64 {
	if amount <= 0 {
		return 0
	}
	b := p.books[a]
	genesis := amount * GenesisFeeShare
	b.FeesCollected += amount
	b.Holdings += amount - genesis
	return genesis
}

// LPContribution returns a provider's tracked contribution per asset.
func (p *Pool) LPContribution(id uuid.UUID) (map[event.Asset]float64, bool) {
	m, ok := p.lps[id]
	return m, ok
}

func (p *Pool) setLP(id uuid.UUID, a event.Asset, amount float64) {
	m, ok := p.lps[id]
	if !ok {
		m = make(map[event.Asset]float64)
		p.lps[id] = m
	}
	m[a] = amount
}

func (p *Pool) addLP(id uuid.UUID, a event.Asset, delta float64) {
	m, ok := p.lps[id]
	if !ok {
		m = make(map[event.Asset]float64)
		p.lps[id] = m
	}
	m[a] += delta
}

// SeedHoldings credits genesis liquidity. Only used while building the pool.
func (p *Pool) SeedHoldings(id uuid.UUID, holdings map[event.Asset]float64) {
	for _, a := range p.assets {
		amt := holdings[a.Symbol]
		p.books[a.Symbol].Holdings += amt
		p.setLP(id, a.Symbol, amt)
	}
}

// UpdateOpenPnL recomputes the pool-side unrealized PnL of every open
// position, marked at the reference price.
func (p *Pool) UpdateOpenPnL(traders []*Trader, prices event.Quotes) {
	for _, a := range p.assets {
		b := p.books[a.Symbol]
		b.OpenPnLLong = 0
		b.OpenPnLShort = 0
	}
	for _, t := range traders {
		for _, a := range p.assets {
			mark := prices[a.Symbol].Reference
			if mark == 0 {
				mark = prices.High(a.Symbol)
			}
			if pos := t.Longs[a.Symbol]; pos != nil {
				p.books[a.Symbol].OpenPnLLong -= pos.Quantity * (mark - pos.EntryPrice)
			}
			if pos := t.Shorts[a.Symbol]; pos != nil {
				p.books[a.Symbol].OpenPnLShort -= pos.Quantity * (pos.EntryPrice - mark)
			}
		}
	}
}

// UpdateYield annualizes average fee revenue per step against holdings,
// keeping the LP share only. step is zero-based.
func (p *Pool) UpdateYield(step int64, stepsPerYear float64) {
	n := float64(step + 1)
	for _, a := range p.assets {
		b := p.books[a.Symbol]
		if b.Holdings <= 0 {
			b.Yield = 0
			continue
		}
		b.Yield = (1 - GenesisFeeShare) * (stepsPerYear / n) * (b.FeesCollected / n) / b.Holdings
	}
}

// Clone returns a deep copy.
func (p *Pool) Clone() *Pool {
	c := &Pool{
		assets:     append([]event.AssetSpec(nil), p.assets...),
		params:     make(map[event.Asset]AssetParams, len(p.params)),
		books:      make(map[event.Asset]*AssetBook, len(p.books)),
		contracts:  make(map[event.Asset]*ContractOI, len(p.contracts)),
		LPShares:   p.LPShares,
		lps:        make(map[uuid.UUID]map[event.Asset]float64, len(p.lps)),
		LongLoans:  p.LongLoans.Clone(),
		ShortLoans: p.ShortLoans.Clone(),
		tvl:        p.tvl,
	}
	for k, v := range p.params {
		c.params[k] = v
	}
	for k, v := range p.books {
		b := *v
		c.books[k] = &b
	}
	for k, v := range p.contracts {
		co := *v
		c.contracts[k] = &co
	}
	for id, m := range p.lps {
		cm := make(map[event.Asset]float64, len(m))
		for a, v := range m {
			cm[a] = v
		}
		c.lps[id] = cm
	}
	return c
}

// routeFee collects a fee and credits the genesis share. Without a genesis
// provider the whole fee stays in holdings.
func routeFee(p *Pool, genesis *Provider, a event.Asset, fee float64) float64 {
	share := p.CollectFee(a, fee)
	if share == 0 {
		return 0
	}
	if genesis == nil {
		p.books[a].Holdings += share
		return 0
	}
	genesis.Funds[a] += share
	return share
}
