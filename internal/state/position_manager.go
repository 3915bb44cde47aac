package state

import (
	"math/rand"

	"PerpSim/internal/event"
	fmath "PerpSim/internal/math"
)

const (
	warmupLongBand  = 0.4
	warmupShortBand = 0.6
	minLotFraction  = 0.01
	expiryLow       = 0.8
	expiryHigh      = 1.4

	// The paying rate moves with the swap size, so the gross-up is refined
	// and padded until the net proceeds cover the shortfall.
	grossUpPasses     = 2
	shortfallHeadroom = 1e-6
)

// TradingParams configures position opens and closes.
type TradingParams struct {
	OpenFee              float64
	CloseFee             float64
	LongOpenProbability  float64
	ShortOpenProbability float64
	WarmupSteps          int64
}

func DefaultTradingParams() TradingParams {
	return TradingParams{
		OpenFee:              0.01,
		CloseFee:             0.01,
		LongOpenProbability:  0.01,
		ShortOpenProbability: 0.99,
		WarmupSteps:          3,
	}
}

// LongOrder is a sized long open.
type LongOrder struct {
	Quantity   float64
	Collateral float64
	Interest   float64 // Carry settled on an existing long
}

// ShortOrder is a sized short open with its collateral denomination.
type ShortOrder struct {
	Quantity     float64
	Collateral   float64 // Denomination units
	Denomination event.Asset
	Interest     float64 // Denomination units
	Shortfall    float64 // Denomination units to obtain by swap first
}

// PositionManager runs the position lifecycle of traders against the pool.
type PositionManager struct {
	pool        *Pool
	registry    *Registry
	risk        *RiskParamsManager
	liquidation *LiquidationManager
	swaps       *SwapManager
	interest    InterestParams
	params      TradingParams
	rng         *rand.Rand
}

func NewPositionManager(
	pool *Pool,
	registry *Registry,
	risk *RiskParamsManager,
	swaps *SwapManager,
	interest InterestParams,
	params TradingParams,
	rng *rand.Rand,
) *PositionManager {
	return &PositionManager{
		pool:        pool,
		registry:    registry,
		risk:        risk,
		liquidation: NewLiquidationManager(pool, risk, interest),
		swaps:       swaps,
		interest:    interest,
		params:      params,
		rng:         rng,
	}
}

// Liquidations exposes the maintenance evaluator.
func (pm *PositionManager) Liquidations() *LiquidationManager {
	return pm.liquidation
}

// Run processes one trader on one coin: maintenance and closes first, then
// at most one open. A side closed this step cannot reopen in the same step.
// Opens see the pool state left by the closes.
func (pm *PositionManager) Run(t *Trader, asset event.Asset, step int64, prices event.Quotes) TradeOutcome {
	var out TradeOutcome

	closedLong, closedShort := false, false

	if pos := t.Longs[asset]; pos != nil {
		m := pm.liquidation.EvaluateLong(asset, pos, step, prices)
		expired := pm.expired(t, step-pos.LastUpdateStep)
		if m.Liquidate || expired {
			out.Closes = append(out.Closes, pm.CloseLong(t, asset, m))
			closedLong = true
		}
	}
	if pos := t.Shorts[asset]; pos != nil {
		m := pm.liquidation.EvaluateShort(asset, pos, step, prices)
		expired := pm.expired(t, step-pos.LastUpdateStep)
		if m.Liquidate || expired {
			out.Closes = append(out.Closes, pm.CloseShort(t, asset, m))
			closedShort = true
		}
	}

	if prices[asset].SpreadProblem {
		return out
	}

	long, short := pm.params.LongOpenProbability, pm.params.ShortOpenProbability
	if step < pm.params.WarmupSteps {
		long, short = warmupLongBand, warmupShortBand
	}

	r := pm.rng.Float64()
	switch {
	case r < long:
		if closedLong {
			out.Open = &OpenResult{TraderID: t.ID, Asset: asset, Side: event.SideLong, Skip: SkipBlockedByClose}
			return out
		}
		order, skip := pm.SizeLong(t, asset, step)
		if skip != SkipNone {
			out.Open = &OpenResult{TraderID: t.ID, Asset: asset, Side: event.SideLong, Skip: skip}
			return out
		}
		res := pm.OpenLong(t, asset, step, prices, order)
		out.Open = &res
	case r > short:
		if closedShort {
			out.Open = &OpenResult{TraderID: t.ID, Asset: asset, Side: event.SideShort, Skip: SkipBlockedByClose}
			return out
		}
		order, skip := pm.SizeShort(t, asset, step, prices)
		if skip != SkipNone {
			out.Open = &OpenResult{TraderID: t.ID, Asset: asset, Side: event.SideShort, Skip: skip}
			return out
		}
		if order.Shortfall > 0 {
			swap, ok := pm.fundShortfall(t, order, prices)
			if swap != nil {
				out.Swaps = append(out.Swaps, *swap)
			}
			if !ok {
				out.Open = &OpenResult{TraderID: t.ID, Asset: asset, Side: event.SideShort, Skip: SkipCollateralSwap}
				return out
			}
		}
		res := pm.OpenShort(t, asset, step, prices, order)
		out.Open = &res
	}

	return out
}

func (pm *PositionManager) expired(t *Trader, elapsed int64) bool {
	return float64(elapsed) >= t.AvgPositionHold*fmath.Uniform(pm.rng, expiryLow, expiryHigh)
}

// CloseLong settles and deletes a long using a fresh maintenance mark.
func (pm *PositionManager) CloseLong(t *Trader, asset event.Asset, m Maintenance) CloseResult {
	pos := t.Longs[asset]
	fee := pm.params.CloseFee * pos.Quantity
	s := Settle(pos.Collateral, pos.Collateral+m.CollateralPnL+m.PnL, m.Interest+fee)

	res := CloseResult{
		TraderID:     t.ID,
		Asset:        asset,
		Side:         event.SideLong,
		Reason:       CloseReasonExpiry,
		Quantity:     pos.Quantity,
		Price:        m.Price,
		Denomination: asset,
		USDPnL:       m.USDPnL,
		Interest:     m.Interest,
		Fee:          fee,
		Settlement:   s,
		State:        PositionStateClosed,
	}
	if m.Liquidate {
		res.Reason = CloseReasonLiquidation
		res.State = PositionStateLiquidated
	}

	t.Liquidity[asset] += s.Credited
	t.PnL += m.USDPnL
	delete(t.Longs, asset)

	b := pm.pool.Book(asset)
	b.OILong -= pos.Quantity
	b.Volume += pos.Quantity
	b.Holdings += s.PoolDelta
	if c := pm.pool.Contract(asset); c != nil {
		c.OILong -= pos.Quantity
		c.TotCollateral -= pos.Collateral
	}
	pm.pool.LongLoans.Remove(t.ID, asset)
	routeFee(pm.pool, pm.registry.Genesis(), asset, s.Collected)

	return res
}

// CloseShort settles and deletes a short, releasing its locked notional.
func (pm *PositionManager) CloseShort(t *Trader, asset event.Asset, m Maintenance) CloseResult {
	pos := t.Shorts[asset]
	denom := pos.Denomination
	fee := 0.0
	if m.StablePrice > 0 {
		fee = pm.params.CloseFee * pos.Quantity * m.Price / m.StablePrice
	}
	s := Settle(pos.Collateral, pos.Collateral+m.PnL, m.Interest+fee)

	res := CloseResult{
		TraderID:     t.ID,
		Asset:        asset,
		Side:         event.SideShort,
		Reason:       CloseReasonExpiry,
		Quantity:     pos.Quantity,
		Price:        m.Price,
		Denomination: denom,
		USDPnL:       m.USDPnL,
		Interest:     m.Interest,
		Fee:          fee,
		Settlement:   s,
		State:        PositionStateClosed,
	}
	if m.Liquidate {
		res.Reason = CloseReasonLiquidation
		res.State = PositionStateLiquidated
	}

	t.Liquidity[denom] += s.Credited
	t.PnL += m.USDPnL
	delete(t.Shorts, asset)

	b := pm.pool.Book(asset)
	b.OIShort -= pos.Quantity
	b.Volume += pos.Quantity
	if c := pm.pool.Contract(asset); c != nil {
		c.OIShort -= pos.Quantity
	}
	db := pm.pool.Book(denom)
	db.ShortInterest -= pos.LockedNotional
	db.Holdings += s.PoolDelta
	pm.pool.ShortLoans.Remove(t.ID, asset)
	routeFee(pm.pool, pm.registry.Genesis(), denom, s.Collected)

	return res
}

// SizeLong draws a lot bounded by leverage, risk factor and pool capacity,
// then a collateral covering the margin requirement plus carried interest.
func (pm *PositionManager) SizeLong(t *Trader, asset event.Asset, step int64) (LongOrder, SkipReason) {
	rp, ok := pm.risk.GetRiskParams(asset)
	if !ok {
		return LongOrder{}, SkipUnknownAsset
	}
	held := t.Liquidity[asset]
	if held <= 0 {
		return LongOrder{}, SkipInsufficientLiquidity
	}

	maxLev := held * rp.MaxMargin
	available := pm.pool.CheckAvailability(asset, 0).Available
	capFrac := 1.0
	if maxLev >= available {
		capFrac = available / maxLev
	}
	if capFrac <= minLotFraction {
		return LongOrder{}, SkipPoolCapacity
	}

	rfLot := fmath.Uniform(pm.rng, minLotFraction, t.RiskFactor/10) * maxLev
	lot := rfLot * fmath.Uniform(pm.rng, minLotFraction, capFrac)

	var interest float64
	if pos := t.Longs[asset]; pos != nil {
		interest = pm.liquidation.LongInterest(asset, pos, step)
	}

	bot := (lot/rp.MaxMargin + interest) / held
	if bot >= 1 {
		return LongOrder{}, SkipSizing
	}

	return LongOrder{
		Quantity:   lot,
		Collateral: held * fmath.Uniform(pm.rng, bot, 1),
		Interest:   interest,
	}, SkipNone
}

// SizeShort sizes a short against the trader's combined stable value and
// picks the collateral denomination.
func (pm *PositionManager) SizeShort(t *Trader, asset event.Asset, step int64, prices event.Quotes) (ShortOrder, SkipReason) {
	rp, ok := pm.risk.GetRiskParams(asset)
	if !ok {
		return ShortOrder{}, SkipUnknownAsset
	}
	stables := pm.pool.Stables()
	price := prices.Low(asset)
	if len(stables) == 0 || price <= 0 {
		return ShortOrder{}, SkipUnknownAsset
	}

	var usdLiq, usdAvail float64
	for _, s := range stables {
		usdLiq += t.Liquidity[s] * prices.Low(s)
		usdAvail += pm.pool.CheckAvailability(s, 0).Available * prices.Low(s)
	}
	if usdLiq <= 0 {
		return ShortOrder{}, SkipInsufficientLiquidity
	}

	maxLev := usdLiq / price * rp.MaxMargin
	availQty := usdAvail / price
	capFrac := 1.0
	if maxLev >= availQty {
		capFrac = availQty / maxLev
	}
	if capFrac <= minLotFraction {
		return ShortOrder{}, SkipPoolCapacity
	}

	rfLot := fmath.Uniform(pm.rng, minLotFraction, t.RiskFactor/10) * maxLev
	lot := rfLot * fmath.Uniform(pm.rng, minLotFraction, capFrac) * pm.rng.Float64()

	existing := t.Shorts[asset]
	var interestUSD float64
	if existing != nil {
		sp := prices.Low(existing.Denomination)
		interestUSD = pm.liquidation.ShortInterest(existing, step, sp) * sp
	}

	bot := (lot*price/rp.MaxMargin + interestUSD) / usdLiq
	if bot >= 1 {
		return ShortOrder{}, SkipSizing
	}
	collateralUSD := usdLiq * fmath.Uniform(pm.rng, bot, 1)

	order := ShortOrder{Quantity: lot}
	switch {
	case existing != nil:
		order.Denomination = existing.Denomination
	default:
		var covering []event.Asset
		for _, s := range stables {
			if t.Liquidity[s]*prices.Low(s) > collateralUSD {
				covering = append(covering, s)
			}
		}
		if len(covering) > 0 {
			order.Denomination = covering[pm.rng.Intn(len(covering))]
		} else {
			order.Denomination = stables[0]
		}
	}

	sp := prices.Low(order.Denomination)
	order.Collateral = collateralUSD / sp
	order.Interest = interestUSD / sp

	if existing == nil {
		fee := pm.shortFee(asset, order.Denomination, lot, price, sp)
		need := order.Collateral + order.Interest + fee
		if need > t.Liquidity[order.Denomination] {
			order.Shortfall = need - t.Liquidity[order.Denomination]
		}
	}
	return order, SkipNone
}

// fundShortfall swaps another stable into the short's denomination. The
// input is grossed up so the proceeds after the paying fee cover the gap.
// The richest other stable is the source.
func (pm *PositionManager) fundShortfall(t *Trader, order ShortOrder, prices event.Quotes) (*SwapResult, bool) {
	var src event.Asset
	best := 0.0
	for _, s := range pm.pool.Stables() {
		if s == order.Denomination {
			continue
		}
		if v := t.Liquidity[s] * prices.Low(s); v > best {
			src, best = s, v
		}
	}
	if src == "" {
		return nil, false
	}

	high := prices.High(order.Denomination)
	low := prices.Low(src)
	if high <= 0 || low <= 0 {
		return nil, false
	}
	base := order.Shortfall * high / low
	amtIn := base
	for i := 0; i < grossUpPasses; i++ {
		quote := pm.swaps.FeeFor(pm.swaps.Propose(src, amtIn, order.Denomination, prices), prices)
		if quote.Rejected() || quote.OutRate >= 1 {
			break
		}
		amtIn = base / (1 - quote.OutRate)
	}
	amtIn *= 1 + shortfallHeadroom

	res := pm.swaps.Execute(t, pm.swaps.Propose(src, amtIn, order.Denomination, prices), prices)
	return &res, res.Applied()
}

func (pm *PositionManager) longFee(asset event.Asset, lot float64) float64 {
	b := pm.pool.Book(asset)
	u := fmath.Utilization(b.OILong+lot, b.Holdings)
	mult := fmath.UtilizationFeeMultiplier(u, pm.interest.Rate.OptimalUtilization, pm.pool.Params(asset).UtilizationMult)
	return pm.params.OpenFee * lot * mult
}

func (pm *PositionManager) shortFee(asset, denom event.Asset, lot, price, stablePrice float64) float64 {
	if stablePrice <= 0 {
		return 0
	}
	locked := lot * price / stablePrice
	db := pm.pool.Book(denom)
	u := fmath.Utilization(db.ShortInterest+locked, db.Holdings)
	mult := fmath.UtilizationFeeMultiplier(u, pm.interest.Rate.OptimalUtilization, pm.pool.Params(asset).UtilizationMult)
	return pm.params.OpenFee * locked * mult
}

// OpenLong commits a long at the high quote, merging into an existing one.
func (pm *PositionManager) OpenLong(t *Trader, asset event.Asset, step int64, prices event.Quotes, o LongOrder) OpenResult {
	price := prices.High(asset)
	res := OpenResult{
		TraderID:     t.ID,
		Asset:        asset,
		Side:         event.SideLong,
		Quantity:     o.Quantity,
		Price:        price,
		Collateral:   o.Collateral,
		Denomination: asset,
		Interest:     o.Interest,
	}

	if o.Quantity <= 0 || price <= 0 {
		res.Skip = SkipSizing
		return res
	}
	if !pm.pool.CheckAvailability(asset, o.Quantity).Sufficient() {
		res.Skip = SkipPoolCapacity
		return res
	}
	res.Fee = pm.longFee(asset, o.Quantity)
	if t.Liquidity[asset] < res.Fee+o.Interest+o.Collateral {
		res.Skip = SkipInsufficientLiquidity
		return res
	}

	t.Liquidity[asset] -= res.Fee + o.Interest + o.Collateral
	if pos := t.Longs[asset]; pos != nil {
		pos.EntryPrice = (price*o.Quantity + pos.EntryPrice*pos.Quantity) / (o.Quantity + pos.Quantity)
		pos.Quantity += o.Quantity
		pos.Collateral += o.Collateral
		pos.NominalCollateral += o.Collateral * price
		pos.LastUpdateStep = step
	} else {
		t.Longs[asset] = &LongPosition{
			Quantity:          o.Quantity,
			EntryPrice:        price,
			Collateral:        o.Collateral,
			NominalCollateral: o.Collateral * price,
			LastUpdateStep:    step,
		}
	}

	b := pm.pool.Book(asset)
	b.OILong += o.Quantity
	b.Volume += o.Quantity
	if c := pm.pool.Contract(asset); c != nil {
		oi := c.OILong + o.Quantity
		coll := c.TotCollateral + o.Collateral
		c.AvgPriceLong = c.AvgPriceLong*(c.OILong/oi) + price*(o.Quantity/oi)
		if coll > 0 {
			c.AvgCollateralPrice = c.AvgCollateralPrice*(c.TotCollateral/coll) + price*(o.Collateral/coll)
		}
		c.OILong = oi
		c.TotCollateral = coll
	}
	pm.pool.LongLoans.Add(t.ID, asset, o.Quantity, o.Collateral)
	routeFee(pm.pool, pm.registry.Genesis(), asset, res.Fee+o.Interest)

	return res
}

// OpenShort commits a short at the low quote, reserving its notional in the
// denomination's short interest.
func (pm *PositionManager) OpenShort(t *Trader, asset event.Asset, step int64, prices event.Quotes, o ShortOrder) OpenResult {
	price := prices.Low(asset)
	denom := o.Denomination
	sp := prices.Low(denom)
	res := OpenResult{
		TraderID:     t.ID,
		Asset:        asset,
		Side:         event.SideShort,
		Quantity:     o.Quantity,
		Price:        price,
		Collateral:   o.Collateral,
		Denomination: denom,
		Interest:     o.Interest,
	}

	if spec, ok := pm.pool.Spec(denom); !ok || !spec.IsStable() {
		res.Skip = SkipUnknownAsset
		return res
	}
	if o.Quantity <= 0 || price <= 0 || sp <= 0 {
		res.Skip = SkipSizing
		return res
	}
	if existing := t.Shorts[asset]; existing != nil && existing.Denomination != denom {
		res.Skip = SkipSizing
		return res
	}

	locked := o.Quantity * price / sp
	if !pm.pool.CheckAvailability(denom, locked).Sufficient() {
		res.Skip = SkipPoolCapacity
		return res
	}
	res.Fee = pm.shortFee(asset, denom, o.Quantity, price, sp)
	if t.Liquidity[denom] < res.Fee+o.Interest+o.Collateral {
		res.Skip = SkipInsufficientLiquidity
		return res
	}

	t.Liquidity[denom] -= res.Fee + o.Interest + o.Collateral
	if pos := t.Shorts[asset]; pos != nil {
		pos.EntryPrice = (price*o.Quantity + pos.EntryPrice*pos.Quantity) / (o.Quantity + pos.Quantity)
		pos.Quantity += o.Quantity
		pos.Collateral += o.Collateral
		pos.LockedNotional += locked
		pos.LastUpdateStep = step
	} else {
		t.Shorts[asset] = &ShortPosition{
			Quantity:       o.Quantity,
			EntryPrice:     price,
			Collateral:     o.Collateral,
			Denomination:   denom,
			LockedNotional: locked,
			LastUpdateStep: step,
		}
	}

	b := pm.pool.Book(asset)
	b.OIShort += o.Quantity
	b.Volume += o.Quantity
	if c := pm.pool.Contract(asset); c != nil {
		oi := c.OIShort + o.Quantity
		c.AvgPriceShort = c.AvgPriceShort*(c.OIShort/oi) + price*(o.Quantity/oi)
		c.OIShort = oi
	}
	pm.pool.Book(denom).ShortInterest += locked
	pm.pool.ShortLoans.Add(t.ID, asset, o.Quantity, o.Collateral)
	routeFee(pm.pool, pm.registry.Genesis(), denom, res.Fee+o.Interest)

	return res
}
