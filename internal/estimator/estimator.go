package estimator

import (
	"binance-mm-bot-go/internal/models"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NeutralArrivalRate is used when the window holds too few trade ticks
// to estimate alpha reliably.
const NeutralArrivalRate = 1.0

// ParameterSource supplies the microstructure parameters the quote engine
// needs each cycle. Implementations must never block the caller: a stale or
// fallback estimate is always preferable to waiting.
type ParameterSource interface {
	Estimate() models.DynamicParameters
}

// StaticSource returns fixed parameters chosen at construction. Used when
// dynamic estimation is disabled in the config.
type StaticSource struct {
	params models.DynamicParameters
}

// NewStaticSource builds a StaticSource, clamping kappa and flooring sigma
// the same way the dynamic estimator does.
func NewStaticSource(arrivalRate, kappa, sigma float64, kappaBounds models.Bounds, sigmaFloor float64) *StaticSource {
	if arrivalRate <= 0 {
		arrivalRate = NeutralArrivalRate
	}
	return &StaticSource{
		params: models.DynamicParameters{
			ArrivalRate:    arrivalRate,
			LiquidityCoeff: kappaBounds.Clamp(kappa),
			Volatility:     math.Max(sigma, sigmaFloor),
			ComputedAt:     time.Now(),
		},
	}
}

// Estimate returns the fixed parameters.
func (s *StaticSource) Estimate() models.DynamicParameters {
	return s.params
}

// Config holds the knobs of the rolling-window estimator.
type Config struct {
	Window          time.Duration // rolling window length
	RefreshInterval time.Duration // minimum interval between recomputations
	MinSamples      int           // below this, fall back to neutral values
	DepthLevels     int           // book levels used for the kappa estimate
	KappaBounds     models.Bounds
	SigmaFloor      float64
}

type pricePoint struct {
	price float64
	ts    time.Time
}

// Estimator derives arrival rate, liquidity coefficient and volatility from
// a rolling window of book snapshots and trade ticks. It caches the computed
// estimate for RefreshInterval to bound recomputation cost.
type Estimator struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	tickTimes  []time.Time
	prices     []pricePoint
	depths     []pricePoint // price field reused for depth values
	cached     models.DynamicParameters
	hasCached  bool
	lastComput time.Time
}

// New creates an Estimator. The zero estimate before any data arrives is the
// neutral fallback.
func New(cfg Config, logger *zap.Logger) *Estimator {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.DepthLevels <= 0 {
		cfg.DepthLevels = 5
	}
	return &Estimator{cfg: cfg, logger: logger}
}

// UpdateSnapshot ingests one book snapshot. Malformed or empty snapshots are
// logged and ignored, never propagated as fatal.
func (e *Estimator) UpdateSnapshot(snap *models.MarketSnapshot) {
	mid, ok := snap.MidPrice()
	if !ok {
		e.logger.Debug("ignoring malformed or empty snapshot")
		return
	}
	ts := snap.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices = append(e.prices, pricePoint{price: mid, ts: ts})
	e.depths = append(e.depths, pricePoint{price: snap.AvgDepth(e.cfg.DepthLevels), ts: ts})
	e.evictLocked(ts)
}

// UpdateTick ingests one public trade tick.
func (e *Estimator) UpdateTick(tick models.TradeTick) {
	if tick.Price <= 0 {
		e.logger.Debug("ignoring malformed trade tick", zap.Float64("price", tick.Price))
		return
	}
	ts := tick.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickTimes = append(e.tickTimes, ts)
	e.prices = append(e.prices, pricePoint{price: tick.Price, ts: ts})
	e.evictLocked(ts)
}

// evictLocked drops observations that fell out of the rolling window.
func (e *Estimator) evictLocked(now time.Time) {
	cutoff := now.Add(-e.cfg.Window)
	for len(e.tickTimes) > 0 && e.tickTimes[0].Before(cutoff) {
		e.tickTimes = e.tickTimes[1:]
	}
	for len(e.prices) > 0 && e.prices[0].ts.Before(cutoff) {
		e.prices = e.prices[1:]
	}
	for len(e.depths) > 0 && e.depths[0].ts.Before(cutoff) {
		e.depths = e.depths[1:]
	}
}

// Estimate returns the current best estimate. The result is cached for the
// configured refresh interval; between refreshes the previous value is
// returned unchanged.
func (e *Estimator) Estimate() models.DynamicParameters {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if e.hasCached && now.Sub(e.lastComput) < e.cfg.RefreshInterval {
		return e.cached
	}

	params := models.DynamicParameters{
		ArrivalRate:    e.arrivalRateLocked(),
		LiquidityCoeff: e.kappaLocked(),
		Volatility:     e.sigmaLocked(),
		ComputedAt:     now,
	}
	params.Fallback = len(e.tickTimes) < e.cfg.MinSamples

	e.cached = params
	e.hasCached = true
	e.lastComput = now
	return params
}

// arrivalRateLocked estimates alpha as the inverse of the mean inter-arrival
// time between trade ticks.
func (e *Estimator) arrivalRateLocked() float64 {
	if len(e.tickTimes) < e.cfg.MinSamples {
		return NeutralArrivalRate
	}
	span := e.tickTimes[len(e.tickTimes)-1].Sub(e.tickTimes[0]).Seconds()
	if span <= 0 {
		return NeutralArrivalRate
	}
	meanGap := span / float64(len(e.tickTimes)-1)
	return 1.0 / meanGap
}

// kappaLocked maps average displayed depth to a liquidity coefficient.
// More depth means lower kappa (tighter optimal spread). The mapping is
// monotonically decreasing and the result is clamped into the bounds.
func (e *Estimator) kappaLocked() float64 {
	if len(e.depths) == 0 {
		return e.cfg.KappaBounds.Clamp(1.0)
	}
	var sum float64
	for _, d := range e.depths {
		sum += d.price
	}
	avgDepth := sum / float64(len(e.depths))
	if avgDepth <= 0 {
		return e.cfg.KappaBounds.Max
	}
	kappa := 1.0 / math.Log1p(avgDepth)
	return e.cfg.KappaBounds.Clamp(kappa)
}

// sigmaLocked computes the standard deviation of log returns over the
// window, floored at the configured minimum (never negative).
func (e *Estimator) sigmaLocked() float64 {
	if len(e.prices) < 2 {
		return e.cfg.SigmaFloor
	}
	returns := make([]float64, 0, len(e.prices)-1)
	for i := 1; i < len(e.prices); i++ {
		prev, cur := e.prices[i-1].price, e.prices[i].price
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) < 2 {
		return e.cfg.SigmaFloor
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)

	sigma := math.Sqrt(variance)
	return math.Max(sigma, e.cfg.SigmaFloor)
}

// SampleCount reports how many trade ticks currently sit inside the window.
func (e *Estimator) SampleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tickTimes)
}
