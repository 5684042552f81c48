package quote

import (
	"binance-mm-bot-go/internal/models"
	"math"
	"time"

	"go.uber.org/zap"
)

// tauEpsilon keeps tau strictly positive so the spread never collapses to
// the pure liquidity term at session end.
const tauEpsilon = 0.01

// Config holds the quoting model parameters, fixed at construction.
type Config struct {
	Gamma             float64       // risk aversion
	MinSpread         float64       // per-side spread lower bound (ratio)
	MaxSpread         float64       // per-side spread upper bound (ratio)
	SkewGain          float64       // price skew per unit of inventory ratio
	SizeSkewGain      float64       // size skew per unit of inventory ratio, 0 disables
	OrderSize         float64       // base per-side order size
	PositionLimit     float64       // normalizes inventory into [-1, 1]
	SessionLength     time.Duration // quoting horizon, scales tau
	MaxPriceDeviation float64       // reservation vs mark price sanity bound
}

// Input is everything one cycle's computation reads.
type Input struct {
	CycleID       int64
	MidPrice      float64
	MarkPrice     float64
	Inventory     float64
	Params        models.DynamicParameters
	Allowance     models.RiskAllowance
	TimeRemaining time.Duration
}

// Engine computes inventory-aware bid/ask quotes with the
// Avellaneda-Stoikov optimal spread model.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// NewEngine creates a quote engine.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger}
}

// Compute produces one cycle's quote decision, or a skip reason when the
// cycle must not quote. A skip is an expected condition, not an error.
func (e *Engine) Compute(in Input) (*models.QuoteDecision, models.SkipReason) {
	// Risk gate first: a halted breaker wins over everything.
	if in.Allowance.Halted {
		return nil, models.SkipRiskHalt
	}
	if in.MidPrice <= 0 || in.MarkPrice <= 0 {
		return nil, models.SkipNoMarket
	}

	gamma := e.cfg.Gamma
	sigma := in.Params.Volatility
	kappa := in.Params.LiquidityCoeff
	tau := e.tau(in.TimeRemaining)

	inventoryAdj := in.Inventory * gamma * sigma * sigma * tau
	reservation := in.MidPrice - inventoryAdj

	// Sanity gate: a reservation price that diverged from the mark price
	// means stale inputs. Skip the cycle rather than quote into it.
	if math.Abs(reservation-in.MarkPrice)/in.MarkPrice > e.cfg.MaxPriceDeviation {
		e.logger.Warn("reservation price diverged from mark price, skipping cycle",
			zap.Int64("cycle_id", in.CycleID),
			zap.Float64("reservation", reservation),
			zap.Float64("mark", in.MarkPrice))
		return nil, models.SkipStalePrice
	}

	baseSpread := gamma*sigma*sigma*tau + (2/gamma)*math.Log1p(gamma/kappa)

	skew := e.inventoryRatio(in.Inventory) * e.cfg.SkewGain
	bidSpread := clamp(baseSpread*(1+skew), e.cfg.MinSpread, e.cfg.MaxSpread)
	askSpread := clamp(baseSpread*(1-skew), e.cfg.MinSpread, e.cfg.MaxSpread)

	bidSize, askSize := e.sizes(in.Inventory)

	// Capped allowance: zero the side whose fill would worsen the breach.
	if in.Allowance.Capped {
		if in.Inventory > 0 {
			bidSize = 0
		} else if in.Inventory < 0 {
			askSize = 0
		} else {
			bidSize, askSize = 0, 0
		}
	}

	return &models.QuoteDecision{
		CycleID:          in.CycleID,
		ReservationPrice: reservation,
		BidPrice:         reservation * (1 - bidSpread),
		AskPrice:         reservation * (1 + askSpread),
		BidSize:          bidSize,
		AskSize:          askSize,
	}, ""
}

// tau normalizes the remaining session time into (0, 1].
func (e *Engine) tau(remaining time.Duration) float64 {
	if e.cfg.SessionLength <= 0 {
		return 1.0
	}
	t := remaining.Seconds() / e.cfg.SessionLength.Seconds()
	return clamp(t, tauEpsilon, 1.0)
}

// inventoryRatio normalizes inventory against the position limit into
// [-1, 1].
func (e *Engine) inventoryRatio(inventory float64) float64 {
	if e.cfg.PositionLimit <= 0 {
		return 0
	}
	return clamp(inventory/e.cfg.PositionLimit, -1, 1)
}

// sizes applies the optional order-size asymmetry: when inventory is
// non-zero, bias size toward the side that reduces it.
func (e *Engine) sizes(inventory float64) (bid, ask float64) {
	bid, ask = e.cfg.OrderSize, e.cfg.OrderSize
	if e.cfg.SizeSkewGain == 0 || inventory == 0 {
		return bid, ask
	}
	factor := e.inventoryRatio(inventory) * e.cfg.SizeSkewGain
	bid = math.Max(0, e.cfg.OrderSize*(1-factor))
	ask = math.Max(0, e.cfg.OrderSize*(1+factor))
	return bid, ask
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
