package telemetry

import (
	"binance-mm-bot-go/internal/models"
	"time"

	"go.uber.org/zap"
)

// QuoteRecord describes one quoting cycle's outcome, including skips.
type QuoteRecord struct {
	CycleID   int64
	Symbol    string
	Decision  *models.QuoteDecision // nil when skipped
	Skip      models.SkipReason     // empty when quoted
	Timestamp time.Time
}

// RiskTransition describes one breaker state change.
type RiskTransition struct {
	From      models.BreakerState
	To        models.BreakerState
	Snapshot  models.RiskSnapshot
	Timestamp time.Time
}

// Alert is an operator-visible escalation. Raised for detected races,
// exhausted cancel retries and failed flattens; these must never be
// silently swallowed.
type Alert struct {
	Kind      string // e.g. "race_detected", "cancel_failed", "flatten_failed"
	PairID    string
	Message   string
	Timestamp time.Time
}

// Sink receives structured records for every quote decision, fill and
// risk-state transition. The core emits these as data and does not depend
// on how they are displayed or persisted.
type Sink interface {
	EmitQuote(rec QuoteRecord)
	EmitFill(fill models.Fill)
	EmitRiskTransition(tr RiskTransition)
	EmitAlert(alert Alert)
}

// ZapSink writes every record to the structured log.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a log-backed sink.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

func (s *ZapSink) EmitQuote(rec QuoteRecord) {
	if rec.Skip != "" {
		s.logger.Warn("quote cycle skipped",
			zap.Int64("cycle_id", rec.CycleID),
			zap.String("symbol", rec.Symbol),
			zap.String("reason", string(rec.Skip)))
		return
	}
	s.logger.Info("quote decision",
		zap.Int64("cycle_id", rec.CycleID),
		zap.String("symbol", rec.Symbol),
		zap.Float64("reservation", rec.Decision.ReservationPrice),
		zap.Float64("bid", rec.Decision.BidPrice),
		zap.Float64("ask", rec.Decision.AskPrice),
		zap.Float64("bid_size", rec.Decision.BidSize),
		zap.Float64("ask_size", rec.Decision.AskSize))
}

func (s *ZapSink) EmitFill(fill models.Fill) {
	s.logger.Info("fill",
		zap.String("order_id", fill.OrderID),
		zap.String("client_order_id", fill.ClientOrderID),
		zap.String("side", string(fill.Side)),
		zap.Float64("price", fill.Price),
		zap.Float64("qty", fill.Quantity),
		zap.Float64("realized_pnl", fill.RealizedPnl))
}

func (s *ZapSink) EmitRiskTransition(tr RiskTransition) {
	s.logger.Warn("risk transition",
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.Float64("daily_pnl", tr.Snapshot.DailyPnl),
		zap.Float64("drawdown", tr.Snapshot.CurrentDrawdown))
}

func (s *ZapSink) EmitAlert(alert Alert) {
	s.logger.Error("ALERT",
		zap.String("kind", alert.Kind),
		zap.String("pair_id", alert.PairID),
		zap.String("message", alert.Message))
}

// MultiSink fans records out to several sinks.
type MultiSink []Sink

func (m MultiSink) EmitQuote(rec QuoteRecord) {
	for _, s := range m {
		s.EmitQuote(rec)
	}
}

func (m MultiSink) EmitFill(fill models.Fill) {
	for _, s := range m {
		s.EmitFill(fill)
	}
}

func (m MultiSink) EmitRiskTransition(tr RiskTransition) {
	for _, s := range m {
		s.EmitRiskTransition(tr)
	}
}

func (m MultiSink) EmitAlert(alert Alert) {
	for _, s := range m {
		s.EmitAlert(alert)
	}
}
