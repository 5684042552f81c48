package telemetry

import (
	"binance-mm-bot-go/internal/models"
	"io"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
)

// SessionReporter accumulates per-session counters and renders a summary
// table at shutdown. It implements Sink so it can sit behind a MultiSink
// next to the log-backed sink.
type SessionReporter struct {
	mu              sync.Mutex
	cycles          int
	quoted          int
	skipsByReason   map[models.SkipReason]int
	fills           int
	filledQty       float64
	realizedPnl     float64
	alertsByKind    map[string]int
	riskTransitions int
	lastBreaker     models.BreakerState
}

// NewSessionReporter creates an empty reporter.
func NewSessionReporter() *SessionReporter {
	return &SessionReporter{
		skipsByReason: make(map[models.SkipReason]int),
		alertsByKind:  make(map[string]int),
		lastBreaker:   models.BreakerActive,
	}
}

func (r *SessionReporter) EmitQuote(rec QuoteRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles++
	if rec.Skip != "" {
		r.skipsByReason[rec.Skip]++
		return
	}
	r.quoted++
}

func (r *SessionReporter) EmitFill(fill models.Fill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills++
	r.filledQty += fill.Quantity
	r.realizedPnl += fill.RealizedPnl
}

func (r *SessionReporter) EmitRiskTransition(tr RiskTransition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.riskTransitions++
	r.lastBreaker = tr.To
}

func (r *SessionReporter) EmitAlert(alert Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alertsByKind[alert.Kind]++
}

// Render writes the session summary table to w.
func (r *SessionReporter) Render(w io.Writer, position models.Position, risk models.RiskSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Session Summary")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Quote cycles", r.cycles},
		{"Quoted", r.quoted},
	})
	for reason, n := range r.skipsByReason {
		t.AppendRow(table.Row{"Skipped: " + string(reason), n})
	}
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Fills", r.fills},
		{"Filled quantity", r.filledQty},
		{"Realized PnL", r.realizedPnl},
	})
	t.AppendSeparator()
	for kind, n := range r.alertsByKind {
		t.AppendRow(table.Row{"Alerts: " + kind, n})
	}
	t.AppendRows([]table.Row{
		{"Risk transitions", r.riskTransitions},
		{"Final breaker", string(risk.Breaker)},
		{"Daily PnL", risk.DailyPnl},
		{"Drawdown", risk.CurrentDrawdown},
		{"Final position", position.Size},
		{"Avg entry price", position.AvgEntryPrice},
	})
	t.Render()
}

// AlertCount returns how many alerts of the given kind were raised.
func (r *SessionReporter) AlertCount(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alertsByKind[kind]
}
