package risk

import (
	"binance-mm-bot-go/internal/models"
	"sync"

	"go.uber.org/zap"
)

// TransitionListener is notified on every breaker state change. Wired to the
// telemetry sink by the orchestrator.
type TransitionListener func(from, to models.BreakerState, snapshot models.RiskSnapshot)

// Config holds the account-level guardrails.
type Config struct {
	PositionLimit     float64 // max absolute net position (base currency)
	PositionCapBuffer float64 // cap triggers at PositionLimit * buffer
	MaxDailyLoss      float64 // halt when daily pnl < -MaxDailyLoss
	MaxDrawdown       float64 // halt when drawdown ratio exceeds this
}

// Manager owns the position/loss/drawdown counters and the circuit-breaker
// state machine. It is independent of market data and is consulted before
// any order action. Halt states are one-way within a run: only an explicit
// external reset returns the breaker to ACTIVE.
type Manager struct {
	cfg      Config
	logger   *zap.Logger
	listener TransitionListener

	mu         sync.Mutex
	breaker    models.BreakerState
	dailyPnl   float64
	equity     float64
	peakEquity float64
	drawdown   float64
	position   float64
}

// NewManager creates a Manager in the ACTIVE state.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.PositionCapBuffer <= 0 {
		cfg.PositionCapBuffer = 1.0
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		breaker: models.BreakerActive,
	}
}

// SetTransitionListener registers the breaker transition callback. Must be
// called before the manager starts receiving fills.
func (m *Manager) SetTransitionListener(l TransitionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

// Restore seeds the counters from a persisted snapshot at startup.
func (m *Manager) Restore(snap models.RiskSnapshot, position float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breaker = snap.Breaker
	m.dailyPnl = snap.DailyPnl
	m.peakEquity = snap.PeakEquity
	m.drawdown = snap.CurrentDrawdown
	m.position = position
	if m.breaker == "" {
		m.breaker = models.BreakerActive
	}
}

// RecordFill updates position, daily pnl, peak equity and drawdown from a
// confirmed fill, then re-evaluates the breaker.
func (m *Manager) RecordFill(fill models.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fill.Side == models.Buy {
		m.position += fill.Quantity
	} else {
		m.position -= fill.Quantity
	}

	m.dailyPnl += fill.RealizedPnl
	m.equity += fill.RealizedPnl
	if m.equity > m.peakEquity {
		m.peakEquity = m.equity
	}
	if m.peakEquity > 0 {
		m.drawdown = (m.peakEquity - m.equity) / m.peakEquity
	}

	m.evaluateLocked()
}

// SetPosition overrides the tracked net position. Used by reconciliation
// when the venue's authoritative position diverges from the local one.
func (m *Manager) SetPosition(position float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.position = position
	m.evaluateLocked()
}

// evaluateLocked applies the state machine transitions. Halt states are
// sticky; POSITION_CAPPED is reversible once the position shrinks.
func (m *Manager) evaluateLocked() {
	switch m.breaker {
	case models.BreakerDailyLossHalt, models.BreakerDrawdownHalt:
		return // one-way until external reset
	}

	if m.cfg.MaxDailyLoss > 0 && m.dailyPnl < -m.cfg.MaxDailyLoss {
		m.transitionLocked(models.BreakerDailyLossHalt)
		return
	}
	if m.cfg.MaxDrawdown > 0 && m.drawdown > m.cfg.MaxDrawdown {
		m.transitionLocked(models.BreakerDrawdownHalt)
		return
	}

	capThreshold := m.cfg.PositionLimit * m.cfg.PositionCapBuffer
	if capThreshold > 0 && abs(m.position) > capThreshold {
		if m.breaker != models.BreakerPositionCap {
			m.transitionLocked(models.BreakerPositionCap)
		}
		return
	}
	if m.breaker == models.BreakerPositionCap {
		m.transitionLocked(models.BreakerActive)
	}
}

func (m *Manager) transitionLocked(to models.BreakerState) {
	from := m.breaker
	if from == to {
		return
	}
	m.breaker = to
	snap := m.snapshotLocked()
	m.logger.Warn("risk breaker transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Float64("daily_pnl", snap.DailyPnl),
		zap.Float64("drawdown", snap.CurrentDrawdown),
		zap.Float64("position", m.position))
	if m.listener != nil {
		m.listener(from, to, snap)
	}
}

// AllowQuote reports whether the quote engine may place new entry orders
// this cycle. It is authoritative: the quote engine must never bypass it.
func (m *Manager) AllowQuote() models.RiskAllowance {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.breaker {
	case models.BreakerDailyLossHalt:
		return models.RiskAllowance{Halted: true, Reason: "daily_loss"}
	case models.BreakerDrawdownHalt:
		return models.RiskAllowance{Halted: true, Reason: "drawdown"}
	case models.BreakerPositionCap:
		return models.RiskAllowance{Capped: true, Reason: "position_cap"}
	}
	return models.RiskAllowance{}
}

// Reset returns the breaker to ACTIVE and clears the daily counters. This is
// the external session-boundary signal; the manager never un-halts itself.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.breaker
	m.dailyPnl = 0
	m.drawdown = 0
	m.peakEquity = m.equity
	if from != models.BreakerActive {
		m.transitionLocked(models.BreakerActive)
	}
	m.logger.Info("risk counters reset for new session")
}

// Position returns the tracked net position.
func (m *Manager) Position() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// Snapshot returns a read-only copy of the counters for persistence and
// telemetry.
func (m *Manager) Snapshot() models.RiskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() models.RiskSnapshot {
	return models.RiskSnapshot{
		DailyPnl:        m.dailyPnl,
		PeakEquity:      m.peakEquity,
		CurrentDrawdown: m.drawdown,
		Breaker:         m.breaker,
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
