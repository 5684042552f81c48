package risk

import (
	"binance-mm-bot-go/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		PositionLimit:     10.0,
		PositionCapBuffer: 0.8,
		MaxDailyLoss:      100.0,
		MaxDrawdown:       0.2,
	}
}

func fill(side models.Side, qty, realized float64) models.Fill {
	return models.Fill{
		Symbol:      "BTCUSDT",
		Side:        side,
		Quantity:    qty,
		RealizedPnl: realized,
		Timestamp:   time.Now(),
	}
}

func TestStartsActive(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())
	allowance := m.AllowQuote()
	assert.False(t, allowance.Halted)
	assert.False(t, allowance.Capped)
	assert.Equal(t, models.BreakerActive, m.Snapshot().Breaker)
}

// TestDailyLossHaltIsSticky: crossing the daily loss limit halts, and
// recovering PnL afterwards does not un-halt.
func TestDailyLossHaltIsSticky(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())

	m.RecordFill(fill(models.Sell, 1, -60))
	assert.False(t, m.AllowQuote().Halted, "loss within budget keeps quoting")

	m.RecordFill(fill(models.Buy, 1, -50))
	allowance := m.AllowQuote()
	require.True(t, allowance.Halted, "110 lost of a 100 budget must halt")
	assert.Equal(t, "daily_loss", allowance.Reason)

	// A winning fill afterwards must not re-arm the breaker.
	m.RecordFill(fill(models.Sell, 1, 200))
	assert.True(t, m.AllowQuote().Halted, "halt is one-way within a session")
	assert.Equal(t, models.BreakerDailyLossHalt, m.Snapshot().Breaker)
}

// TestDrawdownHalt: equity falling more than max_drawdown below its peak
// halts permanently.
func TestDrawdownHalt(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())

	m.RecordFill(fill(models.Sell, 1, 1000)) // peak equity 1000
	require.False(t, m.AllowQuote().Halted)

	// Stay inside the daily-loss budget but breach the 20% drawdown.
	m.RecordFill(fill(models.Buy, 1, -90))
	m.RecordFill(fill(models.Sell, 1, -90))
	m.RecordFill(fill(models.Buy, 1, -90))

	allowance := m.AllowQuote()
	require.True(t, allowance.Halted)
	assert.Equal(t, "drawdown", allowance.Reason)
	assert.Equal(t, models.BreakerDrawdownHalt, m.Snapshot().Breaker)
}

// TestPositionCapIsReversible: the cap engages above the buffered limit
// and releases when the position shrinks, unlike the halt states.
func TestPositionCapIsReversible(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())

	m.RecordFill(fill(models.Buy, 9, 0)) // above 10 * 0.8
	allowance := m.AllowQuote()
	assert.False(t, allowance.Halted)
	require.True(t, allowance.Capped)
	assert.Equal(t, "position_cap", allowance.Reason)

	m.RecordFill(fill(models.Sell, 5, 0)) // back to 4, below the buffer
	allowance = m.AllowQuote()
	assert.False(t, allowance.Capped, "cap releases once the position shrinks")
	assert.Equal(t, models.BreakerActive, m.Snapshot().Breaker)
}

func TestShortPositionAlsoCaps(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())
	m.RecordFill(fill(models.Sell, 9, 0))
	assert.True(t, m.AllowQuote().Capped, "cap must be symmetric in sign")
}

// TestHaltOutranksCap: once halted, a shrinking position must not flip
// the breaker back to the cap state.
func TestHaltOutranksCap(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())

	m.RecordFill(fill(models.Buy, 9, -150))
	require.True(t, m.AllowQuote().Halted)

	m.RecordFill(fill(models.Sell, 9, 0))
	assert.True(t, m.AllowQuote().Halted, "halt survives the position going flat")
}

// TestReset is the external operator action: counters clear and the
// breaker re-arms.
func TestReset(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())

	m.RecordFill(fill(models.Buy, 1, -150))
	require.True(t, m.AllowQuote().Halted)

	m.Reset()
	allowance := m.AllowQuote()
	assert.False(t, allowance.Halted)
	snap := m.Snapshot()
	assert.Zero(t, snap.DailyPnl)
	assert.Zero(t, snap.CurrentDrawdown)
	assert.Equal(t, models.BreakerActive, snap.Breaker)
}

// TestTransitionListener verifies every breaker change is reported once.
func TestTransitionListener(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())

	type change struct{ from, to models.BreakerState }
	var changes []change
	m.SetTransitionListener(func(from, to models.BreakerState, _ models.RiskSnapshot) {
		changes = append(changes, change{from, to})
	})

	m.RecordFill(fill(models.Buy, 9, 0))  // -> POSITION_CAPPED
	m.RecordFill(fill(models.Buy, 0, 0))  // no change, no callback
	m.RecordFill(fill(models.Sell, 9, 0)) // -> ACTIVE

	require.Len(t, changes, 2)
	assert.Equal(t, models.BreakerActive, changes[0].from)
	assert.Equal(t, models.BreakerPositionCap, changes[0].to)
	assert.Equal(t, models.BreakerPositionCap, changes[1].from)
	assert.Equal(t, models.BreakerActive, changes[1].to)
}

// TestRestore seeds counters from a persisted snapshot, including a
// tripped breaker surviving the restart.
func TestRestore(t *testing.T) {
	m := NewManager(testConfig(), zap.NewNop())
	m.Restore(models.RiskSnapshot{
		DailyPnl:        -120,
		PeakEquity:      500,
		CurrentDrawdown: 0.1,
		Breaker:         models.BreakerDailyLossHalt,
	}, 3.0)

	assert.True(t, m.AllowQuote().Halted, "a persisted halt must survive restart")
	assert.InDelta(t, 3.0, m.Position(), 1e-9)

	// An empty snapshot restores to ACTIVE.
	fresh := NewManager(testConfig(), zap.NewNop())
	fresh.Restore(models.RiskSnapshot{}, 0)
	assert.Equal(t, models.BreakerActive, fresh.Snapshot().Breaker)
}
