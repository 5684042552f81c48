package lifecycle

import (
	"binance-mm-bot-go/internal/exchange"
	"binance-mm-bot-go/internal/models"
	"binance-mm-bot-go/internal/risk"
	"binance-mm-bot-go/internal/telemetry"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockGateway is a controllable in-memory implementation of the Gateway
// interface for testing.
type mockGateway struct {
	sync.Mutex
	placed        []exchange.OrderSpec
	cancelled     []string
	placeErr      error
	cancelErr     error
	blockCancels  bool
	cancelRelease chan struct{}
	openOrders    []models.OrderRecord
	position      *models.Position
	handler       exchange.EventHandler
	placedChan    chan exchange.OrderSpec
	cancelledChan chan string
	nextID        int
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		cancelRelease: make(chan struct{}),
		position:      &models.Position{},
		placedChan:    make(chan exchange.OrderSpec, 16),
		cancelledChan: make(chan string, 16),
		nextID:        1,
	}
}

func (g *mockGateway) PlaceOrder(ctx context.Context, spec exchange.OrderSpec) (*models.OrderRecord, error) {
	g.Lock()
	if g.placeErr != nil {
		err := g.placeErr
		g.Unlock()
		return nil, err
	}
	g.placed = append(g.placed, spec)
	id := fmt.Sprintf("%d", g.nextID)
	g.nextID++
	g.Unlock()

	g.placedChan <- spec
	return &models.OrderRecord{
		ID:            id,
		ClientOrderID: spec.ClientOrderID,
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Price:         spec.Price,
		Size:          spec.Quantity,
		Status:        models.StatusOpen,
	}, nil
}

func (g *mockGateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	g.Lock()
	block := g.blockCancels
	err := g.cancelErr
	g.Unlock()

	if block {
		<-g.cancelRelease
	}
	if err != nil {
		return err
	}

	g.Lock()
	g.cancelled = append(g.cancelled, clientOrderID)
	g.Unlock()
	g.cancelledChan <- clientOrderID
	return nil
}

func (g *mockGateway) GetMarketSnapshot(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	return nil, fmt.Errorf("not implemented")
}

func (g *mockGateway) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, fmt.Errorf("not implemented")
}

func (g *mockGateway) GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderRecord, error) {
	g.Lock()
	defer g.Unlock()
	return g.openOrders, nil
}

func (g *mockGateway) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	g.Lock()
	defer g.Unlock()
	pos := *g.position
	return &pos, nil
}

func (g *mockGateway) SubscribeOrderEvents(ctx context.Context, handler exchange.EventHandler) error {
	g.Lock()
	defer g.Unlock()
	g.handler = handler
	return nil
}

func (g *mockGateway) placedCount() int {
	g.Lock()
	defer g.Unlock()
	return len(g.placed)
}

// mockSink collects telemetry records for assertions.
type mockSink struct {
	sync.Mutex
	fills  []models.Fill
	alerts []telemetry.Alert
}

func (s *mockSink) EmitQuote(telemetry.QuoteRecord)             {}
func (s *mockSink) EmitRiskTransition(telemetry.RiskTransition) {}

func (s *mockSink) EmitFill(fill models.Fill) {
	s.Lock()
	defer s.Unlock()
	s.fills = append(s.fills, fill)
}

func (s *mockSink) EmitAlert(alert telemetry.Alert) {
	s.Lock()
	defer s.Unlock()
	s.alerts = append(s.alerts, alert)
}

func (s *mockSink) alertsOfKind(kind string) []telemetry.Alert {
	s.Lock()
	defer s.Unlock()
	var out []telemetry.Alert
	for _, a := range s.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

func newTestRiskManager() *risk.Manager {
	return risk.NewManager(risk.Config{
		PositionLimit:     100,
		PositionCapBuffer: 0.9,
		MaxDailyLoss:      1e12,
		MaxDrawdown:       1,
	}, zap.NewNop())
}

func newTestManager(gw *mockGateway, sink *mockSink, stuckTimeout time.Duration) *Manager {
	state := models.NewBotState("test-bot", "BTCUSDT")
	m := NewManager(Config{
		Symbol:              "BTCUSDT",
		TakeProfitRate:      0.01,
		StopLossRate:        0.005,
		CancelRetryAttempts: 2,
		CancelRetryInitial:  time.Millisecond,
		GatewayTimeout:      time.Second,
		StuckTimeout:        stuckTimeout,
	}, state, gw, nil, newTestRiskManager(), sink, nil, zap.NewNop())
	m.Start()
	return m
}

func waitPlaced(t *testing.T, gw *mockGateway) exchange.OrderSpec {
	t.Helper()
	select {
	case spec := <-gw.placedChan:
		return spec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for order placement")
		return exchange.OrderSpec{}
	}
}

func waitCancelled(t *testing.T, gw *mockGateway) string {
	t.Helper()
	select {
	case id := <-gw.cancelledChan:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancel")
		return ""
	}
}

func fillEvent(clientOrderID string, price, qty float64) models.OrderEvent {
	return models.OrderEvent{
		Symbol:        "BTCUSDT",
		ClientOrderID: clientOrderID,
		Status:        models.StatusFilled,
		FilledPrice:   price,
		FilledQty:     qty,
		Timestamp:     time.Now(),
	}
}

// TestQuoteCreatesEntryPairs verifies that a two-sided quote decision
// produces one pending pair and one resting entry order per side.
func TestQuoteCreatesEntryPairs(t *testing.T) {
	gw := newMockGateway()
	sink := &mockSink{}
	m := newTestManager(gw, sink, time.Minute)
	defer m.Stop()

	m.SubmitQuote(&models.QuoteDecision{
		CycleID:  1,
		BidPrice: 99.0,
		AskPrice: 101.0,
		BidSize:  1.0,
		AskSize:  1.0,
	})

	first := waitPlaced(t, gw)
	second := waitPlaced(t, gw)
	sides := map[models.Side]bool{first.Side: true, second.Side: true}
	assert.True(t, sides[models.Buy] && sides[models.Sell], "both sides should be quoted")
	assert.Equal(t, "LIMIT", first.Type)

	snapshot := m.Snapshot()
	require.NotNil(t, snapshot)
	assert.Len(t, snapshot.Pairs, 2, "one pair per quoted side")
	for _, pair := range snapshot.Pairs {
		assert.Equal(t, models.PhasePendingEntry, pair.Phase)
	}
}

// TestEntryFillPlacesProtectiveSiblings verifies the atomic TP/SL creation
// after the entry fills, with cross-referenced sibling ids.
func TestEntryFillPlacesProtectiveSiblings(t *testing.T) {
	gw := newMockGateway()
	sink := &mockSink{}
	m := newTestManager(gw, sink, time.Minute)
	defer m.Stop()

	m.SubmitQuote(&models.QuoteDecision{CycleID: 1, BidPrice: 100.0, BidSize: 2.0})
	entry := waitPlaced(t, gw)

	m.OnOrderEvent(fillEvent(entry.ClientOrderID, 100.0, 2.0))

	tp := waitPlaced(t, gw)
	sl := waitPlaced(t, gw)
	// Arrival order of the two placements is not deterministic.
	if tp.Type != "TAKE_PROFIT_MARKET" {
		tp, sl = sl, tp
	}
	assert.Equal(t, "TAKE_PROFIT_MARKET", tp.Type)
	assert.Equal(t, "STOP_MARKET", sl.Type)
	assert.Equal(t, models.Sell, tp.Side, "long entry exits with a sell")
	assert.Equal(t, models.Sell, sl.Side)
	assert.True(t, tp.ReduceOnly && sl.ReduceOnly, "protective orders must be reduce-only")
	assert.InDelta(t, 101.0, tp.StopPrice, 1e-9, "TP at entry price plus take_profit_rate")
	assert.InDelta(t, 99.5, sl.StopPrice, 1e-9, "SL at entry price minus stop_loss_rate")

	snapshot := m.Snapshot()
	require.Len(t, snapshot.Pairs, 1)
	for _, pair := range snapshot.Pairs {
		assert.Equal(t, models.PhaseEntryFilled, pair.Phase)
		require.NotNil(t, pair.TakeProfit)
		require.NotNil(t, pair.StopLoss)
		assert.Equal(t, pair.StopLoss.ClientOrderID, pair.TakeProfit.SiblingID)
		assert.Equal(t, pair.TakeProfit.ClientOrderID, pair.StopLoss.SiblingID)
	}
	assert.InDelta(t, 2.0, snapshot.Position.Size, 1e-9, "fill must update the position")
}

// TestSiblingFillCancelsOther covers the happy path: one protective order
// fills and the other is cancelled, resolving the pair.
func TestSiblingFillCancelsOther(t *testing.T) {
	gw := newMockGateway()
	sink := &mockSink{}
	m := newTestManager(gw, sink, time.Minute)
	defer m.Stop()

	m.SubmitQuote(&models.QuoteDecision{CycleID: 1, BidPrice: 100.0, BidSize: 1.0})
	entry := waitPlaced(t, gw)
	m.OnOrderEvent(fillEvent(entry.ClientOrderID, 100.0, 1.0))
	waitPlaced(t, gw)
	waitPlaced(t, gw)

	snapshot := m.Snapshot()
	var tpID string
	for _, pair := range snapshot.Pairs {
		tpID = pair.TakeProfit.ClientOrderID
	}
	require.NotEmpty(t, tpID)

	m.OnOrderEvent(fillEvent(tpID, 101.0, 1.0))

	cancelledID := waitCancelled(t, gw)
	var slID string
	for _, pair := range snapshot.Pairs {
		slID = pair.StopLoss.ClientOrderID
	}
	assert.Equal(t, slID, cancelledID, "the untouched sibling must be cancelled")

	assert.Eventually(t, func() bool {
		return len(m.Snapshot().Pairs) == 0
	}, 2*time.Second, 10*time.Millisecond, "pair should resolve after cancel confirms")

	final := m.Snapshot()
	assert.InDelta(t, 0.0, final.Position.Size, 1e-9, "position flat after the round trip")
	assert.InDelta(t, 1.0, final.Risk.DailyPnl, 1e-9, "realized PnL = (101-100)*1")
	assert.Empty(t, sink.alertsOfKind("race_detected"))
}

// TestRaceBothSiblingsFill simulates both protective orders filling before
// the cancel lands: exactly one flatten order and one alert must result.
func TestRaceBothSiblingsFill(t *testing.T) {
	gw := newMockGateway()
	gw.blockCancels = true // the cancel hangs, as in a venue outage
	sink := &mockSink{}
	m := newTestManager(gw, sink, time.Minute)
	defer m.Stop()
	defer close(gw.cancelRelease)

	m.SubmitQuote(&models.QuoteDecision{CycleID: 1, BidPrice: 100.0, BidSize: 1.0})
	entry := waitPlaced(t, gw)
	m.OnOrderEvent(fillEvent(entry.ClientOrderID, 100.0, 1.0))
	waitPlaced(t, gw)
	waitPlaced(t, gw)

	snapshot := m.Snapshot()
	var tpID, slID string
	for _, pair := range snapshot.Pairs {
		tpID = pair.TakeProfit.ClientOrderID
		slID = pair.StopLoss.ClientOrderID
	}

	// Both siblings fill while the cancel is stuck in flight.
	m.OnOrderEvent(fillEvent(tpID, 101.0, 1.0))
	m.OnOrderEvent(fillEvent(slID, 99.5, 1.0))

	flatten := waitPlaced(t, gw)
	assert.Equal(t, "MARKET", flatten.Type, "flatten must be a market order")
	assert.Equal(t, models.Buy, flatten.Side, "the second sell fill leaves a short to buy back")
	assert.InDelta(t, 1.0, flatten.Quantity, 1e-9)

	require.Len(t, sink.alertsOfKind("race_detected"), 1, "exactly one race alert")

	// The flatten fills and the pair resolves with a flat book.
	m.OnOrderEvent(fillEvent(flatten.ClientOrderID, 99.6, 1.0))
	assert.Eventually(t, func() bool {
		return len(m.Snapshot().Pairs) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 0.0, m.Snapshot().Position.Size, 1e-9)
	assert.Equal(t, 3, gw.placedCount()-1, "entry, TP, SL and exactly one flatten") // -1 for the entry
}

// TestDuplicateFillIsIdempotent verifies a replayed FILLED event changes
// nothing: the position is applied once and the siblings placed once.
func TestDuplicateFillIsIdempotent(t *testing.T) {
	gw := newMockGateway()
	sink := &mockSink{}
	m := newTestManager(gw, sink, time.Minute)
	defer m.Stop()

	m.SubmitQuote(&models.QuoteDecision{CycleID: 1, BidPrice: 100.0, BidSize: 1.0})
	entry := waitPlaced(t, gw)

	m.OnOrderEvent(fillEvent(entry.ClientOrderID, 100.0, 1.0))
	m.OnOrderEvent(fillEvent(entry.ClientOrderID, 100.0, 1.0)) // duplicate delivery
	waitPlaced(t, gw)
	waitPlaced(t, gw)

	snapshot := m.Snapshot()
	assert.InDelta(t, 1.0, snapshot.Position.Size, 1e-9, "duplicate must not double-count")
	assert.Equal(t, 3, gw.placedCount(), "entry + TP + SL, no duplicates")

	sink.Lock()
	fills := len(sink.fills)
	sink.Unlock()
	assert.Equal(t, 1, fills, "one fill record for one fill")
}

// TestCancelFailureRaisesAlert verifies that exhausting the cancel retry
// budget escalates instead of failing silently.
func TestCancelFailureRaisesAlert(t *testing.T) {
	gw := newMockGateway()
	gw.cancelErr = fmt.Errorf("venue 5xx")
	sink := &mockSink{}
	m := newTestManager(gw, sink, time.Minute)
	defer m.Stop()

	m.SubmitQuote(&models.QuoteDecision{CycleID: 1, BidPrice: 100.0, BidSize: 1.0})
	entry := waitPlaced(t, gw)
	m.OnOrderEvent(fillEvent(entry.ClientOrderID, 100.0, 1.0))
	waitPlaced(t, gw)
	waitPlaced(t, gw)

	snapshot := m.Snapshot()
	var tpID string
	for _, pair := range snapshot.Pairs {
		tpID = pair.TakeProfit.ClientOrderID
	}
	m.OnOrderEvent(fillEvent(tpID, 101.0, 1.0))

	assert.Eventually(t, func() bool {
		return len(sink.alertsOfKind("cancel_failed")) == 1
	}, 2*time.Second, 10*time.Millisecond, "retry exhaustion must raise an alert")

	// The pair stays open for the reconciliation safety net.
	final := m.Snapshot()
	require.Len(t, final.Pairs, 1)
	for _, pair := range final.Pairs {
		assert.Equal(t, models.PhaseOneSiblingFilled, pair.Phase)
	}
}

// TestReconcileResolvesLostEntry verifies that an entry the venue no
// longer knows about is adopted as cancelled after the stuck timeout.
func TestReconcileResolvesLostEntry(t *testing.T) {
	gw := newMockGateway()
	sink := &mockSink{}
	m := newTestManager(gw, sink, 30*time.Millisecond)
	defer m.Stop()

	m.SubmitQuote(&models.QuoteDecision{CycleID: 1, BidPrice: 100.0, BidSize: 1.0})
	waitPlaced(t, gw)
	require.Len(t, m.Snapshot().Pairs, 1)

	time.Sleep(50 * time.Millisecond) // let the pair become stuck
	m.TriggerReconcile()

	assert.Eventually(t, func() bool {
		return len(m.Snapshot().Pairs) == 0
	}, 2*time.Second, 10*time.Millisecond, "lost entry should be cleaned up")
}

// TestEntryCancelledRemovesPair verifies a cancelled entry (e.g. a
// post-only reject or a quote replacement) cleans the pair up.
func TestEntryCancelledRemovesPair(t *testing.T) {
	gw := newMockGateway()
	sink := &mockSink{}
	m := newTestManager(gw, sink, time.Minute)
	defer m.Stop()

	m.SubmitQuote(&models.QuoteDecision{CycleID: 1, AskPrice: 101.0, AskSize: 1.0})
	entry := waitPlaced(t, gw)

	m.OnOrderEvent(models.OrderEvent{
		Symbol:        "BTCUSDT",
		ClientOrderID: entry.ClientOrderID,
		Status:        models.StatusCancelled,
		Timestamp:     time.Now(),
	})

	assert.Eventually(t, func() bool {
		return len(m.Snapshot().Pairs) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 0.0, m.Snapshot().Position.Size, 1e-9)
}

// TestNextQuoteReplacesRestingEntries verifies that a new cycle cancels
// the previous cycle's unfilled quotes.
func TestNextQuoteReplacesRestingEntries(t *testing.T) {
	gw := newMockGateway()
	sink := &mockSink{}
	m := newTestManager(gw, sink, time.Minute)
	defer m.Stop()

	m.SubmitQuote(&models.QuoteDecision{CycleID: 1, BidPrice: 100.0, BidSize: 1.0})
	first := waitPlaced(t, gw)

	// Wait until the placement outcome marked the entry as resting.
	assert.Eventually(t, func() bool {
		for _, pair := range m.Snapshot().Pairs {
			if pair.Entry.ClientOrderID == first.ClientOrderID {
				return pair.Entry.Status == models.StatusOpen
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	m.SubmitQuote(&models.QuoteDecision{CycleID: 2, BidPrice: 100.5, BidSize: 1.0})
	waitPlaced(t, gw)

	cancelledID := waitCancelled(t, gw)
	assert.Equal(t, first.ClientOrderID, cancelledID, "stale quote must be cancelled")
}
