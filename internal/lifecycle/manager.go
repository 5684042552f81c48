package lifecycle

import (
	"binance-mm-bot-go/internal/exchange"
	"binance-mm-bot-go/internal/models"
	"binance-mm-bot-go/internal/persistence"
	"binance-mm-bot-go/internal/risk"
	"binance-mm-bot-go/internal/telemetry"
	"context"
	"fmt"
	"time"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// IntentType defines the type of a normalized intent processed by the
// manager's single event loop.
type IntentType int

const (
	QuoteIntent IntentType = iota
	OrderEventIntent
	PlaceOutcomeIntent
	CancelOutcomeIntent
	ReconcileIntent
	ReconcileReportIntent
	SessionResetIntent
	snapshotIntent
)

// Intent is a standardized internal representation of a state mutation
// request. Both the quoting cycle and the event listener submit intents
// rather than mutating state directly; one serialized owner applies them
// in order.
type Intent struct {
	Type      IntentType
	Timestamp time.Time
	Data      interface{}
}

// placeOutcome reports the asynchronous result of an order placement.
type placeOutcome struct {
	PairID string
	Role   models.OrderRole
	Record *models.OrderRecord
	Err    error
}

// cancelOutcome reports the asynchronous result of a cancel request.
type cancelOutcome struct {
	PairID        string
	ClientOrderID string
	Confirmed     bool // venue acknowledged the cancel
	Gone          bool // venue no longer knows the order (filled or already cancelled)
	Err           error
}

// reconcileReport carries the venue's authoritative view of open orders and
// position, fetched outside the event loop.
type reconcileReport struct {
	OpenOrders []models.OrderRecord
	Position   *models.Position
}

type snapshotRequest struct {
	resp chan *models.BotState
}

// Config holds the lifecycle manager's tunables.
type Config struct {
	Symbol              string
	TakeProfitRate      float64
	StopLossRate        float64
	CancelRetryAttempts int
	CancelRetryInitial  time.Duration
	GatewayTimeout      time.Duration
	StuckTimeout        time.Duration
}

// Manager guarantees at-most-one effective outcome between a take-profit
// and a stop-loss order attached to the same entry, on a venue with no
// native bracket order. It is the single owner of the position, the
// open-order table and the pair table; all mutations funnel through one
// serialized event loop.
type Manager struct {
	cfg     Config
	gateway exchange.Gateway
	rules   *exchange.SymbolRules // nil in tests; skips quantization
	riskMgr *risk.Manager
	sink    telemetry.Sink
	repo    persistence.StateRepository
	logger  *zap.Logger

	state           *models.BotState // owned exclusively by the event loop
	intentChannel   chan Intent
	persistenceChan chan *models.BotState
	stopChan        chan struct{}
}

// NewManager creates a Manager around an initial (possibly restored) state.
func NewManager(cfg Config, state *models.BotState, gw exchange.Gateway, rules *exchange.SymbolRules,
	riskMgr *risk.Manager, sink telemetry.Sink, repo persistence.StateRepository, logger *zap.Logger) *Manager {
	if cfg.CancelRetryAttempts <= 0 {
		cfg.CancelRetryAttempts = 3
	}
	if cfg.CancelRetryInitial <= 0 {
		cfg.CancelRetryInitial = 200 * time.Millisecond
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 5 * time.Second
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = time.Minute
	}
	if state.Pairs == nil {
		state.Pairs = make(map[string]*models.OrderPair)
	}
	return &Manager{
		cfg:             cfg,
		gateway:         gw,
		rules:           rules,
		riskMgr:         riskMgr,
		sink:            sink,
		repo:            repo,
		logger:          logger,
		state:           state,
		intentChannel:   make(chan Intent, 1024),
		persistenceChan: make(chan *models.BotState, 128),
		stopChan:        make(chan struct{}),
	}
}

// Start begins the event processing and persistence loops.
func (m *Manager) Start() {
	go m.eventLoop()
	go m.persistenceLoop()
	m.logger.Info("lifecycle manager started")
}

// Stop shuts the loops down.
func (m *Manager) Stop() {
	close(m.stopChan)
	m.logger.Info("lifecycle manager stopped")
}

// Dispatch submits an intent for serialized processing.
func (m *Manager) Dispatch(intent Intent) {
	select {
	case m.intentChannel <- intent:
	case <-m.stopChan:
	}
}

// SubmitQuote hands one cycle's quote decision to the state owner.
func (m *Manager) SubmitQuote(decision *models.QuoteDecision) {
	m.Dispatch(Intent{Type: QuoteIntent, Timestamp: time.Now(), Data: decision})
}

// OnOrderEvent is the handler registered with the gateway's event stream.
// It never blocks: the event is posted to the intent queue and applied by
// the serialized owner.
func (m *Manager) OnOrderEvent(event models.OrderEvent) {
	m.Dispatch(Intent{Type: OrderEventIntent, Timestamp: time.Now(), Data: event})
}

// TriggerReconcile asks for a reconciliation pass.
func (m *Manager) TriggerReconcile() {
	m.Dispatch(Intent{Type: ReconcileIntent, Timestamp: time.Now()})
}

// ResetSession clears daily risk counters at the external session boundary.
func (m *Manager) ResetSession() {
	m.Dispatch(Intent{Type: SessionResetIntent, Timestamp: time.Now()})
}

// Snapshot returns a deep copy of the current state. The request is served
// by the event loop, so it also acts as a barrier: every intent dispatched
// before the call has been applied when it returns.
func (m *Manager) Snapshot() *models.BotState {
	req := snapshotRequest{resp: make(chan *models.BotState, 1)}
	m.Dispatch(Intent{Type: snapshotIntent, Timestamp: time.Now(), Data: req})
	select {
	case snap := <-req.resp:
		return snap
	case <-m.stopChan:
		return nil
	}
}

// eventLoop is the core processing loop that applies all intents serially.
func (m *Manager) eventLoop() {
	for {
		select {
		case intent := <-m.intentChannel:
			m.processIntent(intent)
		case <-m.stopChan:
			return
		}
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots.
func (m *Manager) persistenceLoop() {
	for {
		select {
		case stateToSave := <-m.persistenceChan:
			if m.repo != nil {
				if err := m.repo.SaveState(stateToSave); err != nil {
					m.logger.Error("CRITICAL: failed to save state", zap.Error(err))
				}
			}
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) processIntent(intent Intent) {
	switch intent.Type {
	case QuoteIntent:
		if decision, ok := intent.Data.(*models.QuoteDecision); ok {
			m.handleQuote(decision)
		}
	case OrderEventIntent:
		if event, ok := intent.Data.(models.OrderEvent); ok {
			m.handleOrderEvent(event)
		}
	case PlaceOutcomeIntent:
		if outcome, ok := intent.Data.(placeOutcome); ok {
			m.handlePlaceOutcome(outcome)
		}
	case CancelOutcomeIntent:
		if outcome, ok := intent.Data.(cancelOutcome); ok {
			m.handleCancelOutcome(outcome)
		}
	case ReconcileIntent:
		m.handleReconcile()
	case ReconcileReportIntent:
		if report, ok := intent.Data.(reconcileReport); ok {
			m.handleReconcileReport(report)
		}
	case SessionResetIntent:
		m.riskMgr.Reset()
		m.state.Risk = m.riskMgr.Snapshot()
	case snapshotIntent:
		if req, ok := intent.Data.(snapshotRequest); ok {
			req.resp <- m.deepCopy()
			return // snapshots do not mutate state, skip persistence
		}
	}

	m.state.LastUpdateTime = time.Now()
	m.state.Risk = m.riskMgr.Snapshot()

	// After processing, hand a deep copy to the persistence loop.
	if stateCopy := m.deepCopy(); stateCopy != nil {
		select {
		case m.persistenceChan <- stateCopy:
		default:
			m.logger.Warn("persistence channel full, dropping snapshot")
		}
	}
}

// deepCopy clones the state so concurrent readers never observe the loop's
// working copy.
func (m *Manager) deepCopy() *models.BotState {
	if m.state == nil {
		return nil
	}
	stateCopy := *m.state
	stateCopy.Pairs = make(map[string]*models.OrderPair, len(m.state.Pairs))
	for id, pair := range m.state.Pairs {
		pairCopy := *pair
		if pair.Entry != nil {
			entry := *pair.Entry
			pairCopy.Entry = &entry
		}
		if pair.TakeProfit != nil {
			tp := *pair.TakeProfit
			pairCopy.TakeProfit = &tp
		}
		if pair.StopLoss != nil {
			sl := *pair.StopLoss
			pairCopy.StopLoss = &sl
		}
		stateCopy.Pairs[id] = &pairCopy
	}
	return &stateCopy
}

// nextClientOrderID mints a compact, collision-free client order id so
// fills can be matched to pairs even after a restart.
func (m *Manager) nextClientOrderID(role models.OrderRole) string {
	seq := m.state.NextOrderSeq
	m.state.NextOrderSeq++
	var suffix string
	switch role {
	case models.RoleEntry:
		suffix = "e"
	case models.RoleTakeProfit:
		suffix = "t"
	case models.RoleStopLoss:
		suffix = "s"
	case models.RoleFlatten:
		suffix = "f"
	}
	return fmt.Sprintf("mm-%s-%s", string(base62.FormatInt(seq)), suffix)
}

// --- quoting ---

// handleQuote replaces last cycle's unfilled entry quotes with this
// cycle's. Entries that already filled keep their TP/SL pairs alive.
func (m *Manager) handleQuote(decision *models.QuoteDecision) {
	// Cancel entries still resting from previous cycles.
	for _, pair := range m.state.Pairs {
		if pair.Phase == models.PhasePendingEntry && pair.Entry != nil && pair.Entry.Status == models.StatusOpen {
			m.dispatchCancel(pair.ID, pair.Entry.ClientOrderID, 1)
		}
	}

	if decision.BidSize > 0 {
		m.openEntry(decision.CycleID, models.Buy, decision.BidPrice, decision.BidSize)
	}
	if decision.AskSize > 0 {
		m.openEntry(decision.CycleID, models.Sell, decision.AskPrice, decision.AskSize)
	}
}

func (m *Manager) openEntry(cycleID int64, side models.Side, price, size float64) {
	if m.rules != nil {
		price = m.rules.QuantizePrice(price)
		size = m.rules.QuantizeQty(size)
		if !m.rules.ValidOrder(price, size) {
			m.logger.Debug("entry below venue minimums, skipping side",
				zap.String("side", string(side)), zap.Float64("price", price), zap.Float64("size", size))
			return
		}
	}

	clientID := m.nextClientOrderID(models.RoleEntry)
	pairID := fmt.Sprintf("pair-%d-%s", cycleID, clientID)
	now := time.Now()
	pair := &models.OrderPair{
		ID:     pairID,
		Symbol: m.cfg.Symbol,
		Phase:  models.PhasePendingEntry,
		Entry: &models.OrderRecord{
			ClientOrderID: clientID,
			Symbol:        m.cfg.Symbol,
			Side:          side,
			Price:         price,
			Size:          size,
			Role:          models.RoleEntry,
			Status:        models.StatusNew,
			PairID:        pairID,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		CreatedAt:  now,
		PhaseSince: now,
	}
	m.state.Pairs[pairID] = pair

	m.dispatchPlace(pairID, models.RoleEntry, exchange.OrderSpec{
		Symbol:        m.cfg.Symbol,
		Side:          side,
		Type:          "LIMIT",
		Price:         price,
		Quantity:      size,
		ClientOrderID: clientID,
	}, true)
}

// --- async gateway calls ---

// dispatchPlace runs the placement off the event loop so slow gateway I/O
// never blocks receipt of further events. A rejected placement is retried
// once, then that side is skipped for the cycle.
func (m *Manager) dispatchPlace(pairID string, role models.OrderRole, spec exchange.OrderSpec, retryOnce bool) {
	go func() {
		attempts := 1
		if retryOnce {
			attempts = 2
		}
		var record *models.OrderRecord
		var err error
		for i := 0; i < attempts; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.GatewayTimeout)
			record, err = m.gateway.PlaceOrder(ctx, spec)
			cancel()
			if err == nil {
				break
			}
			m.logger.Warn("order placement failed",
				zap.String("pair_id", pairID), zap.String("role", string(role)),
				zap.Int("attempt", i+1), zap.Error(err))
		}
		m.Dispatch(Intent{Type: PlaceOutcomeIntent, Timestamp: time.Now(), Data: placeOutcome{
			PairID: pairID,
			Role:   role,
			Record: record,
			Err:    err,
		}})
	}()
}

// dispatchCancel issues a cancel with bounded retry and exponential
// backoff. The outcome, success or exhaustion, is reported back as an
// intent; a timeout is an unknown outcome left to reconciliation.
func (m *Manager) dispatchCancel(pairID, clientOrderID string, attempts int) {
	go func() {
		delay := m.cfg.CancelRetryInitial
		var lastErr error
		for i := 0; i < attempts; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.GatewayTimeout)
			err := m.gateway.CancelOrder(ctx, m.cfg.Symbol, clientOrderID)
			cancel()
			if err == nil {
				m.Dispatch(Intent{Type: CancelOutcomeIntent, Timestamp: time.Now(), Data: cancelOutcome{
					PairID: pairID, ClientOrderID: clientOrderID, Confirmed: true,
				}})
				return
			}
			if apiErr, ok := err.(*models.APIError); ok && apiErr.Code == -2011 {
				// Venue no longer knows the order: it filled or was already
				// cancelled. Ambiguous, so do not claim the cancel succeeded.
				m.Dispatch(Intent{Type: CancelOutcomeIntent, Timestamp: time.Now(), Data: cancelOutcome{
					PairID: pairID, ClientOrderID: clientOrderID, Gone: true, Err: err,
				}})
				return
			}
			lastErr = err
			m.logger.Warn("cancel attempt failed",
				zap.String("client_order_id", clientOrderID), zap.Int("attempt", i+1), zap.Error(err))
			if i < attempts-1 {
				time.Sleep(delay)
				delay *= 2
			}
		}
		m.Dispatch(Intent{Type: CancelOutcomeIntent, Timestamp: time.Now(), Data: cancelOutcome{
			PairID: pairID, ClientOrderID: clientOrderID, Err: lastErr,
		}})
	}()
}

// --- event application ---

func (m *Manager) handlePlaceOutcome(outcome placeOutcome) {
	pair, ok := m.state.Pairs[outcome.PairID]
	if !ok || pair.Phase.IsTerminal() {
		return
	}

	record := m.orderByRole(pair, outcome.Role)

	if outcome.Err != nil {
		m.logger.Warn("placement abandoned after retry",
			zap.String("pair_id", outcome.PairID), zap.String("role", string(outcome.Role)), zap.Error(outcome.Err))
		switch outcome.Role {
		case models.RoleEntry:
			delete(m.state.Pairs, outcome.PairID) // side skipped for this cycle
		case models.RoleTakeProfit, models.RoleStopLoss:
			// An entry without its protective sibling is residual risk.
			m.sink.EmitAlert(telemetry.Alert{
				Kind:      "sibling_place_failed",
				PairID:    outcome.PairID,
				Message:   fmt.Sprintf("failed to place %s: %v", outcome.Role, outcome.Err),
				Timestamp: time.Now(),
			})
		case models.RoleFlatten:
			m.sink.EmitAlert(telemetry.Alert{
				Kind:      "flatten_failed",
				PairID:    outcome.PairID,
				Message:   fmt.Sprintf("flatten placement failed: %v", outcome.Err),
				Timestamp: time.Now(),
			})
		}
		return
	}

	if record != nil && outcome.Record != nil {
		record.ID = outcome.Record.ID
		if record.Status == models.StatusNew {
			record.Status = models.StatusOpen
		}
		record.UpdatedAt = time.Now()
	}
}

// handleOrderEvent applies one status-change event. All transitions are
// idempotent: duplicates and events for resolved pairs are no-ops.
func (m *Manager) handleOrderEvent(event models.OrderEvent) {
	pair, record := m.findOrder(event.ClientOrderID)
	if pair == nil {
		m.logger.Debug("event for unknown order", zap.String("client_order_id", event.ClientOrderID))
		return
	}
	if pair.Phase.IsTerminal() {
		return
	}
	if record.Status.IsTerminal() {
		return // duplicate or out-of-order event
	}

	switch event.Status {
	case models.StatusFilled:
		m.applyFilled(pair, record, event)
	case models.StatusCancelled, models.StatusExpired:
		m.applyCancelled(pair, record, event.Status)
	case models.StatusRejected:
		m.applyCancelled(pair, record, models.StatusRejected)
	case models.StatusOpen:
		if record.Status == models.StatusNew {
			record.Status = models.StatusOpen
			record.UpdatedAt = event.Timestamp
		}
	}
}

func (m *Manager) applyFilled(pair *models.OrderPair, record *models.OrderRecord, event models.OrderEvent) {
	record.Status = models.StatusFilled
	if record.ID == "" {
		record.ID = event.OrderID
	}
	record.FilledPrice = event.FilledPrice
	record.FilledQty = event.FilledQty
	record.UpdatedAt = event.Timestamp
	if record.FilledQty == 0 {
		record.FilledQty = record.Size
	}
	if record.FilledPrice == 0 {
		record.FilledPrice = record.Price
	}

	m.recordFill(record, event)

	switch record.Role {
	case models.RoleEntry:
		m.onEntryFilled(pair, record)
	case models.RoleTakeProfit, models.RoleStopLoss:
		m.onSiblingFilled(pair, record)
	case models.RoleFlatten:
		m.transition(pair, models.PhaseResolved)
		delete(m.state.Pairs, pair.ID)
	}
}

// recordFill feeds position and risk state from a confirmed fill. The risk
// manager eventually reflects every imbalance, including those produced by
// failed cancels.
func (m *Manager) recordFill(record *models.OrderRecord, event models.OrderEvent) {
	realized := m.state.Position.ApplyFill(record.Side, record.FilledPrice, record.FilledQty)
	if event.RealizedPnl != 0 {
		realized = event.RealizedPnl
	}

	fill := models.Fill{
		OrderID:       record.ID,
		ClientOrderID: record.ClientOrderID,
		Symbol:        record.Symbol,
		Side:          record.Side,
		Price:         record.FilledPrice,
		Quantity:      record.FilledQty,
		RealizedPnl:   realized,
		Timestamp:     event.Timestamp,
	}
	m.riskMgr.RecordFill(fill)
	m.sink.EmitFill(fill)
}

// onEntryFilled atomically creates the TP/SL pair, cross-referencing
// sibling ids, and dispatches both placements.
func (m *Manager) onEntryFilled(pair *models.OrderPair, entry *models.OrderRecord) {
	if pair.Phase != models.PhasePendingEntry {
		return
	}
	m.transition(pair, models.PhaseEntryFilled)

	exitSide := entry.Side.Opposite()
	tpID := m.nextClientOrderID(models.RoleTakeProfit)
	slID := m.nextClientOrderID(models.RoleStopLoss)

	var tpPrice, slPrice float64
	if entry.Side == models.Buy {
		tpPrice = entry.FilledPrice * (1 + m.cfg.TakeProfitRate)
		slPrice = entry.FilledPrice * (1 - m.cfg.StopLossRate)
	} else {
		tpPrice = entry.FilledPrice * (1 - m.cfg.TakeProfitRate)
		slPrice = entry.FilledPrice * (1 + m.cfg.StopLossRate)
	}
	if m.rules != nil {
		tpPrice = m.rules.QuantizePrice(tpPrice)
		slPrice = m.rules.QuantizePrice(slPrice)
	}

	now := time.Now()
	pair.TakeProfit = &models.OrderRecord{
		ClientOrderID: tpID,
		Symbol:        m.cfg.Symbol,
		Side:          exitSide,
		Price:         tpPrice,
		Size:          entry.FilledQty,
		Role:          models.RoleTakeProfit,
		Status:        models.StatusNew,
		SiblingID:     slID,
		PairID:        pair.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	pair.StopLoss = &models.OrderRecord{
		ClientOrderID: slID,
		Symbol:        m.cfg.Symbol,
		Side:          exitSide,
		Price:         slPrice,
		Size:          entry.FilledQty,
		Role:          models.RoleStopLoss,
		Status:        models.StatusNew,
		SiblingID:     tpID,
		PairID:        pair.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	m.dispatchPlace(pair.ID, models.RoleTakeProfit, exchange.OrderSpec{
		Symbol:        m.cfg.Symbol,
		Side:          exitSide,
		Type:          "TAKE_PROFIT_MARKET",
		StopPrice:     tpPrice,
		Quantity:      entry.FilledQty,
		ClientOrderID: tpID,
		ReduceOnly:    true,
	}, true)
	m.dispatchPlace(pair.ID, models.RoleStopLoss, exchange.OrderSpec{
		Symbol:        m.cfg.Symbol,
		Side:          exitSide,
		Type:          "STOP_MARKET",
		StopPrice:     slPrice,
		Quantity:      entry.FilledQty,
		ClientOrderID: slID,
		ReduceOnly:    true,
	}, true)
}

// onSiblingFilled handles a TP or SL fill: the happy path cancels the
// other sibling; a second fill before the cancel confirms is the race.
func (m *Manager) onSiblingFilled(pair *models.OrderPair, filled *models.OrderRecord) {
	switch pair.Phase {
	case models.PhaseEntryFilled:
		m.transition(pair, models.PhaseOneSiblingFilled)
		sibling := m.siblingOf(pair, filled)
		if sibling != nil && !sibling.Status.IsTerminal() {
			m.dispatchCancel(pair.ID, sibling.ClientOrderID, m.cfg.CancelRetryAttempts)
		} else {
			// Sibling already terminal (e.g. its placement failed): done.
			m.transition(pair, models.PhaseResolved)
			delete(m.state.Pairs, pair.ID)
		}

	case models.PhaseOneSiblingFilled:
		// Both siblings filled: the race the venue's missing OCO primitive
		// makes possible. Flatten the unintended leftover and alert.
		m.transition(pair, models.PhaseRaceDetected)
		m.sink.EmitAlert(telemetry.Alert{
			Kind:      "race_detected",
			PairID:    pair.ID,
			Message:   fmt.Sprintf("both TP and SL filled for pair %s", pair.ID),
			Timestamp: time.Now(),
		})
		m.flattenPair(pair, filled)

	default:
		// Duplicate delivery for an already-handled sibling; terminal-status
		// guard upstream makes this unreachable for the same order, and a
		// third fill cannot exist.
	}
}

// flattenPair issues a best-effort closing order for the unintended net
// position created by the second sibling fill.
func (m *Manager) flattenPair(pair *models.OrderPair, secondFill *models.OrderRecord) {
	m.transition(pair, models.PhaseFlattening)

	flattenID := m.nextClientOrderID(models.RoleFlatten)
	pair.FlattenOrderID = flattenID
	qty := secondFill.FilledQty
	if qty == 0 {
		qty = secondFill.Size
	}

	m.dispatchPlace(pair.ID, models.RoleFlatten, exchange.OrderSpec{
		Symbol:        m.cfg.Symbol,
		Side:          secondFill.Side.Opposite(),
		Type:          "MARKET",
		Quantity:      qty,
		ClientOrderID: flattenID,
	}, true)
}

func (m *Manager) applyCancelled(pair *models.OrderPair, record *models.OrderRecord, status models.OrderStatus) {
	record.Status = status
	record.UpdatedAt = time.Now()

	switch record.Role {
	case models.RoleEntry:
		if pair.Phase == models.PhasePendingEntry {
			// Quote replaced or rejected; no position at risk.
			m.transition(pair, models.PhaseResolved)
			delete(m.state.Pairs, pair.ID)
		}
	case models.RoleTakeProfit, models.RoleStopLoss:
		if pair.Phase == models.PhaseOneSiblingFilled {
			m.transition(pair, models.PhaseResolved)
			delete(m.state.Pairs, pair.ID)
		}
	}
}

func (m *Manager) handleCancelOutcome(outcome cancelOutcome) {
	pair, ok := m.state.Pairs[outcome.PairID]
	if !ok || pair.Phase.IsTerminal() {
		return
	}

	switch {
	case outcome.Confirmed:
		_, record := m.findOrder(outcome.ClientOrderID)
		if record != nil && !record.Status.IsTerminal() {
			m.applyCancelled(pair, record, models.StatusCancelled)
		}

	case outcome.Gone:
		// Unknown outcome: the order either filled (its FILLED event will
		// arrive and trigger race handling) or was already cancelled (the
		// reconciliation pass resolves the pair). Do nothing here.
		m.logger.Warn("cancel target no longer known to venue, awaiting event or reconcile",
			zap.String("pair_id", outcome.PairID), zap.String("client_order_id", outcome.ClientOrderID))

	default:
		pair.CancelAttempts += m.cfg.CancelRetryAttempts
		// Retries exhausted. Never silently dropped: alert the operator and
		// leave the pair for the reconciliation safety net. Any fill that
		// sneaks through still reaches the risk manager via the event path.
		m.sink.EmitAlert(telemetry.Alert{
			Kind:      "cancel_failed",
			PairID:    outcome.PairID,
			Message:   fmt.Sprintf("cancel of %s failed after %d attempts: %v", outcome.ClientOrderID, m.cfg.CancelRetryAttempts, outcome.Err),
			Timestamp: time.Now(),
		})
	}
}

// --- reconciliation ---

// handleReconcile starts a reconciliation pass if any pair has been stuck
// in a non-terminal phase past the timeout. The venue query runs outside
// the loop; its result comes back as an intent.
func (m *Manager) handleReconcile() {
	cutoff := time.Now().Add(-m.cfg.StuckTimeout)
	stuck := false
	for _, pair := range m.state.Pairs {
		if !pair.Phase.IsTerminal() && pair.PhaseSince.Before(cutoff) {
			stuck = true
			break
		}
	}
	if !stuck {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.GatewayTimeout)
		defer cancel()
		orders, err := m.gateway.GetOpenOrders(ctx, m.cfg.Symbol)
		if err != nil {
			m.logger.Warn("reconcile open-orders query failed", zap.Error(err))
			return
		}
		position, err := m.gateway.GetPosition(ctx, m.cfg.Symbol)
		if err != nil {
			m.logger.Warn("reconcile position query failed", zap.Error(err))
			return
		}
		m.Dispatch(Intent{Type: ReconcileReportIntent, Timestamp: time.Now(), Data: reconcileReport{
			OpenOrders: orders,
			Position:   position,
		}})
	}()
}

// handleReconcileReport reconciles stuck pairs against the venue's
// authoritative order and position state. This is the safety net for
// dropped or delayed events.
func (m *Manager) handleReconcileReport(report reconcileReport) {
	openByClientID := make(map[string]models.OrderRecord, len(report.OpenOrders))
	for _, o := range report.OpenOrders {
		openByClientID[o.ClientOrderID] = o
	}

	cutoff := time.Now().Add(-m.cfg.StuckTimeout)
	for id, pair := range m.state.Pairs {
		if pair.Phase.IsTerminal() || !pair.PhaseSince.Before(cutoff) {
			continue
		}

		switch pair.Phase {
		case models.PhasePendingEntry:
			if _, open := openByClientID[pair.Entry.ClientOrderID]; !open {
				// The entry is neither open nor did a fill event arrive in
				// all this time: treat as cancelled and clean up.
				m.logger.Info("reconcile: adopting lost entry as cancelled",
					zap.String("pair_id", id))
				m.applyCancelled(pair, pair.Entry, models.StatusCancelled)
			}

		case models.PhaseEntryFilled:
			// TP/SL placement outcomes got lost; re-issue cancels for any
			// sibling still open and resolve through the normal path.
			m.requeueSiblingCancels(pair, openByClientID)

		case models.PhaseOneSiblingFilled:
			sibling := m.openSibling(pair)
			if sibling == nil {
				break
			}
			if _, open := openByClientID[sibling.ClientOrderID]; open {
				// Cancel never landed: try again with a fresh retry budget.
				m.logger.Info("reconcile: re-issuing sibling cancel",
					zap.String("pair_id", id), zap.String("client_order_id", sibling.ClientOrderID))
				m.dispatchCancel(pair.ID, sibling.ClientOrderID, m.cfg.CancelRetryAttempts)
			} else {
				m.applyCancelled(pair, sibling, models.StatusCancelled)
			}

		case models.PhaseRaceDetected, models.PhaseFlattening:
			if pair.FlattenOrderID != "" {
				if _, open := openByClientID[pair.FlattenOrderID]; open {
					break // flatten still working
				}
			}
			// Flatten order vanished without a fill event; re-issue it.
			second := m.secondFilled(pair)
			if second != nil {
				m.logger.Warn("reconcile: re-issuing flatten order", zap.String("pair_id", id))
				m.flattenPair(pair, second)
			}
		}
	}

	// The venue's position is authoritative; fold any divergence into the
	// risk counters so a missed fill can still trip the breaker.
	if report.Position != nil {
		if report.Position.Size != m.state.Position.Size {
			m.logger.Warn("reconcile: position divergence",
				zap.Float64("local", m.state.Position.Size),
				zap.Float64("venue", report.Position.Size))
			m.state.Position.Size = report.Position.Size
			m.state.Position.AvgEntryPrice = report.Position.AvgEntryPrice
		}
		m.riskMgr.SetPosition(report.Position.Size)
	}
}

// requeueSiblingCancels is used when a pair is stuck in ENTRY_FILLED:
// whatever happened to the sibling placements, cancel what is open and
// flag what is not.
func (m *Manager) requeueSiblingCancels(pair *models.OrderPair, openByClientID map[string]models.OrderRecord) {
	for _, sibling := range []*models.OrderRecord{pair.TakeProfit, pair.StopLoss} {
		if sibling == nil || sibling.Status.IsTerminal() {
			continue
		}
		if _, open := openByClientID[sibling.ClientOrderID]; !open && sibling.Status == models.StatusNew {
			// Placement never landed; residual unprotected position.
			m.sink.EmitAlert(telemetry.Alert{
				Kind:      "sibling_place_failed",
				PairID:    pair.ID,
				Message:   fmt.Sprintf("%s never reached the venue", sibling.Role),
				Timestamp: time.Now(),
			})
		}
	}
}

// --- helpers ---

func (m *Manager) transition(pair *models.OrderPair, phase models.PairPhase) {
	if pair.Phase == phase {
		return
	}
	m.logger.Info("pair transition",
		zap.String("pair_id", pair.ID),
		zap.String("from", string(pair.Phase)),
		zap.String("to", string(phase)))
	pair.Phase = phase
	pair.PhaseSince = time.Now()
}

func (m *Manager) findOrder(clientOrderID string) (*models.OrderPair, *models.OrderRecord) {
	for _, pair := range m.state.Pairs {
		for _, record := range []*models.OrderRecord{pair.Entry, pair.TakeProfit, pair.StopLoss} {
			if record != nil && record.ClientOrderID == clientOrderID {
				return pair, record
			}
		}
		if pair.FlattenOrderID != "" && pair.FlattenOrderID == clientOrderID {
			// Flatten orders are tracked by id only; synthesize a record view.
			return pair, m.flattenRecord(pair)
		}
	}
	return nil, nil
}

// flattenRecord lazily materializes the flatten order's record so the
// generic event path can treat it like any other order.
func (m *Manager) flattenRecord(pair *models.OrderPair) *models.OrderRecord {
	second := m.secondFilled(pair)
	side := models.Buy
	qty := 0.0
	if second != nil {
		side = second.Side.Opposite()
		qty = second.FilledQty
	}
	return &models.OrderRecord{
		ClientOrderID: pair.FlattenOrderID,
		Symbol:        pair.Symbol,
		Side:          side,
		Size:          qty,
		Role:          models.RoleFlatten,
		Status:        models.StatusOpen,
		PairID:        pair.ID,
	}
}

func (m *Manager) orderByRole(pair *models.OrderPair, role models.OrderRole) *models.OrderRecord {
	switch role {
	case models.RoleEntry:
		return pair.Entry
	case models.RoleTakeProfit:
		return pair.TakeProfit
	case models.RoleStopLoss:
		return pair.StopLoss
	}
	return nil
}

func (m *Manager) siblingOf(pair *models.OrderPair, record *models.OrderRecord) *models.OrderRecord {
	if pair.TakeProfit != nil && pair.TakeProfit.ClientOrderID == record.SiblingID {
		return pair.TakeProfit
	}
	if pair.StopLoss != nil && pair.StopLoss.ClientOrderID == record.SiblingID {
		return pair.StopLoss
	}
	return nil
}

func (m *Manager) openSibling(pair *models.OrderPair) *models.OrderRecord {
	for _, s := range []*models.OrderRecord{pair.TakeProfit, pair.StopLoss} {
		if s != nil && !s.Status.IsTerminal() {
			return s
		}
	}
	return nil
}

// secondFilled returns the sibling whose fill triggered the race, i.e. the
// later-updated of two filled siblings.
func (m *Manager) secondFilled(pair *models.OrderPair) *models.OrderRecord {
	tp, sl := pair.TakeProfit, pair.StopLoss
	if tp == nil || sl == nil {
		return nil
	}
	if tp.Status != models.StatusFilled {
		return sl
	}
	if sl.Status != models.StatusFilled {
		return tp
	}
	if sl.UpdatedAt.After(tp.UpdatedAt) {
		return sl
	}
	return tp
}
