package bot

import (
	"binance-mm-bot-go/internal/estimator"
	"binance-mm-bot-go/internal/exchange"
	"binance-mm-bot-go/internal/lifecycle"
	"binance-mm-bot-go/internal/models"
	"binance-mm-bot-go/internal/persistence"
	"binance-mm-bot-go/internal/quote"
	"binance-mm-bot-go/internal/risk"
	"binance-mm-bot-go/internal/telemetry"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MarketMakerBot wires the estimator, risk manager, quote engine and order
// lifecycle manager into the periodic quoting cycle. It owns the tickers;
// all market-making state lives in the components it drives.
type MarketMakerBot struct {
	config    *models.Config
	gateway   exchange.Gateway
	rules     *exchange.SymbolRules
	repo      persistence.StateRepository
	sink      telemetry.Sink
	logger    *zap.Logger
	paramSrc  estimator.ParameterSource
	marketEst *estimator.Estimator // nil when static_params is set
	riskMgr   *risk.Manager
	quoter    *quote.Engine
	lifecycle *lifecycle.Manager

	sessionLen    time.Duration
	sessionStart  time.Time
	cycleSeq      atomic.Int64
	cycleRunning  atomic.Bool
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	isRunningFlag atomic.Bool
}

// NewMarketMakerBot builds the component graph from config. State is
// restored from the repository if a previous run left any; rules may be
// nil when the venue's filters are unknown (paper trading).
func NewMarketMakerBot(cfg *models.Config, gw exchange.Gateway, rules *exchange.SymbolRules,
	repo persistence.StateRepository, sink telemetry.Sink, logger *zap.Logger) (*MarketMakerBot, error) {

	state, err := loadOrInitState(cfg, repo, logger)
	if err != nil {
		return nil, err
	}

	riskMgr := risk.NewManager(risk.Config{
		PositionLimit:     cfg.PositionLimit,
		PositionCapBuffer: cfg.PositionCapBuffer,
		MaxDailyLoss:      cfg.MaxDailyLoss,
		MaxDrawdown:       cfg.MaxDrawdown,
	}, logger)
	riskMgr.Restore(state.Risk, state.Position.Size)
	riskMgr.SetTransitionListener(func(from, to models.BreakerState, snap models.RiskSnapshot) {
		sink.EmitRiskTransition(telemetry.RiskTransition{
			From:      from,
			To:        to,
			Snapshot:  snap,
			Timestamp: time.Now(),
		})
	})

	var marketEst *estimator.Estimator
	var paramSrc estimator.ParameterSource
	if cfg.StaticParams {
		paramSrc = estimator.NewStaticSource(cfg.StaticArrivalRate, cfg.StaticKappa, cfg.StaticSigma,
			cfg.KappaBounds, cfg.SigmaFloor)
	} else {
		marketEst = estimator.New(estimator.Config{
			Window:          time.Duration(cfg.EstimatorWindowSec) * time.Second,
			RefreshInterval: time.Duration(cfg.RefreshIntervalSec) * time.Second,
			MinSamples:      cfg.MinSamples,
			DepthLevels:     cfg.DepthLevels,
			KappaBounds:     cfg.KappaBounds,
			SigmaFloor:      cfg.SigmaFloor,
		}, logger)
		paramSrc = marketEst
	}

	sessionLen := time.Duration(cfg.SessionLengthMin) * time.Minute

	quoter := quote.NewEngine(quote.Config{
		Gamma:             cfg.Gamma,
		MinSpread:         cfg.MinSpread,
		MaxSpread:         cfg.MaxSpread,
		SkewGain:          cfg.SkewGain,
		SizeSkewGain:      cfg.SizeSkewGain,
		OrderSize:         cfg.OrderSize,
		PositionLimit:     cfg.PositionLimit,
		SessionLength:     sessionLen,
		MaxPriceDeviation: cfg.MaxPriceDeviation,
	}, logger)

	lm := lifecycle.NewManager(lifecycle.Config{
		Symbol:              cfg.Symbol,
		TakeProfitRate:      cfg.TakeProfitRate,
		StopLossRate:        cfg.StopLossRate,
		CancelRetryAttempts: cfg.CancelRetryAttempts,
		CancelRetryInitial:  time.Duration(cfg.CancelRetryInitialMs) * time.Millisecond,
		GatewayTimeout:      time.Duration(cfg.GatewayTimeoutMs) * time.Millisecond,
		StuckTimeout:        time.Duration(cfg.ReconcileStuckTimeoutSec) * time.Second,
	}, state, gw, rules, riskMgr, sink, repo, logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &MarketMakerBot{
		config:       cfg,
		gateway:      gw,
		rules:        rules,
		repo:         repo,
		sink:         sink,
		logger:       logger,
		paramSrc:     paramSrc,
		marketEst:    marketEst,
		riskMgr:      riskMgr,
		quoter:       quoter,
		lifecycle:    lm,
		sessionLen:   sessionLen,
		sessionStart: time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

func loadOrInitState(cfg *models.Config, repo persistence.StateRepository, logger *zap.Logger) (*models.BotState, error) {
	if repo != nil {
		state, err := repo.LoadState()
		if err != nil {
			return nil, fmt.Errorf("加载持久化状态失败: %w", err)
		}
		if state != nil {
			logger.Info("restored state from previous run",
				zap.Int("open_pairs", len(state.Pairs)),
				zap.Float64("position", state.Position.Size),
				zap.String("risk_state", string(state.Risk.Breaker)))
			return state, nil
		}
	}
	state := models.NewBotState("mm-"+cfg.Symbol, cfg.Symbol)
	state.Position.Symbol = cfg.Symbol
	return state, nil
}

// Warmup feeds historical trades into the dynamic estimator so the first
// live cycles do not start from the neutral fallback.
func (b *MarketMakerBot) Warmup(ticks []models.TradeTick) {
	if b.marketEst == nil {
		return
	}
	for _, tick := range ticks {
		b.marketEst.UpdateTick(tick)
	}
	b.logger.Info("estimator warmed up", zap.Int("ticks", len(ticks)), zap.Int("samples", b.marketEst.SampleCount()))
}

// Start launches the event subscription, the quoting loop and the
// reconciliation loop.
func (b *MarketMakerBot) Start() error {
	if !b.isRunningFlag.CompareAndSwap(false, true) {
		return fmt.Errorf("bot 已经在运行中")
	}

	b.lifecycle.Start()

	if err := b.gateway.SubscribeOrderEvents(b.ctx, b.onOrderEvent); err != nil {
		b.isRunningFlag.Store(false)
		return fmt.Errorf("订阅订单事件流失败: %w", err)
	}

	// A fresh process starts with no resting orders of its own, but a crash
	// may have left some at the venue: reconcile once before quoting.
	b.lifecycle.TriggerReconcile()

	b.wg.Add(3)
	go b.quoteLoop()
	go b.reconcileLoop()
	go b.monitorStatus()

	b.logger.Info("market maker started",
		zap.String("symbol", b.config.Symbol),
		zap.Duration("session", b.sessionLen),
		zap.Bool("static_params", b.config.StaticParams))
	return nil
}

// Stop shuts the loops down and waits for them.
func (b *MarketMakerBot) Stop() {
	if !b.isRunningFlag.CompareAndSwap(true, false) {
		return
	}
	b.cancel()
	b.wg.Wait()
	b.lifecycle.Stop()
	b.logger.Info("market maker stopped")
}

// StateSnapshot exposes a consistent copy of the lifecycle state, used by
// the status monitor and the session report.
func (b *MarketMakerBot) StateSnapshot() *models.BotState {
	return b.lifecycle.Snapshot()
}

// onOrderEvent fans the gateway's event out to the lifecycle manager and,
// for fills, to the arrival-rate estimator: fills against our quotes are
// the order flow the intensity model calibrates on.
func (b *MarketMakerBot) onOrderEvent(event models.OrderEvent) {
	if b.marketEst != nil && event.Status == models.StatusFilled && event.FilledPrice > 0 {
		b.marketEst.UpdateTick(models.TradeTick{
			Symbol:    event.Symbol,
			Price:     event.FilledPrice,
			Quantity:  event.FilledQty,
			Timestamp: event.Timestamp,
		})
	}
	b.lifecycle.OnOrderEvent(event)
}

// quoteLoop fires the quoting cycle at a fixed interval. Cycles never
// overlap: if the previous one is still waiting on the gateway, the tick
// is skipped rather than queued.
func (b *MarketMakerBot) quoteLoop() {
	defer b.wg.Done()
	interval := time.Duration(b.config.QuoteIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !b.cycleRunning.CompareAndSwap(false, true) {
				b.logger.Debug("previous cycle still running, skipping tick")
				continue
			}
			go func() {
				defer b.cycleRunning.Store(false)
				b.runCycle()
			}()
		case <-b.ctx.Done():
			return
		}
	}
}

// runCycle executes one quoting cycle: sample the market, estimate, gate
// through risk, compute quotes and hand them to the lifecycle manager.
func (b *MarketMakerBot) runCycle() {
	cycleID := b.cycleSeq.Add(1)
	b.rollSessionIfNeeded()

	ctx, cancel := context.WithTimeout(b.ctx, time.Duration(b.config.GatewayTimeoutMs)*time.Millisecond)
	defer cancel()

	snap, err := b.gateway.GetMarketSnapshot(ctx, b.config.Symbol)
	if err != nil {
		b.logger.Warn("market snapshot failed, skipping cycle", zap.Int64("cycle", cycleID), zap.Error(err))
		b.emitSkip(cycleID, models.SkipNoMarket)
		return
	}
	markPrice, err := b.gateway.GetMarkPrice(ctx, b.config.Symbol)
	if err != nil {
		b.logger.Warn("mark price fetch failed, skipping cycle", zap.Int64("cycle", cycleID), zap.Error(err))
		b.emitSkip(cycleID, models.SkipNoMarket)
		return
	}

	if b.marketEst != nil {
		b.marketEst.UpdateSnapshot(snap)
	}

	midPrice, ok := snap.MidPrice()
	if !ok {
		b.emitSkip(cycleID, models.SkipNoMarket)
		return
	}

	decision, skip := b.quoter.Compute(quote.Input{
		CycleID:       cycleID,
		MidPrice:      midPrice,
		MarkPrice:     markPrice,
		Inventory:     b.riskMgr.Position(),
		Params:        b.paramSrc.Estimate(),
		Allowance:     b.riskMgr.AllowQuote(),
		TimeRemaining: b.sessionLen - time.Since(b.sessionStart),
	})

	b.sink.EmitQuote(telemetry.QuoteRecord{
		CycleID:   cycleID,
		Symbol:    b.config.Symbol,
		Decision:  decision,
		Skip:      skip,
		Timestamp: time.Now(),
	})

	if decision != nil {
		b.lifecycle.SubmitQuote(decision)
	}
}

// rollSessionIfNeeded starts a new quoting session when the previous one
// has run its full length. Daily counters reset at this boundary; tripped
// halts stay tripped until the operator intervenes.
func (b *MarketMakerBot) rollSessionIfNeeded() {
	if time.Since(b.sessionStart) < b.sessionLen {
		return
	}
	b.sessionStart = time.Now()
	b.logger.Info("session rolled over", zap.Time("session_start", b.sessionStart))
}

// ResetRisk is the external operator action that re-arms a tripped
// breaker and starts a fresh session.
func (b *MarketMakerBot) ResetRisk() {
	b.sessionStart = time.Now()
	b.lifecycle.ResetSession()
	b.logger.Info("risk state reset by operator")
}

func (b *MarketMakerBot) emitSkip(cycleID int64, reason models.SkipReason) {
	b.sink.EmitQuote(telemetry.QuoteRecord{
		CycleID:   cycleID,
		Symbol:    b.config.Symbol,
		Skip:      reason,
		Timestamp: time.Now(),
	})
}

// reconcileLoop periodically asks the lifecycle manager to reconcile
// against the venue. The manager itself decides whether anything is stuck.
func (b *MarketMakerBot) reconcileLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Duration(b.config.ReconcileIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.lifecycle.TriggerReconcile()
		case <-b.ctx.Done():
			return
		}
	}
}

// monitorStatus logs a heartbeat with the key state every 30 seconds.
func (b *MarketMakerBot) monitorStatus() {
	defer b.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			state := b.lifecycle.Snapshot()
			if state == nil {
				continue
			}
			b.logger.Info("status",
				zap.Float64("position", state.Position.Size),
				zap.Float64("avg_entry", state.Position.AvgEntryPrice),
				zap.String("risk_state", string(state.Risk.Breaker)),
				zap.Float64("daily_pnl", state.Risk.DailyPnl),
				zap.Int("open_pairs", len(state.Pairs)))
		case <-b.ctx.Done():
			return
		}
	}
}
