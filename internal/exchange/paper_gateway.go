package exchange

import (
	"binance-mm-bot-go/internal/models"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// PaperGateway 实现了 Gateway 接口，在内存中模拟交易所行为。
// 用于纸面交易模式和测试：通过 SetPrice 驱动价格变动并触发订单成交。
type PaperGateway struct {
	symbol string

	mu           sync.Mutex
	currentPrice float64
	markPrice    float64
	currentTime  time.Time
	orders       map[string]*models.OrderRecord // keyed by client order id
	specs        map[string]OrderSpec
	position     models.Position
	nextOrderID  int64
	handler      EventHandler
}

// NewPaperGateway 创建一个新的 PaperGateway 实例。
func NewPaperGateway(symbol string) *PaperGateway {
	return &PaperGateway{
		symbol:      symbol,
		orders:      make(map[string]*models.OrderRecord),
		specs:       make(map[string]OrderSpec),
		position:    models.Position{Symbol: symbol},
		nextOrderID: 1,
	}
}

// SetPrice 是模拟的核心：更新价格并检查挂单是否成交。
// 事件回调在锁外触发，与真实网关的异步语义一致。
func (g *PaperGateway) SetPrice(price float64, ts time.Time) {
	g.mu.Lock()
	g.currentPrice = price
	g.markPrice = price
	g.currentTime = ts

	var fills []models.OrderEvent
	for id, order := range g.orders {
		if order.Status != models.StatusOpen {
			continue
		}
		spec := g.specs[id]
		if !g.shouldFill(spec, price) {
			continue
		}
		fills = append(fills, g.fillLocked(order, spec, price, ts))
	}
	handler := g.handler
	g.mu.Unlock()

	if handler != nil {
		for _, ev := range fills {
			handler(ev)
		}
	}
}

// SetMarkPrice 单独覆盖标记价格，用于模拟标记价与成交价的偏离。
func (g *PaperGateway) SetMarkPrice(price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.markPrice = price
}

// shouldFill 判断给定价格下订单是否应当成交
func (g *PaperGateway) shouldFill(spec OrderSpec, price float64) bool {
	switch spec.Type {
	case "LIMIT":
		if spec.Side == models.Buy {
			return price <= spec.Price
		}
		return price >= spec.Price
	case "MARKET":
		return true
	case "STOP_MARKET":
		// 止损触发：卖出止损在价格跌破触发价时成交，买入止损相反
		if spec.Side == models.Sell {
			return price <= spec.StopPrice
		}
		return price >= spec.StopPrice
	case "TAKE_PROFIT_MARKET":
		if spec.Side == models.Sell {
			return price >= spec.StopPrice
		}
		return price <= spec.StopPrice
	}
	return false
}

// fillLocked 将订单标记为成交并更新持仓，返回成交事件
func (g *PaperGateway) fillLocked(order *models.OrderRecord, spec OrderSpec, price float64, ts time.Time) models.OrderEvent {
	fillPrice := price
	if spec.Type == "LIMIT" {
		fillPrice = spec.Price
	}
	order.Status = models.StatusFilled
	order.FilledPrice = fillPrice
	order.FilledQty = order.Size
	order.UpdatedAt = ts

	realized := g.position.ApplyFill(order.Side, fillPrice, order.Size)

	return models.OrderEvent{
		Symbol:        order.Symbol,
		OrderID:       order.ID,
		ClientOrderID: order.ClientOrderID,
		Side:          order.Side,
		Status:        models.StatusFilled,
		Price:         order.Price,
		FilledPrice:   fillPrice,
		FilledQty:     order.Size,
		RealizedPnl:   realized,
		Timestamp:     ts,
	}
}

// --- Gateway 接口实现 ---

// GetMarketSnapshot 围绕当前价格合成一个对称盘口。
func (g *PaperGateway) GetMarketSnapshot(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.currentPrice <= 0 {
		return nil, fmt.Errorf("模拟交易所尚未设置价格")
	}

	snap := &models.MarketSnapshot{
		Symbol:    symbol,
		Timestamp: g.currentTime,
	}
	// 合成 5 档、每档 1 个基点的盘口
	for i := 1; i <= 5; i++ {
		offset := g.currentPrice * 0.0001 * float64(i)
		snap.Bids = append(snap.Bids, models.PriceLevel{Price: g.currentPrice - offset, Quantity: 1.0})
		snap.Asks = append(snap.Asks, models.PriceLevel{Price: g.currentPrice + offset, Quantity: 1.0})
	}
	return snap, nil
}

// GetMarkPrice 返回当前标记价格。
func (g *PaperGateway) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.markPrice <= 0 {
		return 0, fmt.Errorf("模拟交易所尚未设置标记价格")
	}
	return g.markPrice, nil
}

// PlaceOrder 下单。市价单立即按当前价格成交。
func (g *PaperGateway) PlaceOrder(ctx context.Context, spec OrderSpec) (*models.OrderRecord, error) {
	g.mu.Lock()

	if spec.Quantity <= 0 {
		g.mu.Unlock()
		return nil, &models.APIError{Code: -1013, Msg: "Invalid quantity"}
	}

	order := &models.OrderRecord{
		ID:            strconv.FormatInt(g.nextOrderID, 10),
		ClientOrderID: spec.ClientOrderID,
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Price:         spec.Price,
		Size:          spec.Quantity,
		Status:        models.StatusOpen,
		CreatedAt:     g.currentTime,
		UpdatedAt:     g.currentTime,
	}
	g.nextOrderID++
	g.orders[spec.ClientOrderID] = order
	g.specs[spec.ClientOrderID] = spec

	var fillEvent *models.OrderEvent
	if spec.Type == "MARKET" && g.currentPrice > 0 {
		ev := g.fillLocked(order, spec, g.currentPrice, g.currentTime)
		fillEvent = &ev
	}
	record := *order
	handler := g.handler
	g.mu.Unlock()

	if fillEvent != nil && handler != nil {
		handler(*fillEvent)
	}
	return &record, nil
}

// CancelOrder 取消订单。已终结的订单返回交易所风格的错误。
func (g *PaperGateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	g.mu.Lock()
	order, ok := g.orders[clientOrderID]
	if !ok || order.Status.IsTerminal() {
		g.mu.Unlock()
		return &models.APIError{Code: -2011, Msg: "Unknown order sent."}
	}
	order.Status = models.StatusCancelled
	order.UpdatedAt = g.currentTime
	ev := models.OrderEvent{
		Symbol:        order.Symbol,
		OrderID:       order.ID,
		ClientOrderID: order.ClientOrderID,
		Side:          order.Side,
		Status:        models.StatusCancelled,
		Price:         order.Price,
		Timestamp:     g.currentTime,
	}
	handler := g.handler
	g.mu.Unlock()

	if handler != nil {
		handler(ev)
	}
	return nil
}

// GetOpenOrders 获取所有未终结挂单。
func (g *PaperGateway) GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var open []models.OrderRecord
	for _, order := range g.orders {
		if order.Status == models.StatusOpen {
			open = append(open, *order)
		}
	}
	return open, nil
}

// GetPosition 返回当前模拟持仓。
func (g *PaperGateway) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pos := g.position
	if g.currentPrice > 0 && pos.Size != 0 {
		pos.UnrealizedPnl = (g.currentPrice - pos.AvgEntryPrice) * pos.Size
	}
	return &pos, nil
}

// SubscribeOrderEvents 注册事件回调。
func (g *PaperGateway) SubscribeOrderEvents(ctx context.Context, handler EventHandler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = handler
	return nil
}
