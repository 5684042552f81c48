package exchange

import (
	"binance-mm-bot-go/internal/models"
	"context"
)

// OrderSpec 描述一次下单请求
type OrderSpec struct {
	Symbol        string
	Side          models.Side
	Type          string // "LIMIT", "MARKET", "STOP_MARKET", "TAKE_PROFIT_MARKET"
	Price         float64
	StopPrice     float64
	Quantity      float64
	ClientOrderID string
	ReduceOnly    bool
}

// EventHandler 接收归一化后的订单状态变更事件
type EventHandler func(event models.OrderEvent)

// Gateway 定义了所有交易所网关实现必须提供的通用方法。
// 这使得核心逻辑可以在真实交易和纸面模拟之间轻松切换。
type Gateway interface {
	GetMarketSnapshot(ctx context.Context, symbol string) (*models.MarketSnapshot, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, spec OrderSpec) (*models.OrderRecord, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderRecord, error)
	GetPosition(ctx context.Context, symbol string) (*models.Position, error)
	// SubscribeOrderEvents 注册异步订单事件回调。实现负责维持底层连接，
	// 并保证回调不会被慢速消费者阻塞底层读取。
	SubscribeOrderEvents(ctx context.Context, handler EventHandler) error
}
