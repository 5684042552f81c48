package exchange

import (
	"binance-mm-bot-go/internal/models"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventCollector struct {
	sync.Mutex
	events []models.OrderEvent
}

func (c *eventCollector) handle(ev models.OrderEvent) {
	c.Lock()
	defer c.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) byStatus(status models.OrderStatus) []models.OrderEvent {
	c.Lock()
	defer c.Unlock()
	var out []models.OrderEvent
	for _, ev := range c.events {
		if ev.Status == status {
			out = append(out, ev)
		}
	}
	return out
}

func newPaperWithEvents(t *testing.T) (*PaperGateway, *eventCollector) {
	t.Helper()
	g := NewPaperGateway("BTCUSDT")
	c := &eventCollector{}
	require.NoError(t, g.SubscribeOrderEvents(context.Background(), c.handle))
	g.SetPrice(100.0, time.Now())
	return g, c
}

// TestLimitFillsAtLimitPrice: 限价单在价格穿越时按限价成交，而非穿越价
func TestLimitFillsAtLimitPrice(t *testing.T) {
	g, c := newPaperWithEvents(t)

	_, err := g.PlaceOrder(context.Background(), OrderSpec{
		Symbol: "BTCUSDT", Side: models.Buy, Type: "LIMIT",
		Price: 99.0, Quantity: 1.0, ClientOrderID: "buy-1",
	})
	require.NoError(t, err)
	assert.Empty(t, c.byStatus(models.StatusFilled), "no fill above the limit")

	g.SetPrice(98.5, time.Now())
	fills := c.byStatus(models.StatusFilled)
	require.Len(t, fills, 1)
	assert.Equal(t, "buy-1", fills[0].ClientOrderID)
	assert.InDelta(t, 99.0, fills[0].FilledPrice, 1e-9, "limit order fills at its limit")

	pos, err := g.GetPosition(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, pos.Size, 1e-9)
}

// TestMarketFillsImmediately: 市价单立即按当前价格成交
func TestMarketFillsImmediately(t *testing.T) {
	g, c := newPaperWithEvents(t)

	_, err := g.PlaceOrder(context.Background(), OrderSpec{
		Symbol: "BTCUSDT", Side: models.Sell, Type: "MARKET",
		Quantity: 2.0, ClientOrderID: "mkt-1",
	})
	require.NoError(t, err)

	fills := c.byStatus(models.StatusFilled)
	require.Len(t, fills, 1)
	assert.InDelta(t, 100.0, fills[0].FilledPrice, 1e-9)
}

// TestStopAndTakeProfitTriggers: 触发价逻辑两侧对称
func TestStopAndTakeProfitTriggers(t *testing.T) {
	g, c := newPaperWithEvents(t)

	// 多头的保护单：止盈在上方，止损在下方
	_, err := g.PlaceOrder(context.Background(), OrderSpec{
		Symbol: "BTCUSDT", Side: models.Sell, Type: "TAKE_PROFIT_MARKET",
		StopPrice: 101.0, Quantity: 1.0, ClientOrderID: "tp-1", ReduceOnly: true,
	})
	require.NoError(t, err)
	_, err = g.PlaceOrder(context.Background(), OrderSpec{
		Symbol: "BTCUSDT", Side: models.Sell, Type: "STOP_MARKET",
		StopPrice: 99.0, Quantity: 1.0, ClientOrderID: "sl-1", ReduceOnly: true,
	})
	require.NoError(t, err)

	g.SetPrice(100.5, time.Now())
	assert.Empty(t, c.byStatus(models.StatusFilled), "between the triggers nothing fires")

	g.SetPrice(101.2, time.Now())
	fills := c.byStatus(models.StatusFilled)
	require.Len(t, fills, 1)
	assert.Equal(t, "tp-1", fills[0].ClientOrderID)

	open, err := g.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "sl-1", open[0].ClientOrderID, "the stop stays resting")
}

// TestCancelTerminalOrder: 撤销已终结订单返回交易所风格的 -2011 错误
func TestCancelTerminalOrder(t *testing.T) {
	g, c := newPaperWithEvents(t)

	_, err := g.PlaceOrder(context.Background(), OrderSpec{
		Symbol: "BTCUSDT", Side: models.Buy, Type: "LIMIT",
		Price: 101.0, Quantity: 1.0, ClientOrderID: "buy-1",
	})
	require.NoError(t, err)

	// 价格已经低于限价，下单后第一次价格驱动即成交
	g.SetPrice(100.0, time.Now())
	require.Len(t, c.byStatus(models.StatusFilled), 1)

	err = g.CancelOrder(context.Background(), "BTCUSDT", "buy-1")
	require.Error(t, err)
	apiErr, ok := err.(*models.APIError)
	require.True(t, ok)
	assert.Equal(t, -2011, apiErr.Code)

	// 未知订单同样返回 -2011
	err = g.CancelOrder(context.Background(), "BTCUSDT", "nope")
	require.Error(t, err)
}

// TestCancelOpenOrderEmitsEvent: 正常撤单发出 CANCELED 事件
func TestCancelOpenOrderEmitsEvent(t *testing.T) {
	g, c := newPaperWithEvents(t)

	_, err := g.PlaceOrder(context.Background(), OrderSpec{
		Symbol: "BTCUSDT", Side: models.Buy, Type: "LIMIT",
		Price: 90.0, Quantity: 1.0, ClientOrderID: "buy-1",
	})
	require.NoError(t, err)

	require.NoError(t, g.CancelOrder(context.Background(), "BTCUSDT", "buy-1"))
	cancels := c.byStatus(models.StatusCancelled)
	require.Len(t, cancels, 1)
	assert.Equal(t, "buy-1", cancels[0].ClientOrderID)

	open, err := g.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}

// TestInvalidQuantityRejected: 数量非法时返回 -1013
func TestInvalidQuantityRejected(t *testing.T) {
	g, _ := newPaperWithEvents(t)

	_, err := g.PlaceOrder(context.Background(), OrderSpec{
		Symbol: "BTCUSDT", Side: models.Buy, Type: "LIMIT",
		Price: 99.0, Quantity: 0, ClientOrderID: "bad-1",
	})
	require.Error(t, err)
	apiErr, ok := err.(*models.APIError)
	require.True(t, ok)
	assert.Equal(t, -1013, apiErr.Code)
}

// TestSyntheticBook: 合成盘口的中间价等于当前价格
func TestSyntheticBook(t *testing.T) {
	g, _ := newPaperWithEvents(t)

	snap, err := g.GetMarketSnapshot(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	mid, ok := snap.MidPrice()
	require.True(t, ok)
	assert.InDelta(t, 100.0, mid, 1e-9)
	assert.Len(t, snap.Bids, 5)
	assert.Len(t, snap.Asks, 5)
}
