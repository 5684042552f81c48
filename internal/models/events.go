package models

import "time"

// OrderEvent 是归一化后的订单状态变更事件。
// 网关从用户数据流解析出交易所私有格式后，统一转换为该结构再投递给核心。
type OrderEvent struct {
	Symbol        string      `json:"symbol"`
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Side          Side        `json:"side"`
	Status        OrderStatus `json:"status"`
	Price         float64     `json:"price"`
	FilledPrice   float64     `json:"filled_price"`
	FilledQty     float64     `json:"filled_qty"`
	RealizedPnl   float64     `json:"realized_pnl"`
	Timestamp     time.Time   `json:"timestamp"`
}

// OrderUpdateEvent 是从用户数据流接收到的订单更新事件的完整结构
type OrderUpdateEvent struct {
	EventType       string          `json:"e"` // Event type, e.g., "ORDER_TRADE_UPDATE"
	EventTime       int64           `json:"E"` // Event time
	TransactionTime int64           `json:"T"` // Transaction time
	Order           OrderUpdateInfo `json:"o"` // Order information
}

// OrderUpdateInfo 包含了订单更新的具体信息
type OrderUpdateInfo struct {
	Symbol          string `json:"s"`  // Symbol
	ClientOrderID   string `json:"c"`  // Client Order ID
	Side            string `json:"S"`  // Side
	OrderType       string `json:"o"`  // Order Type
	TimeInForce     string `json:"f"`  // Time in Force
	OrigQty         string `json:"q"`  // Original Quantity
	Price           string `json:"p"`  // Price
	AvgPrice        string `json:"ap"` // Average Price
	StopPrice       string `json:"sp"` // Stop Price
	ExecutionType   string `json:"x"`  // Execution Type
	Status          string `json:"X"`  // Order Status
	OrderID         int64  `json:"i"`  // Order ID
	ExecutedQty     string `json:"l"`  // Last Executed Quantity
	CumQty          string `json:"z"`  // Cumulative Filled Quantity
	ExecutedPrice   string `json:"L"`  // Last Executed Price
	CommissionAmt   string `json:"n"`  // Commission Amount
	CommissionAsset string `json:"N"`  // Commission Asset, will be null if not traded
	TradeTime       int64  `json:"T"`  // Trade Time
	TradeID         int64  `json:"t"`  // Trade ID
	IsMaker         bool   `json:"m"`  // Is the trade a maker trade?
	IsReduceOnly    bool   `json:"R"`  // Is this a reduce only order?
	PositionSide    string `json:"ps"` // Position Side
	RealizedProfit  string `json:"rp"` // Realized Profit of the trade
}

// MarkPriceEvent 是标记价格推送事件
type MarkPriceEvent struct {
	EventType string `json:"e"` // "markPriceUpdate"
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// DepthUpdateEvent 是盘口增量/快照推送事件
type DepthUpdateEvent struct {
	EventType string     `json:"e"` // "depthUpdate"
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	Bids      [][]string `json:"b"` // [price, qty]
	Asks      [][]string `json:"a"`
}

// AggTradeEvent 是归集成交推送事件
type AggTradeEvent struct {
	EventType string `json:"e"` // "aggTrade"
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
	IsMaker   bool   `json:"m"`
}
