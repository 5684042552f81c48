package models

import (
	"fmt"
	"time"
)

// Config 结构体定义了做市机器人的所有配置参数
type Config struct {
	IsTestnet     bool   `json:"is_testnet"` // 是否使用测试网
	DBPath        string `json:"db_path"`    // 状态数据库文件路径
	LiveAPIURL    string `json:"live_api_url"`
	LiveWSURL     string `json:"live_ws_url"`
	TestnetAPIURL string `json:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`
	Symbol        string `json:"symbol"` // 交易对，如 "BTCUSDT"

	// Avellaneda-Stoikov 报价模型参数
	Gamma             float64 `json:"gamma"`               // 风险厌恶系数 γ
	SigmaFloor        float64 `json:"sigma_floor"`         // 波动率下限
	KappaBounds       Bounds  `json:"kappa_bounds"`        // 流动性系数 κ 的钳制区间
	MinSpread         float64 `json:"min_spread"`          // 单边价差下限（比例）
	MaxSpread         float64 `json:"max_spread"`          // 单边价差上限（比例）
	SkewGain          float64 `json:"skew_gain"`           // 库存价差偏斜增益
	SizeSkewGain      float64 `json:"size_skew_gain"`      // 库存数量偏斜增益，0 表示关闭
	OrderSize         float64 `json:"order_size"`          // 单边基础挂单数量（基础货币）
	SessionLengthMin  int     `json:"session_length_min"`  // 交易时段长度（分钟），用于计算 τ
	MaxPriceDeviation float64 `json:"max_price_deviation"` // 保留价格相对标记价格的最大允许偏差

	// 止盈止损
	TakeProfitRate float64 `json:"take_profit_rate"` // 止盈率（相对入场成交价）
	StopLossRate   float64 `json:"stop_loss_rate"`   // 止损率（相对入场成交价）

	// 风控参数
	PositionLimit     float64 `json:"position_limit"`      // 最大净持仓（基础货币）
	PositionCapBuffer float64 `json:"position_cap_buffer"` // 触发 POSITION_CAPPED 的缓冲系数
	MaxDailyLoss      float64 `json:"max_daily_loss"`      // 单日最大亏损 (USDT)
	MaxDrawdown       float64 `json:"max_drawdown"`        // 最大回撤比例

	// 参数估计
	RefreshIntervalSec int  `json:"refresh_interval_sec"` // 动态参数缓存刷新间隔（秒）
	EstimatorWindowSec int  `json:"estimator_window_sec"` // 滚动窗口长度（秒）
	MinSamples         int  `json:"min_samples"`          // 低于该样本数时使用中性回退值
	DepthLevels        int  `json:"depth_levels"`         // 计算 κ 时使用的盘口档位数
	StaticParams       bool `json:"static_params"`        // true 时使用静态参数而非动态估计

	// 订单生命周期
	QuoteIntervalMs          int `json:"quote_interval_ms"`           // 报价周期间隔（毫秒）
	CancelRetryAttempts      int `json:"cancel_retry_attempts"`       // 撤销兄弟单失败时的重试次数
	CancelRetryInitialMs     int `json:"cancel_retry_initial_ms"`     // 撤单重试的初始退避毫秒数
	GatewayTimeoutMs         int `json:"gateway_timeout_ms"`          // 单次网关调用的超时毫秒数
	ReconcileIntervalSec     int `json:"reconcile_interval_sec"`      // 对账巡检间隔（秒）
	ReconcileStuckTimeoutSec int `json:"reconcile_stuck_timeout_sec"` // 订单对滞留多久后触发对账（秒）

	Leverage                 int       `json:"leverage"`    // 杠杆倍数
	MarginType               string    `json:"margin_type"` // 保证金模式: CROSSED 或 ISOLATED
	LogConfig                LogConfig `json:"log"`         // 日志配置
	WebSocketPingIntervalSec int       `json:"websocket_ping_interval_sec,omitempty"`
	WebSocketPongTimeoutSec  int       `json:"websocket_pong_timeout_sec,omitempty"`

	// 静态参数模式下使用的固定值
	StaticArrivalRate float64 `json:"static_arrival_rate,omitempty"`
	StaticKappa       float64 `json:"static_kappa,omitempty"`
	StaticSigma       float64 `json:"static_sigma,omitempty"`

	BaseURL   string `json:"base_url"`    // REST API基础地址 (将由程序动态设置)
	WSBaseURL string `json:"ws_base_url"` // WebSocket基础地址 (将由程序动态设置)
}

// Bounds 表示一个闭区间 [Min, Max]
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Clamp 将 v 钳制到区间内
func (b Bounds) Clamp(v float64) float64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 返回相反的交易方向
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderRole 标识订单在一个订单对中的角色
type OrderRole string

const (
	RoleEntry      OrderRole = "ENTRY"
	RoleTakeProfit OrderRole = "TAKE_PROFIT"
	RoleStopLoss   OrderRole = "STOP_LOSS"
	RoleFlatten    OrderRole = "FLATTEN"
)

// OrderStatus 是订单的生命周期状态
type OrderStatus string

const (
	StatusNew       OrderStatus = "NEW"
	StatusOpen      OrderStatus = "OPEN"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusExpired   OrderStatus = "EXPIRED"
)

// IsTerminal 报告该状态是否为终态。终态订单不可再变更。
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// PriceLevel 是盘口中的一个价格档位
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// MarketSnapshot 是某一时刻的盘口快照，构建后不可变。
type MarketSnapshot struct {
	Symbol    string       `json:"symbol"`
	Timestamp time.Time    `json:"timestamp"`
	Bids      []PriceLevel `json:"bids"` // 按价格从高到低排列
	Asks      []PriceLevel `json:"asks"` // 按价格从低到高排列
}

// MidPrice 返回买一卖一的中间价。快照为空时返回 ok=false。
func (s *MarketSnapshot) MidPrice() (float64, bool) {
	if s == nil || len(s.Bids) == 0 || len(s.Asks) == 0 {
		return 0, false
	}
	if s.Bids[0].Price <= 0 || s.Asks[0].Price <= 0 {
		return 0, false
	}
	return (s.Bids[0].Price + s.Asks[0].Price) / 2, true
}

// AvgDepth 返回双边前 n 档的平均展示数量。
func (s *MarketSnapshot) AvgDepth(n int) float64 {
	if s == nil || n <= 0 {
		return 0
	}
	var total float64
	var count int
	for i := 0; i < n && i < len(s.Bids); i++ {
		total += s.Bids[i].Quantity
		count++
	}
	for i := 0; i < n && i < len(s.Asks); i++ {
		total += s.Asks[i].Quantity
		count++
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

// TradeTick 是一笔公开成交
type TradeTick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

// DynamicParameters 是估计出的市场微观结构参数
type DynamicParameters struct {
	ArrivalRate    float64   `json:"arrival_rate"`    // α: 订单到达率
	LiquidityCoeff float64   `json:"liquidity_coeff"` // κ: 流动性系数
	Volatility     float64   `json:"volatility"`      // σ: 对数收益波动率
	ComputedAt     time.Time `json:"computed_at"`
	Fallback       bool      `json:"fallback"` // 样本不足时为 true
}

// Position 是当前净持仓。只能由订单生命周期管理器在成交确认后修改。
type Position struct {
	Symbol        string  `json:"symbol"`
	Size          float64 `json:"size"` // 带符号：正为多，负为空
	AvgEntryPrice float64 `json:"avg_entry_price"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
}

// ApplyFill 按一笔成交更新持仓，返回该笔成交实现的盈亏。
func (p *Position) ApplyFill(side Side, price, qty float64) float64 {
	signed := qty
	if side == Sell {
		signed = -qty
	}
	var realized float64
	switch {
	case p.Size == 0 || (p.Size > 0) == (signed > 0):
		// 开仓或加仓：更新加权均价
		total := p.Size + signed
		if total != 0 {
			p.AvgEntryPrice = (p.AvgEntryPrice*abs(p.Size) + price*qty) / (abs(p.Size) + qty)
		}
		p.Size = total
	case abs(signed) <= abs(p.Size):
		// 减仓：按均价实现盈亏
		if p.Size > 0 {
			realized = (price - p.AvgEntryPrice) * qty
		} else {
			realized = (p.AvgEntryPrice - price) * qty
		}
		p.Size += signed
		if p.Size == 0 {
			p.AvgEntryPrice = 0
		}
	default:
		// 反手：先平掉旧仓，剩余量按成交价开新仓
		closing := abs(p.Size)
		if p.Size > 0 {
			realized = (price - p.AvgEntryPrice) * closing
		} else {
			realized = (p.AvgEntryPrice - price) * closing
		}
		p.Size += signed
		p.AvgEntryPrice = price
	}
	return realized
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// QuoteDecision 是一个报价周期的输出，立即被消费，不做持久化。
type QuoteDecision struct {
	CycleID          int64   `json:"cycle_id"`
	ReservationPrice float64 `json:"reservation_price"`
	BidPrice         float64 `json:"bid_price"`
	AskPrice         float64 `json:"ask_price"`
	BidSize          float64 `json:"bid_size"`
	AskSize          float64 `json:"ask_size"`
}

// SkipReason 说明一个报价周期为何被跳过
type SkipReason string

const (
	SkipStalePrice SkipReason = "stale_or_divergent_price"
	SkipRiskHalt   SkipReason = "risk_halt"
	SkipNoMarket   SkipReason = "no_market_data"
)

// OrderRecord 是一张挂单的完整记录
type OrderRecord struct {
	ID            string      `json:"id"` // 交易所订单ID
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Price         float64     `json:"price"`
	Size          float64     `json:"size"`
	Role          OrderRole   `json:"role"`
	Status        OrderStatus `json:"status"`
	SiblingID     string      `json:"sibling_id,omitempty"` // TP/SL 互指对方的 client order id
	PairID        string      `json:"pair_id,omitempty"`
	FilledPrice   float64     `json:"filled_price,omitempty"`
	FilledQty     float64     `json:"filled_qty,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Fill 是一笔已确认的成交
type Fill struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	RealizedPnl   float64   `json:"realized_pnl"`
	Timestamp     time.Time `json:"timestamp"`
}

// BreakerState 是风控熔断器的状态
type BreakerState string

const (
	BreakerActive        BreakerState = "ACTIVE"
	BreakerDailyLossHalt BreakerState = "DAILY_LOSS_HALT"
	BreakerDrawdownHalt  BreakerState = "DRAWDOWN_HALT"
	BreakerPositionCap   BreakerState = "POSITION_CAPPED"
)

// RiskAllowance 是风控对当前报价周期的授权结果
type RiskAllowance struct {
	Halted bool   `json:"halted"`
	Capped bool   `json:"capped"`
	Reason string `json:"reason,omitempty"`
}

// RiskSnapshot 是风控内部计数器的只读快照
type RiskSnapshot struct {
	DailyPnl        float64      `json:"daily_pnl"`
	PeakEquity      float64      `json:"peak_equity"`
	CurrentDrawdown float64      `json:"current_drawdown"`
	Breaker         BreakerState `json:"breaker"`
}

// ExchangeInfo holds the full exchange information response
type ExchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo holds trading rules for a single symbol
type SymbolInfo struct {
	Symbol  string   `json:"symbol"`
	Filters []Filter `json:"filters"`
}

// Filter holds filter data, we are interested in PRICE_FILTER and LOT_SIZE
type Filter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize,omitempty"`    // For PRICE_FILTER
	StepSize    string `json:"stepSize,omitempty"`    // For LOT_SIZE
	MinQty      string `json:"minQty,omitempty"`      // For LOT_SIZE
	MaxQty      string `json:"maxQty,omitempty"`      // For LOT_SIZE
	MinNotional string `json:"minNotional,omitempty"` // For MIN_NOTIONAL
}

// APIError 定义了币安API返回的错误信息结构
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 APIError 实现了 error 接口
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}
