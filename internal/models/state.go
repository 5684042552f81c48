package models

import "time"

// PairPhase 是一个订单对（入场单 + 止盈/止损对）所处的阶段
type PairPhase string

const (
	PhasePendingEntry     PairPhase = "PENDING_ENTRY"
	PhaseEntryFilled      PairPhase = "ENTRY_FILLED"
	PhaseOneSiblingFilled PairPhase = "ONE_SIBLING_FILLED"
	PhaseRaceDetected     PairPhase = "RACE_DETECTED"
	PhaseFlattening       PairPhase = "FLATTENING"
	PhaseResolved         PairPhase = "RESOLVED"
)

// IsTerminal 报告该阶段是否为终态
func (p PairPhase) IsTerminal() bool {
	return p == PhaseResolved
}

// OrderPair 是一个入场单及其衍生的止盈/止损兄弟单的完整状态。
// 它是生命周期管理器持久化的基本单元。
type OrderPair struct {
	ID             string       `json:"id"`
	Symbol         string       `json:"symbol"`
	Phase          PairPhase    `json:"phase"`
	Entry          *OrderRecord `json:"entry"`
	TakeProfit     *OrderRecord `json:"take_profit,omitempty"`
	StopLoss       *OrderRecord `json:"stop_loss,omitempty"`
	FlattenOrderID string       `json:"flatten_order_id,omitempty"`
	CancelAttempts int          `json:"cancel_attempts"`
	CreatedAt      time.Time    `json:"created_at"`
	PhaseSince     time.Time    `json:"phase_since"`
}

// BotState 定义了需要持久化的所有关键数据
type BotState struct {
	BotID          string                `json:"bot_id"`  // Bot的唯一标识符
	Symbol         string                `json:"symbol"`  // 交易对, e.g., "BTCUSDT"
	Version        int                   `json:"version"` // 状态模型的版本号，用于未来迁移
	Pairs          map[string]*OrderPair `json:"pairs"`   // 【核心】所有未终结订单对的状态
	Position       Position              `json:"position"`
	Risk           RiskSnapshot          `json:"risk"`
	NextOrderSeq   int64                 `json:"next_order_seq"`   // client order id 序列号
	LastUpdateTime time.Time             `json:"last_update_time"` // 状态最后更新的时间戳
}

// NewBotState 返回一个空的初始状态
func NewBotState(botID, symbol string) *BotState {
	return &BotState{
		BotID:   botID,
		Symbol:  symbol,
		Version: 1,
		Pairs:   make(map[string]*OrderPair),
		Position: Position{
			Symbol: symbol,
		},
		Risk: RiskSnapshot{
			Breaker: BreakerActive,
		},
		NextOrderSeq: 1,
	}
}
