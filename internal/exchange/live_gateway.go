package exchange

import (
	"binance-mm-bot-go/internal/models"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// LiveGateway 实现了 Gateway 接口，用于与真实的币安合约交易所进行交互。
type LiveGateway struct {
	apiKey     string
	secretKey  string
	baseURL    string
	wsBaseURL  string
	httpClient *http.Client
	logger     *zap.Logger
	mu         sync.Mutex
	wsConn     *websocket.Conn
	listenKey  string
	timeOffset int64
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewLiveGateway 创建一个新的 LiveGateway 实例，并与服务器同步时间。
func NewLiveGateway(apiKey, secretKey, baseURL, wsBaseURL string, logger *zap.Logger) (*LiveGateway, error) {
	g := &LiveGateway{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		wsBaseURL:  wsBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		stopChan:   make(chan struct{}),
	}

	if err := g.syncTime(); err != nil {
		return nil, fmt.Errorf("与币安服务器同步时间失败: %w", err)
	}

	return g, nil
}

// Close 停止后台任务并关闭 WebSocket 连接。
func (g *LiveGateway) Close() {
	g.stopOnce.Do(func() {
		close(g.stopChan)
	})
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.wsConn != nil {
		g.wsConn.Close()
	}
}

// syncTime 与币安服务器同步时间，计算时间偏移。
func (g *LiveGateway) syncTime() error {
	serverTime, err := g.getServerTime()
	if err != nil {
		return err
	}
	localTime := time.Now().UnixMilli()
	g.timeOffset = serverTime - localTime
	g.logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", g.timeOffset))
	return nil
}

// doRequest 是一个通用的请求处理函数，用于向币安API发送请求。
// 所有出站调用都带有来自 ctx 的超时边界；超时是"结果未知"，不是失败。
func (g *LiveGateway) doRequest(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	fullURL := fmt.Sprintf("%s%s", g.baseURL, endpoint)
	queryParams := url.Values{}
	if params != nil {
		for k, v := range params {
			queryParams[k] = v
		}
	}

	var encodedParams string
	if signed {
		// 对于签名请求，添加时间戳并生成签名
		timestamp := time.Now().UnixMilli() + g.timeOffset
		queryParams.Set("timestamp", fmt.Sprintf("%d", timestamp))

		payloadToSign := queryParams.Encode()
		signature := g.sign(payloadToSign)
		encodedParams = fmt.Sprintf("%s&signature=%s", payloadToSign, signature)
	} else {
		encodedParams = queryParams.Encode()
	}

	var req *http.Request
	var err error

	if method == http.MethodGet {
		finalURL := fullURL
		if encodedParams != "" {
			finalURL = fmt.Sprintf("%s?%s", fullURL, encodedParams)
		}
		req, err = http.NewRequestWithContext(ctx, method, finalURL, nil)
	} else { // POST, PUT, DELETE
		req, err = http.NewRequestWithContext(ctx, method, fullURL, strings.NewReader(encodedParams))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}

	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	req.Header.Set("X-MBX-APIKEY", g.apiKey)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var apiError models.APIError
	if json.Unmarshal(body, &apiError) == nil && apiError.Code != 0 {
		return body, &apiError
	}

	if resp.StatusCode != http.StatusOK {
		// 当API返回非200状态码时，我们将响应体和错误一起返回
		// 以便上层调用者可以记录详细的错误信息。
		return body, fmt.Errorf("API请求失败, 状态码: %d, 响应: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// sign 对请求参数进行签名。
func (g *LiveGateway) sign(data string) string {
	h := hmac.New(sha256.New, []byte(g.secretKey))
	h.Write([]byte(data))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// getServerTime 获取服务器时间
func (g *LiveGateway) getServerTime() (int64, error) {
	data, err := g.doRequest(context.Background(), http.MethodGet, "/fapi/v1/time", nil, false)
	if err != nil {
		return 0, err
	}
	var serverTime struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &serverTime); err != nil {
		return 0, err
	}
	return serverTime.ServerTime, nil
}

// --- Gateway 接口实现 ---

// GetMarketSnapshot 获取指定交易对的盘口快照。
func (g *LiveGateway) GetMarketSnapshot(ctx context.Context, symbol string) (*models.MarketSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", "20")
	data, err := g.doRequest(ctx, http.MethodGet, "/fapi/v1/depth", params, false)
	if err != nil {
		return nil, err
	}

	var book struct {
		Time int64      `json:"E"`
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(data, &book); err != nil {
		return nil, fmt.Errorf("解析盘口响应失败: %w", err)
	}

	snap := &models.MarketSnapshot{
		Symbol:    symbol,
		Timestamp: time.UnixMilli(book.Time),
	}
	if book.Time == 0 {
		snap.Timestamp = time.Now()
	}
	snap.Bids = parseLevels(book.Bids)
	snap.Asks = parseLevels(book.Asks)
	return snap, nil
}

func parseLevels(raw [][]string) []models.PriceLevel {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(l[0], 64)
		qty, err2 := strconv.ParseFloat(l[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, models.PriceLevel{Price: price, Quantity: qty})
	}
	return levels
}

// GetMarkPrice 获取指定交易对的标记价格。
func (g *LiveGateway) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := g.doRequest(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false)
	if err != nil {
		return 0, err
	}

	var index struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(index.MarkPrice, 64)
}

// wireOrder 是币安订单接口的原始响应结构
type wireOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	StopPrice     string `json:"stopPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

func (w *wireOrder) toRecord() models.OrderRecord {
	price, _ := strconv.ParseFloat(w.Price, 64)
	if price == 0 && w.StopPrice != "" {
		price, _ = strconv.ParseFloat(w.StopPrice, 64)
	}
	qty, _ := strconv.ParseFloat(w.OrigQty, 64)
	filledQty, _ := strconv.ParseFloat(w.ExecutedQty, 64)
	filledPrice, _ := strconv.ParseFloat(w.AvgPrice, 64)
	return models.OrderRecord{
		ID:            strconv.FormatInt(w.OrderID, 10),
		ClientOrderID: w.ClientOrderID,
		Symbol:        w.Symbol,
		Side:          models.Side(w.Side),
		Price:         price,
		Size:          qty,
		Status:        mapOrderStatus(w.Status),
		FilledPrice:   filledPrice,
		FilledQty:     filledQty,
		UpdatedAt:     time.UnixMilli(w.UpdateTime),
	}
}

// mapOrderStatus 将币安订单状态映射为内部状态
func mapOrderStatus(status string) models.OrderStatus {
	switch status {
	case "NEW":
		return models.StatusOpen
	case "PARTIALLY_FILLED":
		return models.StatusOpen
	case "FILLED":
		return models.StatusFilled
	case "CANCELED":
		return models.StatusCancelled
	case "REJECTED":
		return models.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return models.StatusExpired
	}
	return models.OrderStatus(status)
}

// PlaceOrder 下单。
func (g *LiveGateway) PlaceOrder(ctx context.Context, spec OrderSpec) (*models.OrderRecord, error) {
	params := url.Values{}
	params.Set("symbol", spec.Symbol)
	params.Set("side", string(spec.Side))
	params.Set("type", spec.Type)
	params.Set("quantity", strconv.FormatFloat(spec.Quantity, 'f', -1, 64))

	switch spec.Type {
	case "LIMIT":
		params.Set("timeInForce", "GTX") // post-only：做市单只做 maker
		params.Set("price", strconv.FormatFloat(spec.Price, 'f', -1, 64))
	case "STOP_MARKET", "TAKE_PROFIT_MARKET":
		params.Set("stopPrice", strconv.FormatFloat(spec.StopPrice, 'f', -1, 64))
	}
	if spec.ClientOrderID != "" {
		params.Set("newClientOrderId", spec.ClientOrderID)
	}
	if spec.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	data, err := g.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		g.logger.Error("下单请求失败，交易所返回错误", zap.Error(err), zap.String("raw_response", string(data)))
		return nil, err
	}

	var w wireOrder
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	record := w.toRecord()
	return &record, nil
}

// CancelOrder 按客户端订单ID取消订单。
func (g *LiveGateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	_, err := g.doRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	return err
}

// GetOpenOrders 获取所有挂单
func (g *LiveGateway) GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderRecord, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := g.doRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, err
	}

	var wires []wireOrder
	if err := json.Unmarshal(data, &wires); err != nil {
		return nil, err
	}
	records := make([]models.OrderRecord, 0, len(wires))
	for _, w := range wires {
		records = append(records, w.toRecord())
	}
	return records, nil
}

// GetPosition 获取指定交易对的净持仓。
func (g *LiveGateway) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := g.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnrealizedProfit string `json:"unRealizedProfit"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	pos := &models.Position{Symbol: symbol}
	for _, p := range raw {
		if p.Symbol != symbol {
			continue
		}
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		upnl, _ := strconv.ParseFloat(p.UnrealizedProfit, 64)
		pos.Size += amt
		if amt != 0 {
			pos.AvgEntryPrice = entry
		}
		pos.UnrealizedPnl += upnl
	}
	return pos, nil
}

// GetSymbolInfo 获取交易对的交易规则
func (g *LiveGateway) GetSymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := g.doRequest(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, false)
	if err != nil {
		return nil, err
	}

	var exchangeInfo models.ExchangeInfo
	if err := json.Unmarshal(data, &exchangeInfo); err != nil {
		return nil, err
	}

	for _, s := range exchangeInfo.Symbols {
		if s.Symbol == symbol {
			return &s, nil
		}
	}

	return nil, fmt.Errorf("未找到交易对 %s 的信息", symbol)
}

// SetLeverage 设置杠杆。
func (g *LiveGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := g.doRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, true)
	return err
}

// SetMarginType 设置保证金模式。
func (g *LiveGateway) SetMarginType(ctx context.Context, symbol string, marginType string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", marginType) // "ISOLATED" or "CROSSED"
	_, err := g.doRequest(ctx, http.MethodPost, "/fapi/v1/marginType", params, true)

	// 如果错误是币安的特定错误，并且错误码是 -4046 (无需更改), 则忽略该错误
	if err != nil {
		if apiErr, ok := err.(*models.APIError); ok && apiErr.Code == -4046 {
			g.logger.Info("保证金模式无需更改，已是目标模式。")
			return nil
		}
		return err
	}
	return nil
}

// createListenKey 创建一个新的 listenKey 用于 WebSocket 连接。
func (g *LiveGateway) createListenKey(ctx context.Context) (string, error) {
	data, err := g.doRequest(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, true)
	if err != nil {
		return "", fmt.Errorf("创建 listenKey 失败: %w", err)
	}

	var response struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return "", fmt.Errorf("解析 listenKey 响应失败: %w", err)
	}
	g.listenKey = response.ListenKey
	return g.listenKey, nil
}

// keepAliveListenKey 延长 listenKey 的有效期。
func (g *LiveGateway) keepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := g.doRequest(ctx, http.MethodPut, "/fapi/v1/listenKey", params, true)
	if err != nil {
		return fmt.Errorf("保持 listenKey 存活失败: %w", err)
	}
	return nil
}

// SubscribeOrderEvents 订阅用户数据流并将订单更新事件推送给 handler。
// 内部维持连接和重连；handler 在独立的读取 goroutine 中被调用。
func (g *LiveGateway) SubscribeOrderEvents(ctx context.Context, handler EventHandler) error {
	listenKey, err := g.createListenKey(ctx)
	if err != nil {
		return err
	}

	go g.listenKeyKeepAliveLoop(listenKey)
	go g.webSocketLoop(listenKey, handler)
	return nil
}

// listenKeyKeepAliveLoop 定期延长 listenKey 有效期（币安要求 60 分钟内至少一次）。
func (g *LiveGateway) listenKeyKeepAliveLoop(listenKey string) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := g.keepAliveListenKey(ctx, listenKey); err != nil {
				g.logger.Warn("延长 listenKey 失败", zap.Error(err))
			}
			cancel()
		}
	}
}

// webSocketLoop 是一个守护进程，负责维持WebSocket的连接和重连
func (g *LiveGateway) webSocketLoop(listenKey string, handler EventHandler) {
	for {
		select {
		case <-g.stopChan:
			g.logger.Info("WebSocket循环已停止。")
			return
		default:
			wsURL := fmt.Sprintf("%s/ws/%s", g.wsBaseURL, listenKey)
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				g.logger.Warn("WebSocket连接失败，5秒后重试", zap.Error(err))
				time.Sleep(5 * time.Second)
				continue
			}

			g.mu.Lock()
			g.wsConn = conn
			g.mu.Unlock()
			g.logger.Info("用户数据流 WebSocket 连接成功。")

			// handleMessages 会阻塞直到连接断开
			if err := g.handleMessages(conn, handler); err != nil {
				g.logger.Warn("WebSocket处理时发生错误", zap.Error(err))
			}
			conn.Close()
			g.logger.Info("WebSocket连接已断开，准备重连...")
			time.Sleep(5 * time.Second)
		}
	}
}

// handleMessages 为一个已建立的连接处理消息，并实现心跳机制
func (g *LiveGateway) handleMessages(conn *websocket.Conn, handler EventHandler) error {
	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait
	)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-g.stopChan:
				return
			}
		}
	}()

	for {
		select {
		case <-g.stopChan:
			err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				return fmt.Errorf("发送WebSocket关闭帧失败: %w", err)
			}
			return nil
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				// 任何读取错误都意味着连接已损坏，返回错误让 webSocketLoop 处理重连
				return fmt.Errorf("读取消息失败: %w", err)
			}

			var probe struct {
				EventType string `json:"e"`
			}
			if err := json.Unmarshal(message, &probe); err != nil {
				g.logger.Warn("解析事件类型失败", zap.Error(err))
				continue
			}
			if probe.EventType != "ORDER_TRADE_UPDATE" {
				continue
			}

			var update models.OrderUpdateEvent
			if err := json.Unmarshal(message, &update); err != nil {
				g.logger.Warn("解析订单更新事件失败", zap.Error(err))
				continue
			}
			handler(normalizeOrderUpdate(update))
		}
	}
}

// normalizeOrderUpdate 将币安订单更新事件转换为内部归一化事件
func normalizeOrderUpdate(update models.OrderUpdateEvent) models.OrderEvent {
	o := update.Order
	price, _ := strconv.ParseFloat(o.Price, 64)
	filledPrice, _ := strconv.ParseFloat(o.ExecutedPrice, 64)
	filledQty, _ := strconv.ParseFloat(o.CumQty, 64)
	realized, _ := strconv.ParseFloat(o.RealizedProfit, 64)
	return models.OrderEvent{
		Symbol:        o.Symbol,
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Side:          models.Side(o.Side),
		Status:        mapOrderStatus(o.Status),
		Price:         price,
		FilledPrice:   filledPrice,
		FilledQty:     filledQty,
		RealizedPnl:   realized,
		Timestamp:     time.UnixMilli(update.EventTime),
	}
}
