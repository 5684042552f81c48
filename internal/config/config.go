package config

import (
	"binance-mm-bot-go/internal/models"
	"encoding/json"
	"fmt"
	"os"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	err = decoder.Decode(config)
	if err != nil {
		return nil, err
	}

	applyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// applyDefaults 为未设置的可选字段填充默认值
func applyDefaults(cfg *models.Config) {
	if cfg.KappaBounds.Min == 0 && cfg.KappaBounds.Max == 0 {
		cfg.KappaBounds = models.Bounds{Min: 0.1, Max: 5.0}
	}
	if cfg.MaxPriceDeviation == 0 {
		cfg.MaxPriceDeviation = 0.10
	}
	if cfg.PositionCapBuffer == 0 {
		cfg.PositionCapBuffer = 1.0
	}
	if cfg.RefreshIntervalSec == 0 {
		cfg.RefreshIntervalSec = 5
	}
	if cfg.EstimatorWindowSec == 0 {
		cfg.EstimatorWindowSec = 300
	}
	if cfg.MinSamples == 0 {
		cfg.MinSamples = 10
	}
	if cfg.DepthLevels == 0 {
		cfg.DepthLevels = 5
	}
	if cfg.QuoteIntervalMs == 0 {
		cfg.QuoteIntervalMs = 2000
	}
	if cfg.SessionLengthMin == 0 {
		cfg.SessionLengthMin = 8 * 60
	}
	if cfg.CancelRetryAttempts == 0 {
		cfg.CancelRetryAttempts = 3
	}
	if cfg.CancelRetryInitialMs == 0 {
		cfg.CancelRetryInitialMs = 200
	}
	if cfg.GatewayTimeoutMs == 0 {
		cfg.GatewayTimeoutMs = 5000
	}
	if cfg.ReconcileIntervalSec == 0 {
		cfg.ReconcileIntervalSec = 30
	}
	if cfg.ReconcileStuckTimeoutSec == 0 {
		cfg.ReconcileStuckTimeoutSec = 60
	}
}

// Validate 校验配置中的硬性约束，启动时失败优于运行时出错。
func Validate(cfg *models.Config) error {
	if cfg.Symbol == "" {
		return fmt.Errorf("配置缺少 symbol")
	}
	if cfg.Gamma <= 0 {
		return fmt.Errorf("gamma 必须为正数, got %v", cfg.Gamma)
	}
	if cfg.SigmaFloor < 0 {
		return fmt.Errorf("sigma_floor 不能为负数, got %v", cfg.SigmaFloor)
	}
	if cfg.KappaBounds.Min <= 0 || cfg.KappaBounds.Max < cfg.KappaBounds.Min {
		return fmt.Errorf("kappa_bounds 区间非法: [%v, %v]", cfg.KappaBounds.Min, cfg.KappaBounds.Max)
	}
	if cfg.MinSpread < 0 || cfg.MaxSpread < cfg.MinSpread {
		return fmt.Errorf("价差区间非法: [%v, %v]", cfg.MinSpread, cfg.MaxSpread)
	}
	if cfg.OrderSize <= 0 {
		return fmt.Errorf("order_size 必须为正数, got %v", cfg.OrderSize)
	}
	if cfg.PositionLimit <= 0 {
		return fmt.Errorf("position_limit 必须为正数, got %v", cfg.PositionLimit)
	}
	if cfg.MaxDailyLoss <= 0 {
		return fmt.Errorf("max_daily_loss 必须为正数, got %v", cfg.MaxDailyLoss)
	}
	if cfg.MaxDrawdown <= 0 || cfg.MaxDrawdown >= 1 {
		return fmt.Errorf("max_drawdown 必须在 (0, 1) 内, got %v", cfg.MaxDrawdown)
	}
	if cfg.MaxPriceDeviation <= 0 {
		return fmt.Errorf("max_price_deviation 必须为正数, got %v", cfg.MaxPriceDeviation)
	}
	if cfg.TakeProfitRate <= 0 || cfg.StopLossRate <= 0 {
		return fmt.Errorf("take_profit_rate 和 stop_loss_rate 必须为正数")
	}
	return nil
}
