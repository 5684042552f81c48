package main

import (
	"binance-mm-bot-go/internal/bot"
	"binance-mm-bot-go/internal/config"
	"binance-mm-bot-go/internal/downloader"
	"binance-mm-bot-go/internal/exchange"
	"binance-mm-bot-go/internal/logger"
	"binance-mm-bot-go/internal/models"
	"binance-mm-bot-go/internal/persistence"
	"binance-mm-bot-go/internal/telemetry"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or paper")
	dataPath := flag.String("data", "", "path to warmup/replay trade data (CSV)")
	warmupStart := flag.String("warmup-start", "", "warmup data start (YYYY-MM-DD)")
	warmupEnd := flag.String("warmup-end", "", "warmup data end (YYYY-MM-DD)")
	flag.Parse()

	// 先用默认配置初始化日志，保证加载 .env 和配置文件时也有日志可用
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	warmupFile, err := resolveWarmupData(cfg.Symbol, *dataPath, *warmupStart, *warmupEnd)
	if err != nil {
		logger.S().Fatalf("准备预热数据失败: %v", err)
	}

	switch *mode {
	case "live":
		runLiveMode(cfg, warmupFile)
	case "paper":
		runPaperMode(cfg, warmupFile)
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live' 或 'paper'。", *mode)
	}
}

// resolveWarmupData 确定预热数据文件：优先使用 --data 指定的文件，
// 否则在给出日期区间时下载归集成交。没有预热数据也可以运行。
func resolveWarmupData(symbol, dataPath, startDate, endDate string) (string, error) {
	if dataPath != "" {
		return dataPath, nil
	}
	if startDate == "" || endDate == "" {
		return "", nil
	}

	startTime, err1 := time.Parse("2006-01-02", startDate)
	endTime, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}

	fileName := fmt.Sprintf("data/%s-trades-%s-%s.csv", symbol, startDate, endDate)
	d := downloader.NewTradeDownloader()
	if err := d.DownloadAggTrades(symbol, fileName, startTime, endTime); err != nil {
		return "", err
	}
	return fileName, nil
}

// buildSink 组装遥测链路：结构化日志 + 会话汇总
func buildSink() (telemetry.MultiSink, *telemetry.SessionReporter) {
	reporter := telemetry.NewSessionReporter()
	sink := telemetry.MultiSink{telemetry.NewZapSink(logger.L()), reporter}
	return sink, reporter
}

// runLiveMode 运行实盘做市
func runLiveMode(cfg *models.Config, warmupFile string) {
	logger.S().Info("--- 启动实盘做市模式 ---")

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		logger.S().Fatal("错误：BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置。")
	}

	// 根据配置设置API URL
	if cfg.IsTestnet {
		cfg.BaseURL = cfg.TestnetAPIURL
		cfg.WSBaseURL = cfg.TestnetWSURL
		logger.S().Info("正在使用币安测试网...")
	} else {
		cfg.BaseURL = cfg.LiveAPIURL
		cfg.WSBaseURL = cfg.LiveWSURL
		logger.S().Info("正在使用币安生产网...")
	}

	gateway, err := exchange.NewLiveGateway(apiKey, secretKey, cfg.BaseURL, cfg.WSBaseURL, logger.L())
	if err != nil {
		logger.S().Fatalf("初始化交易所网关失败: %v", err)
	}
	defer gateway.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// 设置杠杆与保证金模式
	if err := gateway.SetLeverage(ctx, cfg.Symbol, cfg.Leverage); err != nil {
		logger.S().Fatalf("设置杠杆失败: %v", err)
	}
	if err := gateway.SetMarginType(ctx, cfg.Symbol, cfg.MarginType); err != nil {
		logger.S().Fatalf("设置保证金模式失败: %v", err)
	}

	// 获取交易规则（价格与数量精度）
	symbolInfo, err := gateway.GetSymbolInfo(ctx, cfg.Symbol)
	if err != nil {
		logger.S().Fatalf("获取交易规则失败: %v", err)
	}
	rules, err := exchange.RulesFromSymbolInfo(symbolInfo)
	if err != nil {
		logger.S().Fatalf("解析交易规则失败: %v", err)
	}

	repo, err := persistence.NewBadgerRepository(cfg.DBPath, cfg.Symbol)
	if err != nil {
		logger.S().Fatalf("初始化状态数据库失败: %v", err)
	}
	defer repo.Close()

	sink, reporter := buildSink()
	runBot(cfg, gateway, rules, repo, sink, reporter, warmupFile, nil)
}

// runPaperMode 运行纸面做市：以历史成交回放驱动模拟撮合
func runPaperMode(cfg *models.Config, warmupFile string) {
	logger.S().Info("--- 启动纸面做市模式 ---")
	if warmupFile == "" {
		logger.S().Fatal("纸面模式需要通过 --data 或 --warmup-start/--warmup-end 指定成交数据。")
	}

	ticks, err := downloader.LoadTicks(warmupFile)
	if err != nil {
		logger.S().Fatalf("加载成交数据失败: %v", err)
	}
	if len(ticks) == 0 {
		logger.S().Fatal("成交数据为空。")
	}

	gateway := exchange.NewPaperGateway(cfg.Symbol)
	gateway.SetPrice(ticks[0].Price, ticks[0].Timestamp)
	gateway.SetMarkPrice(ticks[0].Price)

	repo, err := persistence.NewBadgerRepository(cfg.DBPath, cfg.Symbol)
	if err != nil {
		logger.S().Fatalf("初始化状态数据库失败: %v", err)
	}
	defer repo.Close()

	sink, reporter := buildSink()
	runBot(cfg, gateway, nil, repo, sink, reporter, "", ticks)
}

// runBot 启动机器人并等待退出信号。paper 模式下 replay 非空，
// 由独立协程将历史成交回放进模拟网关。
func runBot(cfg *models.Config, gateway exchange.Gateway, rules *exchange.SymbolRules,
	repo persistence.StateRepository, sink telemetry.Sink, reporter *telemetry.SessionReporter,
	warmupFile string, replay []models.TradeTick) {

	mmBot, err := bot.NewMarketMakerBot(cfg, gateway, rules, repo, sink, logger.L())
	if err != nil {
		logger.S().Fatalf("初始化机器人失败: %v", err)
	}

	if warmupFile != "" {
		ticks, err := downloader.LoadTicks(warmupFile)
		if err != nil {
			logger.S().Warnf("加载预热数据失败: %v，将从中性参数起步。", err)
		} else {
			mmBot.Warmup(ticks)
		}
	}

	if err := mmBot.Start(); err != nil {
		logger.S().Fatalf("机器人启动失败: %v", err)
	}

	replayDone := make(chan struct{})
	if paperGW, ok := gateway.(*exchange.PaperGateway); ok && len(replay) > 0 {
		go func() {
			defer close(replayDone)
			for _, tick := range replay {
				paperGW.SetPrice(tick.Price, tick.Timestamp)
				paperGW.SetMarkPrice(tick.Price)
				time.Sleep(5 * time.Millisecond)
			}
			logger.S().Info("成交回放结束。")
		}()
	}

	// 等待中断信号或回放结束，优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	if len(replay) > 0 {
		select {
		case <-quit:
		case <-replayDone:
		}
	} else {
		<-quit
	}

	mmBot.Stop()

	// 打印会话报告
	state := mmBot.StateSnapshot()
	if state == nil {
		state = models.NewBotState("mm-"+cfg.Symbol, cfg.Symbol)
	}
	reporter.Render(os.Stdout, state.Position, state.Risk)
	logger.S().Info("机器人已成功停止，状态已保存。")
}
