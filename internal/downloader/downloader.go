package downloader

import (
	"binance-mm-bot-go/internal/models"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

// TradeDownloader 用于从币安合约市场下载历史归集成交，供参数估计器预热
type TradeDownloader struct {
	client *futures.Client
}

// NewTradeDownloader 创建一个新的下载器实例
func NewTradeDownloader() *TradeDownloader {
	return &TradeDownloader{
		client: futures.NewClient("", ""), // 公共接口不需要API Key
	}
}

// DownloadAggTrades 下载指定交易对和时间范围内的归集成交，并保存到CSV文件。
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *TradeDownloader) DownloadAggTrades(symbol, filePath string, startTime, endTime time.Time) error {
	// 检查文件是否已存在（缓存）
	if _, err := os.Stat(filePath); !os.IsNotExist(err) {
		fmt.Printf("从缓存加载数据: %s\n", filePath)
		return nil
	}

	fmt.Printf("开始下载 %s 从 %s 到 %s 的归集成交...\n", symbol,
		startTime.Format("2006-01-02 15:04"), endTime.Format("2006-01-02 15:04"))

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %v", dir, err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %v", filePath, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "price", "quantity"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入CSV表头失败: %v", err)
	}

	total := 0
	for t := startTime.UnixMilli(); t < endTime.UnixMilli(); {
		trades, err := d.client.NewAggTradesService().
			Symbol(symbol).
			StartTime(t).
			Limit(1000). // 币安单次请求最多1000条
			Do(context.Background())

		if err != nil {
			return fmt.Errorf("下载归集成交失败: %v", err)
		}

		if len(trades) == 0 {
			break
		}

		for _, trade := range trades {
			if trade.Timestamp >= endTime.UnixMilli() {
				break
			}
			record := []string{
				fmt.Sprintf("%d", trade.Timestamp),
				trade.Price,
				trade.Quantity,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("写入CSV记录失败: %v", err)
			}
			total++
		}

		// 下一批从最后一条成交之后开始
		t = trades[len(trades)-1].Timestamp + 1
		time.Sleep(200 * time.Millisecond) // 避免触发接口限频
	}

	fmt.Printf("下载完成, 共 %d 条成交, 已保存至: %s\n", total, filePath)
	return nil
}

// LoadTicks 从CSV缓存加载成交数据
func LoadTicks(filePath string) ([]models.TradeTick, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("无法打开文件 %s: %v", filePath, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("读取CSV失败: %v", err)
	}

	ticks := make([]models.TradeTick, 0, len(records))
	for i, record := range records {
		if i == 0 || len(record) < 3 {
			continue // 跳过表头
		}
		ts, err := strconv.ParseInt(record[0], 10, 64)
		if err != nil {
			continue
		}
		price, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			continue
		}
		qty, _ := strconv.ParseFloat(record[2], 64)
		ticks = append(ticks, models.TradeTick{
			Price:     price,
			Quantity:  qty,
			Timestamp: time.UnixMilli(ts),
		})
	}
	return ticks, nil
}
