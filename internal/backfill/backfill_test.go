package backfill

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"futuresflow/internal/binance"
	"futuresflow/internal/storage"
	"futuresflow/models"
)

type fakeFetcher struct {
	klineBatches   [][]models.Candle
	tradeBatches   [][]models.AggTrade
	oiBatches      [][]models.OpenInterestSample
	fundingBatches [][]models.FundingRate

	klineReqs   []binance.KlinesRequest
	tradeReqs   []binance.AggTradesRequest
	oiReqs      []binance.OpenInterestRequest
	fundingReqs []binance.FundingRatesRequest
}

func (f *fakeFetcher) FetchKlines(ctx context.Context, req binance.KlinesRequest) ([]models.Candle, error) {
	f.klineReqs = append(f.klineReqs, req)
	if len(f.klineBatches) == 0 {
		return nil, nil
	}
	batch := f.klineBatches[0]
	f.klineBatches = f.klineBatches[1:]
	return batch, nil
}

func (f *fakeFetcher) FetchAggTrades(ctx context.Context, req binance.AggTradesRequest) ([]models.AggTrade, error) {
	f.tradeReqs = append(f.tradeReqs, req)
	if len(f.tradeBatches) == 0 {
		return nil, nil
	}
	batch := f.tradeBatches[0]
	f.tradeBatches = f.tradeBatches[1:]
	return batch, nil
}

func (f *fakeFetcher) FetchOpenInterest(ctx context.Context, req binance.OpenInterestRequest) ([]models.OpenInterestSample, error) {
	f.oiReqs = append(f.oiReqs, req)
	if len(f.oiBatches) == 0 {
		return nil, nil
	}
	batch := f.oiBatches[0]
	f.oiBatches = f.oiBatches[1:]
	return batch, nil
}

func (f *fakeFetcher) FetchFundingRates(ctx context.Context, req binance.FundingRatesRequest) ([]models.FundingRate, error) {
	f.fundingReqs = append(f.fundingReqs, req)
	if len(f.fundingBatches) == 0 {
		return nil, nil
	}
	batch := f.fundingBatches[0]
	f.fundingBatches = f.fundingBatches[1:]
	return batch, nil
}

func candleAt(openTime int64) models.Candle {
	return models.Candle{
		Symbol:    "BTCUSDT",
		OpenTime:  openTime,
		Open:      100,
		High:      101,
		Low:       99,
		Close:     100.5,
		Volume:    10,
		CloseTime: openTime + 59999,
	}
}

func candlesOnlyConfig(start, end time.Time) Config {
	cfg := DefaultConfig("BTCUSDT", start, end)
	cfg.IncludeTrades = false
	cfg.IncludeOpenInterest = false
	cfg.IncludeFunding = false
	return cfg
}

func mustFileStore(t *testing.T, dir string) *storage.FileStore {
	t.Helper()
	store, err := storage.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return store
}

func TestBackfillCandlesEndToEnd(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	start := base.UnixMilli()

	fetcher := &fakeFetcher{
		klineBatches: [][]models.Candle{
			{candleAt(start), candleAt(start + 60000), candleAt(start + 120000)},
		},
	}
	job := NewJob(fetcher, mustFileStore(t, dir))

	report, err := job.Run(ctx, candlesOnlyConfig(base, base.Add(5*time.Minute)))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	candles := report.Totals["candles"]
	if candles.Fetched != 3 || candles.Inserted != 3 || candles.Batches != 1 {
		t.Errorf("unexpected candle report: %+v", candles)
	}
	if candles.EarliestKey == nil || *candles.EarliestKey != start {
		t.Errorf("unexpected earliest key: %v", candles.EarliestKey)
	}
	if candles.LatestKey == nil || *candles.LatestKey != start+120000 {
		t.Errorf("unexpected latest key: %v", candles.LatestKey)
	}

	// The dataset file holds exactly the three open times, sorted.
	file, err := os.Open(filepath.Join(dir, "btcusdt_1m_candles.jsonl"))
	if err != nil {
		t.Fatalf("open dataset: %v", err)
	}
	defer file.Close()
	var openTimes []int64
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var c models.Candle
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		openTimes = append(openTimes, c.OpenTime)
	}
	want := []int64{start, start + 60000, start + 120000}
	if len(openTimes) != len(want) {
		t.Fatalf("expected %d lines, got %d", len(want), len(openTimes))
	}
	for i := range want {
		if openTimes[i] != want[i] {
			t.Errorf("line %d: open_time %d, want %d", i, openTimes[i], want[i])
		}
	}

	// Re-running with resume against an exhausted source ingests nothing.
	resumeFetcher := &fakeFetcher{}
	resumeJob := NewJob(resumeFetcher, mustFileStore(t, dir))
	report, err = resumeJob.Run(ctx, candlesOnlyConfig(base, base.Add(5*time.Minute)))
	if err != nil {
		t.Fatalf("resume run failed: %v", err)
	}
	candles = report.Totals["candles"]
	if candles.Fetched != 0 || candles.Inserted != 0 {
		t.Errorf("expected empty resume run, got %+v", candles)
	}
	if len(resumeFetcher.klineReqs) != 1 {
		t.Fatalf("expected one probe request on resume, got %d", len(resumeFetcher.klineReqs))
	}
	if got := resumeFetcher.klineReqs[0].StartTime; got != start+120001 {
		t.Errorf("resume start = %d, want %d", got, start+120001)
	}
}

func TestBackfillCandleCursorSkipsOutOfRangeBatch(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	start := base.UnixMilli()
	end := base.Add(2 * time.Minute)

	// Every row in the first batch lands after the window, so nothing is
	// ingested but the cursor must still move forward.
	fetcher := &fakeFetcher{
		klineBatches: [][]models.Candle{
			{candleAt(end.UnixMilli() + 60000)},
		},
	}
	job := NewJob(fetcher, storage.NewMemoryStore())

	report, err := job.Run(ctx, candlesOnlyConfig(base, end))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Totals["candles"].Fetched != 0 {
		t.Errorf("expected nothing ingested, got %+v", report.Totals["candles"])
	}
	if len(fetcher.klineReqs) != 2 {
		t.Fatalf("expected cursor to advance and fetch again, got %d requests", len(fetcher.klineReqs))
	}
	if got := fetcher.klineReqs[1].StartTime; got != start+60000 {
		t.Errorf("second request start = %d, want %d", got, start+60000)
	}
}

func TestBackfillTradesResumeByTradeID(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Seed the store so resume picks up after trade id 10.
	seed := []models.AggTrade{{
		Symbol: "BTCUSDT", AggTradeID: 10, Price: 100, Quantity: 1,
		FirstTradeID: 10, LastTradeID: 10, Timestamp: base.UnixMilli() - 1000,
	}}
	if _, err := store.UpsertAggTrades(ctx, seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	fetcher := &fakeFetcher{
		tradeBatches: [][]models.AggTrade{
			{{
				Symbol: "BTCUSDT", AggTradeID: 11, Price: 100.5, Quantity: 2,
				FirstTradeID: 11, LastTradeID: 11, Timestamp: base.UnixMilli() + 1000,
			}},
		},
	}
	cfg := DefaultConfig("BTCUSDT", base, base.Add(2*time.Hour))
	cfg.IncludeCandles = false
	cfg.IncludeOpenInterest = false
	cfg.IncludeFunding = false

	job := NewJob(fetcher, store)
	report, err := job.Run(ctx, cfg)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Totals["trades"].Inserted != 1 {
		t.Errorf("unexpected trade report: %+v", report.Totals["trades"])
	}

	if len(fetcher.tradeReqs) < 2 {
		t.Fatalf("expected at least 2 trade requests, got %d", len(fetcher.tradeReqs))
	}
	if got := fetcher.tradeReqs[0].FromID; got != 11 {
		t.Errorf("first request FromID = %d, want 11", got)
	}
	// The id cursor only applies until the first recorded batch; afterwards
	// the time windows take over.
	if got := fetcher.tradeReqs[1].FromID; got != 0 {
		t.Errorf("second request FromID = %d, want 0", got)
	}
	if got := fetcher.tradeReqs[0].EndTime; got != base.UnixMilli()+3600000 {
		t.Errorf("first window end = %d, want %d", got, base.UnixMilli()+3600000)
	}
}

func TestBackfillOpenInterestAdvancesEmptyWindows(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig("BTCUSDT", time.UnixMilli(0).UTC(), time.UnixMilli(1500000).UTC())
	cfg.IncludeCandles = false
	cfg.IncludeTrades = false
	cfg.IncludeFunding = false
	cfg.OpenInterestLimit = 2 // 5m period, two samples per window

	fetcher := &fakeFetcher{
		oiBatches: [][]models.OpenInterestSample{
			nil, // first window empty
			{{Symbol: "BTCUSDT", Timestamp: 900000, SumOpenInterest: 42, SumOpenInterestValue: 4200}},
		},
	}
	job := NewJob(fetcher, storage.NewMemoryStore())

	report, err := job.Run(ctx, cfg)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Totals["open_interest"].Inserted != 1 {
		t.Errorf("unexpected open interest report: %+v", report.Totals["open_interest"])
	}

	if len(fetcher.oiReqs) < 2 {
		t.Fatalf("expected at least 2 requests, got %d", len(fetcher.oiReqs))
	}
	// Empty window: cursor jumps to window end plus one period.
	if got := fetcher.oiReqs[1].StartTime; got != 900000 {
		t.Errorf("second request start = %d, want 900000", got)
	}
}

func TestBackfillFundingWindowClamp(t *testing.T) {
	ctx := context.Background()
	end := int64(30000000)
	cfg := DefaultConfig("BTCUSDT", time.UnixMilli(0).UTC(), time.UnixMilli(end).UTC())
	cfg.IncludeCandles = false
	cfg.IncludeTrades = false
	cfg.IncludeOpenInterest = false
	cfg.FundingLimit = 1 // one 8h funding event per window

	fetcher := &fakeFetcher{
		fundingBatches: [][]models.FundingRate{
			{{Symbol: "BTCUSDT", FundingTime: 100, FundingRate: 0.0001}},
		},
	}
	job := NewJob(fetcher, storage.NewMemoryStore())

	report, err := job.Run(ctx, cfg)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Totals["funding"].Inserted != 1 {
		t.Errorf("unexpected funding report: %+v", report.Totals["funding"])
	}
	if got := fetcher.fundingReqs[0].EndTime; got != 28800000 {
		t.Errorf("first window end = %d, want 28800000", got)
	}
}

func TestConfigValidation(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	cfg := DefaultConfig("BTCUSDT", base, base)
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when end is not after start")
	}

	cfg = DefaultConfig("", base, base.Add(time.Hour))
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing symbol")
	}

	cfg = DefaultConfig("BTCUSDT", base, base.Add(time.Hour))
	cfg.CandleLimit = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero candle limit")
	}

	cfg = DefaultConfig("BTCUSDT", base, base.Add(time.Hour))
	cfg.Interval = "13x"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for bad interval")
	}
}

func TestMetricsSummary(t *testing.T) {
	metrics := NewIngestionMetrics()
	metrics.Observe("candles", 100, 90, 10, 2*time.Second)
	metrics.Observe("candles", 50, 50, 0, time.Second)

	summary := metrics.Summary()
	candles, ok := summary["candles"]
	if !ok {
		t.Fatal("expected candles summary")
	}
	if candles.Batches != 2 || candles.Records != 150 || candles.Inserted != 140 {
		t.Errorf("unexpected summary: %+v", candles)
	}
	if candles.RecordsPerSecond < 49.9 || candles.RecordsPerSecond > 50.1 {
		t.Errorf("unexpected throughput: %v", candles.RecordsPerSecond)
	}
}
