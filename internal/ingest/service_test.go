package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"futuresflow/config"
	"futuresflow/internal/binance"
	"futuresflow/internal/storage"
	"futuresflow/models"
)

type fakeFetcher struct {
	mu             sync.Mutex
	candleBatches  [][]models.Candle
	oiBatches      [][]models.OpenInterestSample
	fundingBatches [][]models.FundingRate
	klineReqs      []binance.KlinesRequest
}

func (f *fakeFetcher) FetchKlines(ctx context.Context, req binance.KlinesRequest) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.klineReqs = append(f.klineReqs, req)
	if len(f.candleBatches) == 0 {
		return nil, nil
	}
	batch := f.candleBatches[0]
	f.candleBatches = f.candleBatches[1:]
	return batch, nil
}

func (f *fakeFetcher) FetchOpenInterest(ctx context.Context, req binance.OpenInterestRequest) ([]models.OpenInterestSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.oiBatches) == 0 {
		return nil, nil
	}
	batch := f.oiBatches[0]
	f.oiBatches = f.oiBatches[1:]
	return batch, nil
}

func (f *fakeFetcher) FetchFundingRates(ctx context.Context, req binance.FundingRatesRequest) ([]models.FundingRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fundingBatches) == 0 {
		return nil, nil
	}
	batch := f.fundingBatches[0]
	f.fundingBatches = f.fundingBatches[1:]
	return batch, nil
}

func (f *fakeFetcher) firstKlineRequest() (binance.KlinesRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.klineReqs) == 0 {
		return binance.KlinesRequest{}, false
	}
	return f.klineReqs[0], true
}

type fakeStreamer struct {
	trades []models.AggTrade
}

func (f *fakeStreamer) Stream(ctx context.Context, symbol string) <-chan models.AggTrade {
	out := make(chan models.AggTrade, len(f.trades))
	go func() {
		defer close(out)
		for _, trade := range f.trades {
			select {
			case out <- trade:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return out
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		Symbols:                  []string{"BTCUSDT"},
		CandleInterval:           "1m",
		OpenInterestPeriod:       "5m",
		CandlePollInterval:       10 * time.Millisecond,
		OpenInterestPollInterval: 10 * time.Millisecond,
		FundingPollInterval:      10 * time.Millisecond,
	}
}

// waitFor polls the condition until it holds or the deadline passes.
func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestServiceIngestsAllKinds(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	fetcher := &fakeFetcher{
		candleBatches: [][]models.Candle{{
			{Symbol: "BTCUSDT", OpenTime: 60000, Open: 100, High: 101, Low: 99, Close: 100.5, CloseTime: 119999},
		}},
		oiBatches: [][]models.OpenInterestSample{{
			{Symbol: "BTCUSDT", Timestamp: 300000, SumOpenInterest: 42, SumOpenInterestValue: 4200},
		}},
		fundingBatches: [][]models.FundingRate{{
			{Symbol: "BTCUSDT", FundingTime: 28800000, FundingRate: 0.0001},
		}},
	}
	streamer := &fakeStreamer{trades: []models.AggTrade{
		{Symbol: "BTCUSDT", AggTradeID: 1, Price: 100, Quantity: 1, FirstTradeID: 1, LastTradeID: 1, Timestamp: 61000},
		{Symbol: "BTCUSDT", AggTradeID: 2, Price: 100.5, Quantity: 2, FirstTradeID: 2, LastTradeID: 2, Timestamp: 62000},
	}}

	service, err := NewService(testIngestConfig(), fetcher, streamer, store)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	if err := service.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, func() bool {
		_, candleOK, _ := store.LatestCandleKey(ctx, "BTCUSDT", "1m")
		_, oiOK, _ := store.LatestOpenInterestKey(ctx, "BTCUSDT", "5m")
		_, fundingOK, _ := store.LatestFundingKey(ctx, "BTCUSDT")
		tradeKey, tradeOK, _ := store.LatestAggTradeKey(ctx, "BTCUSDT")
		return candleOK && oiOK && fundingOK && tradeOK && tradeKey == 2
	})

	if err := service.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	key, found, err := store.LatestCandleKey(ctx, "BTCUSDT", "1m")
	if err != nil || !found || key != 60000 {
		t.Errorf("LatestCandleKey = (%d, %v, %v), want (60000, true, nil)", key, found, err)
	}
}

func TestServicePollsAfterLatestKey(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	seed := []models.Candle{{Symbol: "BTCUSDT", OpenTime: 120000, Close: 100}}
	if _, err := store.UpsertCandles(ctx, "1m", seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	fetcher := &fakeFetcher{}
	service, err := NewService(testIngestConfig(), fetcher, &fakeStreamer{}, store)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	if err := service.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, func() bool {
		_, ok := fetcher.firstKlineRequest()
		return ok
	})
	if err := service.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	req, _ := fetcher.firstKlineRequest()
	if req.StartTime != 120001 {
		t.Errorf("poll start = %d, want 120001", req.StartTime)
	}
	if req.Interval != "1m" || req.Symbol != "BTCUSDT" {
		t.Errorf("unexpected poll request: %+v", req)
	}
}

func TestServiceStartTwiceFails(t *testing.T) {
	ctx := context.Background()
	service, err := NewService(testIngestConfig(), &fakeFetcher{}, &fakeStreamer{}, storage.NewMemoryStore())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	if err := service.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer service.Stop(ctx)

	if err := service.Start(ctx); err == nil {
		t.Fatal("expected second Start to fail")
	}
}

func TestNewServiceRequiresSymbols(t *testing.T) {
	cfg := testIngestConfig()
	cfg.Symbols = nil
	if _, err := NewService(cfg, &fakeFetcher{}, &fakeStreamer{}, storage.NewMemoryStore()); err == nil {
		t.Fatal("expected error for empty symbol list")
	}
}
