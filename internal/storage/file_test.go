package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"futuresflow/models"
)

func testCandle(openTime int64, close float64) models.Candle {
	return models.Candle{
		Symbol:    "BTCUSDT",
		OpenTime:  openTime,
		Open:      close - 1,
		High:      close + 1,
		Low:       close - 2,
		Close:     close,
		Volume:    10,
		CloseTime: openTime + 59999,
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return lines
}

func TestFileStoreUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	batch := []models.Candle{testCandle(60000, 100), testCandle(120000, 101)}

	stats, err := store.UpsertCandles(ctx, "1m", batch)
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if stats.Inserted != 2 || stats.Updated != 0 || stats.Unchanged != 0 {
		t.Errorf("unexpected first upsert stats: %+v", stats)
	}

	stats, err = store.UpsertCandles(ctx, "1m", batch)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if stats.Inserted != 0 || stats.Updated != 0 || stats.Unchanged != 2 {
		t.Errorf("expected identical batch to be unchanged, got %+v", stats)
	}

	changed := testCandle(120000, 105)
	stats, err = store.UpsertCandles(ctx, "1m", []models.Candle{changed})
	if err != nil {
		t.Fatalf("third upsert failed: %v", err)
	}
	if stats.Updated != 1 || stats.Inserted != 0 {
		t.Errorf("expected value change to count as update, got %+v", stats)
	}

	key, found, err := store.LatestCandleKey(ctx, "btcusdt", "1m")
	if err != nil || !found || key != 120000 {
		t.Errorf("LatestCandleKey = (%d, %v, %v), want (120000, true, nil)", key, found, err)
	}
}

func TestFileStoreFlushWritesSortedJSONL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	// Out of order on purpose.
	batch := []models.Candle{testCandle(180000, 103), testCandle(60000, 100), testCandle(120000, 101)}
	if _, err := store.UpsertCandles(ctx, "1m", batch); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	path := filepath.Join(dir, "btcusdt_1m_candles.jsonl")
	lines := readLines(t, path)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	var prev int64 = -1
	for _, line := range lines {
		var c models.Candle
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		if c.OpenTime <= prev {
			t.Fatalf("lines not sorted by open_time: %d after %d", c.OpenTime, prev)
		}
		prev = c.OpenTime
	}
}

func TestFileStoreCleanFlushDoesNotRewrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if _, err := store.UpsertCandles(ctx, "1m", []models.Candle{testCandle(60000, 100)}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("first flush failed: %v", err)
	}

	path := filepath.Join(dir, "btcusdt_1m_candles.jsonl")
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}

	// Unchanged upsert then flush must leave the file untouched.
	if _, err := store.UpsertCandles(ctx, "1m", []models.Candle{testCandle(60000, 100)}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("second flush failed: %v", err)
	}

	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("clean flush rewrote the dataset file")
	}
}

func TestFileStoreReloadsExistingData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	trades := []models.AggTrade{
		{Symbol: "BTCUSDT", AggTradeID: 5, Price: 100, Quantity: 1, FirstTradeID: 5, LastTradeID: 5, Timestamp: 1700000005000},
		{Symbol: "BTCUSDT", AggTradeID: 7, Price: 101, Quantity: 2, FirstTradeID: 6, LastTradeID: 7, Timestamp: 1700000007000},
	}
	if _, err := store.UpsertAggTrades(ctx, trades); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := store.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	key, found, err := reopened.LatestAggTradeKey(ctx, "BTCUSDT")
	if err != nil || !found || key != 7 {
		t.Fatalf("LatestAggTradeKey after reload = (%d, %v, %v), want (7, true, nil)", key, found, err)
	}

	stats, err := reopened.UpsertAggTrades(ctx, trades)
	if err != nil {
		t.Fatalf("upsert after reload failed: %v", err)
	}
	if stats.Unchanged != 2 {
		t.Errorf("expected reloaded records to match, got %+v", stats)
	}
}

func TestFileStoreFetchLatestAscending(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	rates := []models.FundingRate{
		{Symbol: "ETHUSDT", FundingTime: 3000, FundingRate: 0.0003},
		{Symbol: "ETHUSDT", FundingTime: 1000, FundingRate: 0.0001},
		{Symbol: "ETHUSDT", FundingTime: 2000, FundingRate: 0.0002},
	}
	if _, err := store.UpsertFundingRates(ctx, rates); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	latest, err := store.FetchLatestFundingRates(ctx, "ETHUSDT", 2)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(latest) != 2 || latest[0].FundingTime != 2000 || latest[1].FundingTime != 3000 {
		t.Errorf("expected two most recent rates ascending, got %+v", latest)
	}
}

func TestFileStoreEmptyDataset(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	_, found, err := store.LatestOpenInterestKey(ctx, "BTCUSDT", "5m")
	if err != nil {
		t.Fatalf("LatestOpenInterestKey failed: %v", err)
	}
	if found {
		t.Error("expected empty dataset to report no latest key")
	}
}
