package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"futuresflow/config"
	"futuresflow/models"
)

// newTimescaleTestStore connects to the database named by TIMESCALE_TEST_DSN.
// The suite is skipped when no test database is available.
func newTimescaleTestStore(t *testing.T) *TimescaleStore {
	t.Helper()
	dsn := os.Getenv("TIMESCALE_TEST_DSN")
	if dsn == "" {
		t.Skip("TIMESCALE_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewTimescaleStore(ctx, config.TimescaleConfig{DSN: dsn, MaxConns: 2})
	if err != nil {
		t.Fatalf("connect timescale: %v", err)
	}
	t.Cleanup(func() {
		cleanup := context.Background()
		store.pool.Exec(cleanup, `DELETE FROM binance_futures_funding WHERE symbol = 'ZZTESTUSDT'`)
		store.Close(cleanup)
	})
	return store
}

func TestTimescaleStoreUpsertStats(t *testing.T) {
	store := newTimescaleTestStore(t)
	ctx := context.Background()

	rates := []models.FundingRate{
		{Symbol: "ZZTESTUSDT", FundingTime: 1000, FundingRate: 0.0001, MarkPrice: 100, IndexPrice: 100},
		{Symbol: "ZZTESTUSDT", FundingTime: 2000, FundingRate: 0.0002, MarkPrice: 101, IndexPrice: 101},
	}

	stats, err := store.UpsertFundingRates(ctx, rates)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if stats.Inserted != 2 || stats.Updated != 0 || stats.Unchanged != 0 {
		t.Errorf("unexpected insert stats: %+v", stats)
	}

	stats, err = store.UpsertFundingRates(ctx, rates)
	if err != nil {
		t.Fatalf("re-apply failed: %v", err)
	}
	if stats.Unchanged != 2 {
		t.Errorf("expected idempotent re-apply, got %+v", stats)
	}

	rates[1].FundingRate = 0.0005
	stats, err = store.UpsertFundingRates(ctx, rates[1:])
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if stats.Updated != 1 {
		t.Errorf("expected value change to count as update, got %+v", stats)
	}

	key, found, err := store.LatestFundingKey(ctx, "ZZTESTUSDT")
	if err != nil || !found || key != 2000 {
		t.Errorf("LatestFundingKey = (%d, %v, %v), want (2000, true, nil)", key, found, err)
	}

	latest, err := store.FetchLatestFundingRates(ctx, "ZZTESTUSDT", 10)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(latest) != 2 || latest[0].FundingTime != 1000 || latest[1].FundingRate != 0.0005 {
		t.Errorf("unexpected fetched rates: %+v", latest)
	}
}
