package storage

import (
	"context"
	"fmt"
	"sort"

	"futuresflow/config"
	"futuresflow/models"
)

// Store persists normalized market data records. Upserts are idempotent on
// each record's natural key; re-applying a batch never duplicates rows.
type Store interface {
	// Latest*Key return the highest stored natural key for a dataset and
	// whether the dataset holds any rows at all.
	LatestCandleKey(ctx context.Context, symbol, interval string) (int64, bool, error)
	LatestAggTradeKey(ctx context.Context, symbol string) (int64, bool, error)
	LatestOpenInterestKey(ctx context.Context, symbol, period string) (int64, bool, error)
	LatestFundingKey(ctx context.Context, symbol string) (int64, bool, error)

	UpsertCandles(ctx context.Context, interval string, candles []models.Candle) (models.UpsertStats, error)
	UpsertAggTrades(ctx context.Context, trades []models.AggTrade) (models.UpsertStats, error)
	UpsertOpenInterest(ctx context.Context, period string, samples []models.OpenInterestSample) (models.UpsertStats, error)
	UpsertFundingRates(ctx context.Context, rates []models.FundingRate) (models.UpsertStats, error)

	// FetchLatest* return up to limit most recent records in ascending key
	// order.
	FetchLatestCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	FetchLatestAggTrades(ctx context.Context, symbol string, limit int) ([]models.AggTrade, error)
	FetchLatestOpenInterest(ctx context.Context, symbol, period string, limit int) ([]models.OpenInterestSample, error)
	FetchLatestFundingRates(ctx context.Context, symbol string, limit int) ([]models.FundingRate, error)

	// Flush makes buffered writes durable. Backends with write-through
	// semantics treat it as a no-op.
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "file":
		return NewFileStore(cfg.DataDirectory)
	case "timescale":
		return NewTimescaleStore(ctx, cfg.Timescale)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// keyed is satisfied by every record type in models.
type keyed interface {
	Key() int64
}

// dataset is the in-memory record table shared by the file and memory
// backends: a key-indexed map plus value-compare upsert semantics.
type dataset struct {
	records map[int64]keyed
	dirty   bool
}

func newDataset() *dataset {
	return &dataset{records: make(map[int64]keyed)}
}

func (d *dataset) upsert(batch []keyed) models.UpsertStats {
	var stats models.UpsertStats
	for _, rec := range batch {
		existing, ok := d.records[rec.Key()]
		if !ok {
			d.records[rec.Key()] = rec
			stats.Inserted++
			d.dirty = true
			continue
		}
		if existing == rec {
			stats.Unchanged++
			continue
		}
		d.records[rec.Key()] = rec
		stats.Updated++
		d.dirty = true
	}
	return stats
}

func (d *dataset) latestKey() (int64, bool) {
	var max int64
	found := false
	for key := range d.records {
		if !found || key > max {
			max = key
			found = true
		}
	}
	return max, found
}

// sortedKeys returns all keys in ascending order.
func (d *dataset) sortedKeys() []int64 {
	keys := make([]int64, 0, len(d.records))
	for key := range d.records {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// latest returns up to limit records with the highest keys, ascending.
func (d *dataset) latest(limit int) []keyed {
	if limit <= 0 {
		return nil
	}
	keys := d.sortedKeys()
	if len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	out := make([]keyed, 0, len(keys))
	for _, key := range keys {
		out = append(out, d.records[key])
	}
	return out
}
