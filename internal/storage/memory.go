package storage

import (
	"context"
	"sync"

	"futuresflow/models"
)

// MemoryStore keeps every dataset in process memory. It backs tests and dry
// runs where durability does not matter.
type MemoryStore struct {
	mu       sync.Mutex
	datasets map[string]*dataset
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{datasets: make(map[string]*dataset)}
}

func (s *MemoryStore) dataset(name string) *dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[name]
	if !ok {
		ds = newDataset()
		s.datasets[name] = ds
	}
	return ds
}

func (s *MemoryStore) latestKey(name string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[name]
	if !ok {
		return 0, false, nil
	}
	key, found := ds.latestKey()
	return key, found, nil
}

func (s *MemoryStore) LatestCandleKey(ctx context.Context, symbol, interval string) (int64, bool, error) {
	return s.latestKey(candleFile(symbol, interval))
}

func (s *MemoryStore) LatestAggTradeKey(ctx context.Context, symbol string) (int64, bool, error) {
	return s.latestKey(aggTradeFile(symbol))
}

func (s *MemoryStore) LatestOpenInterestKey(ctx context.Context, symbol, period string) (int64, bool, error) {
	return s.latestKey(openInterestFile(symbol, period))
}

func (s *MemoryStore) LatestFundingKey(ctx context.Context, symbol string) (int64, bool, error) {
	return s.latestKey(fundingFile(symbol))
}

func (s *MemoryStore) UpsertCandles(ctx context.Context, interval string, candles []models.Candle) (models.UpsertStats, error) {
	var stats models.UpsertStats
	for symbol, batch := range groupBySymbol(candles, func(c models.Candle) string { return c.Symbol }) {
		stats.Add(s.upsertLocked(candleFile(symbol, interval), batch))
	}
	return stats, nil
}

func (s *MemoryStore) UpsertAggTrades(ctx context.Context, trades []models.AggTrade) (models.UpsertStats, error) {
	var stats models.UpsertStats
	for symbol, batch := range groupBySymbol(trades, func(t models.AggTrade) string { return t.Symbol }) {
		stats.Add(s.upsertLocked(aggTradeFile(symbol), batch))
	}
	return stats, nil
}

func (s *MemoryStore) UpsertOpenInterest(ctx context.Context, period string, samples []models.OpenInterestSample) (models.UpsertStats, error) {
	var stats models.UpsertStats
	for symbol, batch := range groupBySymbol(samples, func(o models.OpenInterestSample) string { return o.Symbol }) {
		stats.Add(s.upsertLocked(openInterestFile(symbol, period), batch))
	}
	return stats, nil
}

func (s *MemoryStore) UpsertFundingRates(ctx context.Context, rates []models.FundingRate) (models.UpsertStats, error) {
	var stats models.UpsertStats
	for symbol, batch := range groupBySymbol(rates, func(f models.FundingRate) string { return f.Symbol }) {
		stats.Add(s.upsertLocked(fundingFile(symbol), batch))
	}
	return stats, nil
}

func (s *MemoryStore) upsertLocked(name string, batch []keyed) models.UpsertStats {
	ds := s.dataset(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	return ds.upsert(batch)
}

func (s *MemoryStore) latest(name string, limit int) []keyed {
	ds := s.dataset(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	return ds.latest(limit)
}

func (s *MemoryStore) FetchLatestCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	return collect[models.Candle](s.latest(candleFile(symbol, interval), limit)), nil
}

func (s *MemoryStore) FetchLatestAggTrades(ctx context.Context, symbol string, limit int) ([]models.AggTrade, error) {
	return collect[models.AggTrade](s.latest(aggTradeFile(symbol), limit)), nil
}

func (s *MemoryStore) FetchLatestOpenInterest(ctx context.Context, symbol, period string, limit int) ([]models.OpenInterestSample, error) {
	return collect[models.OpenInterestSample](s.latest(openInterestFile(symbol, period), limit)), nil
}

func (s *MemoryStore) FetchLatestFundingRates(ctx context.Context, symbol string, limit int) ([]models.FundingRate, error) {
	return collect[models.FundingRate](s.latest(fundingFile(symbol), limit)), nil
}

func (s *MemoryStore) Flush(ctx context.Context) error { return nil }

func (s *MemoryStore) Close(ctx context.Context) error { return nil }
