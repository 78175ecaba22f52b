package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"futuresflow/logger"
	"futuresflow/models"
)

// FileStore keeps each dataset in one JSONL file under the data directory,
// one record per line sorted by natural key. Records live in memory between
// flushes; Flush rewrites only datasets that changed, atomically via a temp
// file rename.
type FileStore struct {
	dir string
	log *logger.Log

	mu       sync.Mutex
	datasets map[string]*fileDataset
}

type fileDataset struct {
	path   string
	decode func([]byte) (keyed, error)

	mu     sync.Mutex
	loaded bool
	data   *dataset
}

// NewFileStore creates the data directory if needed and returns an empty
// store; dataset files are loaded lazily on first touch.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file storage requires a data directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &FileStore{
		dir:      dir,
		log:      logger.GetLogger(),
		datasets: make(map[string]*fileDataset),
	}, nil
}

// Dataset files carry the lowercase symbol so artifact names stay stable for
// downstream consumers.
func fileSymbol(symbol string) string {
	return strings.ToLower(models.NormalizeSymbol(symbol))
}

func candleFile(symbol, interval string) string {
	return fmt.Sprintf("%s_%s_candles.jsonl", fileSymbol(symbol), interval)
}

func aggTradeFile(symbol string) string {
	return fmt.Sprintf("%s_agg_trades.jsonl", fileSymbol(symbol))
}

func openInterestFile(symbol, period string) string {
	return fmt.Sprintf("%s_open_interest_%s.jsonl", fileSymbol(symbol), period)
}

func fundingFile(symbol string) string {
	return fmt.Sprintf("%s_funding.jsonl", fileSymbol(symbol))
}

func decodeLine[T keyed](line []byte) (keyed, error) {
	var rec T
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *FileStore) dataset(name string, decode func([]byte) (keyed, error)) (*fileDataset, error) {
	s.mu.Lock()
	ds, ok := s.datasets[name]
	if !ok {
		ds = &fileDataset{
			path:   filepath.Join(s.dir, name),
			decode: decode,
			data:   newDataset(),
		}
		s.datasets[name] = ds
	}
	s.mu.Unlock()

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.loaded {
		if err := ds.load(); err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		ds.loaded = true
	}
	return ds, nil
}

// load reads the existing JSONL file into memory. A missing file is an empty
// dataset.
func (ds *fileDataset) load() error {
	file, err := os.Open(ds.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := ds.decode(line)
		if err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		ds.data.records[rec.Key()] = rec
	}
	return scanner.Err()
}

func (ds *fileDataset) upsert(batch []keyed) models.UpsertStats {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.data.upsert(batch)
}

func (ds *fileDataset) latestKey() (int64, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.data.latestKey()
}

func (ds *fileDataset) latest(limit int) []keyed {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.data.latest(limit)
}

// flush rewrites the dataset file sorted by key. Clean datasets are skipped
// so an unchanged store never rewrites bytes on disk.
func (ds *fileDataset) flush() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.data.dirty {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(ds.path), filepath.Base(ds.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	writer := bufio.NewWriter(tmp)
	for _, key := range ds.data.sortedKeys() {
		line, err := json.Marshal(ds.data.records[key])
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := writer.Write(line); err != nil {
			tmp.Close()
			return err
		}
		if err := writer.WriteByte('\n'); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), ds.path); err != nil {
		return err
	}
	ds.data.dirty = false
	return nil
}

func (s *FileStore) LatestCandleKey(ctx context.Context, symbol, interval string) (int64, bool, error) {
	ds, err := s.dataset(candleFile(symbol, interval), decodeLine[models.Candle])
	if err != nil {
		return 0, false, err
	}
	key, ok := ds.latestKey()
	return key, ok, nil
}

func (s *FileStore) LatestAggTradeKey(ctx context.Context, symbol string) (int64, bool, error) {
	ds, err := s.dataset(aggTradeFile(symbol), decodeLine[models.AggTrade])
	if err != nil {
		return 0, false, err
	}
	key, ok := ds.latestKey()
	return key, ok, nil
}

func (s *FileStore) LatestOpenInterestKey(ctx context.Context, symbol, period string) (int64, bool, error) {
	ds, err := s.dataset(openInterestFile(symbol, period), decodeLine[models.OpenInterestSample])
	if err != nil {
		return 0, false, err
	}
	key, ok := ds.latestKey()
	return key, ok, nil
}

func (s *FileStore) LatestFundingKey(ctx context.Context, symbol string) (int64, bool, error) {
	ds, err := s.dataset(fundingFile(symbol), decodeLine[models.FundingRate])
	if err != nil {
		return 0, false, err
	}
	key, ok := ds.latestKey()
	return key, ok, nil
}

func (s *FileStore) UpsertCandles(ctx context.Context, interval string, candles []models.Candle) (models.UpsertStats, error) {
	var stats models.UpsertStats
	for symbol, batch := range groupBySymbol(candles, func(c models.Candle) string { return c.Symbol }) {
		ds, err := s.dataset(candleFile(symbol, interval), decodeLine[models.Candle])
		if err != nil {
			return stats, err
		}
		stats.Add(ds.upsert(batch))
	}
	return stats, nil
}

func (s *FileStore) UpsertAggTrades(ctx context.Context, trades []models.AggTrade) (models.UpsertStats, error) {
	var stats models.UpsertStats
	for symbol, batch := range groupBySymbol(trades, func(t models.AggTrade) string { return t.Symbol }) {
		ds, err := s.dataset(aggTradeFile(symbol), decodeLine[models.AggTrade])
		if err != nil {
			return stats, err
		}
		stats.Add(ds.upsert(batch))
	}
	return stats, nil
}

func (s *FileStore) UpsertOpenInterest(ctx context.Context, period string, samples []models.OpenInterestSample) (models.UpsertStats, error) {
	var stats models.UpsertStats
	for symbol, batch := range groupBySymbol(samples, func(o models.OpenInterestSample) string { return o.Symbol }) {
		ds, err := s.dataset(openInterestFile(symbol, period), decodeLine[models.OpenInterestSample])
		if err != nil {
			return stats, err
		}
		stats.Add(ds.upsert(batch))
	}
	return stats, nil
}

func (s *FileStore) UpsertFundingRates(ctx context.Context, rates []models.FundingRate) (models.UpsertStats, error) {
	var stats models.UpsertStats
	for symbol, batch := range groupBySymbol(rates, func(f models.FundingRate) string { return f.Symbol }) {
		ds, err := s.dataset(fundingFile(symbol), decodeLine[models.FundingRate])
		if err != nil {
			return stats, err
		}
		stats.Add(ds.upsert(batch))
	}
	return stats, nil
}

func (s *FileStore) FetchLatestCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	ds, err := s.dataset(candleFile(symbol, interval), decodeLine[models.Candle])
	if err != nil {
		return nil, err
	}
	return collect[models.Candle](ds.latest(limit)), nil
}

func (s *FileStore) FetchLatestAggTrades(ctx context.Context, symbol string, limit int) ([]models.AggTrade, error) {
	ds, err := s.dataset(aggTradeFile(symbol), decodeLine[models.AggTrade])
	if err != nil {
		return nil, err
	}
	return collect[models.AggTrade](ds.latest(limit)), nil
}

func (s *FileStore) FetchLatestOpenInterest(ctx context.Context, symbol, period string, limit int) ([]models.OpenInterestSample, error) {
	ds, err := s.dataset(openInterestFile(symbol, period), decodeLine[models.OpenInterestSample])
	if err != nil {
		return nil, err
	}
	return collect[models.OpenInterestSample](ds.latest(limit)), nil
}

func (s *FileStore) FetchLatestFundingRates(ctx context.Context, symbol string, limit int) ([]models.FundingRate, error) {
	ds, err := s.dataset(fundingFile(symbol), decodeLine[models.FundingRate])
	if err != nil {
		return nil, err
	}
	return collect[models.FundingRate](ds.latest(limit)), nil
}

// Flush rewrites every dirty dataset. The first error aborts the pass so a
// failing disk surfaces immediately.
func (s *FileStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	datasets := make([]*fileDataset, 0, len(s.datasets))
	for _, ds := range s.datasets {
		datasets = append(datasets, ds)
	}
	s.mu.Unlock()

	for _, ds := range datasets {
		if err := ds.flush(); err != nil {
			return fmt.Errorf("flush %s: %w", filepath.Base(ds.path), err)
		}
	}
	return nil
}

func (s *FileStore) Close(ctx context.Context) error {
	return s.Flush(ctx)
}

func groupBySymbol[T keyed](records []T, symbolOf func(T) string) map[string][]keyed {
	groups := make(map[string][]keyed)
	for _, rec := range records {
		symbol := models.NormalizeSymbol(symbolOf(rec))
		groups[symbol] = append(groups[symbol], rec)
	}
	return groups
}

func collect[T keyed](records []keyed) []T {
	out := make([]T, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.(T))
	}
	return out
}
