package backfill

import (
	"context"
	"fmt"
	"time"

	"futuresflow/internal/binance"
	"futuresflow/internal/storage"
	"futuresflow/logger"
	"futuresflow/models"
)

const tradeWindowMs = int64(60 * 60 * 1000)

const fundingPeriodMs = int64(8 * 60 * 60 * 1000)

// Fetcher is the REST surface the job paginates over. *binance.Client
// satisfies it; tests substitute canned fixtures.
type Fetcher interface {
	FetchKlines(ctx context.Context, req binance.KlinesRequest) ([]models.Candle, error)
	FetchAggTrades(ctx context.Context, req binance.AggTradesRequest) ([]models.AggTrade, error)
	FetchOpenInterest(ctx context.Context, req binance.OpenInterestRequest) ([]models.OpenInterestSample, error)
	FetchFundingRates(ctx context.Context, req binance.FundingRatesRequest) ([]models.FundingRate, error)
}

// Config describes one bounded backfill over [Start, End].
type Config struct {
	Symbol             string
	Start              time.Time
	End                time.Time
	Interval           string
	OpenInterestPeriod string

	// Resume skips everything at or below the highest stored key.
	Resume bool

	IncludeCandles      bool
	IncludeTrades       bool
	IncludeOpenInterest bool
	IncludeFunding      bool

	CandleLimit       int
	TradeLimit        int
	OpenInterestLimit int
	FundingLimit      int
}

// DefaultConfig returns a config covering all data kinds with the exchange's
// documented batch limits.
func DefaultConfig(symbol string, start, end time.Time) Config {
	return Config{
		Symbol:              symbol,
		Start:               start,
		End:                 end,
		Interval:            "1m",
		OpenInterestPeriod:  "5m",
		Resume:              true,
		IncludeCandles:      true,
		IncludeTrades:       true,
		IncludeOpenInterest: true,
		IncludeFunding:      true,
		CandleLimit:         1200,
		TradeLimit:          1000,
		OpenInterestLimit:   500,
		FundingLimit:        1000,
	}
}

// Validate rejects configurations the pagination loops cannot make progress
// on.
func (c Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !c.End.After(c.Start) {
		return fmt.Errorf("end time must be after start time")
	}
	if c.IncludeCandles {
		if _, err := models.IntervalToMilliseconds(c.Interval); err != nil {
			return err
		}
		if c.CandleLimit <= 0 {
			return fmt.Errorf("candle limit must be positive")
		}
	}
	if c.IncludeTrades && c.TradeLimit <= 0 {
		return fmt.Errorf("trade limit must be positive")
	}
	if c.IncludeOpenInterest {
		if _, err := models.IntervalToMilliseconds(c.OpenInterestPeriod); err != nil {
			return err
		}
		if c.OpenInterestLimit <= 0 {
			return fmt.Errorf("open interest limit must be positive")
		}
	}
	if c.IncludeFunding && c.FundingLimit <= 0 {
		return fmt.Errorf("funding limit must be positive")
	}
	return nil
}

// Job coordinates a backfill run against a fetcher and a store.
type Job struct {
	client  Fetcher
	store   storage.Store
	metrics *IngestionMetrics
	log     *logger.Log

	now func() time.Time
}

func NewJob(client Fetcher, store storage.Store) *Job {
	return &Job{
		client:  client,
		store:   store,
		metrics: NewIngestionMetrics(),
		log:     logger.GetLogger(),
		now:     time.Now,
	}
}

// Metrics exposes the pacing collector for post-run summaries.
func (j *Job) Metrics() *IngestionMetrics {
	return j.metrics
}

// Run executes the enabled stages in order and returns the aggregated
// report. The store is flushed once more before returning so a failed stage
// never strands already-fetched batches in memory.
func (j *Job) Run(ctx context.Context, cfg Config) (*models.BackfillReport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	report := &models.BackfillReport{
		StartedAt: j.now().UTC(),
		Totals:    make(map[string]*models.DataTypeReport),
	}

	var runErr error
	if cfg.IncludeCandles {
		report.Totals["candles"], runErr = j.runCandles(ctx, cfg)
	}
	if runErr == nil && cfg.IncludeTrades {
		report.Totals["trades"], runErr = j.runTrades(ctx, cfg)
	}
	if runErr == nil && cfg.IncludeOpenInterest {
		report.Totals["open_interest"], runErr = j.runOpenInterest(ctx, cfg)
	}
	if runErr == nil && cfg.IncludeFunding {
		report.Totals["funding"], runErr = j.runFunding(ctx, cfg)
	}

	if err := j.store.Flush(ctx); err != nil && runErr == nil {
		runErr = fmt.Errorf("final flush: %w", err)
	}

	report.CompletedAt = j.now().UTC()
	if runErr != nil {
		return report, runErr
	}
	return report, nil
}

func (j *Job) runCandles(ctx context.Context, cfg Config) (*models.DataTypeReport, error) {
	report := models.NewDataTypeReport("candles")
	log := j.stageLog("candles", cfg.Symbol)

	intervalMs, err := models.IntervalToMilliseconds(cfg.Interval)
	if err != nil {
		return report, err
	}
	startMs := cfg.Start.UnixMilli()
	endMs := cfg.End.UnixMilli()

	if cfg.Resume {
		key, found, err := j.store.LatestCandleKey(ctx, cfg.Symbol, cfg.Interval)
		if err != nil {
			return report, err
		}
		if found && key+1 > startMs {
			startMs = key + 1
		}
	}

	cursor := startMs
	for cursor <= endMs {
		batchCursor := cursor
		fetchStart := time.Now()
		batch, err := j.client.FetchKlines(ctx, binance.KlinesRequest{
			Symbol:    cfg.Symbol,
			Interval:  cfg.Interval,
			StartTime: cursor,
			EndTime:   endMs,
			Limit:     cfg.CandleLimit,
		})
		if err != nil {
			return report, err
		}
		duration := time.Since(fetchStart)
		if len(batch) == 0 {
			break
		}

		records := batch[:0:0]
		for _, candle := range batch {
			if candle.OpenTime >= batchCursor && candle.OpenTime <= endMs {
				records = append(records, candle)
			}
		}
		if len(records) == 0 {
			// Everything fetched fell outside the window; step the cursor
			// forward anyway so the loop cannot stall.
			cursor = batchCursor + intervalMs
			continue
		}

		stats, err := j.upsertCandles(ctx, cfg, records)
		if err != nil {
			return report, err
		}
		first, last := keyRange(records)
		report.RecordBatch(len(records), stats, first, last)
		j.metrics.Observe("candles", len(records), stats.Inserted, stats.Updated, duration)

		cursor = records[len(records)-1].OpenTime + intervalMs
		j.logBatch(log, len(records), stats, cursor)
		if cursor > endMs {
			break
		}
	}
	return report, nil
}

func (j *Job) runTrades(ctx context.Context, cfg Config) (*models.DataTypeReport, error) {
	report := models.NewDataTypeReport("trades")
	log := j.stageLog("trades", cfg.Symbol)

	startMs := cfg.Start.UnixMilli()
	endMs := cfg.End.UnixMilli()

	// Resuming by trade id rather than time avoids duplicating the boundary
	// batch when the previous run stopped mid-window.
	var fromID int64
	if cfg.Resume {
		key, found, err := j.store.LatestAggTradeKey(ctx, cfg.Symbol)
		if err != nil {
			return report, err
		}
		if found {
			fromID = key + 1
		}
	}

	cursor := startMs
	for cursor <= endMs {
		batchCursor := cursor
		targetEnd := min64(cursor+tradeWindowMs, endMs)
		fetchStart := time.Now()
		batch, err := j.client.FetchAggTrades(ctx, binance.AggTradesRequest{
			Symbol:    cfg.Symbol,
			StartTime: cursor,
			EndTime:   targetEnd,
			FromID:    fromID,
			Limit:     cfg.TradeLimit,
		})
		if err != nil {
			return report, err
		}
		duration := time.Since(fetchStart)
		if len(batch) == 0 {
			cursor = targetEnd + 1
			continue
		}

		records := batch[:0:0]
		for _, trade := range batch {
			if trade.Timestamp >= batchCursor && trade.Timestamp <= endMs {
				records = append(records, trade)
			}
		}
		if len(records) == 0 {
			cursor = targetEnd + 1
			continue
		}

		stats, err := j.store.UpsertAggTrades(ctx, records)
		if err != nil {
			return report, err
		}
		if err := j.store.Flush(ctx); err != nil {
			return report, err
		}
		first, last := tradeTimeRange(records)
		report.RecordBatch(len(records), stats, first, last)
		j.metrics.Observe("trades", len(records), stats.Inserted, stats.Updated, duration)

		fromID = 0
		cursor = records[len(records)-1].Timestamp + 1
		j.logBatch(log, len(records), stats, cursor)
		if cursor > endMs {
			break
		}
	}
	return report, nil
}

func (j *Job) runOpenInterest(ctx context.Context, cfg Config) (*models.DataTypeReport, error) {
	report := models.NewDataTypeReport("open_interest")
	log := j.stageLog("open_interest", cfg.Symbol)

	periodMs, err := models.IntervalToMilliseconds(cfg.OpenInterestPeriod)
	if err != nil {
		return report, err
	}
	startMs := cfg.Start.UnixMilli()
	endMs := cfg.End.UnixMilli()

	if cfg.Resume {
		key, found, err := j.store.LatestOpenInterestKey(ctx, cfg.Symbol, cfg.OpenInterestPeriod)
		if err != nil {
			return report, err
		}
		if found && key+1 > startMs {
			startMs = key + 1
		}
	}

	windowMs := periodMs * int64(cfg.OpenInterestLimit)
	cursor := startMs
	for cursor <= endMs {
		batchCursor := cursor
		targetEnd := min64(cursor+windowMs, endMs)
		fetchStart := time.Now()
		batch, err := j.client.FetchOpenInterest(ctx, binance.OpenInterestRequest{
			Symbol:    cfg.Symbol,
			Period:    cfg.OpenInterestPeriod,
			StartTime: cursor,
			EndTime:   targetEnd,
			Limit:     cfg.OpenInterestLimit,
		})
		if err != nil {
			return report, err
		}
		duration := time.Since(fetchStart)
		if len(batch) == 0 {
			cursor = targetEnd + periodMs
			continue
		}

		records := batch[:0:0]
		for _, sample := range batch {
			if sample.Timestamp >= batchCursor && sample.Timestamp <= endMs {
				records = append(records, sample)
			}
		}
		if len(records) == 0 {
			cursor = targetEnd + periodMs
			continue
		}

		stats, err := j.store.UpsertOpenInterest(ctx, cfg.OpenInterestPeriod, records)
		if err != nil {
			return report, err
		}
		if err := j.store.Flush(ctx); err != nil {
			return report, err
		}
		first, last := keyRange(records)
		report.RecordBatch(len(records), stats, first, last)
		j.metrics.Observe("open_interest", len(records), stats.Inserted, stats.Updated, duration)

		cursor = records[len(records)-1].Timestamp + periodMs
		j.logBatch(log, len(records), stats, cursor)
		if cursor > endMs {
			break
		}
	}
	return report, nil
}

func (j *Job) runFunding(ctx context.Context, cfg Config) (*models.DataTypeReport, error) {
	report := models.NewDataTypeReport("funding")
	log := j.stageLog("funding", cfg.Symbol)

	startMs := cfg.Start.UnixMilli()
	endMs := cfg.End.UnixMilli()

	if cfg.Resume {
		key, found, err := j.store.LatestFundingKey(ctx, cfg.Symbol)
		if err != nil {
			return report, err
		}
		if found && key+1 > startMs {
			startMs = key + 1
		}
	}

	windowMs := fundingPeriodMs * int64(cfg.FundingLimit)
	cursor := startMs
	for cursor <= endMs {
		batchCursor := cursor
		targetEnd := min64(cursor+windowMs, endMs)
		fetchStart := time.Now()
		batch, err := j.client.FetchFundingRates(ctx, binance.FundingRatesRequest{
			Symbol:    cfg.Symbol,
			StartTime: cursor,
			EndTime:   targetEnd,
			Limit:     cfg.FundingLimit,
		})
		if err != nil {
			return report, err
		}
		duration := time.Since(fetchStart)
		if len(batch) == 0 {
			cursor = targetEnd + 1
			continue
		}

		records := batch[:0:0]
		for _, rate := range batch {
			if rate.FundingTime >= batchCursor && rate.FundingTime <= endMs {
				records = append(records, rate)
			}
		}
		if len(records) == 0 {
			cursor = targetEnd + 1
			continue
		}

		stats, err := j.store.UpsertFundingRates(ctx, records)
		if err != nil {
			return report, err
		}
		if err := j.store.Flush(ctx); err != nil {
			return report, err
		}
		first, last := keyRange(records)
		report.RecordBatch(len(records), stats, first, last)
		j.metrics.Observe("funding", len(records), stats.Inserted, stats.Updated, duration)

		cursor = records[len(records)-1].FundingTime + 1
		j.logBatch(log, len(records), stats, cursor)
		if cursor > endMs {
			break
		}
	}
	return report, nil
}

func (j *Job) upsertCandles(ctx context.Context, cfg Config, records []models.Candle) (models.UpsertStats, error) {
	stats, err := j.store.UpsertCandles(ctx, cfg.Interval, records)
	if err != nil {
		return stats, err
	}
	return stats, j.store.Flush(ctx)
}

func (j *Job) stageLog(stage, symbol string) *logger.Entry {
	return j.log.WithComponent("backfill").WithFields(logger.Fields{
		"stage":  stage,
		"symbol": models.NormalizeSymbol(symbol),
	})
}

func (j *Job) logBatch(log *logger.Entry, fetched int, stats models.UpsertStats, nextCursor int64) {
	log.WithFields(logger.Fields{
		"fetched":     fetched,
		"inserted":    stats.Inserted,
		"updated":     stats.Updated,
		"next_cursor": *models.FormatEpochMs(&nextCursor),
	}).Info("batch ingested")
}

// keyRange returns the smallest and largest natural keys in a batch.
func keyRange[T interface{ Key() int64 }](records []T) (int64, int64) {
	first, last := records[0].Key(), records[0].Key()
	for _, rec := range records[1:] {
		if rec.Key() < first {
			first = rec.Key()
		}
		if rec.Key() > last {
			last = rec.Key()
		}
	}
	return first, last
}

// tradeTimeRange tracks trade batches by execution time rather than trade id
// so report ranges read as timestamps.
func tradeTimeRange(trades []models.AggTrade) (int64, int64) {
	first, last := trades[0].Timestamp, trades[0].Timestamp
	for _, trade := range trades[1:] {
		if trade.Timestamp < first {
			first = trade.Timestamp
		}
		if trade.Timestamp > last {
			last = trade.Timestamp
		}
	}
	return first, last
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
