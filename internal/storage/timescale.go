package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"futuresflow/config"
	"futuresflow/logger"
	"futuresflow/models"
)

// schema bootstraps the four market data tables. Timestamps stay epoch
// milliseconds end to end so keys compare identically across backends.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS binance_futures_candles (
		symbol TEXT NOT NULL,
		interval TEXT NOT NULL,
		open_time BIGINT NOT NULL,
		open DOUBLE PRECISION NOT NULL,
		high DOUBLE PRECISION NOT NULL,
		low DOUBLE PRECISION NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL,
		close_time BIGINT NOT NULL,
		quote_volume DOUBLE PRECISION NOT NULL,
		trade_count BIGINT NOT NULL,
		taker_buy_volume DOUBLE PRECISION NOT NULL,
		taker_buy_quote_volume DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (symbol, interval, open_time)
	)`,
	`CREATE TABLE IF NOT EXISTS binance_futures_agg_trades (
		symbol TEXT NOT NULL,
		agg_trade_id BIGINT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		first_trade_id BIGINT NOT NULL,
		last_trade_id BIGINT NOT NULL,
		trade_time BIGINT NOT NULL,
		is_buyer_maker BOOLEAN NOT NULL,
		PRIMARY KEY (symbol, agg_trade_id)
	)`,
	`CREATE TABLE IF NOT EXISTS binance_futures_open_interest (
		symbol TEXT NOT NULL,
		period TEXT NOT NULL,
		sample_time BIGINT NOT NULL,
		sum_open_interest DOUBLE PRECISION NOT NULL,
		sum_open_interest_value DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (symbol, period, sample_time)
	)`,
	`CREATE TABLE IF NOT EXISTS binance_futures_funding (
		symbol TEXT NOT NULL,
		funding_time BIGINT NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		mark_price DOUBLE PRECISION NOT NULL,
		index_price DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (symbol, funding_time)
	)`,
}

// TimescaleStore persists datasets in TimescaleDB (or plain Postgres).
// Writes are write-through, so Flush is a no-op.
type TimescaleStore struct {
	pool *pgxpool.Pool
	log  *logger.Log
}

// NewTimescaleStore connects, pings, and bootstraps the schema.
func NewTimescaleStore(ctx context.Context, cfg config.TimescaleConfig) (*TimescaleStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse timescale dsn: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &TimescaleStore{pool: pool, log: logger.GetLogger()}
	if err := store.bootstrap(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *TimescaleStore) bootstrap(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

func (s *TimescaleStore) latestKey(ctx context.Context, query string, args ...interface{}) (int64, bool, error) {
	var key *int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&key); err != nil {
		return 0, false, err
	}
	if key == nil {
		return 0, false, nil
	}
	return *key, true, nil
}

func (s *TimescaleStore) LatestCandleKey(ctx context.Context, symbol, interval string) (int64, bool, error) {
	return s.latestKey(ctx,
		`SELECT MAX(open_time) FROM binance_futures_candles WHERE symbol = $1 AND interval = $2`,
		models.NormalizeSymbol(symbol), interval)
}

func (s *TimescaleStore) LatestAggTradeKey(ctx context.Context, symbol string) (int64, bool, error) {
	return s.latestKey(ctx,
		`SELECT MAX(agg_trade_id) FROM binance_futures_agg_trades WHERE symbol = $1`,
		models.NormalizeSymbol(symbol))
}

func (s *TimescaleStore) LatestOpenInterestKey(ctx context.Context, symbol, period string) (int64, bool, error) {
	return s.latestKey(ctx,
		`SELECT MAX(sample_time) FROM binance_futures_open_interest WHERE symbol = $1 AND period = $2`,
		models.NormalizeSymbol(symbol), period)
}

func (s *TimescaleStore) LatestFundingKey(ctx context.Context, symbol string) (int64, bool, error) {
	return s.latestKey(ctx,
		`SELECT MAX(funding_time) FROM binance_futures_funding WHERE symbol = $1`,
		models.NormalizeSymbol(symbol))
}

// runBatch sends queued upserts and folds their outcomes into stats. Each
// statement returns (xmax = 0) when it touched a row: true for an insert,
// false for an update. Statements suppressed by the DO UPDATE ... WHERE
// guard return no row, which counts as unchanged.
func (s *TimescaleStore) runBatch(ctx context.Context, batch *pgx.Batch) (models.UpsertStats, error) {
	var stats models.UpsertStats
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		var inserted bool
		err := results.QueryRow().Scan(&inserted)
		if errors.Is(err, pgx.ErrNoRows) {
			stats.Unchanged++
			continue
		}
		if err != nil {
			return stats, err
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}
	return stats, nil
}

func (s *TimescaleStore) UpsertCandles(ctx context.Context, interval string, candles []models.Candle) (models.UpsertStats, error) {
	if len(candles) == 0 {
		return models.UpsertStats{}, nil
	}
	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(`
			INSERT INTO binance_futures_candles (
				symbol, interval, open_time, open, high, low, close, volume,
				close_time, quote_volume, trade_count, taker_buy_volume, taker_buy_quote_volume)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
				open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
				close = EXCLUDED.close, volume = EXCLUDED.volume,
				close_time = EXCLUDED.close_time, quote_volume = EXCLUDED.quote_volume,
				trade_count = EXCLUDED.trade_count,
				taker_buy_volume = EXCLUDED.taker_buy_volume,
				taker_buy_quote_volume = EXCLUDED.taker_buy_quote_volume
			WHERE (binance_futures_candles.open, binance_futures_candles.high,
				binance_futures_candles.low, binance_futures_candles.close,
				binance_futures_candles.volume, binance_futures_candles.close_time,
				binance_futures_candles.quote_volume, binance_futures_candles.trade_count,
				binance_futures_candles.taker_buy_volume, binance_futures_candles.taker_buy_quote_volume)
			IS DISTINCT FROM (EXCLUDED.open, EXCLUDED.high, EXCLUDED.low, EXCLUDED.close,
				EXCLUDED.volume, EXCLUDED.close_time, EXCLUDED.quote_volume,
				EXCLUDED.trade_count, EXCLUDED.taker_buy_volume, EXCLUDED.taker_buy_quote_volume)
			RETURNING (xmax = 0)
		`, c.Symbol, interval, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume,
			c.CloseTime, c.QuoteVolume, c.TradeCount, c.TakerBuyVolume, c.TakerBuyQuoteVolume)
	}
	return s.runBatch(ctx, batch)
}

func (s *TimescaleStore) UpsertAggTrades(ctx context.Context, trades []models.AggTrade) (models.UpsertStats, error) {
	if len(trades) == 0 {
		return models.UpsertStats{}, nil
	}
	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(`
			INSERT INTO binance_futures_agg_trades (
				symbol, agg_trade_id, price, quantity, first_trade_id, last_trade_id,
				trade_time, is_buyer_maker)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (symbol, agg_trade_id) DO UPDATE SET
				price = EXCLUDED.price, quantity = EXCLUDED.quantity,
				first_trade_id = EXCLUDED.first_trade_id,
				last_trade_id = EXCLUDED.last_trade_id,
				trade_time = EXCLUDED.trade_time,
				is_buyer_maker = EXCLUDED.is_buyer_maker
			WHERE (binance_futures_agg_trades.price, binance_futures_agg_trades.quantity,
				binance_futures_agg_trades.first_trade_id, binance_futures_agg_trades.last_trade_id,
				binance_futures_agg_trades.trade_time, binance_futures_agg_trades.is_buyer_maker)
			IS DISTINCT FROM (EXCLUDED.price, EXCLUDED.quantity, EXCLUDED.first_trade_id,
				EXCLUDED.last_trade_id, EXCLUDED.trade_time, EXCLUDED.is_buyer_maker)
			RETURNING (xmax = 0)
		`, t.Symbol, t.AggTradeID, t.Price, t.Quantity, t.FirstTradeID, t.LastTradeID,
			t.Timestamp, t.IsBuyerMaker)
	}
	return s.runBatch(ctx, batch)
}

func (s *TimescaleStore) UpsertOpenInterest(ctx context.Context, period string, samples []models.OpenInterestSample) (models.UpsertStats, error) {
	if len(samples) == 0 {
		return models.UpsertStats{}, nil
	}
	batch := &pgx.Batch{}
	for _, o := range samples {
		batch.Queue(`
			INSERT INTO binance_futures_open_interest (
				symbol, period, sample_time, sum_open_interest, sum_open_interest_value)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (symbol, period, sample_time) DO UPDATE SET
				sum_open_interest = EXCLUDED.sum_open_interest,
				sum_open_interest_value = EXCLUDED.sum_open_interest_value
			WHERE (binance_futures_open_interest.sum_open_interest,
				binance_futures_open_interest.sum_open_interest_value)
			IS DISTINCT FROM (EXCLUDED.sum_open_interest, EXCLUDED.sum_open_interest_value)
			RETURNING (xmax = 0)
		`, o.Symbol, period, o.Timestamp, o.SumOpenInterest, o.SumOpenInterestValue)
	}
	return s.runBatch(ctx, batch)
}

func (s *TimescaleStore) UpsertFundingRates(ctx context.Context, rates []models.FundingRate) (models.UpsertStats, error) {
	if len(rates) == 0 {
		return models.UpsertStats{}, nil
	}
	batch := &pgx.Batch{}
	for _, f := range rates {
		batch.Queue(`
			INSERT INTO binance_futures_funding (
				symbol, funding_time, funding_rate, mark_price, index_price)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (symbol, funding_time) DO UPDATE SET
				funding_rate = EXCLUDED.funding_rate,
				mark_price = EXCLUDED.mark_price,
				index_price = EXCLUDED.index_price
			WHERE (binance_futures_funding.funding_rate, binance_futures_funding.mark_price,
				binance_futures_funding.index_price)
			IS DISTINCT FROM (EXCLUDED.funding_rate, EXCLUDED.mark_price, EXCLUDED.index_price)
			RETURNING (xmax = 0)
		`, f.Symbol, f.FundingTime, f.FundingRate, f.MarkPrice, f.IndexPrice)
	}
	return s.runBatch(ctx, batch)
}

func (s *TimescaleStore) FetchLatestCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, open_time, open, high, low, close, volume, close_time,
			quote_volume, trade_count, taker_buy_volume, taker_buy_quote_volume
		FROM binance_futures_candles
		WHERE symbol = $1 AND interval = $2
		ORDER BY open_time DESC
		LIMIT $3
	`, models.NormalizeSymbol(symbol), interval, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Candle
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Symbol, &c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close,
			&c.Volume, &c.CloseTime, &c.QuoteVolume, &c.TradeCount,
			&c.TakerBuyVolume, &c.TakerBuyQuoteVolume); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *TimescaleStore) FetchLatestAggTrades(ctx context.Context, symbol string, limit int) ([]models.AggTrade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, agg_trade_id, price, quantity, first_trade_id, last_trade_id,
			trade_time, is_buyer_maker
		FROM binance_futures_agg_trades
		WHERE symbol = $1
		ORDER BY agg_trade_id DESC
		LIMIT $2
	`, models.NormalizeSymbol(symbol), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AggTrade
	for rows.Next() {
		var t models.AggTrade
		if err := rows.Scan(&t.Symbol, &t.AggTradeID, &t.Price, &t.Quantity,
			&t.FirstTradeID, &t.LastTradeID, &t.Timestamp, &t.IsBuyerMaker); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *TimescaleStore) FetchLatestOpenInterest(ctx context.Context, symbol, period string, limit int) ([]models.OpenInterestSample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, sample_time, sum_open_interest, sum_open_interest_value
		FROM binance_futures_open_interest
		WHERE symbol = $1 AND period = $2
		ORDER BY sample_time DESC
		LIMIT $3
	`, models.NormalizeSymbol(symbol), period, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OpenInterestSample
	for rows.Next() {
		var o models.OpenInterestSample
		if err := rows.Scan(&o.Symbol, &o.Timestamp, &o.SumOpenInterest, &o.SumOpenInterestValue); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *TimescaleStore) FetchLatestFundingRates(ctx context.Context, symbol string, limit int) ([]models.FundingRate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, funding_time, funding_rate, mark_price, index_price
		FROM binance_futures_funding
		WHERE symbol = $1
		ORDER BY funding_time DESC
		LIMIT $2
	`, models.NormalizeSymbol(symbol), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FundingRate
	for rows.Next() {
		var f models.FundingRate
		if err := rows.Scan(&f.Symbol, &f.FundingTime, &f.FundingRate, &f.MarkPrice, &f.IndexPrice); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *TimescaleStore) Flush(ctx context.Context) error { return nil }

func (s *TimescaleStore) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

func reverse[T any](items []T) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
