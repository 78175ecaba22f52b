package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futuresflow/config"
	"futuresflow/internal/backoff"
	"futuresflow/internal/binance"
	"futuresflow/internal/storage"
	"futuresflow/logger"
	"futuresflow/models"
)

// Live polls reuse the exchange's documented batch limits.
const (
	liveCandleLimit       = 1200
	liveOpenInterestLimit = 500
	liveFundingLimit      = 1000
)

// Fetcher is the REST surface the polling loops use. Live trades arrive over
// the websocket streamer instead.
type Fetcher interface {
	FetchKlines(ctx context.Context, req binance.KlinesRequest) ([]models.Candle, error)
	FetchOpenInterest(ctx context.Context, req binance.OpenInterestRequest) ([]models.OpenInterestSample, error)
	FetchFundingRates(ctx context.Context, req binance.FundingRatesRequest) ([]models.FundingRate, error)
}

// Streamer produces live aggregate trades until its context is cancelled.
type Streamer interface {
	Stream(ctx context.Context, symbol string) <-chan models.AggTrade
}

// Service runs the unbounded live ingestion pipelines: per symbol, a candle
// poller, an open interest poller, a funding poller, and a trade stream
// consumer. Each loop owns an independent backoff ladder and only exits on
// Stop.
type Service struct {
	cfg      config.IngestConfig
	client   Fetcher
	streamer Streamer
	store    storage.Store
	log      *logger.Log

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
}

func NewService(cfg config.IngestConfig, client Fetcher, streamer Streamer, store storage.Store) (*Service, error) {
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol must be configured for ingestion")
	}
	return &Service{
		cfg:      cfg,
		client:   client,
		streamer: streamer,
		store:    store,
		log:      logger.GetLogger(),
		sleep:    sleepContext,
	}, nil
}

// Start launches the ingestion goroutines. It fails if the service is
// already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("ingestion service already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, symbol := range s.cfg.Symbols {
		symbol := models.NormalizeSymbol(symbol)
		s.wg.Add(4)
		go func() {
			defer s.wg.Done()
			s.candleLoop(runCtx, symbol)
		}()
		go func() {
			defer s.wg.Done()
			s.openInterestLoop(runCtx, symbol)
		}()
		go func() {
			defer s.wg.Done()
			s.fundingLoop(runCtx, symbol)
		}()
		go func() {
			defer s.wg.Done()
			s.tradesLoop(runCtx, symbol)
		}()
	}

	s.log.WithComponent("ingest_service").WithFields(logger.Fields{
		"symbols": s.cfg.Symbols,
	}).Info("ingestion service started")
	return nil
}

// Stop cancels all loops, waits for them to drain, and flushes the store.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.log.WithComponent("ingest_service").Info("ingestion service stopped")
	return s.store.Flush(ctx)
}

func (s *Service) candleLoop(ctx context.Context, symbol string) {
	log := s.loopLog("candles", symbol)
	retry := mustBackoff(2*time.Second, 120*time.Second)

	for ctx.Err() == nil {
		ingested, err := s.ingestCandlesOnce(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("candle poll failed")
			s.waitOrStop(ctx, retry.NextDelay())
			continue
		}
		if ingested {
			retry.Reset()
			s.waitOrStop(ctx, s.cfg.CandlePollInterval)
		} else {
			// Poll faster while waiting for the next interval boundary.
			wait := s.cfg.CandlePollInterval / 2
			if wait < 5*time.Second {
				wait = 5 * time.Second
			}
			s.waitOrStop(ctx, wait)
		}
	}
}

func (s *Service) openInterestLoop(ctx context.Context, symbol string) {
	log := s.loopLog("open_interest", symbol)
	retry := mustBackoff(5*time.Second, 180*time.Second)

	for ctx.Err() == nil {
		ingested, err := s.ingestOpenInterestOnce(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("open interest poll failed")
			s.waitOrStop(ctx, retry.NextDelay())
			continue
		}
		if ingested {
			retry.Reset()
		}
		s.waitOrStop(ctx, s.cfg.OpenInterestPollInterval)
	}
}

func (s *Service) fundingLoop(ctx context.Context, symbol string) {
	log := s.loopLog("funding", symbol)
	retry := mustBackoff(10*time.Second, 300*time.Second)

	for ctx.Err() == nil {
		ingested, err := s.ingestFundingOnce(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("funding poll failed")
			s.waitOrStop(ctx, retry.NextDelay())
			continue
		}
		if ingested {
			retry.Reset()
		}
		s.waitOrStop(ctx, s.cfg.FundingPollInterval)
	}
}

// tradesLoop consumes the streamer until a storage failure forces a restart.
// Stream reconnects are handled inside the streamer itself.
func (s *Service) tradesLoop(ctx context.Context, symbol string) {
	log := s.loopLog("trades", symbol)
	retry := mustBackoff(2*time.Second, 60*time.Second)

	for ctx.Err() == nil {
		streamCtx, stopStream := context.WithCancel(ctx)
		trades := s.streamer.Stream(streamCtx, symbol)

		for trade := range trades {
			if _, err := s.store.UpsertAggTrades(ctx, []models.AggTrade{trade}); err != nil {
				log.WithError(err).Error("trade upsert failed")
				stopStream()
				for range trades {
				}
				break
			}
			retry.Reset()
		}
		stopStream()

		if ctx.Err() != nil {
			return
		}
		s.waitOrStop(ctx, retry.NextDelay())
	}
}

// ingestCandlesOnce fetches everything after the latest stored open time and
// reports whether any rows arrived.
func (s *Service) ingestCandlesOnce(ctx context.Context, symbol string) (bool, error) {
	var startTime int64
	key, found, err := s.store.LatestCandleKey(ctx, symbol, s.cfg.CandleInterval)
	if err != nil {
		return false, err
	}
	if found {
		startTime = key + 1
	}

	candles, err := s.client.FetchKlines(ctx, binance.KlinesRequest{
		Symbol:    symbol,
		Interval:  s.cfg.CandleInterval,
		StartTime: startTime,
		Limit:     liveCandleLimit,
	})
	if err != nil {
		return false, err
	}
	if len(candles) == 0 {
		return false, nil
	}
	if _, err := s.store.UpsertCandles(ctx, s.cfg.CandleInterval, candles); err != nil {
		return false, err
	}
	return true, s.store.Flush(ctx)
}

func (s *Service) ingestOpenInterestOnce(ctx context.Context, symbol string) (bool, error) {
	var startTime int64
	key, found, err := s.store.LatestOpenInterestKey(ctx, symbol, s.cfg.OpenInterestPeriod)
	if err != nil {
		return false, err
	}
	if found {
		startTime = key + 1
	}

	samples, err := s.client.FetchOpenInterest(ctx, binance.OpenInterestRequest{
		Symbol:    symbol,
		Period:    s.cfg.OpenInterestPeriod,
		StartTime: startTime,
		Limit:     liveOpenInterestLimit,
	})
	if err != nil {
		return false, err
	}
	if len(samples) == 0 {
		return false, nil
	}
	if _, err := s.store.UpsertOpenInterest(ctx, s.cfg.OpenInterestPeriod, samples); err != nil {
		return false, err
	}
	return true, s.store.Flush(ctx)
}

func (s *Service) ingestFundingOnce(ctx context.Context, symbol string) (bool, error) {
	var startTime int64
	key, found, err := s.store.LatestFundingKey(ctx, symbol)
	if err != nil {
		return false, err
	}
	if found {
		startTime = key + 1
	}

	rates, err := s.client.FetchFundingRates(ctx, binance.FundingRatesRequest{
		Symbol:    symbol,
		StartTime: startTime,
		Limit:     liveFundingLimit,
	})
	if err != nil {
		return false, err
	}
	if len(rates) == 0 {
		return false, nil
	}
	if _, err := s.store.UpsertFundingRates(ctx, rates); err != nil {
		return false, err
	}
	return true, s.store.Flush(ctx)
}

func (s *Service) waitOrStop(ctx context.Context, d time.Duration) {
	s.sleep(ctx, d)
}

func (s *Service) loopLog(loop, symbol string) *logger.Entry {
	return s.log.WithComponent("ingest_service").WithFields(logger.Fields{
		"loop":   loop,
		"symbol": symbol,
	})
}

// mustBackoff builds a factor-2 ladder; the bounds are compile-time constants
// so construction cannot fail.
func mustBackoff(initial, max time.Duration) *backoff.Backoff {
	b, err := backoff.New(initial, 2, max)
	if err != nil {
		panic(err)
	}
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
