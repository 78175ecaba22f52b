package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"futuresflow/config"
	"futuresflow/internal/backfill"
	"futuresflow/internal/binance"
	"futuresflow/internal/ratelimit"
	"futuresflow/internal/storage"
	"futuresflow/logger"
)

type options struct {
	configPath string
	symbols    string
	interval   string
	oiPeriod   string
	start      string
	end        string
	windowDays int
	output     string

	candleLimit       int
	tradeLimit        int
	openInterestLimit int
	fundingLimit      int

	skipCandles      bool
	skipTrades       bool
	skipOpenInterest bool
	skipFunding      bool

	fullRefresh bool
	logLevel    string
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Optional path to a configuration file; built-in defaults are used when omitted")
	flag.StringVar(&opts.symbols, "symbols", "BTCUSDT", "Comma-separated trading pairs to backfill")
	flag.StringVar(&opts.interval, "interval", "1m", "Candle interval to request")
	flag.StringVar(&opts.oiPeriod, "oi-period", "5m", "Aggregation period for open interest history")
	flag.StringVar(&opts.start, "start", "", "UTC start timestamp (ISO-8601); defaults to window-days before end")
	flag.StringVar(&opts.end, "end", "", "UTC end timestamp (ISO-8601); defaults to the current UTC time")
	flag.IntVar(&opts.windowDays, "window-days", 90, "Window length in days used when -start is omitted")
	flag.StringVar(&opts.output, "output", "", "Directory for JSONL datasets (overrides configured data directory)")
	flag.IntVar(&opts.candleLimit, "candle-limit", 1200, "Batch size when requesting klines")
	flag.IntVar(&opts.tradeLimit, "trade-limit", 1000, "Batch size when requesting aggregated trades")
	flag.IntVar(&opts.openInterestLimit, "open-interest-limit", 500, "Batch size when requesting open interest history")
	flag.IntVar(&opts.fundingLimit, "funding-limit", 1000, "Batch size when requesting funding rates")
	flag.BoolVar(&opts.skipCandles, "skip-candles", false, "Skip the candle backfill stage")
	flag.BoolVar(&opts.skipTrades, "skip-trades", false, "Skip the trades backfill stage")
	flag.BoolVar(&opts.skipOpenInterest, "skip-open-interest", false, "Skip the open interest backfill stage")
	flag.BoolVar(&opts.skipFunding, "skip-funding", false, "Skip the funding rate backfill stage")
	flag.BoolVar(&opts.fullRefresh, "full-refresh", false, "Ignore existing data and re-fetch the entire window")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Logging level")
	flag.Parse()
	return opts
}

// parseTimestamp accepts RFC 3339 timestamps or bare dates, always in UTC.
func parseTimestamp(value string) (time.Time, error) {
	raw := strings.TrimSpace(value)
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse("2006-01-02", raw); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid ISO-8601 timestamp: %s", value)
}

func resolveWindow(opts options, now time.Time) (time.Time, time.Time, error) {
	end := now.UTC()
	if opts.end != "" {
		parsed, err := parseTimestamp(opts.end)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = parsed
	}

	start := end.AddDate(0, 0, -opts.windowDays)
	if opts.start != "" {
		parsed, err := parseTimestamp(opts.start)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		start = parsed
	}

	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be earlier than end time")
	}
	return start, end, nil
}

func splitSymbols(value string) []string {
	var symbols []string
	for _, symbol := range strings.Split(value, ",") {
		symbol = strings.TrimSpace(symbol)
		if symbol != "" {
			symbols = append(symbols, symbol)
		}
	}
	return symbols
}

func buildJobConfig(opts options, symbol string, start, end time.Time) backfill.Config {
	cfg := backfill.DefaultConfig(symbol, start, end)
	cfg.Interval = opts.interval
	cfg.OpenInterestPeriod = opts.oiPeriod
	cfg.Resume = !opts.fullRefresh
	cfg.IncludeCandles = !opts.skipCandles
	cfg.IncludeTrades = !opts.skipTrades
	cfg.IncludeOpenInterest = !opts.skipOpenInterest
	cfg.IncludeFunding = !opts.skipFunding
	cfg.CandleLimit = opts.candleLimit
	cfg.TradeLimit = opts.tradeLimit
	cfg.OpenInterestLimit = opts.openInterestLimit
	cfg.FundingLimit = opts.fundingLimit
	return cfg
}

type symbolSummary struct {
	Backfill interface{} `json:"backfill"`
	Metrics  interface{} `json:"metrics"`
}

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	opts := parseFlags()

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.LoadConfig(opts.configPath)
		if err != nil {
			log.WithError(err).Error("Failed to load configuration")
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := log.Configure(opts.logLevel, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	symbols := splitSymbols(opts.symbols)
	if len(symbols) == 0 {
		log.Error("at least one symbol is required")
		os.Exit(1)
	}

	start, end, err := resolveWindow(opts, time.Now())
	if err != nil {
		log.WithError(err).Error("invalid backfill window")
		os.Exit(1)
	}

	if opts.output != "" {
		cfg.Storage.Backend = "file"
		cfg.Storage.DataDirectory = opts.output
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		log.WithError(err).Error("failed to open storage backend")
		os.Exit(1)
	}
	defer store.Close(context.Background())

	limiter, err := ratelimit.New(cfg.Binance.RateLimit.Capacity, cfg.Binance.RateLimit.Interval)
	if err != nil {
		log.WithError(err).Error("invalid rate limiter configuration")
		os.Exit(1)
	}
	if cfg.Binance.RateLimit.AutoDiscover {
		binance.DiscoverWeightCapacity(ctx, limiter)
	}

	client := binance.NewClient(cfg.Binance, limiter)
	defer client.Close()

	log.WithComponent("backfill_cli").WithFields(logger.Fields{
		"symbols": symbols,
		"start":   start.Format(time.RFC3339),
		"end":     end.Format(time.RFC3339),
	}).Info("starting backfill")

	var mu sync.Mutex
	summaries := make(map[string]symbolSummary, len(symbols))

	group, groupCtx := errgroup.WithContext(ctx)
	for _, symbol := range symbols {
		symbol := symbol
		group.Go(func() error {
			job := backfill.NewJob(client, store)
			report, err := job.Run(groupCtx, buildJobConfig(opts, symbol, start, end))
			if err != nil {
				return fmt.Errorf("backfill %s: %w", symbol, err)
			}
			mu.Lock()
			summaries[symbol] = symbolSummary{
				Backfill: report,
				Metrics:  job.Metrics().Summary(),
			}
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		log.WithError(err).Error("backfill failed")
		os.Exit(1)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(summaries); err != nil {
		log.WithError(err).Error("failed to emit summary")
		os.Exit(1)
	}
}
