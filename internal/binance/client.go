package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"futuresflow/config"
	"futuresflow/internal/backoff"
	"futuresflow/internal/ratelimit"
	"futuresflow/logger"
	"futuresflow/models"
)

const (
	klinesPath       = "/fapi/v1/klines"
	aggTradesPath    = "/fapi/v1/aggTrades"
	openInterestPath = "/futures/data/openInterestHist"
	fundingPath      = "/fapi/v1/fundingRate"
)

// defaultWeights declares the request weight consumed by each endpoint.
var defaultWeights = map[string]int{
	"klines":        2,
	"agg_trades":    20,
	"open_interest": 2,
	"funding":       1,
}

var defaultRetryStatuses = []int{418, 429, 500, 502, 503, 504}

// Client issues typed, rate-limited fetches against the Binance Futures REST
// API. Transient failures are retried with capped exponential delays; the
// retry budget is local to each call.
type Client struct {
	cfg           config.BinanceConfig
	httpClient    *http.Client
	limiter       *ratelimit.Limiter
	weights       map[string]int
	retryStatuses map[int]struct{}
	log           *logger.Log

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a REST client sharing the provided limiter.
func NewClient(cfg config.BinanceConfig, limiter *ratelimit.Limiter) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}

	weights := make(map[string]int, len(defaultWeights))
	for endpoint, weight := range defaultWeights {
		weights[endpoint] = weight
	}
	for endpoint, weight := range cfg.RateLimit.Weights {
		if weight > 0 {
			weights[endpoint] = weight
		}
	}

	statuses := cfg.Retry.RetryStatuses
	if len(statuses) == 0 {
		statuses = defaultRetryStatuses
	}
	retryStatuses := make(map[int]struct{}, len(statuses))
	for _, status := range statuses {
		retryStatuses[status] = struct{}{}
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		limiter:       limiter,
		weights:       weights,
		retryStatuses: retryStatuses,
		log:           logger.GetLogger(),
		sleep:         sleepContext,
	}
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// KlinesRequest describes one klines fetch. Zero StartTime/EndTime values
// omit the corresponding query parameter.
type KlinesRequest struct {
	Symbol    string
	Interval  string
	StartTime int64
	EndTime   int64
	Limit     int
}

// FetchKlines fetches candles, normalizing each fixed-position kline array.
// Rows that cannot be normalized are skipped and logged.
func (c *Client) FetchKlines(ctx context.Context, req KlinesRequest) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("symbol", models.NormalizeSymbol(req.Symbol))
	params.Set("interval", req.Interval)
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}
	setTimeRange(params, req.StartTime, req.EndTime)

	var payload []models.KlinePayload
	if err := c.get(ctx, klinesPath, params, c.weights["klines"], &payload); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(payload))
	for _, entry := range payload {
		candle, err := models.CandleFromKline(req.Symbol, entry)
		if err != nil {
			c.log.WithComponent("binance_client").WithError(err).
				WithFields(logger.Fields{"symbol": req.Symbol}).Warn("skipping malformed kline")
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// AggTradesRequest describes one aggregate trades fetch. Zero values omit the
// corresponding query parameter.
type AggTradesRequest struct {
	Symbol    string
	StartTime int64
	EndTime   int64
	FromID    int64
	Limit     int
}

// FetchAggTrades fetches historical aggregate trades.
func (c *Client) FetchAggTrades(ctx context.Context, req AggTradesRequest) ([]models.AggTrade, error) {
	params := url.Values{}
	params.Set("symbol", models.NormalizeSymbol(req.Symbol))
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.FromID > 0 {
		params.Set("fromId", strconv.FormatInt(req.FromID, 10))
	}
	setTimeRange(params, req.StartTime, req.EndTime)

	var payload []models.AggTradePayload
	if err := c.get(ctx, aggTradesPath, params, c.weights["agg_trades"], &payload); err != nil {
		return nil, err
	}

	trades := make([]models.AggTrade, 0, len(payload))
	for _, entry := range payload {
		trade, err := models.AggTradeFromPayload(req.Symbol, entry)
		if err != nil {
			c.log.WithComponent("binance_client").WithError(err).
				WithFields(logger.Fields{"symbol": req.Symbol}).Warn("skipping malformed agg trade")
			continue
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

// OpenInterestRequest describes one open interest history fetch.
type OpenInterestRequest struct {
	Symbol    string
	Period    string
	StartTime int64
	EndTime   int64
	Limit     int
}

// FetchOpenInterest fetches open interest history samples.
func (c *Client) FetchOpenInterest(ctx context.Context, req OpenInterestRequest) ([]models.OpenInterestSample, error) {
	params := url.Values{}
	params.Set("symbol", models.NormalizeSymbol(req.Symbol))
	params.Set("period", req.Period)
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}
	setTimeRange(params, req.StartTime, req.EndTime)

	var payload []models.OpenInterestPayload
	if err := c.get(ctx, openInterestPath, params, c.weights["open_interest"], &payload); err != nil {
		return nil, err
	}

	samples := make([]models.OpenInterestSample, 0, len(payload))
	for _, entry := range payload {
		sample, err := models.OpenInterestFromPayload(req.Symbol, entry)
		if err != nil {
			c.log.WithComponent("binance_client").WithError(err).
				WithFields(logger.Fields{"symbol": req.Symbol}).Warn("skipping malformed open interest row")
			continue
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// FundingRatesRequest describes one funding rate history fetch.
type FundingRatesRequest struct {
	Symbol    string
	StartTime int64
	EndTime   int64
	Limit     int
}

// FetchFundingRates fetches funding rate history.
func (c *Client) FetchFundingRates(ctx context.Context, req FundingRatesRequest) ([]models.FundingRate, error) {
	params := url.Values{}
	params.Set("symbol", models.NormalizeSymbol(req.Symbol))
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}
	setTimeRange(params, req.StartTime, req.EndTime)

	var payload []models.FundingRatePayload
	if err := c.get(ctx, fundingPath, params, c.weights["funding"], &payload); err != nil {
		return nil, err
	}

	rates := make([]models.FundingRate, 0, len(payload))
	for _, entry := range payload {
		rate, err := models.FundingRateFromPayload(req.Symbol, entry)
		if err != nil {
			c.log.WithComponent("binance_client").WithError(err).
				WithFields(logger.Fields{"symbol": req.Symbol}).Warn("skipping malformed funding row")
			continue
		}
		rates = append(rates, rate)
	}
	return rates, nil
}

// get performs one rate-limited GET with bounded retries. The retry delay
// ladder restarts on every call.
func (c *Client) get(ctx context.Context, path string, params url.Values, weight int, out interface{}) error {
	retryDelay, err := backoff.New(c.cfg.Retry.BaseDelay, c.cfg.Retry.BackoffMultiplier, c.cfg.Retry.MaxDelay)
	if err != nil {
		return &RESTError{Endpoint: path, Err: err}
	}

	reqURL := strings.TrimRight(c.cfg.BaseURL, "/") + path + "?" + params.Encode()
	log := c.log.WithComponent("binance_client").WithFields(logger.Fields{"endpoint": path})

	var lastErr error
	var lastStatus int
	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx, weight); err != nil {
				return &RESTError{Endpoint: path, Err: err}
			}
		}

		start := time.Now()
		status, body, err := c.doRequest(ctx, reqURL)
		logger.LogPerformanceEntry(log, "binance_client", "api_request", time.Since(start), logger.Fields{
			"attempt": attempt,
		})

		if err != nil {
			// Transport failure, retryable.
			lastErr = err
			lastStatus = 0
		} else if status == http.StatusOK {
			if err := json.Unmarshal(body, out); err != nil {
				return &RESTError{Endpoint: path, Err: fmt.Errorf("decode response: %w", err)}
			}
			return nil
		} else {
			lastErr = fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body)))
			lastStatus = status
			if _, retryable := c.retryStatuses[status]; !retryable {
				return &RESTError{Endpoint: path, Status: status, Err: lastErr}
			}
		}

		if attempt == c.cfg.Retry.MaxAttempts {
			break
		}
		delay := retryDelay.NextDelay()
		log.WithError(lastErr).WithFields(logger.Fields{
			"attempt": attempt,
			"status":  lastStatus,
			"delay":   delay.String(),
		}).Warn("retrying request")
		if err := c.sleep(ctx, delay); err != nil {
			return &RESTError{Endpoint: path, Err: err}
		}
	}

	return &RESTError{Endpoint: path, Status: lastStatus, Err: lastErr}
}

func (c *Client) doRequest(ctx context.Context, reqURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func setTimeRange(params url.Values, startTime, endTime int64) {
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	if endTime > 0 {
		params.Set("endTime", strconv.FormatInt(endTime, 10))
	}
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
