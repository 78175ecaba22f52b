package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"futuresflow/config"
	"futuresflow/internal/backoff"
	"futuresflow/logger"
	"futuresflow/models"
)

// AggTradeStreamer produces a live, restartable sequence of aggregate trades
// for one instrument over the futures aggTrade websocket stream. All
// reconnect and backoff handling lives inside the producer goroutine; the
// sequence ends only when the caller's context is cancelled.
type AggTradeStreamer struct {
	wsURL  string
	dialer *websocket.Dialer
	log    *logger.Log

	sleep func(ctx context.Context, d time.Duration) error
}

// NewAggTradeStreamer creates a streamer for the configured websocket base URL.
func NewAggTradeStreamer(cfg config.BinanceConfig) *AggTradeStreamer {
	return &AggTradeStreamer{
		wsURL: strings.TrimRight(cfg.WsURL, "/"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Timeout,
		},
		log:   logger.GetLogger(),
		sleep: sleepContext,
	}
}

// Stream starts the producer goroutine and returns the channel of decoded
// trades. The channel is closed when ctx is cancelled.
func (s *AggTradeStreamer) Stream(ctx context.Context, symbol string) <-chan models.AggTrade {
	out := make(chan models.AggTrade, 256)
	go s.run(ctx, symbol, out)
	return out
}

func (s *AggTradeStreamer) run(ctx context.Context, symbol string, out chan<- models.AggTrade) {
	defer close(out)

	streamURL := fmt.Sprintf("%s/ws/%s@aggTrade", s.wsURL, strings.ToLower(strings.TrimSpace(symbol)))
	log := s.log.WithComponent("binance_trade_stream").WithFields(logger.Fields{
		"symbol": models.NormalizeSymbol(symbol),
	})

	reconnect, err := backoff.New(time.Second, 2, 30*time.Second)
	if err != nil {
		log.WithError(err).Error("failed to build reconnect backoff")
		return
	}

	for ctx.Err() == nil {
		conn, _, err := s.dialer.DialContext(ctx, streamURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("websocket connect failed")
			if err := s.sleep(ctx, reconnect.NextDelay()); err != nil {
				return
			}
			continue
		}

		reconnect.Reset()
		log.Info("websocket connected")
		s.readLoop(ctx, conn, symbol, out, log)

		if ctx.Err() != nil {
			return
		}
		if err := s.sleep(ctx, reconnect.NextDelay()); err != nil {
			return
		}
	}
}

// readLoop consumes one connection until it fails or ctx is cancelled. A
// watcher goroutine closes the connection on cancellation so the blocking
// read unblocks promptly.
func (s *AggTradeStreamer) readLoop(ctx context.Context, conn *websocket.Conn, symbol string, out chan<- models.AggTrade, log *logger.Entry) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("websocket read failed, reconnecting")
			}
			return
		}

		trade, ok := s.decodeTrade(symbol, message, log)
		if !ok {
			continue
		}

		select {
		case out <- trade:
		case <-ctx.Done():
			return
		}
	}
}

// decodeTrade accepts raw aggTrade JSON or the combined-stream envelope
// {"stream":...,"data":{...}}. Undecodable or incomplete messages are skipped.
func (s *AggTradeStreamer) decodeTrade(symbol string, message []byte, log *logger.Entry) (models.AggTrade, bool) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	payload := message
	if err := json.Unmarshal(message, &envelope); err == nil && len(envelope.Data) > 0 {
		payload = envelope.Data
	}

	var wire models.AggTradePayload
	if err := json.Unmarshal(payload, &wire); err != nil {
		log.WithError(err).Debug("skipping malformed websocket payload")
		return models.AggTrade{}, false
	}

	trade, err := models.AggTradeFromPayload(symbol, wire)
	if err != nil {
		log.WithError(err).Debug("skipping incomplete trade message")
		return models.AggTrade{}, false
	}
	return trade, true
}
