package models

import "strings"

// Candle is a normalized kline record for one instrument and interval.
// The natural key is OpenTime (epoch milliseconds).
type Candle struct {
	Symbol              string  `json:"symbol"`
	OpenTime            int64   `json:"open_time"`
	CloseTime           int64   `json:"close_time"`
	Open                float64 `json:"open"`
	High                float64 `json:"high"`
	Low                 float64 `json:"low"`
	Close               float64 `json:"close"`
	Volume              float64 `json:"volume"`
	QuoteVolume         float64 `json:"quote_volume"`
	TradeCount          int64   `json:"trade_count"`
	TakerBuyVolume      float64 `json:"taker_buy_volume"`
	TakerBuyQuoteVolume float64 `json:"taker_buy_quote_volume"`
}

// Key returns the natural key of the candle.
func (c Candle) Key() int64 { return c.OpenTime }

// AggTrade is a compressed execution print. The natural key is AggTradeID.
type AggTrade struct {
	Symbol       string  `json:"symbol"`
	AggTradeID   int64   `json:"agg_trade_id"`
	Price        float64 `json:"price"`
	Quantity     float64 `json:"quantity"`
	FirstTradeID int64   `json:"first_trade_id"`
	LastTradeID  int64   `json:"last_trade_id"`
	Timestamp    int64   `json:"timestamp"`
	IsBuyerMaker bool    `json:"is_buyer_maker"`
}

// Key returns the natural key of the trade.
func (t AggTrade) Key() int64 { return t.AggTradeID }

// OpenInterestSample is an open interest observation. The natural key is
// Timestamp (epoch milliseconds).
type OpenInterestSample struct {
	Symbol               string  `json:"symbol"`
	Timestamp            int64   `json:"timestamp"`
	SumOpenInterest      float64 `json:"sum_open_interest"`
	SumOpenInterestValue float64 `json:"sum_open_interest_value"`
}

// Key returns the natural key of the sample.
func (s OpenInterestSample) Key() int64 { return s.Timestamp }

// FundingRate is a funding observation for a perpetual contract. The natural
// key is FundingTime (epoch milliseconds).
type FundingRate struct {
	Symbol      string  `json:"symbol"`
	FundingTime int64   `json:"funding_time"`
	FundingRate float64 `json:"funding_rate"`
	MarkPrice   float64 `json:"mark_price"`
	IndexPrice  float64 `json:"index_price"`
}

// Key returns the natural key of the funding observation.
func (f FundingRate) Key() int64 { return f.FundingTime }

// NormalizeSymbol upper-cases an instrument symbol the way the exchange
// expects it in query parameters and stored records.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
