package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// KlinePayload is one element of the fixed-position array returned by the
// klines endpoint: [open_time, open, high, low, close, volume, close_time,
// quote_volume, trade_count, taker_buy_volume, taker_buy_quote_volume, ...].
type KlinePayload []json.RawMessage

// AggTradePayload mirrors the aggregate trade wire message. Pointer fields
// allow callers to detect payloads missing required keys.
type AggTradePayload struct {
	AggTradeID   *int64  `json:"a"`
	Price        *string `json:"p"`
	Quantity     *string `json:"q"`
	FirstTradeID *int64  `json:"f"`
	LastTradeID  *int64  `json:"l"`
	Timestamp    *int64  `json:"T"`
	IsBuyerMaker *bool   `json:"m"`
}

// OpenInterestPayload mirrors the open interest history wire message.
type OpenInterestPayload struct {
	Symbol               string `json:"symbol"`
	SumOpenInterest      string `json:"sumOpenInterest"`
	SumOpenInterestValue string `json:"sumOpenInterestValue"`
	Timestamp            int64  `json:"timestamp"`
}

// FundingRatePayload mirrors the funding rate history wire message.
type FundingRatePayload struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
	FundingTime int64  `json:"fundingTime"`
	MarkPrice   string `json:"markPrice"`
	IndexPrice  string `json:"indexPrice"`
}

// CandleFromKline builds a Candle from a fixed-position kline array.
func CandleFromKline(symbol string, payload KlinePayload) (Candle, error) {
	if len(payload) < 11 {
		return Candle{}, fmt.Errorf("incomplete kline payload: %d fields", len(payload))
	}

	var candle Candle
	candle.Symbol = NormalizeSymbol(symbol)

	var err error
	if candle.OpenTime, err = klineInt(payload[0]); err != nil {
		return Candle{}, fmt.Errorf("open_time: %w", err)
	}
	if candle.Open, err = klineFloat(payload[1]); err != nil {
		return Candle{}, fmt.Errorf("open: %w", err)
	}
	if candle.High, err = klineFloat(payload[2]); err != nil {
		return Candle{}, fmt.Errorf("high: %w", err)
	}
	if candle.Low, err = klineFloat(payload[3]); err != nil {
		return Candle{}, fmt.Errorf("low: %w", err)
	}
	if candle.Close, err = klineFloat(payload[4]); err != nil {
		return Candle{}, fmt.Errorf("close: %w", err)
	}
	if candle.Volume, err = klineFloat(payload[5]); err != nil {
		return Candle{}, fmt.Errorf("volume: %w", err)
	}
	if candle.CloseTime, err = klineInt(payload[6]); err != nil {
		return Candle{}, fmt.Errorf("close_time: %w", err)
	}
	if candle.QuoteVolume, err = klineFloat(payload[7]); err != nil {
		return Candle{}, fmt.Errorf("quote_volume: %w", err)
	}
	if candle.TradeCount, err = klineInt(payload[8]); err != nil {
		return Candle{}, fmt.Errorf("trade_count: %w", err)
	}
	if candle.TakerBuyVolume, err = klineFloat(payload[9]); err != nil {
		return Candle{}, fmt.Errorf("taker_buy_volume: %w", err)
	}
	if candle.TakerBuyQuoteVolume, err = klineFloat(payload[10]); err != nil {
		return Candle{}, fmt.Errorf("taker_buy_quote_volume: %w", err)
	}
	return candle, nil
}

// AggTradeFromPayload builds an AggTrade, rejecting payloads missing any of
// the required wire fields.
func AggTradeFromPayload(symbol string, payload AggTradePayload) (AggTrade, error) {
	if payload.AggTradeID == nil || payload.Price == nil || payload.Quantity == nil ||
		payload.FirstTradeID == nil || payload.LastTradeID == nil ||
		payload.Timestamp == nil || payload.IsBuyerMaker == nil {
		return AggTrade{}, fmt.Errorf("agg trade payload missing required fields")
	}

	price, err := strconv.ParseFloat(*payload.Price, 64)
	if err != nil {
		return AggTrade{}, fmt.Errorf("price: %w", err)
	}
	quantity, err := strconv.ParseFloat(*payload.Quantity, 64)
	if err != nil {
		return AggTrade{}, fmt.Errorf("quantity: %w", err)
	}

	return AggTrade{
		Symbol:       NormalizeSymbol(symbol),
		AggTradeID:   *payload.AggTradeID,
		Price:        price,
		Quantity:     quantity,
		FirstTradeID: *payload.FirstTradeID,
		LastTradeID:  *payload.LastTradeID,
		Timestamp:    *payload.Timestamp,
		IsBuyerMaker: *payload.IsBuyerMaker,
	}, nil
}

// OpenInterestFromPayload builds an OpenInterestSample from the wire message.
func OpenInterestFromPayload(symbol string, payload OpenInterestPayload) (OpenInterestSample, error) {
	if payload.Timestamp == 0 {
		return OpenInterestSample{}, fmt.Errorf("open interest payload missing timestamp")
	}
	sum, err := strconv.ParseFloat(payload.SumOpenInterest, 64)
	if err != nil {
		return OpenInterestSample{}, fmt.Errorf("sumOpenInterest: %w", err)
	}
	value, err := strconv.ParseFloat(payload.SumOpenInterestValue, 64)
	if err != nil {
		return OpenInterestSample{}, fmt.Errorf("sumOpenInterestValue: %w", err)
	}
	return OpenInterestSample{
		Symbol:               NormalizeSymbol(symbol),
		Timestamp:            payload.Timestamp,
		SumOpenInterest:      sum,
		SumOpenInterestValue: value,
	}, nil
}

// FundingRateFromPayload builds a FundingRate from the wire message.
func FundingRateFromPayload(symbol string, payload FundingRatePayload) (FundingRate, error) {
	if payload.FundingTime == 0 {
		return FundingRate{}, fmt.Errorf("funding payload missing fundingTime")
	}
	rate, err := strconv.ParseFloat(payload.FundingRate, 64)
	if err != nil {
		return FundingRate{}, fmt.Errorf("fundingRate: %w", err)
	}
	record := FundingRate{
		Symbol:      NormalizeSymbol(symbol),
		FundingTime: payload.FundingTime,
		FundingRate: rate,
	}
	// Mark and index prices are absent from some history responses.
	if payload.MarkPrice != "" {
		if record.MarkPrice, err = strconv.ParseFloat(payload.MarkPrice, 64); err != nil {
			return FundingRate{}, fmt.Errorf("markPrice: %w", err)
		}
	}
	if payload.IndexPrice != "" {
		if record.IndexPrice, err = strconv.ParseFloat(payload.IndexPrice, 64); err != nil {
			return FundingRate{}, fmt.Errorf("indexPrice: %w", err)
		}
	}
	return record, nil
}

func klineInt(raw json.RawMessage) (int64, error) {
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func klineFloat(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	return v, nil
}
