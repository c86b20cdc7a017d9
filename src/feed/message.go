package feed

import (
	"fmt"
	"strconv"
	"strings"

	"coinstream/src/models"

	"github.com/goccy/go-json"
)

// -----------------------------------------------------------------------------
// Wire parsing for the exchange's combined-stream payloads. Every message
// arrives wrapped in a {stream, data} envelope and carries prices as
// strings.
// -----------------------------------------------------------------------------

// KlineEvent is one parsed candlestick stream message.
type KlineEvent struct {
	TradeSymbol string
	Interval    string
	EventTime   int64
	OpenTime    int64
	CloseTime   int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	IsFinal     bool
}

// -----------------------------------------------------------------------------

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type miniTickerPayload struct {
	EventType   string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	Close       string `json:"c"`
	Open        string `json:"o"`
	High        string `json:"h"`
	Low         string `json:"l"`
	BaseVolume  string `json:"v"`
	QuoteVolume string `json:"q"`
}

type klinePayload struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Symbol    string `json:"s"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		IsFinal   bool   `json:"x"`
	} `json:"k"`
}

// -----------------------------------------------------------------------------

// ParseMessage decodes one raw frame and returns either a
// *models.MTickerUpdate or a *KlineEvent. Unknown stream types return
// (nil, nil) and are dropped by the caller.
func ParseMessage(raw []byte) (interface{}, error) {
	var envelope streamEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("malformed stream envelope: %w", err)
	}

	switch {
	case strings.Contains(envelope.Stream, "@miniTicker"):
		return parseMiniTicker(envelope.Data)
	case strings.Contains(envelope.Stream, "@kline"):
		return parseKline(envelope.Data)
	default:
		return nil, nil
	}
}

func parseMiniTicker(data json.RawMessage) (*models.MTickerUpdate, error) {
	var payload miniTickerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("malformed miniTicker payload: %w", err)
	}

	if payload.Symbol == "" || payload.Close == "" {
		return nil, fmt.Errorf("miniTicker payload missing symbol or price")
	}

	update := &models.MTickerUpdate{
		TradeSymbol: strings.ToUpper(payload.Symbol),
		Symbol:      strings.ToLower(strings.TrimSuffix(strings.ToUpper(payload.Symbol), "USDT")),
		EventTime:   payload.EventTime,
	}
	fields := []struct {
		dest *float64
		raw  string
	}{
		{&update.CurrentPrice, payload.Close},
		{&update.High24h, payload.High},
		{&update.Low24h, payload.Low},
		{&update.TotalVolume, payload.BaseVolume},
		{&update.VolumeQuote24h, payload.QuoteVolume},
	}
	for _, field := range fields {
		value, err := parsePrice(field.raw)
		if err != nil {
			return nil, fmt.Errorf("miniTicker payload for %s: %w", payload.Symbol, err)
		}
		*field.dest = value
	}
	return update, nil
}

func parseKline(data json.RawMessage) (*KlineEvent, error) {
	var payload klinePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("malformed kline payload: %w", err)
	}
	if payload.Kline.Symbol == "" || payload.Kline.Interval == "" {
		return nil, fmt.Errorf("kline payload missing symbol or interval")
	}

	event := &KlineEvent{
		TradeSymbol: strings.ToUpper(payload.Kline.Symbol),
		Interval:    payload.Kline.Interval,
		EventTime:   payload.EventTime,
		OpenTime:    payload.Kline.OpenTime,
		CloseTime:   payload.Kline.CloseTime,
		IsFinal:     payload.Kline.IsFinal,
	}
	fields := []struct {
		dest *float64
		raw  string
	}{
		{&event.Open, payload.Kline.Open},
		{&event.High, payload.Kline.High},
		{&event.Low, payload.Kline.Low},
		{&event.Close, payload.Kline.Close},
		{&event.Volume, payload.Kline.Volume},
	}
	for _, field := range fields {
		value, err := parsePrice(field.raw)
		if err != nil {
			return nil, fmt.Errorf("kline payload for %s: %w", payload.Kline.Symbol, err)
		}
		*field.dest = value
	}
	return event, nil
}

// parsePrice rejects non-numeric price strings so a corrupt field drops
// the frame instead of flowing downstream as a zero.
func parsePrice(value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("bad numeric field %q: %w", value, err)
	}
	return f, nil
}
