package bybit

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"spread-grid-bot/internal/exchange"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// MarketStream turns ticker topic messages into top-of-book quotes.
// Bybit delta frames omit unchanged fields, so the stream keeps the
// last seen bid/ask per symbol and emits merged quotes.
type MarketStream struct {
	client  *WSClient
	log     *zap.Logger
	lastBid map[string]float64
	lastAsk map[string]float64
}

func NewMarketStream(client *WSClient, instruments []string, log *zap.Logger) *MarketStream {
	topics := make([]string, len(instruments))
	for i, symbol := range instruments {
		topics[i] = "tickers." + symbol
	}
	client.Subscribe(topics...)
	return &MarketStream{
		client:  client,
		log:     log,
		lastBid: make(map[string]float64),
		lastAsk: make(map[string]float64),
	}
}

// Run blocks, delivering quotes until ctx is canceled.
func (s *MarketStream) Run(ctx context.Context, quotes chan<- exchange.Quote) error {
	return s.client.Run(ctx, func(raw json.RawMessage) {
		quote, ok := s.decode(raw)
		if !ok {
			return
		}
		select {
		case quotes <- quote:
		case <-ctx.Done():
		}
	})
}

type tickerMessage struct {
	Topic string `json:"topic"`
	TS    int64  `json:"ts"`
	Data  struct {
		Symbol string `json:"symbol"`
		Bid    string `json:"bid1Price"`
		Ask    string `json:"ask1Price"`
	} `json:"data"`
}

func (s *MarketStream) decode(raw json.RawMessage) (exchange.Quote, bool) {
	var msg tickerMessage
	if err := wireJSON.Unmarshal(raw, &msg); err != nil {
		s.log.Debug("ticker decode failed", zap.Error(err))
		return exchange.Quote{}, false
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") || msg.Data.Symbol == "" {
		return exchange.Quote{}, false
	}
	symbol := msg.Data.Symbol
	if msg.Data.Bid != "" {
		if bid, err := strconv.ParseFloat(msg.Data.Bid, 64); err == nil {
			s.lastBid[symbol] = bid
		}
	}
	if msg.Data.Ask != "" {
		if ask, err := strconv.ParseFloat(msg.Data.Ask, 64); err == nil {
			s.lastAsk[symbol] = ask
		}
	}
	bid, ask := s.lastBid[symbol], s.lastAsk[symbol]
	if bid <= 0 || ask <= 0 {
		return exchange.Quote{}, false
	}
	at := time.UnixMilli(msg.TS)
	if msg.TS == 0 {
		at = time.Now()
	}
	return exchange.Quote{Instrument: symbol, Bid: bid, Ask: ask, Time: at}, true
}

// OrderStream turns private order topic messages into execution
// reports keyed by the client order ref.
type OrderStream struct {
	client *WSClient
	log    *zap.Logger
}

func NewOrderStream(client *WSClient, log *zap.Logger) *OrderStream {
	client.Subscribe("order")
	return &OrderStream{client: client, log: log}
}

func (s *OrderStream) Run(ctx context.Context, events chan<- exchange.OrderEvent) error {
	return s.client.Run(ctx, func(raw json.RawMessage) {
		for _, ev := range decodeOrderEvents(raw, s.log) {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	})
}

type orderMessage struct {
	Topic string `json:"topic"`
	Data  []struct {
		OrderLinkID string `json:"orderLinkId"`
		OrderStatus string `json:"orderStatus"`
		CumExecQty  string `json:"cumExecQty"`
		AvgPrice    string `json:"avgPrice"`
		RejectMsg   string `json:"rejectReason"`
		UpdatedTime string `json:"updatedTime"`
	} `json:"data"`
}

func decodeOrderEvents(raw json.RawMessage, log *zap.Logger) []exchange.OrderEvent {
	var msg orderMessage
	if err := wireJSON.Unmarshal(raw, &msg); err != nil {
		log.Debug("order decode failed", zap.Error(err))
		return nil
	}
	if msg.Topic != "order" {
		return nil
	}
	var out []exchange.OrderEvent
	for _, row := range msg.Data {
		if row.OrderLinkID == "" {
			continue
		}
		eventType, ok := mapOrderStatus(row.OrderStatus)
		if !ok {
			continue
		}
		qty, _ := strconv.ParseFloat(row.CumExecQty, 64)
		price, _ := strconv.ParseFloat(row.AvgPrice, 64)
		at := time.Now()
		if ms, err := strconv.ParseInt(row.UpdatedTime, 10, 64); err == nil && ms > 0 {
			at = time.UnixMilli(ms)
		}
		out = append(out, exchange.OrderEvent{
			Type:      eventType,
			ClientRef: row.OrderLinkID,
			Quantity:  qty,
			Price:     price,
			Reason:    row.RejectMsg,
			Time:      at,
		})
	}
	return out
}

// mapOrderStatus collapses Bybit's order states onto the core's event
// set. Partial fills are not surfaced; the core reacts to the terminal
// Filled state only.
func mapOrderStatus(status string) (exchange.EventType, bool) {
	switch status {
	case "New":
		return exchange.EventAccepted, true
	case "Filled":
		return exchange.EventFilled, true
	case "Rejected":
		return exchange.EventRejected, true
	case "Cancelled", "Deactivated":
		return exchange.EventCanceled, true
	default:
		return "", false
	}
}
