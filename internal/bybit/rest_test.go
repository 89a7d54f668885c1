package bybit

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"spread-grid-bot/internal/exchange"

	"go.uber.org/zap"
)

func newTestClient(serverURL string) *Client {
	client := NewClient(serverURL, "key", "secret", 5*time.Second, 100, 10, zap.NewNop())
	client.nowFn = func() time.Time { return time.UnixMilli(1700000000000) }
	return client
}

func TestSubmitSignsAndParsesOrderID(t *testing.T) {
	var gotBody string
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/order/create" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotHeaders = r.Header.Clone()
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"venue-1","orderLinkId":"ref-1"}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	venueID, err := client.Submit(context.Background(), exchange.Order{
		Instrument:  "PAXGUSDT",
		Side:        exchange.SideSell,
		Quantity:    0.75,
		Style:       exchange.StyleMarket,
		ReduceOnly:  true,
		TimeInForce: "IOC",
		ClientRef:   "ref-1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if venueID != "venue-1" {
		t.Fatalf("venue id = %q, want venue-1", venueID)
	}
	if gotHeaders.Get("X-BAPI-API-KEY") != "key" {
		t.Fatalf("api key header = %q", gotHeaders.Get("X-BAPI-API-KEY"))
	}
	timestamp := gotHeaders.Get("X-BAPI-TIMESTAMP")
	if timestamp != "1700000000000" {
		t.Fatalf("timestamp header = %q", timestamp)
	}
	want := Sign("secret", timestamp+"key"+recvWindow+gotBody)
	if gotHeaders.Get("X-BAPI-SIGN") != want {
		t.Fatalf("signature = %q, want %q", gotHeaders.Get("X-BAPI-SIGN"), want)
	}
}

func TestSubmitSurfacesRetCodeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"retCode":110007,"retMsg":"insufficient available balance"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if _, err := client.Submit(context.Background(), exchange.Order{
		Instrument: "PAXGUSDT", Side: exchange.SideBuy, Quantity: 1, Style: exchange.StyleMarket, ClientRef: "ref",
	}); err == nil {
		t.Fatal("expected retCode error")
	}
}

func TestPositionsDropsFlatRows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/position/list" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-BAPI-SIGN") == "" {
			t.Error("position list must be signed")
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"PAXGUSDT","side":"Sell","size":"0.75","avgPrice":"2650.5"},
			{"symbol":"PAXGUSDT","side":"None","size":"0","avgPrice":"0"}
		]}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	positions, err := client.Positions(context.Background(), "PAXGUSDT")
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want flat row dropped", len(positions))
	}
	p := positions[0]
	if p.Side != exchange.SideSell || p.Quantity != 0.75 || p.AvgPrice != 2650.5 {
		t.Fatalf("position = %+v", p)
	}
}

func TestTickerParsesTopOfBook(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-BAPI-SIGN") != "" {
			t.Error("tickers endpoint must be unsigned")
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"XAUTUSDT","bid1Price":"2640.1","ask1Price":"2640.3"}
		]}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	quote, err := client.Ticker(context.Background(), "XAUTUSDT")
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if quote.Bid != 2640.1 || quote.Ask != 2640.3 {
		t.Fatalf("quote = %+v", quote)
	}
}

func TestInstrumentQtyStepParsesLotSizeFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/instruments-info" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-BAPI-SIGN") != "" {
			t.Error("instruments info must be unsigned")
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"PAXGUSDT","lotSizeFilter":{"qtyStep":"0.001","minOrderQty":"0.001"}}
		]}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	step, err := client.InstrumentQtyStep(context.Background(), "PAXGUSDT")
	if err != nil {
		t.Fatalf("instrument qty step: %v", err)
	}
	if step != 0.001 {
		t.Fatalf("step = %v, want 0.001", step)
	}
}

func TestInstrumentQtyStepRejectsMissingSymbol(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if _, err := client.InstrumentQtyStep(context.Background(), "NOPEUSDT"); err == nil {
		t.Fatal("expected error for unknown symbol")
	}
}

func TestCancelSendsOrderLinkID(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/order/cancel" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if err := client.Cancel(context.Background(), "PAXGUSDT", "ref-9"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(gotBody, `"orderLinkId":"ref-9"`) {
		t.Fatalf("cancel body = %s", gotBody)
	}
}
