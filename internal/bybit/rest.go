package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"spread-grid-bot/internal/exchange"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	categoryLinear = "linear"
	recvWindow     = "5000"
)

// Client is the Bybit v5 REST adapter. It implements both
// exchange.ExecutionGateway and exchange.PositionGateway.
type Client struct {
	baseURL string
	key     string
	secret  string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
	nowFn   func() time.Time
}

func NewClient(baseURL, key, secret string, timeout time.Duration, rps float64, burst int, log *zap.Logger) *Client {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 10
	}
	return &Client{
		baseURL: baseURL,
		key:     key,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
		nowFn:   time.Now,
	}
}

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// Submit places an order keyed by its client ref (orderLinkId) and
// returns the venue order id.
func (c *Client) Submit(ctx context.Context, order exchange.Order) (string, error) {
	body := map[string]any{
		"category":    categoryLinear,
		"symbol":      order.Instrument,
		"side":        sideParam(order.Side),
		"orderType":   orderTypeParam(order.Style),
		"qty":         strconv.FormatFloat(order.Quantity, 'f', -1, 64),
		"orderLinkId": order.ClientRef,
	}
	if order.Style == exchange.StyleLimit {
		body["price"] = strconv.FormatFloat(order.LimitPrice, 'f', -1, 64)
	}
	if order.ReduceOnly {
		body["reduceOnly"] = true
	}
	if order.TimeInForce != "" {
		body["timeInForce"] = order.TimeInForce
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := c.signedPost(ctx, "/v5/order/create", body, &result); err != nil {
		return "", fmt.Errorf("order create: %w", err)
	}
	return result.OrderID, nil
}

func (c *Client) Cancel(ctx context.Context, instrument, clientRef string) error {
	body := map[string]any{
		"category":    categoryLinear,
		"symbol":      instrument,
		"orderLinkId": clientRef,
	}
	if err := c.signedPost(ctx, "/v5/order/cancel", body, nil); err != nil {
		return fmt.Errorf("order cancel: %w", err)
	}
	return nil
}

// Positions returns the open positions for one symbol. A Bybit row with
// zero size or side "None" is a flat placeholder and is dropped.
func (c *Client) Positions(ctx context.Context, instrument string) ([]exchange.Position, error) {
	query := "category=" + categoryLinear + "&symbol=" + instrument
	var result struct {
		List []struct {
			Symbol   string `json:"symbol"`
			Side     string `json:"side"`
			Size     string `json:"size"`
			AvgPrice string `json:"avgPrice"`
		} `json:"list"`
	}
	if err := c.signedGet(ctx, "/v5/position/list", query, &result); err != nil {
		return nil, fmt.Errorf("position list: %w", err)
	}
	var out []exchange.Position
	for _, row := range result.List {
		size, err := strconv.ParseFloat(row.Size, 64)
		if err != nil || size == 0 {
			continue
		}
		side := exchange.SideBuy
		switch row.Side {
		case "Sell":
			side = exchange.SideSell
		case "Buy":
		default:
			continue
		}
		avg, _ := strconv.ParseFloat(row.AvgPrice, 64)
		out = append(out, exchange.Position{
			Instrument: row.Symbol,
			Quantity:   size,
			Side:       side,
			AvgPrice:   avg,
		})
	}
	return out, nil
}

// Ticker fetches the current best bid/ask for one symbol. Public
// endpoint, unsigned.
func (c *Client) Ticker(ctx context.Context, instrument string) (exchange.Quote, error) {
	query := "category=" + categoryLinear + "&symbol=" + instrument
	var result struct {
		List []struct {
			Symbol string `json:"symbol"`
			Bid    string `json:"bid1Price"`
			Ask    string `json:"ask1Price"`
		} `json:"list"`
	}
	if err := c.publicGet(ctx, "/v5/market/tickers", query, &result); err != nil {
		return exchange.Quote{}, fmt.Errorf("tickers: %w", err)
	}
	if len(result.List) == 0 {
		return exchange.Quote{}, fmt.Errorf("tickers: no data for %s", instrument)
	}
	bid, err := strconv.ParseFloat(result.List[0].Bid, 64)
	if err != nil {
		return exchange.Quote{}, fmt.Errorf("tickers: bad bid %q", result.List[0].Bid)
	}
	ask, err := strconv.ParseFloat(result.List[0].Ask, 64)
	if err != nil {
		return exchange.Quote{}, fmt.Errorf("tickers: bad ask %q", result.List[0].Ask)
	}
	return exchange.Quote{Instrument: instrument, Bid: bid, Ask: ask, Time: c.nowFn()}, nil
}

// InstrumentQtyStep returns the quantity step (lot size increment) for
// one symbol. Order quantities must be floored to this step or the
// venue rejects them. Public endpoint, unsigned.
func (c *Client) InstrumentQtyStep(ctx context.Context, instrument string) (float64, error) {
	query := "category=" + categoryLinear + "&symbol=" + instrument
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				QtyStep string `json:"qtyStep"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := c.publicGet(ctx, "/v5/market/instruments-info", query, &result); err != nil {
		return 0, fmt.Errorf("instruments info: %w", err)
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("instruments info: no data for %s", instrument)
	}
	step, err := strconv.ParseFloat(result.List[0].LotSizeFilter.QtyStep, 64)
	if err != nil || step <= 0 {
		return 0, fmt.Errorf("instruments info: bad qtyStep %q", result.List[0].LotSizeFilter.QtyStep)
	}
	return step, nil
}

func (c *Client) signedPost(ctx context.Context, path string, body map[string]any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.signRequest(req, string(payload))
	return c.do(req, out)
}

func (c *Client) signedGet(ctx context.Context, path, query string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return err
	}
	c.signRequest(req, query)
	return c.do(req, out)
}

func (c *Client) publicGet(ctx context.Context, path, query string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// signRequest applies the v5 HMAC headers: the signature covers
// timestamp + key + recvWindow + (body or query string).
func (c *Client) signRequest(req *http.Request, payload string) {
	timestamp := strconv.FormatInt(c.nowFn().UnixMilli(), 10)
	req.Header.Set("X-BAPI-API-KEY", c.key)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", Sign(c.secret, timestamp+c.key+recvWindow+payload))
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return err
	}
	if api.RetCode != 0 {
		return fmt.Errorf("bybit retCode %d: %s", api.RetCode, api.RetMsg)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(api.Result, out)
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func sideParam(s exchange.Side) string {
	if s == exchange.SideSell {
		return "Sell"
	}
	return "Buy"
}

func orderTypeParam(style exchange.OrderStyle) string {
	if style == exchange.StyleLimit {
		return "Limit"
	}
	return "Market"
}
