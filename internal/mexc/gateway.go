// Package mexc implements the exchange.Gateway interface against MEXC's
// contract (futures) REST API. Grounded on the teacher's REST-client idiom
// (pkg/exchanges/binance/futures_usdt/client.go: Config/Client split, a
// plain *http.Client with a fixed timeout, url.Values param building, a
// doSigned helper that signs then dispatches) and on the original
// implementation's business logic (original_source/API/MX/client.py:
// make_order/make_trigger_order side+trigger_type derivation,
// cancel_orders_bulk, get_realized_pnl_batch's retry-once-then-give-up
// fetch and (symbol, positionType) PnL accumulation). The request-signing
// scheme itself is ungrounded in the pack's Python source (it hides behind
// an unavailable mx_bypass.api helper) so it instead reuses the HMAC-SHA256
// scheme already proven for the WS login in masterstream.Stream.signature.
package mexc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"copytrade-relay/internal/exchange"
)

// Config holds one credential set (the master's, or a follower's).
type Config struct {
	APIKey    string
	APISecret string
	ProxyURL  string // optional, HTTP(S) proxy per credential
	BaseURL   string // defaults to https://contract.mexc.com
}

// Client is a single follower's (or the master's) MEXC contract REST client.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a Client bound to one credential set.
func NewClient(cfg Config) (*Client, error) {
	base := cfg.BaseURL
	if base == "" {
		base = "https://contract.mexc.com"
	}
	hc := &http.Client{Timeout: 10 * time.Second}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("mexc: bad proxy url: %w", err)
		}
		hc.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return &Client{cfg: cfg, baseURL: base, httpClient: hc}, nil
}

var _ exchange.Gateway = (*Client)(nil)

// CreateOrder places a market/limit order. Grounded on make_order.
func (c *Client) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if req.OpenType == exchange.Isolated && req.Leverage == 0 {
		return exchange.OrderResult{}, errors.New("mexc: isolated order requires leverage")
	}
	body := map[string]any{
		"symbol":   req.Symbol,
		"vol":      req.Vol,
		"side":     int(req.Side),
		"type":     int(req.Type),
		"openType": int(req.OpenType),
		"leverage": req.Leverage,
	}
	if req.Price != "" {
		body["price"] = req.Price
	}
	if req.StopLossPrice != "" {
		body["stopLossPrice"] = req.StopLossPrice
	}
	if req.TakeProfitPrice != "" {
		body["takeProfitPrice"] = req.TakeProfitPrice
	}
	if req.ClientOrderID != "" {
		body["externalOid"] = req.ClientOrderID
	}

	var out struct {
		OrderID string `json:"orderId"`
	}
	if err := c.doSigned(ctx, http.MethodPost, "/api/v1/private/order/submit", body, &out); err != nil {
		return exchange.OrderResult{}, err
	}
	return exchange.OrderResult{OrderID: out.OrderID}, nil
}

// CreateTriggerOrder places a conditional (plan) order. Grounded on
// make_trigger_order's openType/triggerType derivation.
func (c *Client) CreateTriggerOrder(ctx context.Context, req exchange.TriggerOrderRequest) (exchange.OrderResult, error) {
	if req.OpenType == exchange.Isolated && req.Leverage == 0 {
		return exchange.OrderResult{}, errors.New("mexc: isolated trigger order requires leverage")
	}
	executeType := req.ExecuteType
	if executeType == 0 {
		executeType = exchange.MarketOrder
	}
	trend := req.Trend
	if trend == "" {
		trend = exchange.LatestPriceTrend
	}
	cycle := req.ExecuteCycle
	if cycle == "" {
		cycle = exchange.UntilCanceled
	}
	body := map[string]any{
		"symbol":       req.Symbol,
		"vol":          req.Vol,
		"side":         int(req.Side),
		"openType":     int(req.OpenType),
		"leverage":     req.Leverage,
		"triggerPrice": req.TriggerPrice,
		"triggerType":  int(req.TriggerType),
		"executeCycle": string(cycle),
		"orderType":    int(executeType),
		"trend":        trend,
	}
	if req.ClientOrderID != "" {
		body["externalOid"] = req.ClientOrderID
	}

	var out struct {
		OrderID string `json:"orderId"`
	}
	if err := c.doSigned(ctx, http.MethodPost, "/api/v1/private/planorder/place", body, &out); err != nil {
		return exchange.OrderResult{}, err
	}
	return exchange.OrderResult{OrderID: out.OrderID}, nil
}

// CancelOrders cancels plain limit orders by id. Grounded on cancel_limit_orders.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) error {
	if len(orderIDs) == 0 {
		return nil
	}
	return c.doSigned(ctx, http.MethodPost, "/api/v1/private/order/cancel", orderIDs, nil)
}

// CancelTriggerOrders cancels trigger/plan orders. Grounded on cancel_trigger_order.
func (c *Client) CancelTriggerOrders(ctx context.Context, ids []exchange.TriggerCancelRef) error {
	if len(ids) == 0 {
		return nil
	}
	body := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		body = append(body, map[string]string{"orderId": id.OrderID, "symbol": id.Symbol})
	}
	return c.doSigned(ctx, http.MethodPost, "/api/v1/private/planorder/cancel", body, nil)
}

// CancelAllOrders cancels every limit+trigger order for a symbol. Grounded
// on cancel_all_orders.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	body := map[string]any{"symbol": symbol}
	return c.doSigned(ctx, http.MethodPost, "/api/v1/private/order/cancel_all", body, nil)
}

// GetOpenPositions returns currently-held positions. Grounded on fetch_positions.
func (c *Client) GetOpenPositions(ctx context.Context, symbol string) ([]exchange.PositionSnapshot, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var out []struct {
		Symbol       string  `json:"symbol"`
		PositionType int     `json:"positionType"`
		State        int     `json:"state"`
		HoldVol      float64 `json:"holdVol"`
		OpenAvgPrice float64 `json:"openAvgPrice"`
		HoldAvgPrice float64 `json:"holdAvgPrice"`
		Leverage     int     `json:"leverage"`
		OpenType     int     `json:"openType"`
	}
	if err := c.doSignedGet(ctx, "/api/v1/private/position/open_positions", params, &out); err != nil {
		return nil, err
	}
	snaps := make([]exchange.PositionSnapshot, 0, len(out))
	for _, p := range out {
		snaps = append(snaps, exchange.PositionSnapshot{
			Symbol: p.Symbol, PositionType: p.PositionType, State: p.State,
			HoldVol: p.HoldVol, OpenAvgPrice: p.OpenAvgPrice, HoldAvgPrice: p.HoldAvgPrice,
			Leverage: p.Leverage, OpenType: p.OpenType,
		})
	}
	return snaps, nil
}

// GetHistoricalOrdersReport fetches realized-PnL rows, retrying the fetch
// once on a transport error before giving up, then keeps only rows whose
// updateTime falls in [sinceMs, untilMs] (untilMs==0 means unbounded)
// before accumulating by (symbol, positionType). The MEXC endpoint takes
// no time-range params, so the filter is client-side, matching
// get_realized_pnl_batch's own start_time/end_time post-filter over
// row["updateTime"].
func (c *Client) GetHistoricalOrdersReport(ctx context.Context, symbol string, sinceMs, untilMs int64) ([]exchange.PnLRecord, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	fetch := func() ([]historicalOrderRow, error) {
		var out []historicalOrderRow
		if err := c.doSignedGet(ctx, "/api/v1/private/order/list/history_orders", params, &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	rows, err := fetch()
	if err != nil {
		rows, err = fetch()
		if err != nil {
			return nil, fmt.Errorf("mexc: historical orders fetch failed after retry: %w", err)
		}
	}

	type key struct {
		symbol    string
		direction int
	}
	acc := make(map[key]*exchange.PnLRecord)
	order := make([]key, 0, len(rows))
	for _, row := range rows {
		if row.Symbol == "" || row.PositionType == 0 {
			continue
		}
		if sinceMs > 0 && row.UpdateTime < sinceMs {
			continue
		}
		if untilMs > 0 && row.UpdateTime > untilMs {
			continue
		}
		k := key{row.Symbol, row.PositionType}
		rec, ok := acc[k]
		if !ok {
			rec = &exchange.PnLRecord{Symbol: row.Symbol, Direction: row.PositionType}
			acc[k] = rec
			order = append(order, k)
		}
		rec.PnLUSDT += row.Realised
	}

	out := make([]exchange.PnLRecord, 0, len(order))
	for _, k := range order {
		rec := acc[k]
		rec.PnLUSDT = round(rec.PnLUSDT, 6)
		out = append(out, *rec)
	}
	return out, nil
}

type historicalOrderRow struct {
	Symbol       string  `json:"symbol"`
	PositionType int     `json:"positionType"`
	UpdateTime   int64   `json:"updateTime"`
	Realised     float64 `json:"realised"`
	ProfitRatio  float64 `json:"profitRatio"`
}

func round(v float64, places int) float64 {
	mult := 1.0
	for i := 0; i < places; i++ {
		mult *= 10
	}
	return float64(int64(v*mult+0.5*sign(v))) / mult
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// GetSymbolSpec fetches contract-grid metadata. Grounded on
// MXPublic.get_instruments (/contract/detail returns the full instrument
// list; we filter client-side since MEXC's detail endpoint takes no
// query-by-symbol parameter).
func (c *Client) GetSymbolSpec(ctx context.Context, symbol string) (exchange.SymbolSpec, error) {
	var resp struct {
		Success bool `json:"success"`
		Data    []struct {
			Symbol            string  `json:"symbol"`
			ContractSize      float64 `json:"contractSize"`
			VolUnit           float64 `json:"volUnit"`
			VolScale          int     `json:"volScale"`
			PriceScale        int     `json:"priceScale"`
			MaxLeverage       int     `json:"maxLeverage"`
		} `json:"data"`
	}
	if err := c.getPublic(ctx, "/api/v1/contract/detail", nil, &resp); err != nil {
		return exchange.SymbolSpec{}, err
	}
	for _, d := range resp.Data {
		if d.Symbol == symbol {
			return exchange.SymbolSpec{
				ContractSize:      d.ContractSize,
				VolUnit:           d.VolUnit,
				ContractPrecision: d.VolScale,
				PricePrecision:    d.PriceScale,
				MaxLeverage:       d.MaxLeverage,
			}, nil
		}
	}
	return exchange.SymbolSpec{}, fmt.Errorf("mexc: unknown symbol %s", symbol)
}

// Ping checks connectivity via the public, unauthenticated contract ping
// endpoint.
func (c *Client) Ping(ctx context.Context) error {
	var resp struct {
		Success bool `json:"success"`
	}
	return c.getPublic(ctx, "/api/v1/contract/ping", nil, &resp)
}

// doSigned signs and sends a JSON-body private request.
func (c *Client) doSigned(ctx context.Context, method, path string, body any, out any) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("mexc: API key/secret required")
	}
	var raw []byte
	var err error
	if body != nil {
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("mexc: encode request: %w", err)
		}
	} else {
		raw = []byte("")
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig := c.signature(ts, string(raw))

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("ApiKey", c.cfg.APIKey)
	req.Header.Set("Request-Time", ts)
	req.Header.Set("Signature", sig)

	return c.do(req, out)
}

// doSignedGet signs and sends a query-string private GET.
func (c *Client) doSignedGet(ctx context.Context, path string, params url.Values, out any) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("mexc: API key/secret required")
	}
	query := encodeSorted(params)
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig := c.signature(ts, query)

	full := c.baseURL + path
	if query != "" {
		full += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return err
	}
	req.Header.Set("ApiKey", c.cfg.APIKey)
	req.Header.Set("Request-Time", ts)
	req.Header.Set("Signature", sig)

	return c.do(req, out)
}

// getPublic sends an unsigned GET against a public endpoint.
func (c *Client) getPublic(ctx context.Context, path string, params url.Values, out any) error {
	full := c.baseURL + path
	if q := encodeSorted(params); q != "" {
		full += "?" + q
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return fmt.Errorf("mexc %s %s status %d: %s", req.Method, req.URL.Path, res.StatusCode, string(b))
	}
	if out == nil || len(b) == 0 {
		return nil
	}
	var envelope struct {
		Success bool            `json:"success"`
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &envelope); err != nil {
		return fmt.Errorf("mexc: decode envelope: %w", err)
	}
	if !envelope.Success || envelope.Code != 0 {
		reason := envelope.Message
		if reason == "" {
			reason = "unknown exchange error"
		}
		return fmt.Errorf("mexc: %s (code %d)", reason, envelope.Code)
	}
	if len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

// signature implements MEXC contract API's accessKey+timestamp+payload
// HMAC-SHA256 scheme, reusing the hex-HMAC approach already proven in
// masterstream.Stream.signature for the WS login handshake.
func (c *Client) signature(ts, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(c.cfg.APIKey + ts + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func encodeSorted(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params.Get(k))
	}
	return b.String()
}
