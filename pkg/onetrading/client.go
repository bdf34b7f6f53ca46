// Package onetrading is a small REST client for the One Trading (formerly
// Bitpanda Pro) exchange: public tickers and private order endpoints.
package onetrading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/gregtusar/tradepipe/pkg/models"
)

const DefaultBaseURL = "https://api.onetrading.com/fast/v1"

var ErrNoPrice = errors.New("onetrading: ticker has no numeric last price")

// APIError is a non-2xx response.
type APIError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s -> %d: %s", e.Method, e.URL, e.Status, e.Body)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       Authenticator
	limiter    *rate.Limiter
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit paces every request to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

func WithAuthenticator(auth Authenticator) Option {
	return func(c *Client) { c.auth = auth }
}

// NewClient trims any trailing slash from baseURL; empty means DefaultBaseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

type marketTicker struct {
	InstrumentCode string          `json:"instrument_code"`
	LastPrice      json.RawMessage `json:"last_price"`
	LastPriceAlt   json.RawMessage `json:"lastPrice"`
	Price          json.RawMessage `json:"price"`
}

// Ticker fetches the public market ticker for one instrument, e.g. BTC_EUR.
func (c *Client) Ticker(ctx context.Context, instrument string) (*models.Ticker, error) {
	var t marketTicker
	path := "/market-ticker/" + url.PathEscape(instrument)
	if err := c.do(ctx, http.MethodGet, path, nil, false, &t); err != nil {
		return nil, err
	}

	for _, raw := range []json.RawMessage{t.LastPrice, t.LastPriceAlt, t.Price} {
		if px, ok := parseNumber(raw); ok {
			return &models.Ticker{
				Symbol:    strings.ToUpper(instrument),
				LastPrice: px,
				Timestamp: time.Now().UTC(),
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoPrice, instrument)
}

type TimeInForce string

const (
	GoodTillCancelled    TimeInForce = "GOOD_TILL_CANCELLED"
	ImmediateOrCancelled TimeInForce = "IMMEDIATE_OR_CANCELLED"
	FillOrKill           TimeInForce = "FILL_OR_KILL"
)

// CreateOrderRequest mirrors the exchange payload; numbers travel as strings.
type CreateOrderRequest struct {
	InstrumentCode string      `json:"instrument_code"`
	Type           string      `json:"type"`
	Side           string      `json:"side"`
	Amount         string      `json:"amount"`
	Price          string      `json:"price"`
	ClientID       string      `json:"client_id,omitempty"`
	TimeInForce    TimeInForce `json:"time_in_force,omitempty"`
}

type Order struct {
	OrderID        string `json:"order_id"`
	ClientID       string `json:"client_id"`
	InstrumentCode string `json:"instrument_code"`
	Side           string `json:"side"`
	Price          string `json:"price"`
	Amount         string `json:"amount"`
	FilledAmount   string `json:"filled_amount"`
	Status         string `json:"status"`
}

// Order statuses reported by the exchange.
const (
	OrderStatusOpen      = "OPEN"
	OrderStatusFilled    = "FILLED_FULLY"
	OrderStatusClosed    = "FILLED_CLOSED"
	OrderStatusCancelled = "FILLED_REJECTED"
	OrderStatusRejected  = "REJECTED"
)

// NewLimitOrder formats size and price as exact decimal strings.
func NewLimitOrder(instrument string, side models.OrderSide, size, price float64, tif TimeInForce, clientID string) CreateOrderRequest {
	return CreateOrderRequest{
		InstrumentCode: instrument,
		Type:           "LIMIT",
		Side:           strings.ToUpper(string(side)),
		Amount:         decimal.NewFromFloat(size).String(),
		Price:          decimal.NewFromFloat(price).String(),
		ClientID:       clientID,
		TimeInForce:    tif,
	}
}

func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	var out Order
	if err := c.do(ctx, http.MethodPost, "/account/orders", body, true, &out); err != nil {
		return nil, err
	}
	if out.OrderID == "" {
		return nil, fmt.Errorf("onetrading: order response without order_id")
	}
	return &out, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var out Order
	if err := c.do(ctx, http.MethodGet, "/account/orders/"+url.PathEscape(orderID), nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, private bool, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if private {
		if c.auth == nil {
			return ErrMissingAPIKey
		}
		if err := c.auth.AddAuthHeaders(req); err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s -> %w", method, c.baseURL+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(data)
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return &APIError{Method: method, URL: c.baseURL + path, Status: resp.StatusCode, Body: msg}
	}

	return decodeEnvelope(data, out)
}

// decodeEnvelope accepts both bare objects and {"data": {...}} wrappers.
func decodeEnvelope(data []byte, out any) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err == nil && len(env.Data) > 0 && env.Data[0] == '{' {
		data = env.Data
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// parseNumber reads a non-negative JSON number or numeric string.
func parseNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil || d.IsNegative() {
		return 0, false
	}
	f, _ := d.Float64()
	return f, true
}
