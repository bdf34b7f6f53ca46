package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Mode selects simulated or networked execution.
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeLive  Mode = "LIVE"
)

// ParseMode accepts any casing of PAPER or LIVE.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModePaper:
		return ModePaper, nil
	case ModeLive:
		return ModeLive, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Namespace is the ledger namespace for the mode, e.g. "pos:paper".
func (m Mode) Namespace() string {
	return "pos:" + strings.ToLower(string(m))
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() float64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type FillStatus string

const (
	FillStatusFilled    FillStatus = "filled"
	FillStatusSubmitted FillStatus = "submitted"
	FillStatusError     FillStatus = "error"
)

var ErrInvalidIntent = errors.New("invalid trade intent")

// TradeIntent is a proposed order that has not been approved yet.
type TradeIntent struct {
	Symbol     string    `json:"symbol" yaml:"symbol"`
	Side       OrderSide `json:"side" yaml:"side"`
	Size       float64   `json:"size" yaml:"size"`
	Type       OrderType `json:"type" yaml:"type"`
	LimitPrice float64   `json:"limitPrice,omitempty" yaml:"limitPrice,omitempty"`
}

// Validate checks the intent shape. Errors wrap ErrInvalidIntent.
func (i TradeIntent) Validate() error {
	if strings.TrimSpace(i.Symbol) == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidIntent)
	}
	if i.Side != OrderSideBuy && i.Side != OrderSideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidIntent, i.Side)
	}
	if math.IsNaN(i.Size) || math.IsInf(i.Size, 0) || i.Size <= 0 {
		return fmt.Errorf("%w: size must be > 0, got %v", ErrInvalidIntent, i.Size)
	}
	switch i.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if !(i.LimitPrice > 0) || math.IsInf(i.LimitPrice, 0) {
			return fmt.Errorf("%w: limit order needs limitPrice > 0", ErrInvalidIntent)
		}
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidIntent, i.Type)
	}
	if i.Type == OrderTypeMarket && i.LimitPrice < 0 {
		return fmt.Errorf("%w: negative limitPrice", ErrInvalidIntent)
	}
	return nil
}

// Rejection pairs an intent with the machine-readable reason it was refused.
type Rejection struct {
	Intent TradeIntent `json:"intent" yaml:"intent"`
	Reason string      `json:"reason" yaml:"reason"`
}

const (
	ReasonSizeExceedsCap   = "size_exceeds_cap"
	ReasonInvalidIntent    = "invalid_intent"
	ReasonSymbolNotAllowed = "symbol_not_allowed"
	ReasonWindowClosed     = "window_closed"
	ReasonUnresolvedPrice  = "unresolved_price"
)

// RiskDecision splits intents into approved and rejected, preserving order.
type RiskDecision struct {
	Approved []TradeIntent `json:"approved" yaml:"approved"`
	Rejected []Rejection   `json:"rejected" yaml:"rejected"`
}

// Fill is the recorded outcome of attempting one approved intent.
type Fill struct {
	ID      string     `json:"id" yaml:"id"`
	Symbol  string     `json:"symbol" yaml:"symbol"`
	Side    OrderSide  `json:"side" yaml:"side"`
	Size    float64    `json:"size" yaml:"size"`
	Price   float64    `json:"price" yaml:"price"`
	Status  FillStatus `json:"status" yaml:"status"`
	Mode    Mode       `json:"mode" yaml:"mode"`
	OrderID string     `json:"orderId,omitempty" yaml:"orderId,omitempty"`
	Error   string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// Delta is the signed position change a filled fill implies.
func (f Fill) Delta() float64 {
	return f.Side.Sign() * f.Size
}
