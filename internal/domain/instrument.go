package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OptionType string

const (
	OptionCall OptionType = "CALL"
	OptionPut  OptionType = "PUT"
)

// Code returns the single-letter form used in contract symbols.
func (t OptionType) Code() string {
	if t == OptionPut {
		return "P"
	}
	return "C"
}

func ParseOptionType(s string) (OptionType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "C", "CALL":
		return OptionCall, nil
	case "P", "PUT":
		return OptionPut, nil
	}
	return "", fmt.Errorf("unknown option type %q", s)
}

// Instrument is a single option contract. Symbol is the order-routing
// (OCC) encoding, StreamerSymbol the market-data subscription encoding.
type Instrument struct {
	Underlying     string          `json:"underlying"`
	OptionType     OptionType      `json:"option_type"`
	Strike         decimal.Decimal `json:"strike"`
	Expiration     time.Time       `json:"expiration"`
	Symbol         string          `json:"symbol"`
	StreamerSymbol string          `json:"streamer_symbol"`
}

// ExpirationDate returns the expiration as YYYY-MM-DD.
func (i Instrument) ExpirationDate() string {
	return i.Expiration.Format("2006-01-02")
}

// DaysToExpiration counts calendar days between the date of now and the
// expiration date, both taken in now's location.
func (i Instrument) DaysToExpiration(now time.Time) int {
	return DaysBetween(now, i.Expiration)
}

// DaysBetween counts calendar days from the date of a to the date of b.
// Only the calendar dates matter, so DST transitions do not skew the count.
func DaysBetween(a, b time.Time) int {
	from := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	to := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}

// OCCSymbol builds the order-routing symbol: root padded to six characters,
// YYMMDD, C/P, strike in thousandths padded to eight digits.
// Example: "SPY   251031C00370000".
func OCCSymbol(underlying string, expiration time.Time, t OptionType, strike decimal.Decimal) string {
	milli := strike.Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
	return fmt.Sprintf("%-6s%s%s%08d", strings.ToUpper(underlying), expiration.Format("060102"), t.Code(), milli)
}

// StreamerSymbol builds the subscription symbol: dot, root, YYMMDD, C/P,
// strike without trailing zeros. Example: ".SPY251031C370".
func StreamerSymbol(underlying string, expiration time.Time, t OptionType, strike decimal.Decimal) string {
	return "." + strings.ToUpper(underlying) + expiration.Format("060102") + t.Code() + strike.String()
}

// ParseOCCSymbol decodes an OCC symbol into its contract fields.
func ParseOCCSymbol(symbol string) (Instrument, error) {
	if len(symbol) != 21 {
		return Instrument{}, fmt.Errorf("%w: occ symbol %q has length %d", ErrData, symbol, len(symbol))
	}
	root := strings.TrimSpace(symbol[:6])
	exp, err := time.Parse("060102", symbol[6:12])
	if err != nil {
		return Instrument{}, fmt.Errorf("%w: occ symbol %q expiration: %v", ErrData, symbol, err)
	}
	t, err := ParseOptionType(symbol[12:13])
	if err != nil {
		return Instrument{}, fmt.Errorf("%w: occ symbol %q: %v", ErrData, symbol, err)
	}
	milli, err := decimal.NewFromString(symbol[13:])
	if err != nil {
		return Instrument{}, fmt.Errorf("%w: occ symbol %q strike: %v", ErrData, symbol, err)
	}
	strike := milli.Div(decimal.NewFromInt(1000))
	return Instrument{
		Underlying:     root,
		OptionType:     t,
		Strike:         strike,
		Expiration:     exp,
		Symbol:         symbol,
		StreamerSymbol: StreamerSymbol(root, exp, t, strike),
	}, nil
}

// OCCToStreamer converts an order-routing symbol to its subscription form.
func OCCToStreamer(symbol string) (string, error) {
	inst, err := ParseOCCSymbol(symbol)
	if err != nil {
		return "", err
	}
	return inst.StreamerSymbol, nil
}

// StreamerToOCC converts a subscription symbol back to the order-routing form.
func StreamerToOCC(symbol string) (string, error) {
	s := strings.TrimPrefix(symbol, ".")
	// Root is alphabetic, then six digits of date.
	i := 0
	for i < len(s) && (s[i] < '0' || s[i] > '9') {
		i++
	}
	if i == 0 || len(s) < i+8 {
		return "", fmt.Errorf("%w: streamer symbol %q", ErrData, symbol)
	}
	exp, err := time.Parse("060102", s[i:i+6])
	if err != nil {
		return "", fmt.Errorf("%w: streamer symbol %q expiration: %v", ErrData, symbol, err)
	}
	t, err := ParseOptionType(s[i+6 : i+7])
	if err != nil {
		return "", fmt.Errorf("%w: streamer symbol %q: %v", ErrData, symbol, err)
	}
	strike, err := decimal.NewFromString(s[i+7:])
	if err != nil {
		return "", fmt.Errorf("%w: streamer symbol %q strike: %v", ErrData, symbol, err)
	}
	return OCCSymbol(s[:i], exp, t, strike), nil
}

// IsOptionSymbol reports whether symbol looks like an option contract in
// either encoding.
func IsOptionSymbol(symbol string) bool {
	return strings.Contains(symbol, " ") || (strings.HasPrefix(symbol, ".") && len(symbol) > 10)
}

// OptionExpiration groups the contracts of one expiration date, in chain order.
type OptionExpiration struct {
	Date        time.Time
	DTE         int
	Instruments []Instrument
}

// OptionChain is a nested chain with expirations in ascending date order.
type OptionChain struct {
	Underlying  string
	Expirations []OptionExpiration
}
