// Package instrument parses and classifies exchange-listed instrument codes
// of the form {symbol}.{exchange}, e.g. 600519.SSE or 159915.SZSE.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported exchanges.
const (
	ExchangeSSE  = "SSE"
	ExchangeSZSE = "SZSE"
)

// Instrument kinds. Lot sizes are configured per kind.
const (
	KindStock = "STOCK"
	KindETF   = "ETF"
)

// Exchange suffix aliases accepted on input and normalized on output.
var exchangeAliases = map[string]string{
	"SSE":  ExchangeSSE,
	"SH":   ExchangeSSE,
	"SZSE": ExchangeSZSE,
	"SZ":   ExchangeSZSE,
}

// codeRegex matches: {6-digit symbol}.{exchange}
var codeRegex = regexp.MustCompile(`^(\d{6})\.([A-Z]{2,4})$`)

var (
	ErrInvalidCode     = errors.New("instrument: invalid code format")
	ErrUnknownExchange = errors.New("instrument: unsupported exchange")
)

// Instrument is a parsed instrument code.
type Instrument struct {
	Code     string `json:"code"` // normalized, e.g. 600519.SSE
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Kind     string `json:"kind"`
}

// Parse parses and validates an instrument code. Lower-case input and the
// short exchange suffixes (.SH, .SZ) are accepted.
func Parse(code string) (*Instrument, error) {
	matches := codeRegex.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(code)))
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected {symbol}.{exchange}, e.g. 600519.SSE)",
			ErrInvalidCode, code)
	}

	symbol := matches[1]
	exchange, ok := exchangeAliases[matches[2]]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, matches[2])
	}

	return &Instrument{
		Code:     symbol + "." + exchange,
		Symbol:   symbol,
		Exchange: exchange,
		Kind:     kindOf(symbol, exchange),
	}, nil
}

// Normalize returns the canonical form of code, or code unchanged if it
// does not parse.
func Normalize(code string) string {
	inst, err := Parse(code)
	if err != nil {
		return code
	}
	return inst.Code
}

// kindOf classifies by listing-code prefix: SSE funds start with 5,
// SZSE funds with 15, 16 or 18.
func kindOf(symbol, exchange string) string {
	switch exchange {
	case ExchangeSSE:
		if strings.HasPrefix(symbol, "5") {
			return KindETF
		}
	case ExchangeSZSE:
		for _, p := range []string{"15", "16", "18"} {
			if strings.HasPrefix(symbol, p) {
				return KindETF
			}
		}
	}
	return KindStock
}
