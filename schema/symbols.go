package schema

import (
	"errors"
	"fmt"
	"strings"
)

// The closed set of tradable pairs. Validation rejects anything outside
// this list; XAUUSD is additionally rejected by an independent guard so
// that it can never reach an EA even if the set is edited.
var allowedSymbols = map[string]struct{}{
	"EURUSD": {}, "GBPUSD": {}, "USDJPY": {}, "USDCAD": {}, "AUDUSD": {},
	"USDCHF": {}, "NZDUSD": {}, "EURGBP": {}, "EURJPY": {}, "GBPJPY": {},
	"GBPNZD": {}, "GBPAUD": {}, "EURAUD": {}, "GBPCHF": {}, "AUDJPY": {},
}

// ForbiddenSymbol is rejected unconditionally, independent of the
// allowed-symbol set.
const ForbiddenSymbol = "XAUUSD"

// MaxSymbolLen bounds symbol names.
const MaxSymbolLen = 12

var (
	// ErrForbiddenSymbol is returned for the explicitly banned pair.
	ErrForbiddenSymbol = errors.New("symbol is forbidden")

	// ErrUnknownSymbol is returned for symbols outside the closed set.
	ErrUnknownSymbol = errors.New("symbol not in allowed set")
)

// AllowedSymbols returns the closed set of tradable pairs.
func AllowedSymbols() []string {
	out := make([]string, 0, len(allowedSymbols))
	for s := range allowedSymbols {
		out = append(out, s)
	}
	return out
}

// NormalizeSymbol uppercases and bounds-checks a symbol without consulting
// the allowed set.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", fmt.Errorf("symbol is empty")
	}
	if len(s) > MaxSymbolLen {
		return "", fmt.Errorf("symbol %q exceeds %d characters", s, MaxSymbolLen)
	}
	return s, nil
}

// CheckSymbol normalizes a symbol and verifies it against both the
// forbidden guard and the allowed set. The forbidden guard runs first and
// does not depend on set membership.
func CheckSymbol(symbol string) (string, error) {
	s, err := NormalizeSymbol(symbol)
	if err != nil {
		return "", err
	}
	if s == ForbiddenSymbol {
		return "", fmt.Errorf("%w: %s", ErrForbiddenSymbol, s)
	}
	if _, ok := allowedSymbols[s]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, s)
	}
	return s, nil
}
