// Package symbol normalizes broker instrument names and resolves pip sizes.
package symbol

import (
	"strings"
)

type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) Internal() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

func (s Symbol) Binance() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

// Canonical upper-cases a broker symbol and drops separators and broker
// suffixes: "eur/usd", "EURUSD.m" and "EURUSD:pro" all become "EURUSD".
func Canonical(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if idx := strings.IndexAny(s, ".:"); idx > 0 {
		s = s[:idx]
	}
	return strings.NewReplacer("/", "", "_", "", "-", "", " ", "").Replace(s)
}

// Equal compares two symbols after canonicalization.
func Equal(a, b string) bool {
	return Canonical(a) == Canonical(b)
}

var cryptoQuotes = []string{"USDT", "BUSD", "USDC", "TUSD"}

func Parse(s string) Symbol {
	raw := strings.ToUpper(strings.TrimSpace(s))
	if raw == "" {
		return Symbol{}
	}
	if parts := strings.SplitN(raw, "/", 2); len(parts) == 2 {
		return Symbol{
			Base:  Canonical(parts[0]),
			Quote: Canonical(parts[1]),
		}
	}
	c := Canonical(raw)
	for _, quote := range cryptoQuotes {
		if strings.HasSuffix(c, quote) && len(c) > len(quote) {
			return Symbol{Base: c[:len(c)-len(quote)], Quote: quote}
		}
	}
	if len(c) == 6 {
		return Symbol{Base: c[:3], Quote: c[3:]}
	}
	return Symbol{}
}
