package symbol

// BinanceConverter maps broker CFD names onto Binance USDT-margined futures
// contracts, e.g. BTCUSD -> BTCUSDT, XAUUSD -> XAUUSDT.
type BinanceConverter struct{}

func (BinanceConverter) ToExchange(brokerSymbol string) string {
	sym := Parse(brokerSymbol)
	if sym.Base == "" {
		return Canonical(brokerSymbol)
	}
	if sym.Quote == "USD" {
		sym.Quote = "USDT"
	}
	return sym.Binance()
}

var Binance = BinanceConverter{}
