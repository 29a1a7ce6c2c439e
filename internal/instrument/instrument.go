package instrument

import "strings"

// 市场后缀约定:.NS 对应印度 NSE、.BO 对应 BSE,均以 INR 计价;
// 无后缀默认按美股 SMART 路由、USD 计价。
const (
	suffixNSE = ".NS"
	suffixBSE = ".BO"
)

// Instrument 描述一个可交易标的,解析完成后不可变。
type Instrument struct {
	Symbol   string // 完整符号,含市场后缀
	Exchange string
	Currency string
}

// Parse 根据符号后缀推导交易所与币种。
func Parse(symbol string) Instrument {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	switch {
	case strings.HasSuffix(symbol, suffixNSE):
		return Instrument{Symbol: symbol, Exchange: "NSE", Currency: "INR"}
	case strings.HasSuffix(symbol, suffixBSE):
		return Instrument{Symbol: symbol, Exchange: "BSE", Currency: "INR"}
	default:
		return Instrument{Symbol: symbol, Exchange: "SMART", Currency: "USD"}
	}
}

// VenueSymbol 返回剥离市场后缀后的符号,用于向场所提交。
func (i Instrument) VenueSymbol() string {
	if idx := strings.LastIndex(i.Symbol, "."); idx > 0 {
		return i.Symbol[:idx]
	}
	return i.Symbol
}

// Restore 依据场所返回的裸符号恢复完整标识。
// 场所读取路径上所有对外暴露的符号都必须经过该函数。
func Restore(venueSymbol, exchange string) Instrument {
	venueSymbol = strings.ToUpper(strings.TrimSpace(venueSymbol))

	switch strings.ToUpper(exchange) {
	case "NSE":
		return Instrument{Symbol: venueSymbol + suffixNSE, Exchange: "NSE", Currency: "INR"}
	case "BSE":
		return Instrument{Symbol: venueSymbol + suffixBSE, Exchange: "BSE", Currency: "INR"}
	default:
		return Instrument{Symbol: venueSymbol, Exchange: "SMART", Currency: "USD"}
	}
}

func (i Instrument) String() string {
	return i.Symbol
}
