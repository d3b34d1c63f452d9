package exchange

import "strings"

// NormalizeSymbol uppercases raw, strips separators, and ensures the quote
// asset appears with an underscore prefix: BTC-USDT -> BTC_USDT.
func NormalizeSymbol(raw, quoteAsset string) string {
	if raw == "" {
		return ""
	}
	qa := strings.ToUpper(quoteAsset)
	s := strings.ToUpper(raw)
	s = strings.NewReplacer("-", "", "_", "", " ", "").Replace(s)
	return strings.Replace(s, qa, "_"+qa, 1)
}

// SideFromOrderSide maps the wire order-side code to a position side.
// 1,4 -> LONG (OpenLong, CloseLong); 2,3 -> SHORT (CloseShort, OpenShort).
func SideFromOrderSide(code int) (string, bool) {
	switch code {
	case 1, 4:
		return "LONG", true
	case 2, 3:
		return "SHORT", true
	default:
		return "", false
	}
}

// SideFromPositionType maps the wire position-type code to a position side.
func SideFromPositionType(code int) (string, bool) {
	switch code {
	case 1:
		return "LONG", true
	case 2:
		return "SHORT", true
	default:
		return "", false
	}
}
