package usage

import (
	"vpn-usage-engine/internal/ledger"

	"github.com/shopspring/decimal"
)

// ANSI color helpers for console output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

var gib = decimal.NewFromInt(ledger.GiB)

// FormatBytes renders a byte count as gigabytes with two decimals.
func FormatBytes(bytes int64) string {
	return decimal.NewFromInt(bytes).Div(gib).StringFixed(2) + " GB"
}
