// Package format renders amounts and dates according to the user's
// localization settings.
package format

import (
	"math"
	"strings"
	"time"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/spaceya/propsync/internal/appstate"
)

// Placeholder is rendered for missing dates.
const Placeholder = "---"

// Amounts are stored in NGN; these convert to the display currency.
var rates = map[appstate.Currency]float64{
	appstate.CurrencyNGN: 1,
	appstate.CurrencyUSD: 0.00065,
	appstate.CurrencyEUR: 0.0006,
}

// currencyStyle describes how an en-US currency formatter renders a unit.
// ISO-coded units are followed by a no-break space, as Intl does.
type currencyStyle struct {
	unit     currency.Unit
	symbol   currency.Formatter
	sep      string
	decimals int
}

var styles = map[appstate.Currency]currencyStyle{
	appstate.CurrencyNGN: {unit: currency.MustParseISO("NGN"), symbol: currency.ISO, sep: "\u00a0", decimals: 0},
	appstate.CurrencyUSD: {unit: currency.USD, symbol: currency.Symbol, decimals: 2},
	appstate.CurrencyEUR: {unit: currency.EUR, symbol: currency.Symbol, decimals: 2},
}

var printer = message.NewPrinter(language.AmericanEnglish)

// Rate returns the conversion factor from NGN to code. Unknown currencies
// convert at 1.
func Rate(code appstate.Currency) float64 {
	if rate, ok := rates[code]; ok {
		return rate
	}
	return 1
}

// Currency converts amount (in NGN) to the configured currency and renders
// it the way an en-US currency formatter would, e.g. "$650.00" or
// "NGN 1,000,000". NaN and infinite amounts render as the placeholder.
func Currency(amount float64, settings appstate.Settings) string {
	code := settings.Localization.Currency
	style, ok := styles[code]
	if !ok {
		code = appstate.CurrencyNGN
		style = styles[code]
	}
	value := amount * Rate(code)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Placeholder
	}

	var b strings.Builder
	if value < 0 && math.Round(-value*math.Pow10(style.decimals)) != 0 {
		b.WriteByte('-')
	}
	b.WriteString(printer.Sprint(style.symbol(style.unit)))
	b.WriteString(style.sep)
	b.WriteString(printer.Sprint(number.Decimal(math.Abs(value), number.Scale(style.decimals))))
	return b.String()
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Date renders an ISO date as DD/MM/YYYY or MM/DD/YYYY. Empty input and the
// placeholder render as the placeholder; anything unparseable is returned
// unchanged.
func Date(value string, settings appstate.Settings) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || trimmed == Placeholder {
		return Placeholder
	}
	parsed, ok := parseDate(trimmed)
	if !ok {
		return value
	}
	if settings.Localization.DateFormat == appstate.DateMonthFirst {
		return parsed.Format("01/02/2006")
	}
	return parsed.Format("02/01/2006")
}

func parseDate(value string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
