package format

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spaceya/propsync/internal/appstate"
)

func settingsWith(currency appstate.Currency, dateFormat appstate.DateFormat) appstate.Settings {
	s := appstate.DefaultSettings()
	s.Localization.Currency = currency
	s.Localization.DateFormat = dateFormat
	return s
}

func TestCurrencyConvertsFromNaira(t *testing.T) {
	cases := []struct {
		name     string
		amount   float64
		currency appstate.Currency
		want     string
	}{
		{"usd", 1_000_000, appstate.CurrencyUSD, "$650.00"},
		{"ngn", 1_000_000, appstate.CurrencyNGN, "NGN\u00a01,000,000"},
		{"eur", 1_000_000, appstate.CurrencyEUR, "€600.00"},
		{"ngn rounds", 2500.6, appstate.CurrencyNGN, "NGN\u00a02,501"},
		{"usd cents", 1234, appstate.CurrencyUSD, "$0.80"},
		{"negative", -2_000_000, appstate.CurrencyUSD, "-$1,300.00"},
		{"zero", 0, appstate.CurrencyEUR, "€0.00"},
		{"unknown falls back", 1500, appstate.Currency("GBP"), "NGN\u00a01,500"},
		{"large ngn", 1e20, appstate.CurrencyNGN, "NGN\u00a0100,000,000,000,000,000,000"},
		{"large usd", 2e15, appstate.CurrencyUSD, "$1,300,000,000,000.00"},
		{"negative rounds to zero", -0.2, appstate.CurrencyNGN, "NGN\u00a00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Currency(tc.amount, settingsWith(tc.currency, appstate.DateDayFirst))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCurrencyRendersNonFiniteAsPlaceholder(t *testing.T) {
	for _, code := range []appstate.Currency{appstate.CurrencyNGN, appstate.CurrencyUSD, appstate.CurrencyEUR} {
		s := settingsWith(code, appstate.DateDayFirst)
		assert.Equal(t, Placeholder, Currency(math.NaN(), s), code)
		assert.Equal(t, Placeholder, Currency(math.Inf(1), s), code)
		assert.Equal(t, Placeholder, Currency(math.Inf(-1), s), code)
	}
}

func TestRateDefaultsToOne(t *testing.T) {
	assert.Equal(t, 0.00065, Rate(appstate.CurrencyUSD))
	assert.Equal(t, 1.0, Rate(appstate.Currency("XYZ")))
}

func TestDateFollowsConfiguredOrder(t *testing.T) {
	dayFirst := settingsWith(appstate.CurrencyNGN, appstate.DateDayFirst)
	monthFirst := settingsWith(appstate.CurrencyNGN, appstate.DateMonthFirst)

	assert.Equal(t, "05/03/2024", Date("2024-03-05", dayFirst))
	assert.Equal(t, "03/05/2024", Date("2024-03-05", monthFirst))
	assert.Equal(t, "31/12/2023", Date("2023-12-31T22:10:00Z", dayFirst))
	assert.Equal(t, "12/31/2023", Date("2023-12-31T22:10:00.123Z", monthFirst))
}

func TestDatePlaceholderAndInvalidInput(t *testing.T) {
	s := appstate.DefaultSettings()
	assert.Equal(t, "---", Date("", s))
	assert.Equal(t, "---", Date("---", s))
	assert.Equal(t, "---", Date("   ", s))
	assert.Equal(t, "next tuesday", Date("next tuesday", s))
	assert.Equal(t, "2024-13-45", Date("2024-13-45", s))
}
