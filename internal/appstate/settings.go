package appstate

type Currency string

const (
	CurrencyNGN Currency = "NGN"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
)

type DateFormat string

const (
	DateDayFirst   DateFormat = "DD/MM/YYYY"
	DateMonthFirst DateFormat = "MM/DD/YYYY"
)

type NotificationSettings struct {
	Email       bool `json:"email"`
	Push        bool `json:"push"`
	Maintenance bool `json:"maintenance"`
	Payments    bool `json:"payments"`
}

type AppearanceSettings struct {
	Density     string `json:"density"`
	Animations  bool   `json:"animations"`
	GlassEffect bool   `json:"glassEffect"`
}

type LocalizationSettings struct {
	Currency   Currency   `json:"currency"`
	DateFormat DateFormat `json:"dateFormat"`
}

type Settings struct {
	Notifications NotificationSettings `json:"notifications"`
	Appearance    AppearanceSettings   `json:"appearance"`
	Localization  LocalizationSettings `json:"localization"`
}

func DefaultSettings() Settings {
	return Settings{
		Notifications: NotificationSettings{Email: true, Push: true, Maintenance: true, Payments: true},
		Appearance:    AppearanceSettings{Density: "comfortable", Animations: true, GlassEffect: true},
		Localization:  LocalizationSettings{Currency: CurrencyNGN, DateFormat: DateDayFirst},
	}
}

// backfill replaces empty or unknown enumerated values with defaults and
// reports whether it changed anything. Booleans carry no "unset" state once
// decoded, so they are only defaulted by Decode when their object is absent.
func (s *Settings) backfill() bool {
	defaults := DefaultSettings()
	changed := false
	if s.Appearance.Density == "" {
		s.Appearance.Density = defaults.Appearance.Density
		changed = true
	}
	switch s.Localization.Currency {
	case CurrencyNGN, CurrencyUSD, CurrencyEUR:
	default:
		s.Localization.Currency = defaults.Localization.Currency
		changed = true
	}
	switch s.Localization.DateFormat {
	case DateDayFirst, DateMonthFirst:
	default:
		s.Localization.DateFormat = defaults.Localization.DateFormat
		changed = true
	}
	return changed
}
