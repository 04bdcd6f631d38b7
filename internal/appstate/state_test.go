package appstate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialDocument(t *testing.T) {
	s := Initial()
	assert.Nil(t, s.CurrentUser)
	assert.Equal(t, ThemeDark, s.Theme)
	assert.Equal(t, DefaultSettings(), s.Settings)
	assert.NotNil(t, s.Users)
	assert.Empty(t, s.Tickets)
	assert.NotNil(t, s.FormTemplates)
}

func TestDecodeBackfillsMissingSettingsAndTemplates(t *testing.T) {
	raw := `{"currentUser":null,"users":[{"id":"u1","name":"Ada","email":"ada@example.com","role":"agent","displayId":"AGT-ABC123"}],"theme":"light","tickets":[{"id":"t1","propertyId":"p1","tenantId":"u2","issue":"Leak","status":"Open","createdAt":"2024-01-01"}]}`

	state, backfilled, err := Decode([]byte(raw))
	require.NoError(t, err)

	assert.Contains(t, backfilled, FieldSettings)
	assert.Contains(t, backfilled, FieldFormTemplates)
	assert.Equal(t, DefaultSettings(), state.Settings)
	assert.NotNil(t, state.FormTemplates)
	assert.Empty(t, state.FormTemplates)

	assert.Equal(t, ThemeLight, state.Theme)
	require.Len(t, state.Users, 1)
	assert.Equal(t, "AGT-ABC123", state.Users[0].DisplayID)
	require.Len(t, state.Tickets, 1)
	assert.Equal(t, TicketOpen, state.Tickets[0].Status)
}

func TestDecodeMergesPartialSettingsOverDefaults(t *testing.T) {
	raw := `{"settings":{"localization":{"currency":"USD"},"notifications":{"email":false,"push":true,"maintenance":true,"payments":true}}}`

	state, backfilled, err := Decode([]byte(raw))
	require.NoError(t, err)

	assert.NotContains(t, backfilled, FieldSettings)
	assert.Equal(t, CurrencyUSD, state.Settings.Localization.Currency)
	assert.Equal(t, DateDayFirst, state.Settings.Localization.DateFormat)
	assert.False(t, state.Settings.Notifications.Email)
	assert.Equal(t, "comfortable", state.Settings.Appearance.Density)
	assert.True(t, state.Settings.Appearance.GlassEffect)
}

func TestDecodeReplacesUnknownEnumeratedSettings(t *testing.T) {
	state, backfilled, err := Decode([]byte(`{"settings":{"localization":{"currency":"GBP","dateFormat":"YYYY"}},"theme":"sepia"}`))
	require.NoError(t, err)
	assert.Equal(t, CurrencyNGN, state.Settings.Localization.Currency)
	assert.Equal(t, DateDayFirst, state.Settings.Localization.DateFormat)
	assert.Equal(t, ThemeDark, state.Theme)
	assert.Contains(t, backfilled, FieldSettings)
	assert.Contains(t, backfilled, FieldTheme)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, err := Decode([]byte(`[1,2,3]`))
	require.Error(t, err)
}

func TestCloneSharesNothing(t *testing.T) {
	s := Initial()
	s.CurrentUser = &User{ID: "u1", Name: "Ada"}
	s.Users = []User{{ID: "u1", Name: "Ada"}}
	s.Applications = []TenantApplication{{ID: "a1", FormData: map[string]string{"income": "100"}}}
	s.FormTemplates = []FormTemplate{{AgentID: "u1", Sections: []FormSection{{ID: "s1", Fields: []FormField{{ID: "f1", Options: []string{"a"}}}}}}}

	c := Clone(s)
	c.CurrentUser.Name = "Grace"
	c.Users[0].Name = "Grace"
	c.Applications[0].FormData["income"] = "0"
	c.FormTemplates[0].Sections[0].Fields[0].Options[0] = "b"

	assert.Equal(t, "Ada", s.CurrentUser.Name)
	assert.Equal(t, "Ada", s.Users[0].Name)
	assert.Equal(t, "100", s.Applications[0].FormData["income"])
	assert.Equal(t, "a", s.FormTemplates[0].Sections[0].Fields[0].Options[0])
}

func TestFieldsOfSelectsNamedFields(t *testing.T) {
	s := Initial()
	s.Tickets = []MaintenanceTicket{{ID: "t1", Status: TicketOpen}}

	patch, err := FieldsOf(s, FieldTickets)
	require.NoError(t, err)
	assert.Equal(t, []string{FieldTickets}, patch.Names())

	var tickets []MaintenanceTicket
	require.NoError(t, json.Unmarshal(patch[FieldTickets], &tickets))
	assert.Equal(t, "t1", tickets[0].ID)

	_, err = FieldsOf(s, "bogus")
	require.ErrorIs(t, err, ErrUnknownField)

	all, err := FieldsOf(s)
	require.NoError(t, err)
	assert.Equal(t, Fields(), all.Names())
}

func TestApplyOnlyTouchesPatchedFields(t *testing.T) {
	base := Initial()
	base.Theme = ThemeLight
	base.Users = []User{{ID: "u1", Role: RoleAgent}}

	patch := Patch{FieldTickets: json.RawMessage(`[{"id":"t9","propertyId":"p1","status":"Open"}]`)}
	merged, err := Apply(base, patch)
	require.NoError(t, err)

	assert.Equal(t, ThemeLight, merged.Theme)
	assert.Equal(t, base.Users, merged.Users)
	require.Len(t, merged.Tickets, 1)
	assert.Equal(t, "t9", merged.Tickets[0].ID)
}

func TestValidatorAcceptsWellFormedPatch(t *testing.T) {
	var v Validator
	s := Initial()
	s.Users = []User{{ID: "u1", DisplayID: "TNT-ABC123", Role: RoleTenant}}
	patch, err := FieldsOf(s)
	require.NoError(t, err)
	require.NoError(t, v.ValidatePatch(patch))
}

func TestValidatorRejectsBadShapes(t *testing.T) {
	var v Validator
	cases := map[string]Patch{
		"unknown field":  {"ledger": json.RawMessage(`[]`)},
		"bad theme":      {FieldTheme: json.RawMessage(`"sepia"`)},
		"bad display id": {FieldUsers: json.RawMessage(`[{"id":"u1","role":"tenant","displayId":"XYZ-1"}]`)},
		"bad status":     {FieldTickets: json.RawMessage(`[{"id":"t1","propertyId":"p1","status":"Done"}]`)},
		"not an array":   {FieldPayments: json.RawMessage(`{"id":"p1"}`)},
	}
	for name, patch := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, v.ValidatePatch(patch), ErrInvalidDocument)
		})
	}
}
