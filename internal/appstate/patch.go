package appstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

const (
	FieldCurrentUser   = "currentUser"
	FieldUsers         = "users"
	FieldProperties    = "properties"
	FieldAgreements    = "agreements"
	FieldPayments      = "payments"
	FieldTickets       = "tickets"
	FieldNotifications = "notifications"
	FieldApplications  = "applications"
	FieldFormTemplates = "formTemplates"
	FieldTheme         = "theme"
	FieldSettings      = "settings"
)

var ErrUnknownField = errors.New("unknown app state field")

// Fields lists every top-level field of the document in a stable order.
func Fields() []string {
	return []string{
		FieldCurrentUser,
		FieldUsers,
		FieldProperties,
		FieldAgreements,
		FieldPayments,
		FieldTickets,
		FieldNotifications,
		FieldApplications,
		FieldFormTemplates,
		FieldTheme,
		FieldSettings,
	}
}

func IsField(name string) bool {
	return slices.Contains(Fields(), name)
}

// Patch is a partial document keyed by top-level field name. Values are the
// serialized field contents, so a Patch never aliases the state it came from.
type Patch map[string]json.RawMessage

// Names returns the patch's field names in document order.
func (p Patch) Names() []string {
	names := make([]string, 0, len(p))
	for _, name := range Fields() {
		if _, ok := p[name]; ok {
			names = append(names, name)
		}
	}
	for name := range p {
		if !IsField(name) {
			names = append(names, name)
		}
	}
	return names
}

func (p Patch) Clone() Patch {
	out := make(Patch, len(p))
	for name, raw := range p {
		out[name] = slices.Clone(raw)
	}
	return out
}

// FieldsOf serializes the named fields of state into a patch. With no names
// it serializes the whole document.
func FieldsOf(state AppState, names ...string) (Patch, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode app state: %w", err)
	}
	var all Patch
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("encode app state: %w", err)
	}
	if len(names) == 0 {
		return all, nil
	}
	out := make(Patch, len(names))
	for _, name := range names {
		raw, ok := all[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
		}
		out[name] = raw
	}
	return out, nil
}

// Apply overlays patch onto state. Fields absent from the patch keep their
// current value.
func Apply(state AppState, patch Patch) (AppState, error) {
	base, err := FieldsOf(state)
	if err != nil {
		return AppState{}, err
	}
	for name, raw := range patch {
		base[name] = raw
	}
	merged, _, err := DecodePatch(base)
	return merged, err
}

// DecodePatch decodes a (possibly partial) patch as a whole document,
// backfilling whatever it lacks.
func DecodePatch(patch Patch) (AppState, []string, error) {
	data, err := json.Marshal(patch)
	if err != nil {
		return AppState{}, nil, fmt.Errorf("encode patch: %w", err)
	}
	return Decode(data)
}
