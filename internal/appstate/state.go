// Package appstate defines the single shared application document and the
// pure operations used to read, merge and mutate it.
package appstate

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

type UserRole string

const (
	RoleAdmin  UserRole = "admin"
	RoleAgent  UserRole = "agent"
	RoleTenant UserRole = "tenant"
)

type PropertyStatus string

const (
	PropertyAvailable        PropertyStatus = "Available"
	PropertyOccupied         PropertyStatus = "Occupied"
	PropertyUnderMaintenance PropertyStatus = "Under Maintenance"
)

type TicketStatus string

const (
	TicketOpen       TicketStatus = "Open"
	TicketInProgress TicketStatus = "In Progress"
	TicketResolved   TicketStatus = "Resolved"
	TicketClosed     TicketStatus = "Closed"
)

type TicketPriority string

const (
	PriorityHigh   TicketPriority = "High"
	PriorityMedium TicketPriority = "Medium"
	PriorityLow    TicketPriority = "Low"
)

type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "Pending"
	ApplicationApproved ApplicationStatus = "Approved"
	ApplicationRejected ApplicationStatus = "Rejected"
)

type NotificationType string

const (
	NotificationPayment     NotificationType = "payment"
	NotificationMaintenance NotificationType = "maintenance"
	NotificationApplication NotificationType = "application"
	NotificationGeneral     NotificationType = "general"
)

type User struct {
	ID                 string   `json:"id"`
	DisplayID          string   `json:"displayId,omitempty"`
	Name               string   `json:"name"`
	Email              string   `json:"email"`
	Phone              string   `json:"phone,omitempty"`
	Role               UserRole `json:"role"`
	AgentID            string   `json:"agentId,omitempty"`
	AssignedPropertyID string   `json:"assignedPropertyId,omitempty"`
	ProfilePictureURL  string   `json:"profilePictureUrl,omitempty"`
	CreatedAt          string   `json:"createdAt,omitempty"`
	UpdatedAt          string   `json:"updatedAt,omitempty"`
}

type Property struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Address        string         `json:"address"`
	Type           string         `json:"type,omitempty"`
	UnitCount      int            `json:"unitCount,omitempty"`
	AgentID        string         `json:"agentId"`
	ImageURL       string         `json:"imageUrl,omitempty"`
	Status         PropertyStatus `json:"status,omitempty"`
	TenantID       string         `json:"tenantId,omitempty"`
	RentAmount     float64        `json:"rentAmount,omitempty"`
	RentStartDate  string         `json:"rentStartDate,omitempty"`
	RentExpiryDate string         `json:"rentExpiryDate,omitempty"`
}

type Agreement struct {
	ID          string  `json:"id"`
	PropertyID  string  `json:"propertyId"`
	TenantID    string  `json:"tenantId"`
	StartDate   string  `json:"startDate"`
	EndDate     string  `json:"endDate"`
	RentAmount  float64 `json:"rentAmount"`
	DocumentURL string  `json:"documentUrl,omitempty"`
	Version     int     `json:"version,omitempty"`
	Status      string  `json:"status,omitempty"`
}

type Payment struct {
	ID          string  `json:"id"`
	AgreementID string  `json:"agreementId"`
	Amount      float64 `json:"amount"`
	PaymentDate string  `json:"paymentDate"`
	IsVerified  bool    `json:"isVerified"`
}

type MaintenanceTicket struct {
	ID                string         `json:"id"`
	PropertyID        string         `json:"propertyId"`
	TenantID          string         `json:"tenantId"`
	Issue             string         `json:"issue"`
	Description       string         `json:"description,omitempty"`
	Status            TicketStatus   `json:"status"`
	Priority          TicketPriority `json:"priority,omitempty"`
	CreatedAt         string         `json:"createdAt"`
	UpdatedAt         string         `json:"updatedAt,omitempty"`
	ResolutionDetails string         `json:"resolutionDetails,omitempty"`
}

type Notification struct {
	ID              string           `json:"id"`
	UserID          string           `json:"userId"`
	Title           string           `json:"title,omitempty"`
	Message         string           `json:"message"`
	Type            NotificationType `json:"type"`
	IsRead          bool             `json:"isRead"`
	CreatedAt       string           `json:"createdAt"`
	RelatedEntityID string           `json:"relatedEntityId,omitempty"`
	LinkTo          string           `json:"linkTo,omitempty"`
}

type TenantApplication struct {
	ID          string            `json:"id"`
	PropertyID  string            `json:"propertyId"`
	AgentID     string            `json:"agentId"`
	UserID      string            `json:"userId,omitempty"`
	Name        string            `json:"name"`
	Email       string            `json:"email"`
	Phone       string            `json:"phone,omitempty"`
	Message     string            `json:"message,omitempty"`
	Status      ApplicationStatus `json:"status"`
	SubmittedAt string            `json:"submittedAt"`
	FormData    map[string]string `json:"formData,omitempty"`
}

type FormField struct {
	ID       string   `json:"id"`
	Key      string   `json:"key"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required"`
}

type FormSection struct {
	ID     string      `json:"id"`
	Title  string      `json:"title"`
	Icon   string      `json:"icon,omitempty"`
	Fields []FormField `json:"fields"`
}

type FormTemplate struct {
	AgentID     string        `json:"agentId"`
	LastUpdated string        `json:"lastUpdated"`
	Sections    []FormSection `json:"sections"`
}

// AppState is the whole shared document. Every top-level field is merged
// independently by the remote store.
type AppState struct {
	CurrentUser   *User               `json:"currentUser"`
	Users         []User              `json:"users"`
	Properties    []Property          `json:"properties"`
	Agreements    []Agreement         `json:"agreements"`
	Payments      []Payment           `json:"payments"`
	Tickets       []MaintenanceTicket `json:"tickets"`
	Notifications []Notification      `json:"notifications"`
	Applications  []TenantApplication `json:"applications"`
	FormTemplates []FormTemplate      `json:"formTemplates"`
	Theme         Theme               `json:"theme"`
	Settings      Settings            `json:"settings"`
}

// Initial returns the document used when nothing has been stored yet.
func Initial() AppState {
	return AppState{
		Users:         []User{},
		Properties:    []Property{},
		Agreements:    []Agreement{},
		Payments:      []Payment{},
		Tickets:       []MaintenanceTicket{},
		Notifications: []Notification{},
		Applications:  []TenantApplication{},
		FormTemplates: []FormTemplate{},
		Theme:         ThemeDark,
		Settings:      DefaultSettings(),
	}
}

// Decode parses a stored document and backfills anything an older writer
// left out. It returns the names of the backfilled top-level fields.
func Decode(data []byte) (AppState, []string, error) {
	var present map[string]json.RawMessage
	if err := json.Unmarshal(data, &present); err != nil {
		return AppState{}, nil, fmt.Errorf("decode app state: %w", err)
	}
	state := AppState{Settings: DefaultSettings()}
	if err := json.Unmarshal(data, &state); err != nil {
		return AppState{}, nil, fmt.Errorf("decode app state: %w", err)
	}
	var backfilled []string
	for _, name := range []string{FieldSettings, FieldFormTemplates} {
		if raw, ok := present[name]; !ok || string(raw) == "null" {
			backfilled = append(backfilled, name)
		}
	}
	for _, name := range Normalize(&state) {
		if !slices.Contains(backfilled, name) {
			backfilled = append(backfilled, name)
		}
	}
	return state, backfilled, nil
}

// Normalize fills nil collections, an empty theme and empty settings values
// with their defaults. Fields that already hold a value are left alone.
func Normalize(state *AppState) []string {
	var filled []string
	fill := func(name string, missing bool, apply func()) {
		if missing {
			apply()
			filled = append(filled, name)
		}
	}
	fill(FieldUsers, state.Users == nil, func() { state.Users = []User{} })
	fill(FieldProperties, state.Properties == nil, func() { state.Properties = []Property{} })
	fill(FieldAgreements, state.Agreements == nil, func() { state.Agreements = []Agreement{} })
	fill(FieldPayments, state.Payments == nil, func() { state.Payments = []Payment{} })
	fill(FieldTickets, state.Tickets == nil, func() { state.Tickets = []MaintenanceTicket{} })
	fill(FieldNotifications, state.Notifications == nil, func() { state.Notifications = []Notification{} })
	fill(FieldApplications, state.Applications == nil, func() { state.Applications = []TenantApplication{} })
	fill(FieldFormTemplates, state.FormTemplates == nil, func() { state.FormTemplates = []FormTemplate{} })
	fill(FieldTheme, state.Theme != ThemeLight && state.Theme != ThemeDark, func() { state.Theme = ThemeDark })
	fill(FieldSettings, state.Settings.backfill(), func() {})
	return filled
}

// Clone returns a deep copy that shares no slices, maps or pointers with s.
func Clone(s AppState) AppState {
	out := s
	if s.CurrentUser != nil {
		user := *s.CurrentUser
		out.CurrentUser = &user
	}
	out.Users = slices.Clone(s.Users)
	out.Properties = slices.Clone(s.Properties)
	out.Agreements = slices.Clone(s.Agreements)
	out.Payments = slices.Clone(s.Payments)
	out.Tickets = slices.Clone(s.Tickets)
	out.Notifications = slices.Clone(s.Notifications)
	out.Applications = slices.Clone(s.Applications)
	for i := range out.Applications {
		out.Applications[i].FormData = maps.Clone(out.Applications[i].FormData)
	}
	out.FormTemplates = slices.Clone(s.FormTemplates)
	for i := range out.FormTemplates {
		sections := slices.Clone(out.FormTemplates[i].Sections)
		for j := range sections {
			sections[j].Fields = slices.Clone(sections[j].Fields)
			for k := range sections[j].Fields {
				sections[j].Fields[k].Options = slices.Clone(sections[j].Fields[k].Options)
			}
		}
		out.FormTemplates[i].Sections = sections
	}
	return out
}

// FindUser returns the index of the user with id, or -1.
func (s AppState) FindUser(id string) int {
	return slices.IndexFunc(s.Users, func(u User) bool { return u.ID == id })
}

func (s AppState) FindProperty(id string) int {
	return slices.IndexFunc(s.Properties, func(p Property) bool { return p.ID == id })
}
