// Package mutate holds the domain operations that produce a new app state
// from an old one. Every function is pure: the input state is never
// modified and the caller persists the returned value in a single write.
package mutate

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spaceya/propsync/internal/appstate"
	"github.com/spaceya/propsync/internal/format"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

const leaseAlertWindow = 30 * 24 * time.Hour

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func timestamp(now time.Time) string {
	return now.UTC().Format(time.RFC3339)
}

func notify(state *appstate.AppState, n appstate.Notification, now time.Time) {
	if n.ID == "" {
		n.ID = newID("n")
	}
	if n.CreatedAt == "" {
		n.CreatedAt = timestamp(now)
	}
	state.Notifications = append([]appstate.Notification{n}, state.Notifications...)
}

type TicketInput struct {
	PropertyID  string
	TenantID    string
	Issue       string
	Description string
	Priority    appstate.TicketPriority
}

// CreateTicket files a maintenance ticket and notifies the property's agent
// when the property can be resolved.
func CreateTicket(state appstate.AppState, in TicketInput, now time.Time) (appstate.AppState, appstate.MaintenanceTicket, error) {
	if strings.TrimSpace(in.PropertyID) == "" || strings.TrimSpace(in.Issue) == "" {
		return state, appstate.MaintenanceTicket{}, fmt.Errorf("%w: ticket needs a property and an issue", ErrInvalidInput)
	}
	priority := in.Priority
	if priority == "" {
		priority = appstate.PriorityMedium
	}
	ticket := appstate.MaintenanceTicket{
		ID:          newID("t"),
		PropertyID:  in.PropertyID,
		TenantID:    in.TenantID,
		Issue:       in.Issue,
		Description: in.Description,
		Status:      appstate.TicketOpen,
		Priority:    priority,
		CreatedAt:   timestamp(now),
		UpdatedAt:   timestamp(now),
	}
	next := appstate.Clone(state)
	next.Tickets = append([]appstate.MaintenanceTicket{ticket}, next.Tickets...)
	if i := next.FindProperty(in.PropertyID); i >= 0 && next.Properties[i].AgentID != "" {
		notify(&next, appstate.Notification{
			UserID:          next.Properties[i].AgentID,
			Title:           "Maintenance Request Logged",
			Message:         fmt.Sprintf("A new repair request has been filed for %s.", next.Properties[i].Name),
			Type:            appstate.NotificationMaintenance,
			RelatedEntityID: ticket.ID,
			LinkTo:          "maintenance",
		}, now)
	}
	return next, ticket, nil
}

// UpdateTicketStatus moves a ticket to status and tells its tenant.
func UpdateTicketStatus(state appstate.AppState, ticketID string, status appstate.TicketStatus, resolution string, now time.Time) (appstate.AppState, error) {
	i := slices.IndexFunc(state.Tickets, func(t appstate.MaintenanceTicket) bool { return t.ID == ticketID })
	if i < 0 {
		return state, fmt.Errorf("ticket %q: %w", ticketID, ErrNotFound)
	}
	next := appstate.Clone(state)
	ticket := &next.Tickets[i]
	ticket.Status = status
	ticket.UpdatedAt = timestamp(now)
	if resolution != "" {
		ticket.ResolutionDetails = resolution
	}
	if ticket.TenantID != "" {
		notify(&next, appstate.Notification{
			UserID:          ticket.TenantID,
			Title:           "Maintenance Status Updated",
			Message:         fmt.Sprintf("Your request #%s is now %s.", ticket.ID, status),
			Type:            appstate.NotificationMaintenance,
			RelatedEntityID: ticket.ID,
		}, now)
	}
	return next, nil
}

func MarkNotificationRead(state appstate.AppState, id string) (appstate.AppState, error) {
	i := slices.IndexFunc(state.Notifications, func(n appstate.Notification) bool { return n.ID == id })
	if i < 0 {
		return state, fmt.Errorf("notification %q: %w", id, ErrNotFound)
	}
	next := appstate.Clone(state)
	next.Notifications[i].IsRead = true
	return next, nil
}

// MarkAllNotificationsRead marks every notification addressed to userID.
func MarkAllNotificationsRead(state appstate.AppState, userID string) appstate.AppState {
	next := appstate.Clone(state)
	for i := range next.Notifications {
		if next.Notifications[i].UserID == userID {
			next.Notifications[i].IsRead = true
		}
	}
	return next
}

func DeleteNotification(state appstate.AppState, id string) (appstate.AppState, error) {
	if !slices.ContainsFunc(state.Notifications, func(n appstate.Notification) bool { return n.ID == id }) {
		return state, fmt.Errorf("notification %q: %w", id, ErrNotFound)
	}
	next := appstate.Clone(state)
	next.Notifications = slices.DeleteFunc(next.Notifications, func(n appstate.Notification) bool { return n.ID == id })
	return next, nil
}

type ApplicationInput struct {
	PropertyID string
	UserID     string
	Name       string
	Email      string
	Phone      string
	Message    string
	FormData   map[string]string
}

// SubmitApplication records a pending application against a property and
// notifies the property's agent.
func SubmitApplication(state appstate.AppState, in ApplicationInput, now time.Time) (appstate.AppState, appstate.TenantApplication, error) {
	i := state.FindProperty(in.PropertyID)
	if i < 0 {
		return state, appstate.TenantApplication{}, fmt.Errorf("property %q: %w", in.PropertyID, ErrNotFound)
	}
	property := state.Properties[i]
	app := appstate.TenantApplication{
		ID:          newID("app"),
		PropertyID:  property.ID,
		AgentID:     property.AgentID,
		UserID:      in.UserID,
		Name:        in.Name,
		Email:       in.Email,
		Phone:       in.Phone,
		Message:     in.Message,
		Status:      appstate.ApplicationPending,
		SubmittedAt: timestamp(now),
		FormData:    in.FormData,
	}
	next := appstate.Clone(state)
	next.Applications = append([]appstate.TenantApplication{app}, next.Applications...)
	if property.AgentID != "" {
		notify(&next, appstate.Notification{
			UserID:          property.AgentID,
			Title:           "New Application",
			Message:         fmt.Sprintf("%s applied for %s.", in.Name, property.Name),
			Type:            appstate.NotificationApplication,
			RelatedEntityID: app.ID,
			LinkTo:          "screenings",
		}, now)
	}
	return next, app, nil
}

func UpdateApplicationStatus(state appstate.AppState, appID string, status appstate.ApplicationStatus, now time.Time) (appstate.AppState, error) {
	i := slices.IndexFunc(state.Applications, func(a appstate.TenantApplication) bool { return a.ID == appID })
	if i < 0 {
		return state, fmt.Errorf("application %q: %w", appID, ErrNotFound)
	}
	next := appstate.Clone(state)
	next.Applications[i].Status = status
	if userID := next.Applications[i].UserID; userID != "" {
		notify(&next, appstate.Notification{
			UserID:          userID,
			Title:           "Application Update",
			Message:         fmt.Sprintf("Your application has been marked as %s.", strings.ToLower(string(status))),
			Type:            appstate.NotificationApplication,
			RelatedEntityID: appID,
		}, now)
	}
	return next, nil
}

type Routing struct {
	ApplicationID string
	PropertyID    string
	StartDate     string
	EndDate       string
	RentAmount    float64
}

// RouteApplication moves an applicant into a property in one state value:
// the property becomes occupied, the tenant is assigned to it, the
// application is approved, an agreement is created and the tenant is told.
func RouteApplication(state appstate.AppState, r Routing, now time.Time) (appstate.AppState, appstate.Agreement, error) {
	ai := slices.IndexFunc(state.Applications, func(a appstate.TenantApplication) bool { return a.ID == r.ApplicationID })
	if ai < 0 {
		return state, appstate.Agreement{}, fmt.Errorf("application %q: %w", r.ApplicationID, ErrNotFound)
	}
	pi := state.FindProperty(r.PropertyID)
	if pi < 0 {
		return state, appstate.Agreement{}, fmt.Errorf("property %q: %w", r.PropertyID, ErrNotFound)
	}
	tenantID := state.Applications[ai].UserID
	if tenantID == "" {
		return state, appstate.Agreement{}, fmt.Errorf("%w: application %q has no applicant account", ErrInvalidInput, r.ApplicationID)
	}

	next := appstate.Clone(state)
	property := &next.Properties[pi]
	property.Status = appstate.PropertyOccupied
	property.TenantID = tenantID
	property.RentStartDate = r.StartDate
	property.RentExpiryDate = r.EndDate

	if ui := next.FindUser(tenantID); ui >= 0 {
		next.Users[ui].AssignedPropertyID = property.ID
		next.Users[ui].UpdatedAt = timestamp(now)
	}
	next.Applications[ai].PropertyID = property.ID
	next.Applications[ai].Status = appstate.ApplicationApproved

	rent := r.RentAmount
	if rent == 0 {
		rent = property.RentAmount
	}
	agreement := appstate.Agreement{
		ID:         newID("a"),
		PropertyID: property.ID,
		TenantID:   tenantID,
		StartDate:  r.StartDate,
		EndDate:    r.EndDate,
		RentAmount: rent,
		Version:    1,
		Status:     "active",
	}
	next.Agreements = append(next.Agreements, agreement)
	notify(&next, appstate.Notification{
		UserID:          tenantID,
		Title:           "Tenancy Activated",
		Message:         fmt.Sprintf("Your tenancy for %s has been activated.", property.Name),
		Type:            appstate.NotificationApplication,
		RelatedEntityID: agreement.ID,
		LinkTo:          "dashboard",
	}, now)
	return next, agreement, nil
}

// PublishProperty lists a new property. A missing id is assigned.
func PublishProperty(state appstate.AppState, p appstate.Property) (appstate.AppState, appstate.Property, error) {
	if strings.TrimSpace(p.Name) == "" {
		return state, appstate.Property{}, fmt.Errorf("%w: property name is required", ErrInvalidInput)
	}
	if p.ID == "" {
		p.ID = newID("p")
	} else if state.FindProperty(p.ID) >= 0 {
		return state, appstate.Property{}, fmt.Errorf("%w: property %q already exists", ErrInvalidInput, p.ID)
	}
	if p.Status == "" {
		p.Status = appstate.PropertyAvailable
	}
	next := appstate.Clone(state)
	next.Properties = append([]appstate.Property{p}, next.Properties...)
	return next, p, nil
}

func UpdateProperty(state appstate.AppState, p appstate.Property) (appstate.AppState, error) {
	i := state.FindProperty(p.ID)
	if i < 0 {
		return state, fmt.Errorf("property %q: %w", p.ID, ErrNotFound)
	}
	next := appstate.Clone(state)
	next.Properties[i] = p
	return next, nil
}

// DeleteProperty removes a property. Records that reference it are left in
// place and dangle.
func DeleteProperty(state appstate.AppState, id string) (appstate.AppState, error) {
	if state.FindProperty(id) < 0 {
		return state, fmt.Errorf("property %q: %w", id, ErrNotFound)
	}
	next := appstate.Clone(state)
	next.Properties = slices.DeleteFunc(next.Properties, func(p appstate.Property) bool { return p.ID == id })
	return next, nil
}

func RecordPayment(state appstate.AppState, agreementID string, amount float64, paidOn string) (appstate.AppState, appstate.Payment, error) {
	if !slices.ContainsFunc(state.Agreements, func(a appstate.Agreement) bool { return a.ID == agreementID }) {
		return state, appstate.Payment{}, fmt.Errorf("agreement %q: %w", agreementID, ErrNotFound)
	}
	if amount <= 0 {
		return state, appstate.Payment{}, fmt.Errorf("%w: payment amount must be positive", ErrInvalidInput)
	}
	payment := appstate.Payment{ID: newID("pay"), AgreementID: agreementID, Amount: amount, PaymentDate: paidOn}
	next := appstate.Clone(state)
	next.Payments = append([]appstate.Payment{payment}, next.Payments...)
	return next, payment, nil
}

func VerifyPayment(state appstate.AppState, id string) (appstate.AppState, error) {
	i := slices.IndexFunc(state.Payments, func(p appstate.Payment) bool { return p.ID == id })
	if i < 0 {
		return state, fmt.Errorf("payment %q: %w", id, ErrNotFound)
	}
	next := appstate.Clone(state)
	next.Payments[i].IsVerified = true
	return next, nil
}

// SaveFormTemplate replaces the agent's template or adds it.
func SaveFormTemplate(state appstate.AppState, tpl appstate.FormTemplate, now time.Time) appstate.AppState {
	tpl.LastUpdated = timestamp(now)
	next := appstate.Clone(state)
	i := slices.IndexFunc(next.FormTemplates, func(f appstate.FormTemplate) bool { return f.AgentID == tpl.AgentID })
	if i >= 0 {
		next.FormTemplates[i] = tpl
	} else {
		next.FormTemplates = append(next.FormTemplates, tpl)
	}
	return next
}

// LeaseExpiryAlerts adds one warning per occupied property whose lease ends
// within thirty days. Alerts use a stable id so repeated calls add nothing.
// The second result reports whether anything was added.
func LeaseExpiryAlerts(state appstate.AppState, userID string, now time.Time) (appstate.AppState, bool) {
	next := appstate.Clone(state)
	added := false
	for _, p := range state.Properties {
		if p.Status != appstate.PropertyOccupied || p.RentExpiryDate == "" {
			continue
		}
		expiry, err := time.Parse("2006-01-02", p.RentExpiryDate)
		if err != nil {
			continue
		}
		remaining := expiry.Sub(now)
		if remaining <= 0 || remaining > leaseAlertWindow {
			continue
		}
		id := fmt.Sprintf("n_exp_%s_%s", p.ID, p.RentExpiryDate)
		if slices.ContainsFunc(next.Notifications, func(n appstate.Notification) bool { return n.ID == id }) {
			continue
		}
		days := int(remaining.Hours()/24) + 1
		notify(&next, appstate.Notification{
			ID:              id,
			UserID:          userID,
			Title:           "Lease Expiry Alert",
			Message:         fmt.Sprintf("Lease for %s is expiring in %d days (%s). Review renewal options.", p.Name, days, format.Date(p.RentExpiryDate, state.Settings)),
			Type:            appstate.NotificationGeneral,
			RelatedEntityID: p.ID,
			LinkTo:          "properties",
		}, now)
		added = true
	}
	return next, added
}

func ToggleTheme(state appstate.AppState) appstate.AppState {
	next := appstate.Clone(state)
	if next.Theme == appstate.ThemeDark {
		next.Theme = appstate.ThemeLight
	} else {
		next.Theme = appstate.ThemeDark
	}
	return next
}

func Login(state appstate.AppState, userID string) (appstate.AppState, error) {
	i := state.FindUser(userID)
	if i < 0 {
		return state, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	next := appstate.Clone(state)
	user := next.Users[i]
	next.CurrentUser = &user
	return next, nil
}

func Logout(state appstate.AppState) appstate.AppState {
	next := appstate.Clone(state)
	next.CurrentUser = nil
	return next
}
