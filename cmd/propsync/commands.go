package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/spaceya/propsync/internal/appstate"
	"github.com/spaceya/propsync/internal/format"
	"github.com/spaceya/propsync/internal/localcache"
	"github.com/spaceya/propsync/internal/mutate"
	"github.com/spaceya/propsync/internal/statesync"
)

// runShow prints a summary of the local cache without contacting the
// remote store.
func runShow(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("propsync show", flag.ContinueOnError)
	common := bindCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load(fs)
	if err != nil {
		return err
	}
	state, err := localcache.NewFile(cfg.Cache.Dir, localcache.Options{}).Read()
	if err != nil {
		return err
	}
	return printSummary(stdout, state)
}

func printSummary(stdout io.Writer, state appstate.AppState) error {
	settings := state.Settings
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)

	signedIn := format.Placeholder
	if u := state.CurrentUser; u != nil {
		signedIn = fmt.Sprintf("%s (%s, %s)", u.Name, u.DisplayID, u.Role)
	}
	available := 0
	for _, p := range state.Properties {
		if p.Status == appstate.PropertyAvailable {
			available++
		}
	}
	var open []appstate.MaintenanceTicket
	for _, t := range state.Tickets {
		if t.Status == appstate.TicketOpen || t.Status == appstate.TicketInProgress {
			open = append(open, t)
		}
	}
	unread := 0
	for _, n := range state.Notifications {
		if !n.IsRead && (state.CurrentUser == nil || n.UserID == state.CurrentUser.ID) {
			unread++
		}
	}
	var paid, verified float64
	for _, p := range state.Payments {
		paid += p.Amount
		if p.IsVerified {
			verified += p.Amount
		}
	}

	fmt.Fprintf(w, "theme\t%s\n", state.Theme)
	fmt.Fprintf(w, "signed in\t%s\n", signedIn)
	fmt.Fprintf(w, "users\t%d\n", len(state.Users))
	fmt.Fprintf(w, "properties\t%d (%d available)\n", len(state.Properties), available)
	fmt.Fprintf(w, "agreements\t%d\n", len(state.Agreements))
	fmt.Fprintf(w, "applications\t%d\n", len(state.Applications))
	fmt.Fprintf(w, "open tickets\t%d\n", len(open))
	fmt.Fprintf(w, "unread notifications\t%d\n", unread)
	fmt.Fprintf(w, "payments\t%s (%s verified)\n", format.Currency(paid, settings), format.Currency(verified, settings))
	for _, t := range open {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", t.ID, t.Priority, format.Date(t.CreatedAt, settings), t.Issue)
	}
	return w.Flush()
}

func runSaveUser(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("propsync save-user", flag.ContinueOnError)
	common := bindCommon(fs)
	id := fs.String("id", "", "user id; a new id is generated when empty")
	name := fs.String("name", "", "full name")
	email := fs.String("email", "", "email address")
	phone := fs.String("phone", "", "phone number")
	role := fs.String("role", string(appstate.RoleTenant), "admin, agent or tenant")
	if err := fs.Parse(args); err != nil {
		return err
	}
	userRole, err := parseRole(*role)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*name) == "" || strings.TrimSpace(*email) == "" {
		return errors.New("--name and --email are required")
	}
	userID := strings.TrimSpace(*id)
	if userID == "" {
		userID = uuid.NewString()
	}
	cfg, err := common.load(fs)
	if err != nil {
		return err
	}
	a, err := openAgent(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	pending, err := a.engine.SaveUser(appstate.User{
		ID:        userID,
		Name:      strings.TrimSpace(*name),
		Email:     strings.TrimSpace(*email),
		Phone:     strings.TrimSpace(*phone),
		Role:      userRole,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	state, err := a.engine.Read()
	if err != nil {
		return err
	}
	if i := state.FindUser(userID); i >= 0 {
		fmt.Fprintf(stdout, "saved user %s as %s\n", userID, state.Users[i].DisplayID)
	}
	return reportWrite(ctx, stdout, a, pending, common.wait)
}

func runTicket(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("propsync ticket", flag.ContinueOnError)
	common := bindCommon(fs)
	property := fs.String("property", "", "property id")
	issue := fs.String("issue", "", "short description of the problem")
	description := fs.String("description", "", "details")
	priority := fs.String("priority", string(appstate.PriorityMedium), "High, Medium or Low")
	tenant := fs.String("tenant", "", "tenant id; defaults to the signed-in user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ticketPriority, err := parsePriority(*priority)
	if err != nil {
		return err
	}
	cfg, err := common.load(fs)
	if err != nil {
		return err
	}
	a, err := openAgent(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	state, err := a.engine.Read()
	if err != nil {
		return err
	}
	tenantID := strings.TrimSpace(*tenant)
	if tenantID == "" && state.CurrentUser != nil {
		tenantID = state.CurrentUser.ID
	}
	next, ticket, err := mutate.CreateTicket(state, mutate.TicketInput{
		PropertyID:  strings.TrimSpace(*property),
		TenantID:    tenantID,
		Issue:       strings.TrimSpace(*issue),
		Description: strings.TrimSpace(*description),
		Priority:    ticketPriority,
	}, time.Now())
	if err != nil {
		return err
	}
	pending, err := a.engine.WriteFields(next, appstate.FieldTickets, appstate.FieldNotifications)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "filed ticket %s\n", ticket.ID)
	return reportWrite(ctx, stdout, a, pending, common.wait)
}

func runTheme(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("propsync theme", flag.ContinueOnError)
	common := bindCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	mode := "toggle"
	if fs.NArg() > 0 {
		mode = strings.ToLower(strings.TrimSpace(fs.Arg(0)))
	}
	if mode != "toggle" && mode != string(appstate.ThemeLight) && mode != string(appstate.ThemeDark) {
		return fmt.Errorf("unknown theme %q: want light, dark or toggle", mode)
	}
	cfg, err := common.load(fs)
	if err != nil {
		return err
	}
	a, err := openAgent(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	state, err := a.engine.Read()
	if err != nil {
		return err
	}
	next := mutate.ToggleTheme(state)
	if mode != "toggle" {
		next = appstate.Clone(state)
		next.Theme = appstate.Theme(mode)
	}
	pending, err := a.engine.WriteFields(next, appstate.FieldTheme)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "theme: %s\n", next.Theme)
	return reportWrite(ctx, stdout, a, pending, common.wait)
}

// reportWrite waits up to wait for the remote outcome of a write. The local
// change stands whatever the outcome.
func reportWrite(ctx context.Context, stdout io.Writer, a *agent, pending *statesync.PendingWrite, wait time.Duration) error {
	if wait <= 0 {
		_, err := fmt.Fprintf(stdout, "queued; %d pending\n", a.engine.Pending())
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ack, err := pending.Wait(waitCtx)
	switch {
	case err == nil:
		_, err = fmt.Fprintf(stdout, "acknowledged at revision %d\n", ack.Revision)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		_, err = fmt.Fprintf(stdout, "queued; %d pending\n", a.engine.Pending())
	default:
		_, err = fmt.Fprintf(stdout, "remote write failed: %v\n", err)
	}
	return err
}

func parseRole(value string) (appstate.UserRole, error) {
	switch role := appstate.UserRole(strings.ToLower(strings.TrimSpace(value))); role {
	case appstate.RoleAdmin, appstate.RoleAgent, appstate.RoleTenant:
		return role, nil
	default:
		return "", fmt.Errorf("unknown role %q: want admin, agent or tenant", value)
	}
}

func parsePriority(value string) (appstate.TicketPriority, error) {
	for _, p := range []appstate.TicketPriority{appstate.PriorityHigh, appstate.PriorityMedium, appstate.PriorityLow} {
		if strings.EqualFold(strings.TrimSpace(value), string(p)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown priority %q: want High, Medium or Low", value)
}
