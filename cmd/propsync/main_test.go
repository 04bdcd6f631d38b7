package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/spaceya/propsync/internal/appstate"
	"github.com/spaceya/propsync/internal/docstore"
	"github.com/spaceya/propsync/internal/localcache"
	"github.com/spaceya/propsync/internal/outbox"
)

// testEnv points every command at a direct remote backed by a JSON file, so
// the remote document survives from one command to the next.
type testEnv struct {
	dir string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return testEnv{dir: t.TempDir()}
}

func (e testEnv) docsPath() string   { return filepath.Join(e.dir, "docs.json") }
func (e testEnv) outboxPath() string { return filepath.Join(e.dir, "outbox.json") }
func (e testEnv) cacheDir() string   { return filepath.Join(e.dir, "cache") }

func (e testEnv) args(cmd string, extra ...string) []string {
	args := []string{
		cmd,
		"--config", filepath.Join(e.dir, "absent.toml"),
		"--cache-dir", e.cacheDir(),
		"--remote", "direct",
		"--backend", "file://" + e.docsPath(),
		"--outbox", "file://" + e.outboxPath(),
		"--log-level", "error",
	}
	return append(args, extra...)
}

func (e testEnv) run(t *testing.T, cmd string, extra ...string) string {
	t.Helper()
	var out bytes.Buffer
	if err := run(context.Background(), e.args(cmd, extra...), &out); err != nil {
		t.Fatalf("%s: %v", cmd, err)
	}
	return out.String()
}

// remoteField reads a field of the shared document straight from the
// backend file.
func (e testEnv) remoteField(t *testing.T, name string) (string, bool) {
	t.Helper()
	docs, err := docstore.NewJSONFileStateBackend(e.docsPath()).Load()
	if err != nil {
		t.Fatalf("load remote documents: %v", err)
	}
	for _, doc := range docs {
		if doc.Collection == "prop_lifecycle" && doc.ID == "app_state" {
			field, ok := doc.Fields[name]
			return string(field.Value), ok
		}
	}
	return "", false
}

func TestClampJitterRatio(t *testing.T) {
	cases := map[float64]float64{-0.5: 0, 0: 0, 0.3: 0.3, 1: 1, 4: 1}
	for in, want := range cases {
		if got := clampJitterRatio(in); got != want {
			t.Fatalf("clampJitterRatio(%v): expected %v, got %v", in, want, got)
		}
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	cases := []struct {
		jitter float64
		sample float64
		want   time.Duration
	}{
		{jitter: 0, sample: 0.9, want: base},
		{jitter: 0.2, sample: 0, want: 8 * time.Second},
		{jitter: 0.2, sample: 0.5, want: base},
		{jitter: 0.2, sample: 1, want: 12 * time.Second},
		{jitter: 0.2, sample: 7, want: 12 * time.Second},
		{jitter: 1, sample: 0, want: time.Millisecond},
	}
	for _, tc := range cases {
		if got := jitteredIntervalWithSample(base, tc.jitter, tc.sample); got != tc.want {
			t.Fatalf("jitter %v sample %v: expected %s, got %s", tc.jitter, tc.sample, tc.want, got)
		}
	}
	if got := jitteredIntervalWithSample(0, 0.2, 0.5); got != 0 {
		t.Fatalf("expected zero base to stay zero, got %s", got)
	}
}

func TestChangedFields(t *testing.T) {
	before := appstate.Initial()
	after := appstate.Clone(before)
	after.Theme = appstate.ThemeLight
	after.Tickets = append(after.Tickets, appstate.MaintenanceTicket{ID: "t1", PropertyID: "p1", Issue: "Leak", Status: appstate.TicketOpen})

	changed, err := changedFields(before, after)
	if err != nil {
		t.Fatalf("changedFields: %v", err)
	}
	if strings.Join(changed, ",") != "tickets,theme" {
		t.Fatalf("expected tickets and theme, got %v", changed)
	}
	same, err := changedFields(after, appstate.Clone(after))
	if err != nil {
		t.Fatalf("changedFields: %v", err)
	}
	if len(same) != 0 {
		t.Fatalf("expected no changes, got %v", same)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if err := run(context.Background(), nil, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected usage error without a command")
	}
	if err := run(context.Background(), []string{"teleport"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for unknown command")
	}
}

func TestThemeCommandWritesLocallyAndRemotely(t *testing.T) {
	env := newTestEnv(t)
	out := env.run(t, "theme", "light")
	if !strings.Contains(out, "theme: light") || !strings.Contains(out, "acknowledged at revision 1") {
		t.Fatalf("unexpected output: %q", out)
	}
	if value, ok := env.remoteField(t, "theme"); !ok || value != `"light"` {
		t.Fatalf("expected remote theme light, got %q (present=%v)", value, ok)
	}
	if _, ok := env.remoteField(t, "users"); ok {
		t.Fatalf("expected only the theme field to be sent")
	}

	out = env.run(t, "theme")
	if !strings.Contains(out, "theme: dark") {
		t.Fatalf("expected toggle back to dark, got %q", out)
	}
	state, err := localcache.NewFile(env.cacheDir(), localcache.Options{}).Read()
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}
	if state.Theme != appstate.ThemeDark {
		t.Fatalf("expected cached theme dark, got %q", state.Theme)
	}
}

func TestThemeCommandRejectsUnknownTheme(t *testing.T) {
	env := newTestEnv(t)
	if err := run(context.Background(), env.args("theme", "sepia"), &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for unknown theme")
	}
}

func TestSaveUserAssignsDisplayID(t *testing.T) {
	env := newTestEnv(t)
	out := env.run(t, "save-user", "--id", "u-1", "--name", "Ada Obi", "--email", "ada@example.com", "--role", "agent")
	if !regexp.MustCompile(`saved user u-1 as AGT-[A-Z0-9]{6}`).MatchString(out) {
		t.Fatalf("expected an agent display id, got %q", out)
	}
	first := regexp.MustCompile(`AGT-[A-Z0-9]{6}`).FindString(out)

	out = env.run(t, "save-user", "--id", "u-1", "--name", "Ada O.", "--email", "ada@example.com", "--role", "agent")
	if !strings.Contains(out, "as "+first) {
		t.Fatalf("expected the display id %s to be kept, got %q", first, out)
	}
	users, ok := env.remoteField(t, "users")
	if !ok || !strings.Contains(users, `"Ada O."`) || strings.Count(users, `"id":"u-1"`) != 1 {
		t.Fatalf("unexpected remote users: %s", users)
	}
}

func TestSaveUserValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	if err := run(context.Background(), env.args("save-user", "--name", "X", "--email", "x@example.com", "--role", "owner"), &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for unknown role")
	}
	if err := run(context.Background(), env.args("save-user", "--email", "x@example.com"), &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error without a name")
	}
}

func TestTicketCommandAndShow(t *testing.T) {
	env := newTestEnv(t)
	out := env.run(t, "ticket", "--property", "p1", "--issue", "Burst pipe", "--priority", "high", "--tenant", "u-9")
	if !strings.Contains(out, "filed ticket t") {
		t.Fatalf("unexpected output: %q", out)
	}
	tickets, ok := env.remoteField(t, "tickets")
	if !ok || !strings.Contains(tickets, `"Burst pipe"`) || !strings.Contains(tickets, `"High"`) {
		t.Fatalf("unexpected remote tickets: %s", tickets)
	}

	out = env.run(t, "show")
	for _, want := range []string{"open tickets", "Burst pipe", "High", "theme"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in summary:\n%s", want, out)
		}
	}
}

func TestTicketCommandNeedsPropertyAndIssue(t *testing.T) {
	env := newTestEnv(t)
	if err := run(context.Background(), env.args("ticket", "--issue", "Leak"), &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error without a property")
	}
	if err := run(context.Background(), env.args("ticket", "--property", "p1", "--issue", "Leak", "--priority", "urgent"), &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for unknown priority")
	}
}

func TestWriteCommandFallsBackWhenOutboxIsHeld(t *testing.T) {
	env := newTestEnv(t)
	held, err := outbox.NewFileQueue(env.outboxPath(), 8)
	if err != nil {
		t.Fatalf("hold outbox: %v", err)
	}
	defer held.Close()

	out := env.run(t, "theme", "light")
	if !strings.Contains(out, "acknowledged at revision 1") {
		t.Fatalf("expected a direct send without the outbox, got %q", out)
	}
	if held.Depth() != 0 {
		t.Fatalf("expected the held outbox to stay untouched")
	}
}

func TestSyncRefusesHeldOutbox(t *testing.T) {
	env := newTestEnv(t)
	held, err := outbox.NewFileQueue(env.outboxPath(), 8)
	if err != nil {
		t.Fatalf("hold outbox: %v", err)
	}
	defer held.Close()

	err = run(context.Background(), env.args("sync"), &bytes.Buffer{})
	if !errors.Is(err, outbox.ErrQueueLocked) {
		t.Fatalf("expected ErrQueueLocked, got %v", err)
	}
}

func TestSyncSeedsMissingRemoteDocument(t *testing.T) {
	env := newTestEnv(t)
	state := appstate.Initial()
	state.Theme = appstate.ThemeLight
	if err := localcache.NewFile(env.cacheDir(), localcache.Options{}).Write(state); err != nil {
		t.Fatalf("write cache: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, env.args("sync"), &out)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if value, ok := env.remoteField(t, "theme"); ok && value == `"light"` {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("remote document was not seeded from the cache")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, ok := env.remoteField(t, "settings"); !ok {
		t.Fatalf("expected the whole document to be seeded")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("sync returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("sync did not stop")
	}
	if !strings.Contains(out.String(), "sync stopped; 0 pending") {
		t.Fatalf("unexpected sync output: %q", out.String())
	}
}
