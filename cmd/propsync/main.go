package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spaceya/propsync/internal/config"
	"github.com/spaceya/propsync/internal/docstore"
	"github.com/spaceya/propsync/internal/httpapi"
	"github.com/spaceya/propsync/internal/localcache"
	"github.com/spaceya/propsync/internal/logging"
	"github.com/spaceya/propsync/internal/outbox"
	"github.com/spaceya/propsync/internal/remote"
	"github.com/spaceya/propsync/internal/statesync"
)

const usage = `usage: propsync <command> [flags]

commands:
  sync        keep the local cache and the remote document in step
  show        print a summary of the local cache
  save-user   insert or replace a user
  ticket      file a maintenance ticket
  theme       set or toggle the theme (light, dark, toggle)`

// outboxOff disables the outbox from the command line.
const outboxOff = "off"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "propsync: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "sync":
		return runSync(ctx, rest, stdout)
	case "show":
		return runShow(rest, stdout)
	case "save-user":
		return runSaveUser(ctx, rest, stdout)
	case "ticket":
		return runTicket(ctx, rest, stdout)
	case "theme":
		return runTheme(ctx, rest, stdout)
	case "help", "-h", "--help":
		_, err := fmt.Fprintln(stdout, usage)
		return err
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

// commonFlags are accepted by every command.
type commonFlags struct {
	configPath      string
	cacheDir        string
	remoteKind      string
	remoteURL       string
	token           string
	backend         string
	outboxDSN       string
	logLevel        string
	detectConflicts bool
	wait            time.Duration
}

func bindCommon(fs *flag.FlagSet) *commonFlags {
	f := &commonFlags{}
	fs.StringVar(&f.configPath, "config", os.Getenv("PROPSYNC_CONFIG"), "config file path")
	fs.StringVar(&f.cacheDir, "cache-dir", "", "local cache directory")
	fs.StringVar(&f.remoteKind, "remote", "", "remote kind: http, surrealdb, direct")
	fs.StringVar(&f.remoteURL, "remote-url", "", "remote server URL")
	fs.StringVar(&f.token, "token", "", "bearer token for the http remote")
	fs.StringVar(&f.backend, "backend", "", "docstore DSN for the direct remote")
	fs.StringVar(&f.outboxDSN, "outbox", "", "outbox DSN, or off")
	fs.StringVar(&f.logLevel, "log-level", "", "log level")
	fs.BoolVar(&f.detectConflicts, "detect-conflicts", false, "make writes conditional on the last seen revisions")
	fs.DurationVar(&f.wait, "wait", 5*time.Second, "how long a write command waits for the remote acknowledgement")
	return f
}

// load reads the config file, then the environment, then the flags that
// were set explicitly.
func (f *commonFlags) load(fs *flag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return config.Config{}, err
	}
	overrideString(&cfg.Cache.Dir, f.cacheDir)
	overrideString(&cfg.Remote.Kind, strings.ToLower(f.remoteKind))
	overrideString(&cfg.Remote.URL, f.remoteURL)
	overrideString(&cfg.Remote.Token, f.token)
	overrideString(&cfg.Remote.Backend, f.backend)
	overrideString(&cfg.Outbox.DSN, f.outboxDSN)
	if strings.EqualFold(cfg.Outbox.DSN, outboxOff) {
		cfg.Outbox.DSN = ""
	}
	overrideString(&cfg.Log.Level, f.logLevel)
	fs.Visit(func(fl *flag.Flag) {
		if fl.Name == "detect-conflicts" {
			cfg.Remote.DetectConflicts = f.detectConflicts
		}
	})
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// agent bundles an engine with everything it was built from, so a command
// can close them in order.
type agent struct {
	cfg    config.Config
	logger *logging.Logger
	cache  *localcache.File
	remote remote.Store
	outbox outbox.Queue
	docs   *docstore.Store
	engine *statesync.Engine
}

// openAgent builds the engine described by cfg. A one-shot command that
// finds the outbox held by a running sync falls back to a single remote
// attempt; the running sync picks the change up from the cache.
func openAgent(ctx context.Context, cfg config.Config, oneShot bool) (a *agent, err error) {
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Path: cfg.Log.Path})
	if err != nil {
		return nil, err
	}
	a = &agent{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	a.cache = localcache.NewFile(cfg.Cache.Dir, localcache.Options{
		Logger: logger.With().Str("component", "localcache").Logger(),
	})
	if a.remote, err = a.openRemote(ctx); err != nil {
		return a, fmt.Errorf("open remote: %w", err)
	}

	a.outbox, err = outbox.BuildQueueFromDSN(cfg.Outbox.DSN, cfg.Outbox.Capacity)
	if errors.Is(err, outbox.ErrQueueLocked) {
		if !oneShot {
			return a, fmt.Errorf("another propsync sync is running: %w", err)
		}
		logger.Warn().Err(err).Msg("outbox in use; sending this write once without it")
		a.outbox, err = nil, nil
	}
	if err != nil {
		return a, fmt.Errorf("open outbox: %w", err)
	}

	// A one-shot engine has seen no remote revisions to condition on.
	detectConflicts := cfg.Remote.DetectConflicts && !oneShot
	a.engine, err = statesync.New(statesync.Options{
		Cache:   a.cache,
		Remote:  a.remote,
		Outbox:  a.outbox,
		Logger:  logger.With().Str("component", "statesync").Logger(),
		Metrics: statesync.NewMetrics(nil),
		Backoff: outbox.Backoff{
			Initial:    cfg.Outbox.InitialBackoff,
			Max:        cfg.Outbox.MaxBackoff,
			Multiplier: 2,
			Jitter:     0.2,
		},
		MaxAttempts:     cfg.Outbox.MaxAttempts,
		RemoteTimeout:   cfg.Remote.Timeout,
		DetectConflicts: detectConflicts,
	})
	return a, err
}

func (a *agent) openRemote(ctx context.Context) (remote.Store, error) {
	cfg := a.cfg.Remote
	switch cfg.Kind {
	case config.RemoteHTTP:
		client := remote.NewHTTPClient(cfg.URL, cfg.Token, &http.Client{Timeout: cfg.Timeout})
		return client.
			WithLogger(a.logger.With().Str("component", "remote").Logger()).
			ForDocument(cfg.Collection, cfg.Document), nil
	case config.RemoteSurrealDB:
		store, err := remote.NewSurrealStore(ctx, remote.SurrealConfig{
			URL:       cfg.SurrealDB.URL,
			Namespace: cfg.SurrealDB.Namespace,
			Database:  cfg.SurrealDB.Database,
			Username:  cfg.SurrealDB.Username,
			Password:  cfg.SurrealDB.Password,
			Table:     cfg.Collection,
			RecordID:  cfg.Document,
			Logger:    a.logger.With().Str("component", "remote").Logger(),
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.RemoteDirect:
		backend, err := docstore.BuildStateBackendFromDSN(cfg.Backend)
		if err != nil {
			return nil, err
		}
		a.docs, err = docstore.NewStoreWithOptions(docstore.StoreOptions{
			Backend:  backend,
			Validate: httpapi.AppStateValidator(remote.DefaultCollection),
			Logger:   a.logger.With().Str("component", "docstore").Logger(),
		})
		if err != nil {
			return nil, err
		}
		return remote.NewDirect(a.docs).ForDocument(cfg.Collection, cfg.Document), nil
	default:
		return nil, fmt.Errorf("unsupported remote kind %q", cfg.Kind)
	}
}

// Close stops the engine, then releases what it was built from.
func (a *agent) Close() error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.outbox != nil {
		errs = append(errs, a.outbox.Close())
	}
	if a.remote != nil {
		errs = append(errs, a.remote.Close())
	}
	if a.docs != nil {
		errs = append(errs, a.docs.Close())
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

func overrideString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}
