package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/spaceya/propsync/internal/appstate"
	"github.com/spaceya/propsync/internal/statesync"
)

const (
	resubscribeDelay  = 2 * time.Second
	finalFlushTimeout = 10 * time.Second
)

// runSync keeps the cache and the remote document in step until ctx ends.
// Edits other processes make to the cache file are forwarded through this
// agent's outbox.
func runSync(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("propsync sync", flag.ContinueOnError)
	common := bindCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load(fs)
	if err != nil {
		return err
	}
	a, err := openAgent(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	known := &knownState{}
	if state, err := a.engine.Read(); err == nil {
		known.set(state)
	} else {
		logger.Warn().Err(err).Msg("read local cache")
	}

	start := func() (*statesync.SyncHandle, error) {
		return a.engine.StartSync(ctx,
			func(state appstate.AppState) {
				known.set(state)
				logger.Debug().Int("pending", a.engine.Pending()).Msg("remote update applied")
			},
			func(err error) {
				logger.Warn().Err(err).Msg("sync error")
			})
	}
	handle, err := start()
	if err != nil {
		return err
	}

	external, err := a.cache.Watch(ctx)
	if err != nil {
		handle.Stop()
		return fmt.Errorf("watch local cache: %w", err)
	}

	interval := cfg.Outbox.FlushInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	jitter := clampJitterRatio(cfg.Outbox.FlushJitter)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	flushTimer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer flushTimer.Stop()
	var retry <-chan time.Time

	logger.Info().Str("remote", cfg.Remote.Kind).Str("cache", a.cache.Path()).Msg("sync started")
	for {
		var done <-chan struct{}
		if handle != nil {
			done = handle.Done()
		}
		select {
		case <-ctx.Done():
			logger.Info().Msg("sync stopping")
			if handle != nil {
				handle.Stop()
			}
			flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			if err := a.engine.Flush(flushCtx); err != nil {
				logger.Warn().Err(err).Int("pending", a.engine.Pending()).Msg("writes left in the outbox")
			}
			cancel()
			_, err := fmt.Fprintf(stdout, "sync stopped; %d pending\n", a.engine.Pending())
			return err
		case <-done:
			logger.Warn().Err(handle.Err()).Dur("retry_in", resubscribeDelay).Msg("subscription ended")
			handle = nil
			retry = time.After(resubscribeDelay)
		case <-retry:
			retry = nil
			if handle, err = start(); err != nil {
				logger.Warn().Err(err).Msg("resubscribe failed")
				handle = nil
				retry = time.After(resubscribeDelay)
			}
		case state, ok := <-external:
			if !ok {
				external = nil
				continue
			}
			forwardExternal(a, known, state)
		case <-flushTimer.C:
			flushCtx, cancel := context.WithTimeout(ctx, cfg.Remote.Timeout)
			if err := a.engine.Flush(flushCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Debug().Err(err).Int("pending", a.engine.Pending()).Msg("flush incomplete")
			}
			cancel()
			flushTimer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

// forwardExternal sends the fields another process changed in the cache.
func forwardExternal(a *agent, known *knownState, state appstate.AppState) {
	changed, err := changedFields(known.get(), state)
	if err != nil {
		a.logger.Warn().Err(err).Msg("compare external cache edit")
		return
	}
	known.set(state)
	if len(changed) == 0 {
		return
	}
	a.logger.Info().Strs("fields", changed).Msg("forwarding external cache edit")
	if _, err := a.engine.WriteFields(state, changed...); err != nil {
		a.logger.Error().Err(err).Msg("forward external cache edit")
	}
}

// changedFields names the top-level fields whose serialized values differ.
func changedFields(before, after appstate.AppState) ([]string, error) {
	old, err := appstate.FieldsOf(before)
	if err != nil {
		return nil, err
	}
	next, err := appstate.FieldsOf(after)
	if err != nil {
		return nil, err
	}
	var changed []string
	for _, name := range next.Names() {
		if !bytes.Equal(old[name], next[name]) {
			changed = append(changed, name)
		}
	}
	return changed, nil
}

// knownState is the last document this agent saw in the cache.
type knownState struct {
	mu    sync.Mutex
	state appstate.AppState
}

func (k *knownState) get() appstate.AppState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

func (k *knownState) set(state appstate.AppState) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.state = state
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
