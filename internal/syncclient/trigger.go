package syncclient

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/protocol"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Syncer runs one sync cycle.
type Syncer interface {
	Sync(ctx context.Context) (CycleReport, error)
}

// TriggerConfig wires a Trigger. Monitor and Events are optional sources.
type TriggerConfig struct {
	Engine   Syncer
	Interval time.Duration
	Monitor  *ProbeMonitor
	Events   *EventListener
	Backoff  func() retry.Backoff
	OnCycle  func(CycleReport, error)
	Logger   *zap.Logger
}

// Trigger invokes the engine from a periodic ticker, connectivity transitions, server push
// events, and deferred retries after transient failures. Requests arriving while a cycle runs
// coalesce into one follow-up cycle.
type Trigger struct {
	engine   Syncer
	interval time.Duration
	monitor  *ProbeMonitor
	events   *EventListener
	backoff  func() retry.Backoff
	onCycle  func(CycleReport, error)
	logger   *zap.Logger

	requests chan struct{}
	cursor   atomic.Int64
}

// NewTrigger builds a Trigger.
func NewTrigger(cfg TriggerConfig) (*Trigger, error) {
	if cfg.Engine == nil {
		return nil, errors.New("syncclient: engine is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = func() retry.Backoff { return NewBackoff(2*time.Second, 5*time.Minute) }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{
		engine:   cfg.Engine,
		interval: interval,
		monitor:  cfg.Monitor,
		events:   cfg.Events,
		backoff:  backoff,
		onCycle:  cfg.OnCycle,
		logger:   logger,
		requests: make(chan struct{}, 1),
	}, nil
}

// Request asks for a sync cycle without blocking.
func (t *Trigger) Request() {
	select {
	case t.requests <- struct{}{}:
	default:
	}
}

// Reauthenticated requests a cycle once fresh credentials are available. Cycles refused for
// credentials leave the trigger running; the next request retries them.
func (t *Trigger) Reauthenticated() {
	t.Request()
}

// Run drives the engine until ctx is done. Refused credentials do not stop it.
func (t *Trigger) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return t.runTicker(groupCtx)
	})
	if t.monitor != nil {
		group.Go(func() error {
			return t.monitor.Run(groupCtx)
		})
		group.Go(func() error {
			return t.watchConnectivity(groupCtx)
		})
	}
	if t.events != nil {
		group.Go(func() error {
			return t.events.Run(groupCtx, t.handleEvent)
		})
	}
	group.Go(func() error {
		return t.runCycles(groupCtx)
	})

	t.Request()
	err := group.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (t *Trigger) runTicker(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Request()
		}
	}
}

func (t *Trigger) watchConnectivity(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case online := <-t.monitor.Changes():
			if online {
				t.Request()
			}
		}
	}
}

// handleEvent requests a cycle when the server reports versions the client has not pulled.
func (t *Trigger) handleEvent(event protocol.ChangefeedEvent) {
	switch event.Type {
	case protocol.EventChangefeedAdvanced:
		t.Request()
	case protocol.EventHeartbeat:
		if event.ServerVersion > t.cursor.Load() {
			t.Request()
		}
	}
}

func (t *Trigger) runCycles(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.requests:
		}
		if err := t.cycleWithRetry(ctx); err != nil {
			return err
		}
	}
}

// cycleWithRetry runs a cycle, retrying transient failures with backoff. Other failures are
// reported and wait for the next request.
func (t *Trigger) cycleWithRetry(ctx context.Context) error {
	err := retry.Do(ctx, t.backoff(), func(ctx context.Context) error {
		report, err := t.engine.Sync(ctx)
		if t.onCycle != nil && !errors.Is(err, ErrSyncInProgress) {
			t.onCycle(report, err)
		}
		switch {
		case err == nil:
			t.cursor.Store(report.Cursor)
			return nil
		case errors.Is(err, ErrTransient):
			t.logger.Debug("sync deferred", zap.Error(err))
			return retry.RetryableError(err)
		default:
			return err
		}
	})
	switch {
	case err == nil, ctx.Err() != nil:
		return nil
	case errors.Is(err, ErrUnauthorized):
		t.logger.Warn("sync refused credentials, waiting for the next request", zap.Error(err))
		return nil
	case errors.Is(err, ErrOffline), errors.Is(err, ErrSyncInProgress):
		return nil
	default:
		t.logger.Warn("sync cycle failed", zap.Error(err))
		return nil
	}
}
