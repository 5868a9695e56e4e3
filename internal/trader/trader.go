// Package trader runs the two independently-scheduled loops that drive the
// position lifecycle: the critical-priority position monitor and the
// normal-priority opportunity consumer. The trader enforces the startup
// stagger (monitor first, consumer only after the monitor's first cycle)
// and the shutdown ordering (consumer first, then monitor), each with a
// bounded wait.
package trader

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/loureed691/RAD-sub002/internal/position"
	"github.com/loureed691/RAD-sub002/internal/store"
)

// Config tunes loop orchestration.
type Config struct {
	// MonitorFirstCycleWait bounds how long the consumer start waits on
	// the monitor's first cycle.
	MonitorFirstCycleWait time.Duration `json:"monitor_first_cycle_wait"`

	// ShutdownTimeout bounds the wait for each loop on Stop.
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DefaultConfig returns standard orchestration timing.
func DefaultConfig() Config {
	return Config{
		MonitorFirstCycleWait: 30 * time.Second,
		ShutdownTimeout:       5 * time.Second,
	}
}

// Trader owns both loops.
type Trader struct {
	monitor   *Monitor
	consumer  *Consumer
	registry  *position.Registry
	snapshots *store.SnapshotStore
	logger    zerolog.Logger
	cfg       Config

	cancelMonitor  context.CancelFunc
	cancelConsumer context.CancelFunc
	monitorDone    chan struct{}
	consumerDone   chan struct{}
}

// New builds a trader.
func New(monitor *Monitor, consumer *Consumer, registry *position.Registry, snapshots *store.SnapshotStore, logger zerolog.Logger, cfg Config) *Trader {
	def := DefaultConfig()
	if cfg.MonitorFirstCycleWait <= 0 {
		cfg.MonitorFirstCycleWait = def.MonitorFirstCycleWait
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	return &Trader{
		monitor:      monitor,
		consumer:     consumer,
		registry:     registry,
		snapshots:    snapshots,
		logger:       logger.With().Str("component", "Trader").Logger(),
		cfg:          cfg,
		monitorDone:  make(chan struct{}),
		consumerDone: make(chan struct{}),
	}
}

// Start restores the snapshot hint, then starts the monitor, waits for its
// first cycle, and only then starts the consumer. The monitor's first cycle
// reconciles against the exchange, so by the time the consumer runs, the
// snapshot hint has already been corrected by remote truth.
func (t *Trader) Start(ctx context.Context) {
	t.restore(ctx)

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	t.cancelMonitor = cancelMonitor
	go func() {
		defer close(t.monitorDone)
		t.monitor.Run(monitorCtx)
	}()

	select {
	case <-t.monitor.FirstCycle():
	case <-time.After(t.cfg.MonitorFirstCycleWait):
		t.logger.Warn().Msg("Monitor first cycle still pending, starting consumer anyway")
	case <-ctx.Done():
		return
	}

	consumerCtx, cancelConsumer := context.WithCancel(ctx)
	t.cancelConsumer = cancelConsumer
	go func() {
		defer close(t.consumerDone)
		t.consumer.Run(consumerCtx)
	}()

	t.logger.Info().Msg("Trader started")
}

// Stop shuts the loops down in order: consumer first, then monitor. Each
// loop gets the stop signal and a bounded wait during which its context
// stays alive, so in-flight gateway calls (including a close mid-retry)
// finish; only when the wait expires is the loop's context cancelled.
func (t *Trader) Stop() {
	t.logger.Info().Msg("Trader stopping")

	if t.cancelConsumer != nil {
		t.consumer.Stop()
		t.awaitLoop(t.consumerDone, t.cancelConsumer, "consumer")
	}
	if t.cancelMonitor != nil {
		t.monitor.Stop()
		t.awaitLoop(t.monitorDone, t.cancelMonitor, "monitor")
	}

	t.logger.Info().Msg("Trader stopped")
}

func (t *Trader) awaitLoop(done <-chan struct{}, cancel context.CancelFunc, name string) {
	select {
	case <-done:
	case <-time.After(t.cfg.ShutdownTimeout):
		t.logger.Warn().Str("loop", name).Dur("timeout", t.cfg.ShutdownTimeout).Msg("Loop still running after timeout, cancelling its context")
	}
	cancel()
}

// restore loads the snapshot hint into the registry. Reconciliation on the
// monitor's first cycle is the authoritative recovery path; this only
// preserves adaptive exit state (peaks, locks, scale-out history) across a
// restart for positions that turn out to still be open.
func (t *Trader) restore(ctx context.Context) {
	if t.snapshots == nil {
		return
	}
	positions, err := t.snapshots.Load(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Snapshot restore failed, relying on reconciliation")
		return
	}
	restored := 0
	for _, p := range positions {
		if p.State != position.StateOpen {
			continue
		}
		if err := t.registry.Add(p); err == nil {
			restored++
		}
	}
	if restored > 0 {
		t.logger.Info().Int("count", restored).Msg("Restored positions from snapshot, pending reconciliation")
	}
}
