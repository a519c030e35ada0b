// Package watchdog implements the Watchdog: a ticker-driven
// background sweep that cancels conversations that have gone stale.
package watchdog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/turnloop/conductor/internal/config"
	"github.com/turnloop/conductor/internal/lifecycle"
	"github.com/turnloop/conductor/internal/logger"
	"github.com/turnloop/conductor/internal/orchestrator"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// Watchdog periodically sweeps for stalled active conversations and
// cancels them.
type Watchdog struct {
	orch      *orchestrator.Orchestrator
	lifecycle lifecycle.Registry
	log       *logger.Logger

	sweepInterval time.Duration
	staleAfter    time.Duration
	minAge        time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Watchdog from cfg. Zero durations fall back to the
// spec defaults (sweepInterval=30s, staleAfter=10m, minAge=1m).
func New(orch *orchestrator.Orchestrator, registry lifecycle.Registry, cfg config.WatchdogConfig, log *logger.Logger) *Watchdog {
	sweep, stale, minAge := cfg.SweepInterval, cfg.StaleAfter, cfg.MinAge
	if sweep == 0 {
		sweep = 30 * time.Second
	}
	if stale == 0 {
		stale = 10 * time.Minute
	}
	if minAge == 0 {
		minAge = time.Minute
	}
	return &Watchdog{
		orch: orch, lifecycle: registry, log: log,
		sweepInterval: sweep, staleAfter: stale, minAge: minAge,
	}
}

// Start begins the background sweep loop. Safe to call once; a second
// call is a no-op.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop halts the sweep loop and waits for it to exit.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Watchdog) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	convs, err := w.orch.ListConversations(ctx, 0, time.Time{})
	if err != nil {
		w.log.WithError(err).Error("watchdog: list conversations failed")
		return
	}

	now := time.Now()
	for _, c := range convs {
		if c.Status != v1.ConversationActive {
			continue
		}
		if now.Sub(c.CreatedAt) < w.minAge {
			continue
		}
		if now.Sub(c.UpdatedAt) < w.staleAfter {
			continue
		}
		w.cancel(ctx, c.ID)
	}
}

// cancel closes out a stalled conversation: an abort trace if a turn is
// open, then a single system event with finality=conversation, pinned to
// the correct next turn (the open turn, or lastTurn+1 if none was open) —
// never turn 0, even when the most recent event was itself a system note.
func (w *Watchdog) cancel(ctx context.Context, conv int64) {
	if _, err := w.orch.CancelConversation(ctx, conv, "conversation_stalled", "stalled: no activity within staleness window"); err != nil {
		w.log.WithError(err).WithConversationID(conv).Warn("watchdog: cancel conversation failed")
		return
	}

	rows, err := w.lifecycle.ListForConversation(ctx, conv)
	if err != nil {
		w.log.WithError(err).WithConversationID(conv).Warn("watchdog: list lifecycle rows failed")
		return
	}
	for _, row := range rows {
		if err := w.lifecycle.Stop(ctx, conv, row.AgentID); err != nil {
			w.log.WithError(err).WithConversationID(conv).WithAgentID(row.AgentID).
				Warn("watchdog: stop lifecycle row failed")
		}
	}

	w.log.Info("watchdog: cancelled stalled conversation", zap.Int64("conversation", conv))
}
