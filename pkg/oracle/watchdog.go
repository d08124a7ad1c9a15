package oracle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// EraView is the contract's independent view of era progression, consulted
// before declaring a stall.
type EraView interface {
	CurrentEra(ctx context.Context) (uint32, error)
}

// Watchdog accumulates wall-clock time without era progression. The limit is
// one era duration plus the configured tolerance: eras are allowed to run
// long, but not arbitrarily so.
type Watchdog struct {
	limit time.Duration
	grace time.Duration
	view  EraView
	log   *zap.Logger

	stalled time.Duration
}

func NewWatchdog(eraDuration, tolerance, grace time.Duration, view EraView, log *zap.Logger) *Watchdog {
	return &Watchdog{
		limit: eraDuration + tolerance,
		grace: grace,
		view:  view,
		log:   log.Named("watchdog"),
	}
}

// Tick feeds one poll interval into the accumulator. An advanced era resets
// it. The return value reports whether the limit has been crossed.
func (w *Watchdog) Tick(elapsed time.Duration, advanced bool) bool {
	if advanced {
		w.stalled = 0
		return false
	}
	w.stalled += elapsed
	return w.stalled >= w.limit
}

// Elapsed returns the accumulated time without progression.
func (w *Watchdog) Elapsed() time.Duration { return w.stalled }

// Confirm cross-checks the contract's era view, waits out the grace period
// so in-flight log shippers and scrapers catch the evidence, and returns
// ErrEraStalled. The caller decides how to die; the watchdog never exits the
// process itself.
func (w *Watchdog) Confirm(ctx context.Context, observed uint32) error {
	coordinatorEra, err := w.view.CurrentEra(ctx)
	if err != nil {
		w.log.Warn("Coordinator era view unavailable during stall check", zap.Error(err))
	} else {
		w.log.Error("Era progression stalled",
			zap.Uint32("observed_era", observed),
			zap.Uint32("coordinator_era", coordinatorEra),
			zap.Duration("stalled_for", w.stalled),
			zap.Duration("limit", w.limit))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.grace):
	}
	return fmt.Errorf("era %d unchanged for %s (limit %s): %w",
		observed, w.stalled.Round(time.Second), w.limit, ErrEraStalled)
}
