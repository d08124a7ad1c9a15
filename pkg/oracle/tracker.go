package oracle

import (
	"context"
	"sync"

	"github.com/stakelink/relay-oracle/pkg/relay"
	"go.uber.org/zap"
)

// ReportStore is the contract surface the tracker bootstraps from.
type ReportStore interface {
	GetStashAccounts(ctx context.Context) ([]relay.AccountID, error)
	IsReportedLastEra(ctx context.Context, stash relay.AccountID) (uint32, bool, error)
}

// Tracker remembers the highest era already reported per stash, so the
// engine never submits twice for the same (stash, era). The contract is the
// source of truth; this map is a restart-safe cache reconstructed from it,
// never persisted locally.
type Tracker struct {
	mu   sync.Mutex
	last map[relay.AccountID]int64
	log  *zap.Logger
}

func NewTracker(log *zap.Logger) *Tracker {
	return &Tracker{
		last: make(map[relay.AccountID]int64),
		log:  log.Named("tracker"),
	}
}

// Bootstrap reconstructs the per-stash watermark from the contract. A stash
// whose latest era is recorded as unreported gets a watermark one below it,
// so that era is attempted again.
func (t *Tracker) Bootstrap(ctx context.Context, store ReportStore) error {
	stashes, err := store.GetStashAccounts(ctx)
	if err != nil {
		return err
	}
	// Query without the lock; the round-trips dominate and readers must not
	// stall behind them.
	marks := make(map[relay.AccountID]int64, len(stashes))
	for _, stash := range stashes {
		era, reported, err := store.IsReportedLastEra(ctx, stash)
		if err != nil {
			return err
		}
		mark := int64(era)
		if !reported {
			mark = int64(era) - 1
		}
		marks[stash] = mark
		t.log.Debug("Bootstrapped stash",
			zap.String("stash", string(stash)),
			zap.Uint32("contract_era", era),
			zap.Bool("reported", reported),
			zap.Int64("watermark", mark))
	}

	t.mu.Lock()
	for stash, mark := range marks {
		t.last[stash] = mark
	}
	t.mu.Unlock()
	t.log.Info("Report tracker bootstrapped", zap.Int("stashes", len(stashes)))
	return nil
}

// IsAlreadyReported reports whether era is at or below the stash's
// watermark. Unknown stashes are never considered reported.
func (t *Tracker) IsAlreadyReported(stash relay.AccountID, era uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	mark, ok := t.last[stash]
	return ok && int64(era) <= mark
}

// MarkReported raises the stash's watermark to era. Watermarks only move
// forward.
func (t *Tracker) MarkReported(stash relay.AccountID, era uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if mark, ok := t.last[stash]; ok && mark >= int64(era) {
		return
	}
	t.last[stash] = int64(era)
}

// MaxReported returns the highest watermark across stashes, or -1 when
// nothing has been reported yet.
func (t *Tracker) MaxReported() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	max := int64(-1)
	for _, mark := range t.last {
		if mark > max {
			max = mark
		}
	}
	return max
}
