package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/stakelink/relay-oracle/pkg/endpoint"
	"github.com/stakelink/relay-oracle/pkg/metrics"
	"github.com/stakelink/relay-oracle/pkg/parachain"
	"github.com/stakelink/relay-oracle/pkg/relay"
	"go.uber.org/zap"
)

// State is the engine's lifecycle phase, exported through /health.
type State int32

const (
	StateStarting State = iota
	StateMonitoring
	StateProcessing
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateMonitoring:
		return "monitoring"
	case StateProcessing:
		return "processing"
	case StateRecovering:
		return "recovering"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Connection is the lifecycle surface shared by both chain clients.
type Connection interface {
	Connect(ctx context.Context) error
	Recover(ctx context.Context) error
	MarkHealthy()
	Endpoint() string
}

// EraSource reads the active era from the relay chain head.
type EraSource interface {
	ActiveEra(ctx context.Context, blockHash string) (relay.Era, error)
}

// BoundaryLocator finds and finalizes era boundaries.
type BoundaryLocator interface {
	LastBlockOfEra(ctx context.Context, target uint32) (relay.Boundary, error)
	WaitFinalized(ctx context.Context, b relay.Boundary) error
}

// ReportSink packs report calls for the contract.
type ReportSink interface {
	BuildReport(era uint32, s relay.StakingSnapshot) parachain.CallMsg
}

// SnapshotSource builds per-stash snapshots at a boundary.
type SnapshotSource interface {
	BuildAll(ctx context.Context, stashes []relay.AccountID, blockHash string) ([]relay.StakingSnapshot, error)
}

// Sender submits one prepared report call.
type Sender interface {
	Submit(ctx context.Context, msg parachain.CallMsg) (Outcome, error)
}

// Params wires the engine's collaborators. Store and Sink are both satisfied
// by *parachain.Contract in production; they stay separate so tests can fake
// each concern on its own.
type Params struct {
	Relay        Connection
	RelayEras    EraSource
	Para         Connection
	Locator      BoundaryLocator
	Store        ReportStore
	Sink         ReportSink
	Tracker      *Tracker
	Builder      SnapshotSource
	Submitter    Sender
	Watchdog     *Watchdog
	Metrics      *metrics.Set
	PollInterval time.Duration
	Log          *zap.Logger
}

// Engine drives the poll loop: observe the active era, detect an advance,
// locate the previous era's boundary, build snapshots, submit reports. One
// goroutine owns the loop end to end; recovery happens inline.
type Engine struct {
	relay     Connection
	eras      EraSource
	para      Connection
	locator   BoundaryLocator
	store     ReportStore
	sink      ReportSink
	tracker   *Tracker
	builder   SnapshotSource
	submitter Sender
	watchdog  *Watchdog
	metrics   *metrics.Set
	poll      time.Duration
	log       *zap.Logger

	state     atomic.Int32
	activeEra atomic.Uint32

	// Highest era index ever observed; only a strictly greater read counts
	// as progression for the watchdog.
	observed int64
	// Highest observed era whose report pass completed; the gate that makes
	// repeated and decreased era reads no-ops.
	processed int64
}

func NewEngine(p Params) *Engine {
	e := &Engine{
		relay:     p.Relay,
		eras:      p.RelayEras,
		para:      p.Para,
		locator:   p.Locator,
		store:     p.Store,
		sink:      p.Sink,
		tracker:   p.Tracker,
		builder:   p.Builder,
		submitter: p.Submitter,
		watchdog:  p.Watchdog,
		metrics:   p.Metrics,
		poll:      p.PollInterval,
		log:       p.Log.Named("engine"),
		observed:  -1,
		processed: -1,
	}
	e.state.Store(int32(StateStarting))
	return e
}

// State returns the current lifecycle phase.
func (e *Engine) State() State { return State(e.state.Load()) }

// Status assembles the ops view served on /status.
func (e *Engine) Status() metrics.Status {
	return metrics.Status{
		State:           e.State().String(),
		ActiveEra:       e.activeEra.Load(),
		LastReportedEra: e.tracker.MaxReported(),
		RelayEndpoint:   e.relay.Endpoint(),
		ParaEndpoint:    e.para.Endpoint(),
	}
}

// Run executes the engine until ctx is canceled or a fatal error occurs.
// Transient errors never escape this loop; they route into recovery and the
// loop continues.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.bootstrap(ctx); err != nil {
		return err
	}
	e.state.Store(int32(StateMonitoring))
	e.log.Info("Monitoring era progression", zap.Duration("poll", e.poll))

	lastTick := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.poll):
		}

		era, err := e.eras.ActiveEra(ctx, "")
		if err != nil {
			// A failing poll is still a poll without progression: it must
			// feed the stall accumulator, or an endpoint that connects but
			// never answers the era query would loop here forever.
			now := time.Now()
			if e.watchdog.Tick(now.Sub(lastTick), false) {
				e.metrics.EraStalledFor.Set(e.watchdog.Elapsed().Seconds())
				return e.watchdog.Confirm(ctx, e.activeEra.Load())
			}
			e.metrics.EraStalledFor.Set(e.watchdog.Elapsed().Seconds())
			lastTick = now
			if fatal := e.react(ctx, err); fatal != nil {
				return fatal
			}
			continue
		}
		e.relay.MarkHealthy()

		now := time.Now()
		advanced := int64(era.Index) > e.observed
		if advanced {
			e.observed = int64(era.Index)
		}
		e.activeEra.Store(era.Index)
		e.metrics.ActiveEra.Set(float64(era.Index))

		if e.watchdog.Tick(now.Sub(lastTick), advanced) {
			e.metrics.EraStalledFor.Set(e.watchdog.Elapsed().Seconds())
			return e.watchdog.Confirm(ctx, era.Index)
		}
		e.metrics.EraStalledFor.Set(e.watchdog.Elapsed().Seconds())
		lastTick = now

		if int64(era.Index) > e.processed {
			e.state.Store(int32(StateProcessing))
			complete, err := e.processEra(ctx, era.Index)
			e.state.Store(int32(StateMonitoring))
			if err != nil {
				if fatal := e.react(ctx, err); fatal != nil {
					return fatal
				}
				continue
			}
			// A pass with any reverted or dry-run-rejected report leaves the
			// era unprocessed so the next poll retries it; the tracker keeps
			// the re-run idempotent for the stashes that did land.
			if complete {
				e.processed = int64(era.Index)
			}
			e.para.MarkHealthy()
		}
	}
}

// bootstrap connects both sides and reconstructs the report tracker,
// retrying through recovery until it holds or ctx dies.
func (e *Engine) bootstrap(ctx context.Context) error {
	if err := e.relay.Connect(ctx); err != nil {
		return err
	}
	if err := e.para.Connect(ctx); err != nil {
		return err
	}
	for {
		err := e.tracker.Bootstrap(ctx, e.store)
		if err == nil {
			return nil
		}
		if fatal := e.react(ctx, err); fatal != nil {
			return fatal
		}
	}
}

// processEra reports the era that just fully elapsed: the one before the
// freshly observed index. Era zero has no predecessor to report. complete is
// true only when every pending stash ended in a landed or skipped report;
// anything less keeps the era eligible for the next poll.
func (e *Engine) processEra(ctx context.Context, observed uint32) (complete bool, err error) {
	if observed == 0 {
		return true, nil
	}
	target := observed - 1

	boundary, err := e.locator.LastBlockOfEra(ctx, target)
	if err != nil {
		return false, err
	}
	if err := e.locator.WaitFinalized(ctx, boundary); err != nil {
		return false, err
	}
	e.metrics.BoundaryBlock.Set(float64(boundary.Number))

	stashes, err := e.store.GetStashAccounts(ctx)
	if err != nil {
		return false, err
	}
	pending := stashes[:0:0]
	for _, stash := range stashes {
		if e.tracker.IsAlreadyReported(stash, target) {
			e.log.Debug("Report already on chain",
				zap.String("stash", string(stash)),
				zap.Uint32("era", target))
			continue
		}
		pending = append(pending, stash)
	}
	if len(pending) == 0 {
		e.log.Info("No pending reports", zap.Uint32("era", target))
		return true, nil
	}

	snapshots, err := e.builder.BuildAll(ctx, pending, boundary.Hash)
	if err != nil {
		return false, err
	}

	totalFree := new(big.Int)
	for _, snap := range snapshots {
		if snap.FreeBalance != nil {
			totalFree.Add(totalFree, &snap.FreeBalance.Int)
		}
	}
	metrics.SetBalance(e.metrics.StashFreeBalance, totalFree)

	complete = true
	for _, snap := range snapshots {
		outcome, err := e.submitter.Submit(ctx, e.sink.BuildReport(target, snap))
		if err != nil {
			return false, err
		}
		e.log.Info("Report submitted",
			zap.String("stash", string(snap.Stash)),
			zap.Uint32("era", target),
			zap.Stringer("status", snap.Status),
			zap.Stringer("outcome", outcome))
		switch outcome {
		case OutcomeSuccess, OutcomeSkipped:
			e.tracker.MarkReported(snap.Stash, target)
			e.metrics.TxSuccess.Inc()
		case OutcomeReverted:
			e.metrics.TxReverted.Inc()
			complete = false
		case OutcomeLikelyFailing:
			e.metrics.TxDryRunRejected.Inc()
			complete = false
		}
	}
	if !complete {
		e.log.Warn("Era pass incomplete, retrying next poll", zap.Uint32("era", target))
		return false, nil
	}
	e.metrics.LastReportedEra.Set(float64(target))
	return true, nil
}

// react routes a pipeline error into its reaction. The returned error is
// non-nil only for fatal conditions.
func (e *Engine) react(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch classify(err) {
	case severityFatal:
		e.log.Error("Fatal condition", zap.Error(err))
		return err
	case severityDeferred:
		e.log.Info("Deferring until next poll", zap.Error(err))
		return nil
	}
	return e.recover(ctx, err)
}

// recover rotates the failing side's endpoint, blocking until a connection
// holds again.
func (e *Engine) recover(ctx context.Context, cause error) error {
	e.state.Store(int32(StateRecovering))
	e.metrics.RecoveryMode.Set(1)
	defer func() {
		e.metrics.RecoveryMode.Set(0)
		e.state.Store(int32(StateMonitoring))
	}()

	chain, _ := transportChain(cause)
	e.log.Warn("Entering recovery", zap.String("chain", chain), zap.Error(cause))

	var err error
	switch chain {
	case endpoint.ChainRelay:
		e.metrics.RelayErrors.Inc()
		err = e.relay.Recover(ctx)
	case endpoint.ChainParachain:
		e.metrics.ParachainErrors.Inc()
		err = e.para.Recover(ctx)
	default:
		// Unknown origin: rotate both sides rather than guess wrong.
		e.metrics.RelayErrors.Inc()
		e.metrics.ParachainErrors.Inc()
		if err = e.relay.Recover(ctx); err == nil {
			err = e.para.Recover(ctx)
		}
	}
	if err != nil {
		return err
	}
	e.log.Info("Recovered",
		zap.String("relay", e.relay.Endpoint()),
		zap.String("parachain", e.para.Endpoint()))
	return nil
}
