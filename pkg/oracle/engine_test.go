package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stakelink/relay-oracle/pkg/endpoint"
	"github.com/stakelink/relay-oracle/pkg/metrics"
	"github.com/stakelink/relay-oracle/pkg/parachain"
	"github.com/stakelink/relay-oracle/pkg/relay"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeConn struct {
	name     string
	recovers int
}

func (f *fakeConn) Connect(context.Context) error { return nil }
func (f *fakeConn) Recover(context.Context) error { f.recovers++; return nil }
func (f *fakeConn) MarkHealthy()                  {}
func (f *fakeConn) Endpoint() string              { return f.name }

// fakeEras serves a scripted era sequence, one entry per poll, then cancels
// the engine.
type fakeEras struct {
	sequence []eraRead
	pos      int
	cancel   context.CancelFunc
}

type eraRead struct {
	era uint32
	err error
}

func (f *fakeEras) ActiveEra(context.Context, string) (relay.Era, error) {
	if f.pos >= len(f.sequence) {
		f.cancel()
		return relay.Era{}, context.Canceled
	}
	read := f.sequence[f.pos]
	f.pos++
	if read.err != nil {
		return relay.Era{}, read.err
	}
	return relay.Era{Index: read.era}, nil
}

type fakeLocator struct {
	missing map[uint32]bool
}

func (f *fakeLocator) LastBlockOfEra(_ context.Context, target uint32) (relay.Boundary, error) {
	if f.missing[target] {
		return relay.Boundary{}, relay.ErrBoundaryNotFound
	}
	return relay.Boundary{Number: uint64(target) * 100, Hash: "0xboundary"}, nil
}

func (f *fakeLocator) WaitFinalized(context.Context, relay.Boundary) error { return nil }

type fakeSink struct{}

func (fakeSink) BuildReport(era uint32, s relay.StakingSnapshot) parachain.CallMsg {
	return parachain.CallMsg{To: string(s.Stash), Nonce: uint64(era)}
}

type fakeSnapshots struct{}

func (fakeSnapshots) BuildAll(_ context.Context, stashes []relay.AccountID, _ string) ([]relay.StakingSnapshot, error) {
	out := make([]relay.StakingSnapshot, 0, len(stashes))
	for _, stash := range stashes {
		out = append(out, relay.StakingSnapshot{Stash: stash})
	}
	return out, nil
}

type fakeSender struct {
	submitted []uint64          // era carried in the nonce field by fakeSink
	byStash   map[string]int    // submissions per stash (the To field)
	revertFor map[string]int    // remaining reverts per stash
	outcome   Outcome
}

func (f *fakeSender) Submit(_ context.Context, msg parachain.CallMsg) (Outcome, error) {
	f.submitted = append(f.submitted, msg.Nonce)
	if f.byStash == nil {
		f.byStash = make(map[string]int)
	}
	f.byStash[msg.To]++
	if f.revertFor[msg.To] > 0 {
		f.revertFor[msg.To]--
		return OutcomeReverted, nil
	}
	return f.outcome, nil
}

type engineFixture struct {
	engine  *Engine
	relay   *fakeConn
	para    *fakeConn
	sender  *fakeSender
	tracker *Tracker
}

func newEngineFixture(sequence []eraRead, store ReportStore, locator BoundaryLocator) (*engineFixture, context.Context) {
	watchdog := NewWatchdog(24*time.Hour, time.Hour, 0, &fakeEraView{}, zap.NewNop())
	return newEngineFixtureWatchdog(sequence, store, locator, watchdog)
}

func newEngineFixtureWatchdog(sequence []eraRead, store ReportStore, locator BoundaryLocator, watchdog *Watchdog) (*engineFixture, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	relayConn := &fakeConn{name: "ws://relay"}
	paraConn := &fakeConn{name: "http://para"}
	sender := &fakeSender{outcome: OutcomeSuccess}
	tracker := NewTracker(zap.NewNop())

	engine := NewEngine(Params{
		Relay:        relayConn,
		RelayEras:    &fakeEras{sequence: sequence, cancel: cancel},
		Para:         paraConn,
		Locator:      locator,
		Store:        store,
		Sink:         fakeSink{},
		Tracker:      tracker,
		Builder:      fakeSnapshots{},
		Submitter:    sender,
		Watchdog:     watchdog,
		Metrics:      metrics.New(),
		PollInterval: time.Millisecond,
		Log:          zap.NewNop(),
	})
	return &engineFixture{
		engine:  engine,
		relay:   relayConn,
		para:    paraConn,
		sender:  sender,
		tracker: tracker,
	}, ctx
}

func singleStashStore() *fakeStore {
	return &fakeStore{records: map[relay.AccountID]storeRecord{
		"0xstash": {era: 0, reported: true},
	}}
}

// Only a strictly increasing era observation triggers a report pass, and
// each pass reports the era before the observed one.
func TestEngineEraGate(t *testing.T) {
	sequence := []eraRead{{era: 5}, {era: 5}, {era: 5}, {era: 7}, {era: 6}, {era: 8}}
	fix, ctx := newEngineFixture(sequence, singleStashStore(), &fakeLocator{})

	err := fix.engine.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// Observed 5, 7, 8 produce reports for 4, 6, 7; the repeats and the
	// decrease to 6 produce nothing.
	assert.Equal(t, []uint64{4, 6, 7}, fix.sender.submitted)
}

func TestEngineDefersMissingBoundary(t *testing.T) {
	sequence := []eraRead{{era: 5}, {era: 5}, {era: 5}}
	locator := &fakeLocator{missing: map[uint32]bool{4: true}}
	fix, ctx := newEngineFixture(sequence, singleStashStore(), locator)

	err := fix.engine.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// Era 5 stays unprocessed, so every poll retries the boundary.
	assert.Empty(t, fix.sender.submitted)
	assert.Zero(t, fix.relay.recovers)
}

func TestEngineRecoversOnTransportError(t *testing.T) {
	transport := &endpoint.TransportError{
		Chain: endpoint.ChainRelay, URL: "ws://relay", Err: errors.New("broken pipe"),
	}
	sequence := []eraRead{{era: 5}, {err: transport}, {era: 5}}
	fix, ctx := newEngineFixture(sequence, singleStashStore(), &fakeLocator{})

	err := fix.engine.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, fix.relay.recovers)
	assert.Zero(t, fix.para.recovers)
	assert.Equal(t, []uint64{4}, fix.sender.submitted)
}

func TestEngineFatalOnMissingEntryPoint(t *testing.T) {
	sequence := []eraRead{{era: 5}, {err: parachain.ErrMissingEntryPoint}}
	fix, ctx := newEngineFixture(sequence, singleStashStore(), &fakeLocator{})

	err := fix.engine.Run(ctx)
	assert.ErrorIs(t, err, parachain.ErrMissingEntryPoint)
}

func TestEngineSkipsReportedStashes(t *testing.T) {
	store := &fakeStore{records: map[relay.AccountID]storeRecord{
		"0xdone":    {era: 4, reported: true},
		"0xpending": {era: 4, reported: false},
	}}
	sequence := []eraRead{{era: 5}}
	fix, ctx := newEngineFixture(sequence, store, &fakeLocator{})

	err := fix.engine.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// Only the pending stash is reported for era 4.
	assert.Equal(t, []uint64{4}, fix.sender.submitted)
	assert.True(t, fix.tracker.IsAlreadyReported("0xpending", 4))
}

// A reverted report must keep its era eligible: every later poll at the
// same observed era retries the submission instead of moving on.
func TestEngineRevertedEraRetriedEachPoll(t *testing.T) {
	sequence := []eraRead{{era: 5}, {era: 5}, {era: 5}}
	fix, ctx := newEngineFixture(sequence, singleStashStore(), &fakeLocator{})
	fix.sender.outcome = OutcomeReverted

	err := fix.engine.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []uint64{4, 4, 4}, fix.sender.submitted)
	assert.False(t, fix.tracker.IsAlreadyReported("0xstash", 4))
}

// When one stash lands and another reverts, the retry pass must resubmit
// only the reverted stash, then let the era complete.
func TestEnginePartialRevertRetriesOnlyFailedStash(t *testing.T) {
	store := &fakeStore{records: map[relay.AccountID]storeRecord{
		"0xgood": {era: 0, reported: true},
		"0xbad":  {era: 0, reported: true},
	}}
	sequence := []eraRead{{era: 5}, {era: 5}, {era: 5}}
	fix, ctx := newEngineFixture(sequence, store, &fakeLocator{})
	fix.sender.revertFor = map[string]int{"0xbad": 1}

	err := fix.engine.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// First pass: both submitted, 0xbad reverts. Second pass: only 0xbad.
	// Third pass: nothing pending, the era is complete.
	assert.Equal(t, 1, fix.sender.byStash["0xgood"])
	assert.Equal(t, 2, fix.sender.byStash["0xbad"])
	assert.True(t, fix.tracker.IsAlreadyReported("0xgood", 4))
	assert.True(t, fix.tracker.IsAlreadyReported("0xbad", 4))
}

func TestEngineRevertedReportDoesNotAdvanceTracker(t *testing.T) {
	sequence := []eraRead{{era: 5}}
	fix, ctx := newEngineFixture(sequence, singleStashStore(), &fakeLocator{})
	fix.sender.outcome = OutcomeReverted

	err := fix.engine.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []uint64{4}, fix.sender.submitted)
	assert.False(t, fix.tracker.IsAlreadyReported("0xstash", 4))
}

// Polls that fail outright still count against the stall limit; an endpoint
// that connects but never answers the era query cannot pin the process in
// recovery forever.
func TestEngineStallAcrossErrorPolls(t *testing.T) {
	transport := &endpoint.TransportError{
		Chain: endpoint.ChainRelay, URL: "ws://relay", Err: errors.New("era query broken"),
	}
	sequence := []eraRead{{era: 5}, {err: transport}, {err: transport}, {err: transport}}
	watchdog := NewWatchdog(time.Nanosecond, 0, 0, &fakeEraView{era: 5}, zap.NewNop())
	fix, ctx := newEngineFixtureWatchdog(sequence, singleStashStore(), &fakeLocator{}, watchdog)

	err := fix.engine.Run(ctx)
	assert.ErrorIs(t, err, ErrEraStalled)
	// The first poll still processed its era before the endpoint went dark.
	assert.Equal(t, []uint64{4}, fix.sender.submitted)
}

func TestEngineStatus(t *testing.T) {
	fix, _ := newEngineFixture(nil, singleStashStore(), &fakeLocator{})

	status := fix.engine.Status()
	assert.Equal(t, "starting", status.State)
	assert.Equal(t, "ws://relay", status.RelayEndpoint)
	assert.Equal(t, "http://para", status.ParaEndpoint)
	assert.Equal(t, int64(-1), status.LastReportedEra)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "monitoring", StateMonitoring.String())
	assert.Equal(t, "processing", StateProcessing.String())
	assert.Equal(t, "recovering", StateRecovering.String())
}
