// Package oracle is the control core: the polling engine, the per-era report
// pipeline, the idempotency tracker, and the stall watchdog. Everything runs
// on a single worker loop; only snapshot building fans out.
package oracle

import (
	"errors"

	"github.com/stakelink/relay-oracle/pkg/endpoint"
	"github.com/stakelink/relay-oracle/pkg/parachain"
	"github.com/stakelink/relay-oracle/pkg/relay"
)

// ErrEraStalled reports that the active era has not advanced within the
// configured limit. It is fatal: the engine returns it to the caller, which
// terminates the process so an operator or supervisor can intervene.
var ErrEraStalled = errors.New("oracle: era progression stalled")

// severity buckets every pipeline error into exactly one reaction.
type severity int

const (
	// severityTransient routes into endpoint recovery and a retry.
	severityTransient severity = iota
	// severityDeferred means the chain is not ready yet; try again next poll.
	severityDeferred
	// severityFatal terminates the engine.
	severityFatal
)

func classify(err error) severity {
	switch {
	case errors.Is(err, ErrEraStalled),
		errors.Is(err, parachain.ErrMissingEntryPoint):
		return severityFatal
	case errors.Is(err, relay.ErrBoundaryNotFound),
		errors.Is(err, relay.ErrNotFound):
		return severityDeferred
	}
	// Unknown errors are treated as connectivity trouble: rotating the
	// endpoint is cheap and a genuine logic bug will keep failing loudly.
	return severityTransient
}

// transportChain extracts which chain connection a transport error belongs
// to, so recovery rotates the right pool.
func transportChain(err error) (string, bool) {
	var te *endpoint.TransportError
	if errors.As(err, &te) {
		return te.Chain, true
	}
	return "", false
}
