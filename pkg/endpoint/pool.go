// Package endpoint tracks the reachable RPC URLs of one logical chain
// connection and selects a target among them, avoiding recently failing
// URLs. Both the relay and the parachain side own one Pool each.
package endpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/stakelink/relay-oracle/pkg/utils"
	"go.uber.org/zap"
)

// Chain names used by both pools; transport errors carry them so recovery
// rotates the right side.
const (
	ChainRelay     = "relay"
	ChainParachain = "parachain"
)

// DialFunc attempts a connection to one URL and returns a transport handle.
type DialFunc[T any] func(ctx context.Context, url string) (T, error)

// State is the per-URL bookkeeping consulted during selection.
type State struct {
	Failures    int64
	Undesirable bool
}

// Pool iterates candidate URLs in list order and returns the first one that
// dials successfully. URLs in the undesirable set are skipped unless a full
// pass has already failed, in which case the exclusion is lifted so the pool
// can never deadlock itself. When every candidate fails, the pool sleeps
// RetryWait and starts over: there is deliberately no upper retry bound,
// because the oracle has nothing useful to do without a connection. Callers
// cancel through ctx.
type Pool[T any] struct {
	chain     string
	urls      []string
	schemes   []string
	dial      DialFunc[T]
	retryWait time.Duration
	threshold int64
	log       *zap.Logger

	state *xsync.Map[string, State]
}

// NewPool builds a pool over urls. threshold is the failure count at which a
// URL is marked undesirable for the next selection pass.
func NewPool[T any](chain string, urls []string, schemes []string, dial DialFunc[T], retryWait time.Duration, threshold int, log *zap.Logger) *Pool[T] {
	return &Pool[T]{
		chain:     chain,
		urls:      utils.Dedup(urls),
		schemes:   schemes,
		dial:      dial,
		retryWait: retryWait,
		threshold: int64(threshold),
		log:       log.With(zap.String("chain", chain)),
		state:     xsync.NewMap[string, State](),
	}
}

// Select blocks until a connection is established or ctx is done. It returns
// the chosen URL and the transport handle produced by the dial function.
func (p *Pool[T]) Select(ctx context.Context) (string, T, error) {
	var zero T
	triedAll := false
	for {
		for _, u := range p.urls {
			if st, ok := p.state.Load(u); ok && st.Undesirable && !triedAll {
				p.log.Info("Skipping undesirable url", zap.String("url", u))
				continue
			}
			if !utils.SupportedScheme(u, p.schemes...) {
				p.log.Warn("Unsupported provider url", zap.String("url", u))
				continue
			}
			handle, err := p.dial(ctx, u)
			if err != nil {
				if ctx.Err() != nil {
					return "", zero, ctx.Err()
				}
				p.log.Warn("Failed to connect", zap.String("url", u), zap.Error(err))
				continue
			}
			p.log.Info("Connected", zap.String("url", u))
			return u, handle, nil
		}
		if !triedAll {
			// A full pass failed: lift the undesirable exclusion and retry
			// immediately, so a flaky-but-alive node can still save us
			// before we start sleeping.
			triedAll = true
			continue
		}

		p.log.Error("Failed to connect to any node",
			zap.Duration("retry_in", p.retryWait))
		select {
		case <-ctx.Done():
			return "", zero, ctx.Err()
		case <-time.After(p.retryWait):
		}
	}
}

// NoteFailure increments the URL's failure counter. Crossing the configured
// threshold marks it undesirable for the next selection pass.
func (p *Pool[T]) NoteFailure(url string) {
	st, _ := p.state.Load(url)
	st.Failures++
	if st.Failures >= p.threshold {
		st.Undesirable = true
	}
	p.state.Store(url, st)
}

// NoteSuccess resets the URL's failure counter after a confirmed round-trip.
func (p *Pool[T]) NoteSuccess(url string) {
	p.state.Store(url, State{})
}

// Failures returns the current failure count for one URL.
func (p *Pool[T]) Failures(url string) int64 {
	st, _ := p.state.Load(url)
	return st.Failures
}

// Snapshot copies the per-URL state, for the metrics surface.
func (p *Pool[T]) Snapshot() map[string]State {
	out := make(map[string]State, len(p.urls))
	p.state.Range(func(k string, v State) bool {
		out[k] = v
		return true
	})
	return out
}

// Chain names the logical connection this pool serves.
func (p *Pool[T]) Chain() string { return p.chain }

// TransportError marks an error as transient connectivity trouble on a
// specific endpoint. The engine routes these into recovery mode instead of
// treating them as fatal.
type TransportError struct {
	Chain string
	URL   string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s endpoint %s: %v", e.Chain, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
