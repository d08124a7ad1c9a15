package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrBoundaryNotFound reports that the last block of the requested era could
// not be located or trusted (out-of-range probe, era not yet elapsed, or a
// re-org between location and finality). The caller defers the era to the
// next poll; the locator never fabricates a block.
var ErrBoundaryNotFound = errors.New("relay: era boundary not found")

// Reader is the subset of chain queries the locator needs.
type Reader interface {
	ActiveEra(ctx context.Context, blockHash string) (Era, error)
	BlockHash(ctx context.Context, number uint64) (string, error)
	ChainHead(ctx context.Context) (string, error)
	FinalizedHead(ctx context.Context) (string, error)
	BlockNumber(ctx context.Context, blockHash string) (uint64, error)
}

// Locator finds the last block belonging to a given era by binary-searching
// block height against the era value observed at each probed block. The
// search is valid because the era index is monotonic non-decreasing in
// block height.
type Locator struct {
	reader       Reader
	eraBlocks    uint64
	finalityPoll time.Duration
	log          *zap.Logger
}

func NewLocator(reader Reader, eraBlocks uint64, finalityPoll time.Duration, log *zap.Logger) *Locator {
	return &Locator{
		reader:       reader,
		eraBlocks:    eraBlocks,
		finalityPoll: finalityPoll,
		log:          log.Named("locator"),
	}
}

// LastBlockOfEra locates the last block whose active era equals target,
// searching the window [head-eraBlocks, head] clamped at genesis. The
// returned boundary carries the hash observed during the search so that
// WaitFinalized can detect a re-org.
func (l *Locator) LastBlockOfEra(ctx context.Context, target uint32) (Boundary, error) {
	headHash, err := l.reader.ChainHead(ctx)
	if err != nil {
		return Boundary{}, err
	}
	head, err := l.reader.BlockNumber(ctx, headHash)
	if err != nil {
		return Boundary{}, err
	}

	lo := uint64(0)
	if head > l.eraBlocks {
		lo = head - l.eraBlocks
	}
	hi := head

	// First block in [lo, hi] whose era exceeds target; the boundary is the
	// block before it. If no block in the window exceeds target, the head
	// itself may still be the boundary (target is the era at head).
	for lo < hi {
		mid := lo + (hi-lo)/2
		era, err := l.eraAt(ctx, mid)
		if err != nil {
			return Boundary{}, err
		}
		if era > target {
			hi = mid
		} else {
			lo = mid + 1
		}
	}

	era, err := l.eraAt(ctx, lo)
	if err != nil {
		return Boundary{}, err
	}
	boundary := lo
	if era > target {
		if lo == 0 {
			return Boundary{}, fmt.Errorf("era %d ended before the search window: %w", target, ErrBoundaryNotFound)
		}
		boundary = lo - 1
	}

	// The probe must land exactly on the target era; anything else means the
	// era has not elapsed yet or ended outside the window.
	found, err := l.eraAt(ctx, boundary)
	if err != nil {
		return Boundary{}, err
	}
	if found != target {
		return Boundary{}, fmt.Errorf("era at block %d is %d, want %d: %w", boundary, found, target, ErrBoundaryNotFound)
	}

	hash, err := l.reader.BlockHash(ctx, boundary)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Boundary{}, fmt.Errorf("boundary block %d vanished: %w", boundary, ErrBoundaryNotFound)
		}
		return Boundary{}, err
	}
	l.log.Info("Era boundary located",
		zap.Uint32("era", target),
		zap.Uint64("block", boundary),
		zap.String("hash", hash))
	return Boundary{Number: boundary, Hash: hash}, nil
}

// eraAt reads the active era index at block number n. An out-of-range probe
// aborts the search as boundary-not-found rather than bubbling ErrNotFound.
func (l *Locator) eraAt(ctx context.Context, n uint64) (uint32, error) {
	hash, err := l.reader.BlockHash(ctx, n)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, fmt.Errorf("probe block %d out of range: %w", n, ErrBoundaryNotFound)
		}
		return 0, err
	}
	era, err := l.reader.ActiveEra(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, fmt.Errorf("no era at block %d: %w", n, ErrBoundaryNotFound)
		}
		return 0, err
	}
	return era.Index, nil
}

// WaitFinalized blocks until the boundary's height is covered by the
// finalized head, then re-checks that the hash at that height still matches.
// A mismatch means a re-org invalidated the located boundary; the whole
// location must be redone rather than trusted. There is no iteration cap:
// the loop is meant to wait out finality, not to fail fast.
func (l *Locator) WaitFinalized(ctx context.Context, b Boundary) error {
	for {
		fh, err := l.reader.FinalizedHead(ctx)
		if err != nil {
			return err
		}
		n, err := l.reader.BlockNumber(ctx, fh)
		if err != nil {
			return err
		}
		if n >= b.Number {
			hash, err := l.reader.BlockHash(ctx, b.Number)
			if err != nil {
				return err
			}
			if hash != b.Hash {
				return fmt.Errorf("block %d re-orged from %s to %s: %w", b.Number, b.Hash, hash, ErrBoundaryNotFound)
			}
			return nil
		}
		l.log.Debug("Waiting for boundary finality",
			zap.Uint64("boundary", b.Number),
			zap.Uint64("finalized", n))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.finalityPoll):
		}
	}
}
