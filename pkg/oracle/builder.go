package oracle

import (
	"context"
	"errors"
	"math/big"
	"sort"

	"github.com/alitto/pond/v2"
	"github.com/stakelink/relay-oracle/pkg/relay"
	"go.uber.org/zap"
)

// LedgerReader is the subset of relay queries snapshot building needs. Every
// call is pinned to the era boundary's block hash.
type LedgerReader interface {
	BondedController(ctx context.Context, stash relay.AccountID, blockHash string) (relay.AccountID, bool, error)
	Ledger(ctx context.Context, controller relay.AccountID, blockHash string) (relay.Ledger, error)
	Validators(ctx context.Context, blockHash string) ([]relay.AccountID, error)
	Nominators(ctx context.Context, blockHash string) ([]relay.AccountID, error)
	FreeBalance(ctx context.Context, account relay.AccountID, blockHash string) (*big.Int, error)
}

// Builder assembles per-stash staking snapshots at one fixed block hash.
// Reads are point-in-time and side-effect free, so per-stash builds fan out
// across a worker pool while the rest of the engine stays single-threaded.
type Builder struct {
	reader  LedgerReader
	workers int
	log     *zap.Logger
}

func NewBuilder(reader LedgerReader, workers int, log *zap.Logger) *Builder {
	if workers < 1 {
		workers = 1
	}
	return &Builder{
		reader:  reader,
		workers: workers,
		log:     log.Named("builder"),
	}
}

// BuildAll snapshots every stash at blockHash. The validator and nominator
// sets are fetched once and shared; results come back sorted by stash so the
// submission order is deterministic.
func (b *Builder) BuildAll(ctx context.Context, stashes []relay.AccountID, blockHash string) ([]relay.StakingSnapshot, error) {
	if len(stashes) == 0 {
		return nil, nil
	}

	validators, err := b.reader.Validators(ctx, blockHash)
	if err != nil {
		return nil, err
	}
	nominators, err := b.reader.Nominators(ctx, blockHash)
	if err != nil {
		return nil, err
	}
	validatorSet := accountSet(validators)
	nominatorSet := accountSet(nominators)

	results := make([]relay.StakingSnapshot, len(stashes))
	pool := pond.NewPool(b.workers)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	for i, stash := range stashes {
		i, stash := i, stash
		group.SubmitErr(func() error {
			snap, err := b.build(ctx, stash, blockHash, validatorSet, nominatorSet)
			if err != nil {
				return err
			}
			results[i] = snap
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Stash < results[j].Stash })
	return results, nil
}

// build snapshots one stash. A stash with no bonded controller is reported
// as unbonded with a zeroed ledger; its free balance is still real.
func (b *Builder) build(ctx context.Context, stash relay.AccountID, blockHash string,
	validators, nominators map[relay.AccountID]struct{}) (relay.StakingSnapshot, error) {

	free, err := b.reader.FreeBalance(ctx, stash, blockHash)
	if err != nil {
		return relay.StakingSnapshot{}, err
	}

	controller, bonded, err := b.reader.BondedController(ctx, stash, blockHash)
	if err != nil {
		return relay.StakingSnapshot{}, err
	}
	if !bonded {
		return relay.StakingSnapshot{
			Stash:         stash,
			Status:        relay.StatusUnbonded,
			ActiveBalance: relay.NewBigInt(0),
			TotalBalance:  relay.NewBigInt(0),
			FreeBalance:   wrapBig(free),
		}, nil
	}

	ledger, err := b.reader.Ledger(ctx, controller, blockHash)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			// Controller bonded but ledger already withdrawn.
			return relay.StakingSnapshot{
				Stash:         stash,
				Controller:    controller,
				Status:        relay.StatusUnbonded,
				ActiveBalance: relay.NewBigInt(0),
				TotalBalance:  relay.NewBigInt(0),
				FreeBalance:   wrapBig(free),
			}, nil
		}
		return relay.StakingSnapshot{}, err
	}

	// Nominating takes precedence over validating when a stash somehow
	// appears in both sets.
	status := relay.StatusIdle
	if _, ok := nominators[stash]; ok {
		status = relay.StatusNominator
	} else if _, ok := validators[stash]; ok {
		status = relay.StatusValidator
	}

	return relay.StakingSnapshot{
		Stash:         stash,
		Controller:    controller,
		Status:        status,
		ActiveBalance: orZero(ledger.Active),
		TotalBalance:  orZero(ledger.Total),
		FreeBalance:   wrapBig(free),
		Unlocking:     ledger.Unlocking,
		SlashingSpans: ledger.SlashingSpans,
	}, nil
}

func accountSet(ids []relay.AccountID) map[relay.AccountID]struct{} {
	set := make(map[relay.AccountID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func wrapBig(v *big.Int) *relay.BigInt {
	out := new(relay.BigInt)
	if v != nil {
		out.Set(v)
	}
	return out
}

func orZero(v *relay.BigInt) *relay.BigInt {
	if v == nil {
		return relay.NewBigInt(0)
	}
	return v
}
