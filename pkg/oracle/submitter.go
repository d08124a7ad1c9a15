package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/stakelink/relay-oracle/pkg/parachain"
	"go.uber.org/zap"
)

// Outcome is the terminal result of one report submission attempt.
type Outcome int

const (
	// OutcomeSuccess means the transaction was mined with success status and
	// has the configured confirmation depth behind it.
	OutcomeSuccess Outcome = iota
	// OutcomeReverted means the transaction was mined but the contract
	// rejected it.
	OutcomeReverted
	// OutcomeLikelyFailing means the dry run reverted, so nothing was signed
	// or broadcast and no nonce was consumed.
	OutcomeLikelyFailing
	// OutcomeSkipped means debug mode suppressed the submission.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeReverted:
		return "reverted"
	case OutcomeLikelyFailing:
		return "likely_failing"
	case OutcomeSkipped:
		return "skipped"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// TxBackend is the parachain surface the submitter drives.
type TxBackend interface {
	DryRun(ctx context.Context, msg parachain.CallMsg) error
	Nonce(ctx context.Context, account string) (uint64, error)
	Broadcast(ctx context.Context, raw []byte) (string, error)
	Receipt(ctx context.Context, txHash string) (*parachain.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Submitter turns a prepared report call into a confirmed transaction. The
// dry run comes before the nonce fetch so a report the contract would reject
// leaves no trace on chain, not even a consumed nonce.
type Submitter struct {
	backend      TxBackend
	signer       parachain.Signer
	gasLimit     uint64
	debug        bool
	receiptPoll  time.Duration
	confirmDepth uint64
	log          *zap.Logger
}

func NewSubmitter(backend TxBackend, signer parachain.Signer, gasLimit uint64, debug bool, receiptPoll time.Duration, log *zap.Logger) *Submitter {
	return &Submitter{
		backend:      backend,
		signer:       signer,
		gasLimit:     gasLimit,
		debug:        debug,
		receiptPoll:  receiptPoll,
		confirmDepth: 2,
		log:          log.Named("submitter"),
	}
}

// Submit runs the full dry-run, sign, broadcast, confirm sequence for one
// report call. Transport errors bubble to the caller for recovery; contract
// rejections come back as outcomes, not errors.
func (s *Submitter) Submit(ctx context.Context, msg parachain.CallMsg) (Outcome, error) {
	if s.debug {
		s.log.Info("Debug mode, submission suppressed", zap.String("to", msg.To))
		return OutcomeSkipped, nil
	}

	msg.Gas = s.gasLimit
	if err := s.backend.DryRun(ctx, msg); err != nil {
		if parachain.IsRevert(err) {
			s.log.Warn("Dry run rejected report", zap.Error(err))
			return OutcomeLikelyFailing, nil
		}
		return 0, err
	}

	nonce, err := s.backend.Nonce(ctx, msg.From)
	if err != nil {
		return 0, err
	}
	msg.Nonce = nonce

	raw, err := parachain.SignTx(s.signer, msg)
	if err != nil {
		return 0, err
	}
	txHash, err := s.backend.Broadcast(ctx, raw)
	if err != nil {
		return 0, err
	}
	s.log.Info("Report broadcast",
		zap.String("tx", txHash),
		zap.Uint64("nonce", nonce))

	receipt, err := s.waitReceipt(ctx, txHash)
	if err != nil {
		return 0, err
	}
	if receipt.Status != 1 {
		s.log.Warn("Report reverted on chain",
			zap.String("tx", txHash),
			zap.Uint64("block", receipt.BlockNumber))
		return OutcomeReverted, nil
	}
	if err := s.waitConfirmed(ctx, receipt.BlockNumber); err != nil {
		return 0, err
	}
	s.log.Info("Report confirmed",
		zap.String("tx", txHash),
		zap.Uint64("block", receipt.BlockNumber))
	return OutcomeSuccess, nil
}

func (s *Submitter) waitReceipt(ctx context.Context, txHash string) (*parachain.Receipt, error) {
	for {
		receipt, err := s.backend.Receipt(ctx, txHash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.receiptPoll):
		}
	}
}

// waitConfirmed blocks until confirmDepth blocks are built on top of the
// inclusion block.
func (s *Submitter) waitConfirmed(ctx context.Context, minedAt uint64) error {
	for {
		height, err := s.backend.BlockNumber(ctx)
		if err != nil {
			return err
		}
		if height >= minedAt+s.confirmDepth {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.receiptPoll):
		}
	}
}
