package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stakelink/relay-oracle/pkg/endpoint"
	"github.com/stakelink/relay-oracle/pkg/parachain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBackend struct {
	dryRunErr    error
	nonce        uint64
	nonceCalls   int
	broadcasts   int
	receiptAfter int // polls before the receipt appears
	receipt      *parachain.Receipt
	height       uint64
}

func (f *fakeBackend) DryRun(context.Context, parachain.CallMsg) error { return f.dryRunErr }

func (f *fakeBackend) Nonce(context.Context, string) (uint64, error) {
	f.nonceCalls++
	return f.nonce, nil
}

func (f *fakeBackend) Broadcast(context.Context, []byte) (string, error) {
	f.broadcasts++
	return "0xtxhash", nil
}

func (f *fakeBackend) Receipt(context.Context, string) (*parachain.Receipt, error) {
	if f.receiptAfter > 0 {
		f.receiptAfter--
		return nil, nil
	}
	return f.receipt, nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.height++
	return f.height, nil
}

func newTestSubmitter(t *testing.T, backend *fakeBackend, debug bool) *Submitter {
	t.Helper()
	signer, err := parachain.NewKeySigner("0x" + repeatHex("11", 32))
	require.NoError(t, err)
	return NewSubmitter(backend, signer, 10_000_000, debug, time.Millisecond, zap.NewNop())
}

func repeatHex(pair string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += pair
	}
	return out
}

func TestSubmitSuccess(t *testing.T) {
	backend := &fakeBackend{
		nonce:        7,
		receiptAfter: 2,
		receipt:      &parachain.Receipt{TxHash: "0xtxhash", Status: 1, BlockNumber: 100},
		height:       99,
	}
	submitter := newTestSubmitter(t, backend, false)

	outcome, err := submitter.Submit(context.Background(), parachain.CallMsg{To: "0xcontract"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.Equal(t, 1, backend.broadcasts)
}

// A dry-run revert must abort before anything touches the chain: no nonce
// fetch, no broadcast.
func TestSubmitDryRunRejection(t *testing.T) {
	backend := &fakeBackend{
		dryRunErr: &parachain.RevertError{Method: "eth_call", Msg: "stale era"},
	}
	submitter := newTestSubmitter(t, backend, false)

	outcome, err := submitter.Submit(context.Background(), parachain.CallMsg{To: "0xcontract"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeLikelyFailing, outcome)
	assert.Zero(t, backend.nonceCalls)
	assert.Zero(t, backend.broadcasts)
}

func TestSubmitDryRunTransportBubbles(t *testing.T) {
	cause := &endpoint.TransportError{Chain: endpoint.ChainParachain, URL: "http://a", Err: errors.New("down")}
	backend := &fakeBackend{dryRunErr: cause}
	submitter := newTestSubmitter(t, backend, false)

	_, err := submitter.Submit(context.Background(), parachain.CallMsg{To: "0xcontract"})
	var te *endpoint.TransportError
	assert.ErrorAs(t, err, &te)
	assert.Zero(t, backend.broadcasts)
}

func TestSubmitMinedRevert(t *testing.T) {
	backend := &fakeBackend{
		receipt: &parachain.Receipt{TxHash: "0xtxhash", Status: 0, BlockNumber: 100},
	}
	submitter := newTestSubmitter(t, backend, false)

	outcome, err := submitter.Submit(context.Background(), parachain.CallMsg{To: "0xcontract"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReverted, outcome)
}

func TestSubmitDebugMode(t *testing.T) {
	backend := &fakeBackend{}
	submitter := newTestSubmitter(t, backend, true)

	outcome, err := submitter.Submit(context.Background(), parachain.CallMsg{To: "0xcontract"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Zero(t, backend.nonceCalls)
	assert.Zero(t, backend.broadcasts)
}
