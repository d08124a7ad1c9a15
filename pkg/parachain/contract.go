package parachain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/stakelink/relay-oracle/pkg/relay"
	"github.com/stakelink/relay-oracle/pkg/utils"
)

// ErrMissingEntryPoint reports that a required contract function is absent.
// It is a fatal configuration error at startup, never a retryable one.
var ErrMissingEntryPoint = errors.New("parachain: contract entry point missing")

// Contract binds the oracle contract's four entry points: the tracked stash
// list, the per-stash report record, the coordinator's era view, and the
// reportRelay submission.
type Contract struct {
	cli     *Client
	address string
	oracle  string
}

func NewContract(cli *Client, address, oracleAccount string) *Contract {
	return &Contract{cli: cli, address: address, oracle: oracleAccount}
}

// Address returns the bound contract address.
func (c *Contract) Address() string { return c.address }

// ValidateEntryPoints confirms at startup that the contract is deployed and
// answers every required function. A missing function is a configuration
// error; the process must not start against the wrong contract.
func (c *Contract) ValidateEntryPoints(ctx context.Context) error {
	code, err := c.cli.Code(ctx, c.address)
	if err != nil {
		return err
	}
	if len(code) == 0 {
		return fmt.Errorf("no contract deployed at %s: %w", c.address, ErrMissingEntryPoint)
	}
	if _, err := c.GetStashAccounts(ctx); err != nil {
		return c.entryPointErr("getStashAccounts", err)
	}
	if _, err := c.CurrentEra(ctx); err != nil {
		return c.entryPointErr("eraId", err)
	}
	zero := relay.AccountID(utils.EncodeHex(make([]byte, 32)))
	if _, _, err := c.IsReportedLastEra(ctx, zero); err != nil {
		return c.entryPointErr("isReportedLastEra", err)
	}
	return nil
}

func (c *Contract) entryPointErr(name string, err error) error {
	if IsRevert(err) {
		return fmt.Errorf("%s: %v: %w", name, err, ErrMissingEntryPoint)
	}
	return err
}

// GetStashAccounts returns the stash accounts currently tracked by the
// contract. The list changes per poll; empty is valid.
func (c *Contract) GetStashAccounts(ctx context.Context) ([]relay.AccountID, error) {
	result, err := c.cli.CallContract(ctx, CallMsg{
		From: c.oracle,
		To:   c.address,
		Data: selGetStashAccounts,
	})
	if err != nil {
		return nil, err
	}
	words, err := decodeBytes32Array(result)
	if err != nil {
		return nil, fmt.Errorf("decode stash accounts: %w", err)
	}
	out := make([]relay.AccountID, 0, len(words))
	for _, w := range words {
		out = append(out, relay.AccountID(utils.EncodeHex(w)))
	}
	return out, nil
}

// IsReportedLastEra returns the last era the contract has on record for this
// oracle and stash, and whether that era's report was accepted.
func (c *Contract) IsReportedLastEra(ctx context.Context, stash relay.AccountID) (uint32, bool, error) {
	oracleWord, err := wordBytes(mustHex(c.oracle))
	if err != nil {
		return 0, false, err
	}
	stashWord, err := wordBytes(mustHex(string(stash)))
	if err != nil {
		return 0, false, err
	}
	data := append(append(append([]byte{}, selIsReportedLastEra...), oracleWord...), stashWord...)
	result, err := c.cli.CallContract(ctx, CallMsg{From: c.oracle, To: c.address, Data: data})
	if err != nil {
		return 0, false, err
	}
	era, err := decodeUint64(result, 0)
	if err != nil {
		return 0, false, fmt.Errorf("decode report record: %w", err)
	}
	reported, err := decodeBool(result, 1)
	if err != nil {
		return 0, false, fmt.Errorf("decode report record: %w", err)
	}
	return uint32(era), reported, nil
}

// CurrentEra returns the oracle coordinator's view of the active era, used
// by the watchdog to distinguish a stalled relay chain from a local fault.
func (c *Contract) CurrentEra(ctx context.Context) (uint32, error) {
	result, err := c.cli.CallContract(ctx, CallMsg{
		From: c.oracle,
		To:   c.address,
		Data: selEraID,
	})
	if err != nil {
		return 0, err
	}
	era, err := decodeUint64(result, 0)
	if err != nil {
		return 0, fmt.Errorf("decode era id: %w", err)
	}
	return uint32(era), nil
}

// BuildReport packs a reportRelay call for one (stash, era) snapshot.
func (c *Contract) BuildReport(era uint32, s relay.StakingSnapshot) CallMsg {
	head := make([]byte, 0, 10*wordSize)
	head = append(head, wordUint(uint64(era))...)
	stashWord, _ := wordBytes(mustHex(string(s.Stash)))
	head = append(head, stashWord...)
	controllerWord, _ := wordBytes(mustHex(string(s.Controller)))
	head = append(head, controllerWord...)
	head = append(head, wordUint(uint64(s.Status))...)
	head = append(head, word(bigOrZero(s.ActiveBalance))...)
	head = append(head, word(bigOrZero(s.TotalBalance))...)
	head = append(head, word(bigOrZero(s.FreeBalance))...)
	head = append(head, wordUint(uint64(s.SlashingSpans))...)
	// Offset of the dynamic unlocking array: nine head words.
	head = append(head, wordUint(uint64(9*wordSize))...)

	tail := wordUint(uint64(len(s.Unlocking)))
	for _, chunk := range s.Unlocking {
		tail = append(tail, word(bigOrZero(chunk.Value))...)
		tail = append(tail, wordUint(uint64(chunk.Era))...)
	}

	data := append(append(append([]byte{}, selReportRelay...), head...), tail...)
	return CallMsg{From: c.oracle, To: c.address, Data: data}
}

func bigOrZero(v *relay.BigInt) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return &v.Int
}

// mustHex decodes validated hex inputs (addresses and account ids are
// checked at startup and at the RPC boundary).
func mustHex(s string) []byte {
	b, err := utils.DecodeHex(s)
	if err != nil {
		return nil
	}
	return b
}
