package relay

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"
)

// AccountID is a 0x-prefixed hex encoding of a 32-byte relay chain public
// key. Address checksum formats are a presentation concern of the RPC layer
// and never appear here.
type AccountID string

// Era identifies one staking accounting epoch. Index values observed over
// time are non-decreasing; a repeat or decrease is not a new era.
type Era struct {
	Index uint32 `json:"index"`
	Start uint64 `json:"start"`
}

// StakeStatus classifies a stash account at a block.
type StakeStatus uint8

const (
	StatusIdle      StakeStatus = 0
	StatusNominator StakeStatus = 1
	StatusValidator StakeStatus = 2
	StatusUnbonded  StakeStatus = 3
)

func (s StakeStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusNominator:
		return "nominator"
	case StatusValidator:
		return "validator"
	case StatusUnbonded:
		return "unbonded"
	}
	return fmt.Sprintf("stake_status(%d)", uint8(s))
}

// UnlockChunk is one entry of a ledger's unlocking schedule: an amount that
// becomes withdrawable at the given era.
type UnlockChunk struct {
	Value *BigInt `json:"value"`
	Era   uint32  `json:"era"`
}

// Ledger is a staking ledger read at one block hash.
type Ledger struct {
	Stash         AccountID     `json:"stash"`
	Active        *BigInt       `json:"active"`
	Total         *BigInt       `json:"total"`
	Unlocking     []UnlockChunk `json:"unlocking"`
	SlashingSpans uint32        `json:"slashingSpans"`
}

// StakingSnapshot is the per-(stash, era) report payload. It is produced
// read-only from chain state at one fixed block hash and never mutated.
type StakingSnapshot struct {
	Stash         AccountID
	Controller    AccountID
	Status        StakeStatus
	ActiveBalance *BigInt
	TotalBalance  *BigInt
	FreeBalance   *BigInt
	Unlocking     []UnlockChunk
	SlashingSpans uint32
}

// Boundary is the located last block of an era, pinned by both number and
// hash so a re-org between location and read is detectable.
type Boundary struct {
	Number uint64
	Hash   string
}

// BigInt carries u128 chain balances through JSON. Nodes serialize them as
// decimal strings, bare numbers, or 0x hex depending on version; accept all.
type BigInt struct {
	big.Int
}

func NewBigInt(v int64) *BigInt {
	b := new(BigInt)
	b.SetInt64(v)
	return b
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if s == "null" || s == "" {
		b.SetInt64(0)
		return nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if _, ok := b.SetString(s[2:], 16); !ok {
			return fmt.Errorf("malformed hex balance %q", s)
		}
		return nil
	}
	if _, ok := b.SetString(s, 10); !ok {
		return fmt.Errorf("malformed balance %q", s)
	}
	return nil
}

func (b *BigInt) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.String() + `"`), nil
}
