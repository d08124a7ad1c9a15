package parachain

import (
	"math/big"
	"testing"

	"github.com/stakelink/relay-oracle/pkg/relay"
	"github.com/stakelink/relay-oracle/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectors(t *testing.T) {
	// transfer(address,uint256) is the canonical keccak selector check.
	assert.Equal(t, "0xa9059cbb", utils.EncodeHex(selector("transfer(address,uint256)")))
	for _, sel := range [][]byte{selGetStashAccounts, selIsReportedLastEra, selEraID, selReportRelay} {
		assert.Len(t, sel, 4)
	}
}

func TestWordBytesLeftPads(t *testing.T) {
	w, err := wordBytes([]byte{0xab, 0xcd})
	require.NoError(t, err)
	assert.Len(t, w, wordSize)
	assert.Equal(t, byte(0xab), w[30])
	assert.Equal(t, byte(0xcd), w[31])
	assert.Zero(t, w[0])

	_, err = wordBytes(make([]byte, 33))
	assert.Error(t, err)
}

func TestDecodeBytes32Array(t *testing.T) {
	var data []byte
	data = append(data, wordUint(32)...) // offset
	data = append(data, wordUint(2)...)  // length
	a, _ := wordBytes([]byte{0x01})
	b, _ := wordBytes([]byte{0x02})
	data = append(data, a...)
	data = append(data, b...)

	words, err := decodeBytes32Array(data)
	require.NoError(t, err)
	require.Len(t, words, 2)
	assert.Equal(t, byte(0x01), words[0][31])
	assert.Equal(t, byte(0x02), words[1][31])
}

func TestDecodeTruncatedResult(t *testing.T) {
	_, err := decodeWord(make([]byte, 16), 0)
	assert.Error(t, err)
	_, err = decodeBytes32Array(wordUint(32))
	assert.Error(t, err)
}

func TestBuildReportLayout(t *testing.T) {
	contract := NewContract(nil, "0x"+hexN(0x22, 20), "0x"+hexN(0x11, 20))
	active := new(relay.BigInt)
	active.SetString("250000000000000000000", 10)
	snap := relay.StakingSnapshot{
		Stash:         relay.AccountID("0x" + hexN(0xaa, 32)),
		Controller:    relay.AccountID("0x" + hexN(0xbb, 32)),
		Status:        relay.StatusValidator,
		ActiveBalance: active,
		TotalBalance:  active,
		FreeBalance:   relay.NewBigInt(5),
		Unlocking: []relay.UnlockChunk{
			{Value: relay.NewBigInt(100), Era: 410},
			{Value: relay.NewBigInt(200), Era: 411},
		},
		SlashingSpans: 3,
	}

	msg := contract.BuildReport(412, snap)
	data := msg.Data
	require.Equal(t, selReportRelay, data[:4])
	body := data[4:]

	// 9 head words, then length word, then 2 chunks of 2 words each.
	require.Len(t, body, (9+1+4)*wordSize)

	era := new(big.Int).SetBytes(body[:wordSize])
	assert.Equal(t, uint64(412), era.Uint64())

	offset := new(big.Int).SetBytes(body[8*wordSize : 9*wordSize])
	assert.Equal(t, uint64(9*wordSize), offset.Uint64())

	length := new(big.Int).SetBytes(body[9*wordSize : 10*wordSize])
	assert.Equal(t, uint64(2), length.Uint64())

	firstChunkEra := new(big.Int).SetBytes(body[11*wordSize : 12*wordSize])
	assert.Equal(t, uint64(410), firstChunkEra.Uint64())
}

func TestBuildReportNilBalances(t *testing.T) {
	contract := NewContract(nil, "0x"+hexN(0x22, 20), "0x"+hexN(0x11, 20))
	msg := contract.BuildReport(1, relay.StakingSnapshot{
		Stash:  relay.AccountID("0x" + hexN(0xaa, 32)),
		Status: relay.StatusUnbonded,
	})
	// Nil balances pack as zero words, not a panic.
	require.Len(t, msg.Data, 4+(9+1)*wordSize)
}

func hexN(b byte, n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		out = append(out, "0123456789abcdef"[b>>4], "0123456789abcdef"[b&0x0f])
	}
	return string(out)
}
