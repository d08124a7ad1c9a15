package parachain

import (
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"
)

// Minimal calldata packing for the four oracle contract entry points. Full
// ABI tooling is deliberately not pulled in: the surface is four fixed
// signatures and the only dynamic value is the unlocking schedule.

const wordSize = 32

func selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

var (
	selGetStashAccounts  = selector("getStashAccounts()")
	selIsReportedLastEra = selector("isReportedLastEra(address,bytes32)")
	selEraID             = selector("eraId()")
	selReportRelay       = selector("reportRelay(uint64,bytes32,bytes32,uint8,uint256,uint256,uint256,uint32,(uint256,uint64)[])")
)

func word(v *big.Int) []byte {
	out := make([]byte, wordSize)
	if v != nil {
		v.FillBytes(out)
	}
	return out
}

func wordUint(v uint64) []byte {
	return word(new(big.Int).SetUint64(v))
}

// wordBytes right-pads nothing: addresses and 32-byte account ids are
// left-padded into a single word.
func wordBytes(b []byte) ([]byte, error) {
	if len(b) > wordSize {
		return nil, fmt.Errorf("value of %d bytes exceeds abi word", len(b))
	}
	out := make([]byte, wordSize)
	copy(out[wordSize-len(b):], b)
	return out, nil
}

// decodeWord returns word i of an abi-encoded result.
func decodeWord(data []byte, i int) ([]byte, error) {
	start := i * wordSize
	if len(data) < start+wordSize {
		return nil, fmt.Errorf("abi result too short: want word %d, have %d bytes", i, len(data))
	}
	return data[start : start+wordSize], nil
}

func decodeUint64(data []byte, i int) (uint64, error) {
	w, err := decodeWord(data, i)
	if err != nil {
		return 0, err
	}
	return new(big.Int).SetBytes(w).Uint64(), nil
}

func decodeBool(data []byte, i int) (bool, error) {
	n, err := decodeUint64(data, i)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// decodeBytes32Array decodes a dynamic bytes32[] return value: one offset
// word, then length, then the elements.
func decodeBytes32Array(data []byte) ([][]byte, error) {
	offset, err := decodeUint64(data, 0)
	if err != nil {
		return nil, err
	}
	if offset%wordSize != 0 {
		return nil, fmt.Errorf("misaligned abi offset %d", offset)
	}
	base := int(offset / wordSize)
	length, err := decodeUint64(data, base)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, length)
	for i := 0; i < int(length); i++ {
		w, err := decodeWord(data, base+1+i)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}
