package utils

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// HexToUint64 parses a 0x-prefixed quantity as used by EVM-style JSON-RPC.
func HexToUint64(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, fmt.Errorf("empty hex quantity")
	}
	return strconv.ParseUint(s, 16, 64)
}

func Uint64ToHex(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}

// HexToBig parses a 0x-prefixed or bare hex string into a big integer.
func HexToBig(s string) (*big.Int, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("malformed hex quantity %q", s)
	}
	return n, nil
}

// DecodeHex decodes a 0x-prefixed hex string into bytes.
func DecodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func EncodeHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
