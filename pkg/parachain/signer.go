package parachain

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/stakelink/relay-oracle/pkg/utils"
	"golang.org/x/crypto/sha3"
)

// Signer produces the oracle's transaction signatures. The signing scheme is
// an opaque boundary: the engine only needs sign(payload) -> signedPayload
// and the account address the parachain attributes to it.
type Signer interface {
	Address() string
	Sign(payload []byte) ([]byte, error)
}

// KeySigner signs with an in-memory ed25519 key derived from a 32-byte hex
// seed. The address is the last 20 bytes of the keccak hash of the public
// key, matching what the parachain derives on its side.
type KeySigner struct {
	key     ed25519.PrivateKey
	address string
}

func NewKeySigner(hexSeed string) (*KeySigner, error) {
	seed, err := utils.DecodeHex(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("malformed oracle key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("oracle key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	pub := key.Public().(ed25519.PublicKey)
	h := sha3.NewLegacyKeccak256()
	h.Write(pub)
	digest := h.Sum(nil)
	return &KeySigner{
		key:     key,
		address: utils.EncodeHex(digest[len(digest)-20:]),
	}, nil
}

func (s *KeySigner) Address() string { return s.address }

func (s *KeySigner) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(s.key, payload), nil
}

type txEnvelope struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Nonce     uint64 `json:"nonce"`
	Gas       uint64 `json:"gas"`
	Data      string `json:"data"`
	Signature string `json:"signature,omitempty"`
}

// SignTx serializes msg, signs the keccak digest of the unsigned body, and
// returns the signed payload ready for eth_sendRawTransaction.
func SignTx(s Signer, msg CallMsg) ([]byte, error) {
	env := txEnvelope{
		From:  msg.From,
		To:    msg.To,
		Nonce: msg.Nonce,
		Gas:   msg.Gas,
		Data:  utils.EncodeHex(msg.Data),
	}
	unsigned, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(unsigned)
	sig, err := s.Sign(h.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	env.Signature = utils.EncodeHex(sig)
	return json.Marshal(env)
}
