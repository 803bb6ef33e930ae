// Package fairness implements the commit-reveal primitives shared with the
// game backend. The backend recomputes every value produced here, so byte
// layout and hash choice are a wire contract: keccak256 everywhere, integers
// left-padded to 32 bytes big-endian.
package fairness

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// GenerateNonce returns 32 bytes from a cryptographically secure source,
// hex-encoded with a 0x prefix.
func GenerateNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return "0x" + hex.EncodeToString(buf), nil
}

// CreateCommitment binds a player's choice to a nonce:
// keccak256(UTF8(choiceData) || bytes(nonce)).
func CreateCommitment(choiceData, nonce string) (string, error) {
	nonceBytes, err := decodeHex(nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	return crypto.Keccak256Hash([]byte(choiceData), nonceBytes).Hex(), nil
}

// DeriveHouseNonce computes the house's per-round nonce from the session
// seed: keccak256(uint256(seed) || uint256(round)). The seed is accepted as
// a 0x-hex or decimal string.
func DeriveHouseNonce(sessionSeed string, roundNumber uint64) (string, error) {
	seed, err := parseSeed(sessionSeed)
	if err != nil {
		return "", err
	}
	round := new(big.Int).SetUint64(roundNumber)
	return crypto.Keccak256Hash(pad32(seed), pad32(round)).Hex(), nil
}

// VerifyRound recomputes the house nonce for a round and compares it to the
// value the backend reported. Used for post-hoc audits.
func VerifyRound(sessionSeed string, roundNumber uint64, expectedHouseNonce string) bool {
	derived, err := DeriveHouseNonce(sessionSeed, roundNumber)
	if err != nil {
		return false
	}
	return strings.EqualFold(derived, expectedHouseNonce)
}

// ComputeSessionHash is the session-identity commitment:
// keccak256(uint256(seed) || address).
func ComputeSessionHash(sessionSeed, playerAddress string) (string, error) {
	seed, err := parseSeed(sessionSeed)
	if err != nil {
		return "", err
	}
	if !common.IsHexAddress(playerAddress) {
		return "", fmt.Errorf("invalid player address %q", playerAddress)
	}
	addr := common.HexToAddress(playerAddress)
	return crypto.Keccak256Hash(pad32(seed), addr.Bytes()).Hex(), nil
}

func parseSeed(s string) (*big.Int, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return nil, fmt.Errorf("empty session seed")
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		v, ok := new(big.Int).SetString(raw[2:], 16)
		if !ok {
			return nil, fmt.Errorf("invalid hex session seed %q", s)
		}
		return v, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid session seed %q", s)
	}
	return v, nil
}

func decodeHex(s string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(trimmed)
}

func pad32(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}
