package clearing

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// WalletSigner is the player's main wallet. It is asked to sign exactly one
// typed message per handshake, the auth challenge binding the ephemeral
// session key to the player's identity.
type WalletSigner interface {
	Address() common.Address
	SignTypedData(data apitypes.TypedData) ([]byte, error)
}

// KeySigner implements WalletSigner over a raw private key, for headless
// runners that hold their own key material.
type KeySigner struct {
	key *ecdsa.PrivateKey
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key}
}

func (s *KeySigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *KeySigner) SignTypedData(data apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// ephemeralSigner is the session-scoped key pair generated fresh for each
// handshake so the player's wallet is only prompted once.
type ephemeralSigner struct {
	key *ecdsa.PrivateKey
}

func newEphemeralSigner() (*ephemeralSigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return &ephemeralSigner{key: key}, nil
}

func (e *ephemeralSigner) address() common.Address {
	return crypto.PubkeyToAddress(e.key.PublicKey)
}

// signPayload signs keccak256(payload) and returns the 0x-hex signature.
func (e *ephemeralSigner) signPayload(payload []byte) (string, error) {
	sig, err := crypto.Sign(crypto.Keccak256(payload), e.key)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// challengeTypedData is the EIP-712 message the wallet signs to authorize
// the ephemeral key. Field set and ordering are fixed by the clearing
// network.
func challengeTypedData(appName, challenge, scope string, wallet, sessionKey common.Address, expire uint64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
			},
			"Policy": {
				{Name: "challenge", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "wallet", Type: "address"},
				{Name: "participant", Type: "address"},
				{Name: "expire", Type: "uint256"},
			},
		},
		PrimaryType: "Policy",
		Domain: apitypes.TypedDataDomain{
			Name: appName,
		},
		Message: apitypes.TypedDataMessage{
			"challenge":   challenge,
			"scope":       scope,
			"wallet":      wallet.Hex(),
			"participant": sessionKey.Hex(),
			"expire":      fmt.Sprintf("%d", expire),
		},
	}
}
