// Package wallet manages the signing key and chain-derived nonce source.
// The private key is only ever read from the environment, never from disk.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKeyEnv is the environment variable holding the hex-encoded wallet
// private key.
const PrivateKeyEnv = "SWARM_WALLET_PRIVATE_KEY"

// Wallet holds the loaded signing key and its derived address.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// FromEnv loads the wallet key from PrivateKeyEnv. An empty variable is an
// error: trading requires a signing identity even in dry-run mode, where the
// address seeds deterministic order ids.
func FromEnv() (*Wallet, error) {
	raw := strings.TrimSpace(os.Getenv(PrivateKeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("wallet: %s is not set", PrivateKeyEnv)
	}
	return FromHex(raw)
}

// FromHex parses a hex-encoded private key, with or without the 0x prefix.
func FromHex(hexKey string) (*Wallet, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("wallet: parse private key: %w", err)
	}
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the checksummed account address derived from the key.
func (w *Wallet) Address() common.Address {
	return w.address
}

// AddressHex returns the address in 0x-prefixed checksum form.
func (w *Wallet) AddressHex() string {
	return w.address.Hex()
}

// Sign signs a 32-byte digest with the wallet key.
func (w *Wallet) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("wallet: digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := crypto.Sign(digest, w.key)
	if err != nil {
		return nil, fmt.Errorf("wallet: sign: %w", err)
	}
	return sig, nil
}
