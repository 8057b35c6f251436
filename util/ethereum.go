package util

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet is the signing identity used for ledger writes.
type Wallet struct {
	Address *common.Address
	Key     *ecdsa.PrivateKey
}

// Generates a new wallet with a random private key.
func NewWallet() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return walletFromKey(key), nil
}

// Loads a wallet from a hex-encoded private key. A leading 0x is accepted.
func WalletFromHex(hexKey string) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return walletFromKey(key), nil
}

func walletFromKey(key *ecdsa.PrivateKey) *Wallet {
	address := crypto.PubkeyToAddress(key.PublicKey)
	return &Wallet{
		Address: &address,
		Key:     key,
	}
}

// Signs a transaction for the given chain.
// The latest signer for the chain is used, so legacy and typed transactions are both supported.
func (w *Wallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), w.Key)
}

// Validates a wallet-style address and returns it in its checksummed form.
func NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}
