// Package wallet provides signing key management for withdrawal transactions.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// Signer holds the withdrawal key and signs transactions for it.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner parses a hex-encoded private key and derives its address.
func NewSigner(hexKey string) (*Signer, error) {
	if hexKey == "" {
		return nil, fmt.Errorf("no signing key configured")
	}

	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	logrus.Infof("Withdrawal signer initialized for %s", address.Hex())

	return &Signer{
		privateKey: privateKey,
		address:    address,
	}, nil
}

// Address returns the account withdrawals are sent from.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs a transaction for the given chain.
func (s *Signer) SignTx(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}
	return signed, nil
}
