package wallet

import (
	"math/big"
	"testing"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// well-known test vector key (hardhat account 0)
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestNewSigner(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())
}

func TestNewSigner_Invalid(t *testing.T) {
	_, err := NewSigner("")
	assert.Error(t, err, "empty key should be rejected")

	_, err = NewSigner("not-hex")
	assert.Error(t, err, "malformed key should be rejected")
}

func TestSigner_SignTx(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)

	chainID := big.NewInt(11155111)
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     1,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &s.address,
	})

	signed, err := s.SignTx(tx, chainID)
	require.NoError(t, err)

	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from, "the signature should recover to the signer address")
}
