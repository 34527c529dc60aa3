// pkg/blockchain/ethereum_test.go
package blockchain

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTokenContract = "0x00000000000000000000000000000000000000aa"

func newTestEthereumClient(t *testing.T) *EthereumClient {
	t.Helper()
	client, err := NewEthereumClient(EthereumConfig{
		RPCURL:        "http://127.0.0.1:8545",
		ChainID:       1337,
		TokenContract: testTokenContract,
	})
	require.NoError(t, err)
	return client
}

func TestEthereumClientRequiresConnect(t *testing.T) {
	client := newTestEthereumClient(t)

	_, err := client.Mint(context.Background(), "", []int64{1})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.LookupTransaction(context.Background(), "0x"+strings.Repeat("ab", 32))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestNewEthereumClientValidatesConfig(t *testing.T) {
	_, err := NewEthereumClient(EthereumConfig{TokenContract: testTokenContract})
	assert.Error(t, err)

	_, err = NewEthereumClient(EthereumConfig{RPCURL: "http://127.0.0.1:8545", TokenContract: "0x12"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestMintedTokenIDsReadsEventFromBinding(t *testing.T) {
	client := newTestEthereumClient(t)
	parsed, err := abi.JSON(strings.NewReader(tokenContractABI))
	require.NoError(t, err)

	contract := common.HexToAddress(testTokenContract)
	binding := tokenBinding{
		contract: bind.NewBoundContract(contract, parsed, nil, nil, nil),
		abi:      parsed,
	}

	event := parsed.Events["mintNFTEvent"]
	data, err := event.Inputs.Pack([]*big.Int{big.NewInt(101), big.NewInt(102)})
	require.NoError(t, err)

	receipt := &types.Receipt{
		TxHash: common.HexToHash("0x01"),
		Logs: []*types.Log{
			// Same event from another contract is ignored.
			{Address: common.HexToAddress("0x00000000000000000000000000000000000000bb"), Topics: []common.Hash{event.ID}, Data: data},
			{Address: contract, Topics: []common.Hash{event.ID}, Data: data},
		},
	}

	ids, err := client.mintedTokenIDs(binding, receipt)
	require.NoError(t, err)
	assert.Equal(t, []string{"101", "102"}, ids)

	_, err = client.mintedTokenIDs(binding, &types.Receipt{TxHash: common.HexToHash("0x02")})
	assert.ErrorContains(t, err, "carries no mintNFTEvent")
}
