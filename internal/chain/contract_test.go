package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTransfer(t *testing.T) {
	l := transferLog(1678953, common.Address{}, testOwner, 2, 7)

	ev, err := DecodeTransfer(l)
	require.NoError(t, err)
	assert.Equal(t, uint64(1678953), ev.BlockNumber)
	assert.Equal(t, "2", ev.TokenID)
	assert.Equal(t, uint(7), ev.LogIndex)
	assert.Equal(t, common.Address{}.Hex(), ev.From())
	assert.Equal(t, "2", ev.ReturnValues["tokenId"])
}

func TestDecodeTransfer_RejectsMalformed(t *testing.T) {
	_, err := DecodeTransfer(types.Log{Topics: []common.Hash{TransferTopic}})
	assert.ErrorIs(t, err, ErrInvalidLog)

	l := transferLog(1, common.Address{}, testOwner, 1, 0)
	l.Topics[0] = common.HexToHash("0x01")
	_, err = DecodeTransfer(l)
	assert.ErrorIs(t, err, ErrInvalidLog)
}

func TestTransferQuery(t *testing.T) {
	contract := common.HexToAddress(testContract)
	q := TransferQuery(contract, nil, big.NewInt(5), nil)
	assert.Equal(t, []common.Address{contract}, q.Addresses)
	require.Len(t, q.Topics, 1)
	assert.Nil(t, q.ToBlock)

	from := common.HexToAddress("0x2222222222222222222222222222222222222222")
	q = TransferQuery(contract, &from, nil, nil)
	require.Len(t, q.Topics, 2)
	assert.Equal(t, common.BytesToHash(from.Bytes()), q.Topics[1][0])
}

func TestTransferTopic(t *testing.T) {
	assert.Equal(t, "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef", TransferTopic.Hex())
}
