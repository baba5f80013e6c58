// Package chain talks to the SoT contract over go-ethereum: live Transfer
// subscriptions, historical log replay and the read-only contract calls the
// block processor needs.
package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sot-ingest/internal/models"
)

// sotABI is the subset of the SoT contract used by the ingester
const sotABI = `[
	{"anonymous":false,"name":"Transfer","type":"event","inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":true,"name":"tokenId","type":"uint256"}]},
	{"constant":true,"name":"getTokenMetaData","type":"function","stateMutability":"view",
		"inputs":[{"name":"tokenId","type":"uint256"}],
		"outputs":[{"name":"","type":"string"}]},
	{"constant":true,"name":"ownerOf","type":"function","stateMutability":"view",
		"inputs":[{"name":"tokenId","type":"uint256"}],
		"outputs":[{"name":"","type":"address"}]}
]`

// TransferTopic is keccak256("Transfer(address,address,uint256)")
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ParseABI returns the parsed SoT contract ABI
func ParseABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(sotABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse SoT ABI: %w", err)
	}
	return parsed, nil
}

// TransferQuery builds the log filter for the contract's Transfer events,
// optionally restricted to a sender. Nil bounds are left open.
func TransferQuery(contract common.Address, from *common.Address, fromBlock, toBlock *big.Int) ethereum.FilterQuery {
	topics := [][]common.Hash{{TransferTopic}}
	if from != nil {
		topics = append(topics, []common.Hash{common.BytesToHash(from.Bytes())})
	}

	return ethereum.FilterQuery{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Addresses: []common.Address{contract},
		Topics:    topics,
	}
}

// DecodeTransfer converts an ERC-721 Transfer log into a ChainEvent
func DecodeTransfer(l types.Log) (models.ChainEvent, error) {
	if len(l.Topics) != 4 {
		return models.ChainEvent{}, fmt.Errorf("%w: expected 4 topics, got %d", ErrInvalidLog, len(l.Topics))
	}
	if l.Topics[0] != TransferTopic {
		return models.ChainEvent{}, fmt.Errorf("%w: unexpected topic %s", ErrInvalidLog, l.Topics[0].Hex())
	}

	from := common.BytesToAddress(l.Topics[1].Bytes())
	to := common.BytesToAddress(l.Topics[2].Bytes())
	tokenID := new(big.Int).SetBytes(l.Topics[3].Bytes()).String()

	return models.ChainEvent{
		BlockNumber: l.BlockNumber,
		TokenID:     tokenID,
		TxHash:      l.TxHash.Hex(),
		LogIndex:    l.Index,
		Removed:     l.Removed,
		ReturnValues: map[string]string{
			"from":    from.Hex(),
			"to":      to.Hex(),
			"tokenId": tokenID,
		},
	}, nil
}

// parseTokenID parses a decimal token id
func parseTokenID(tokenID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid token id %q", tokenID)
	}
	return id, nil
}
