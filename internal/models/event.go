package models

import "fmt"

// ChainEvent is a decoded Transfer log emitted by the SoT contract
type ChainEvent struct {
	BlockNumber  uint64            `json:"blockNumber"`
	TokenID      string            `json:"tokenId"`
	TxHash       string            `json:"transactionHash"`
	LogIndex     uint              `json:"logIndex"`
	ReturnValues map[string]string `json:"returnValues"` // from, to, tokenId
	Removed      bool              `json:"removed,omitempty"`
}

// Key identifies the log that produced the event
func (e ChainEvent) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.LogIndex)
}

// From returns the sender address from the decoded return values
func (e ChainEvent) From() string {
	return e.ReturnValues["from"]
}

// To returns the recipient address from the decoded return values
func (e ChainEvent) To() string {
	return e.ReturnValues["to"]
}
