package models

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventSignature uniquely identifies one TokensLocked occurrence on the source chain.
// Format: "<tx hash>-<log index>"
type EventSignature string

// NewEventSignature derives the signature from the emitting transaction and the log position
func NewEventSignature(txHash common.Hash, logIndex uint) EventSignature {
	return EventSignature(fmt.Sprintf("%s-%d", txHash.Hex(), logIndex))
}

func (s EventSignature) String() string {
	return string(s)
}

// LockEvent represents a decoded TokensLocked log
type LockEvent struct {
	// Log position
	TxHash      common.Hash `json:"tx_hash"`
	LogIndex    uint        `json:"log_index"`
	BlockNumber uint64      `json:"block_number"`
	BlockHash   common.Hash `json:"block_hash"`

	// Decoded event arguments
	Sender             common.Address `json:"sender"`
	Recipient          common.Address `json:"recipient"`
	Amount             *big.Int       `json:"amount"`
	DestinationChainID *big.Int       `json:"destination_chain_id"`
	TransferID         common.Hash    `json:"transfer_id"` // bytes32 transactionHash argument
}

// Signature returns the dedup key of the event
func (e *LockEvent) Signature() EventSignature {
	return NewEventSignature(e.TxHash, e.LogIndex)
}

// Payload formats the event for the relay endpoint
func (e *LockEvent) Payload() *RelayPayload {
	return &RelayPayload{
		SourceTransactionHash: e.TxHash.Hex(),
		Sender:                e.Sender.Hex(),
		Recipient:             e.Recipient.Hex(),
		Amount:                new(big.Int).Set(bigOrZero(e.Amount)),
		DestinationChainID:    new(big.Int).Set(bigOrZero(e.DestinationChainID)),
	}
}

// RelayPayload is the body forwarded to the destination service
type RelayPayload struct {
	SourceTransactionHash string   `json:"source_transaction_hash"`
	Sender                string   `json:"sender"`
	Recipient             string   `json:"recipient"`
	Amount                *big.Int `json:"amount"`
	DestinationChainID    *big.Int `json:"destination_chain_id"`
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
