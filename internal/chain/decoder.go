package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"relayer/internal/models"
)

// LockEventName is the watched bridge event
const LockEventName = "TokensLocked"

const bridgeABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "recipient", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "destinationChainId", "type": "uint256"},
			{"indexed": false, "internalType": "bytes32", "name": "transactionHash", "type": "bytes32"}
		],
		"name": "TokensLocked",
		"type": "event"
	}
]`

// ErrUnknownEvent is returned for logs whose first topic is not TokensLocked
var ErrUnknownEvent = errors.New("log is not a TokensLocked event")

type lockTopics struct {
	Sender    common.Address
	Recipient common.Address
}

type lockData struct {
	Amount             *big.Int
	DestinationChainID *big.Int `abi:"destinationChainId"`
	TransactionHash    [32]byte
}

// Decoder turns raw TokensLocked logs into LockEvents
type Decoder struct {
	contractABI abi.ABI
	event       abi.Event
	indexed     abi.Arguments
}

// NewDecoder parses the bridge ABI
func NewDecoder() (*Decoder, error) {
	contractABI, err := abi.JSON(strings.NewReader(bridgeABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse bridge ABI: %w", err)
	}

	event, ok := contractABI.Events[LockEventName]
	if !ok {
		return nil, fmt.Errorf("bridge ABI has no %s event", LockEventName)
	}

	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}

	return &Decoder{
		contractABI: contractABI,
		event:       event,
		indexed:     indexed,
	}, nil
}

// EventID returns topic0 of TokensLocked
func (d *Decoder) EventID() common.Hash {
	return d.event.ID
}

// Decode parses a single log
func (d *Decoder) Decode(log *types.Log) (*models.LockEvent, error) {
	if len(log.Topics) == 0 || log.Topics[0] != d.event.ID {
		return nil, ErrUnknownEvent
	}

	var topics lockTopics
	if err := abi.ParseTopics(&topics, d.indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("failed to decode indexed fields of log %s-%d: %w", log.TxHash.Hex(), log.Index, err)
	}

	var data lockData
	if err := d.contractABI.UnpackIntoInterface(&data, LockEventName, log.Data); err != nil {
		return nil, fmt.Errorf("failed to decode data of log %s-%d: %w", log.TxHash.Hex(), log.Index, err)
	}

	return &models.LockEvent{
		TxHash:             log.TxHash,
		LogIndex:           log.Index,
		BlockNumber:        log.BlockNumber,
		BlockHash:          log.BlockHash,
		Sender:             topics.Sender,
		Recipient:          topics.Recipient,
		Amount:             data.Amount,
		DestinationChainID: data.DestinationChainID,
		TransferID:         common.Hash(data.TransactionHash),
	}, nil
}

// Pack builds the topics and data of a TokensLocked log. Used by tests and local tooling.
func (d *Decoder) Pack(sender, recipient common.Address, amount, destinationChainID *big.Int, transferID common.Hash) ([]common.Hash, []byte, error) {
	data, err := d.event.Inputs.NonIndexed().Pack(amount, destinationChainID, [32]byte(transferID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to pack event data: %w", err)
	}

	topics := []common.Hash{
		d.event.ID,
		common.BytesToHash(sender.Bytes()),
		common.BytesToHash(recipient.Bytes()),
	}
	return topics, data, nil
}
