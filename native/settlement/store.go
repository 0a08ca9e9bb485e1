package settlement

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	messagePrefix = "xchain/message/"
	noncePrefix   = "xchain/nonce/"
	inboundPrefix = "xchain/inbound/"
)

// indexKey lists the IDs of non-terminal messages for the in-flight scan.
var indexKey = []byte("xchain/index")

type storedMessage struct {
	ID           string
	SourceChain  string
	DestChain    string
	Action       string
	Asset        string
	Amount       string
	Sender       common.Address
	Receiver     common.Address
	Nonce        uint64
	FeeWei       string
	Status       string
	Reason       string
	RelayReceipt string
	CreatedAt    uint64
	UpdatedAt    uint64
}

func messageKey(id string) []byte {
	return []byte(messagePrefix + id)
}

func nonceKey(addr common.Address) []byte {
	return []byte(noncePrefix + addr.Hex())
}

func inboundKey(id string) []byte {
	return []byte(inboundPrefix + id)
}

func encodeMessage(msg *Message) *storedMessage {
	stored := &storedMessage{
		ID:           msg.ID,
		SourceChain:  msg.SourceChain,
		DestChain:    msg.DestChain,
		Action:       string(msg.Action),
		Asset:        msg.Asset,
		Amount:       "0",
		Sender:       msg.Sender,
		Receiver:     msg.Receiver,
		Nonce:        msg.Nonce,
		FeeWei:       "0",
		Status:       string(msg.Status),
		Reason:       msg.Reason,
		RelayReceipt: msg.RelayReceipt,
		CreatedAt:    uint64(msg.CreatedAt.Unix()),
		UpdatedAt:    uint64(msg.UpdatedAt.Unix()),
	}
	if msg.Amount != nil {
		stored.Amount = msg.Amount.String()
	}
	if msg.FeeWei != nil {
		stored.FeeWei = msg.FeeWei.String()
	}
	return stored
}

func decodeMessage(stored *storedMessage) (*Message, error) {
	amount, ok := new(big.Int).SetString(stored.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("settlement: corrupt amount for message %s", stored.ID)
	}
	fee, ok := new(big.Int).SetString(stored.FeeWei, 10)
	if !ok {
		return nil, fmt.Errorf("settlement: corrupt fee for message %s", stored.ID)
	}
	return &Message{
		ID:           stored.ID,
		SourceChain:  stored.SourceChain,
		DestChain:    stored.DestChain,
		Action:       Action(stored.Action),
		Asset:        stored.Asset,
		Amount:       amount,
		Sender:       stored.Sender,
		Receiver:     stored.Receiver,
		Nonce:        stored.Nonce,
		FeeWei:       fee,
		Status:       Status(stored.Status),
		Reason:       stored.Reason,
		RelayReceipt: stored.RelayReceipt,
		CreatedAt:    time.Unix(int64(stored.CreatedAt), 0).UTC(),
		UpdatedAt:    time.Unix(int64(stored.UpdatedAt), 0).UTC(),
	}, nil
}
