package settlement

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"lukechampine.com/blake3"
)

// Status enumerates the message lifecycle. Delivered, Failed and TimedOut are
// terminal; Delivered in particular can never transition again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Action identifies what the destination chain should do with the message.
type Action string

const (
	ActionBorrow            Action = "borrow"
	ActionWithdraw          Action = "withdraw"
	ActionDepositSettlement Action = "deposit_settlement"
)

var (
	ErrDuplicateMessage = errors.New("settlement: duplicate message")
	ErrUnknownMessage   = errors.New("settlement: unknown message")
	// ErrAlreadyResolved reports a confirmation or failure arriving for a
	// message that already reached a conflicting terminal state.
	ErrAlreadyResolved    = errors.New("settlement: message already resolved")
	ErrChainNotConfigured = errors.New("settlement: destination chain not configured")
	ErrRelayRejected      = errors.New("settlement: relay rejected message")
	ErrNotRetryable       = errors.New("settlement: message not eligible for retry")
	errInvalidAmount      = errors.New("settlement: amount must be positive")
	errTransportMissing   = errors.New("settlement: relay transport not configured")
)

// Message is one row of the coordinator's message table.
type Message struct {
	ID           string
	SourceChain  string
	DestChain    string
	Action       Action
	Asset        string
	Amount       *big.Int
	Sender       common.Address
	Receiver     common.Address
	Nonce        uint64
	FeeWei       *big.Int
	Status       Status
	Reason       string
	RelayReceipt string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy to shield callers from shared pointers.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	}
	if m.FeeWei != nil {
		clone.FeeWei = new(big.Int).Set(m.FeeWei)
	}
	return &clone
}

// MessageID derives the deterministic identifier for a send attempt. Retried
// sends with identical parameters and nonce collapse onto the same ID so the
// coordinator can detect them as duplicates. Variable-length fields are
// length-prefixed so adjacent fields can never alias across distinct inputs.
func MessageID(sender common.Address, nonce uint64, destChain string, asset string, amount *big.Int, receiver common.Address) string {
	hasher := blake3.New(32, nil)
	_, _ = hasher.Write(sender.Bytes())
	var nonceBytes [8]byte
	for i := 0; i < 8; i++ {
		nonceBytes[7-i] = byte(nonce >> (8 * i))
	}
	_, _ = hasher.Write(nonceBytes[:])
	writeField(hasher, []byte(strings.ToLower(strings.TrimSpace(destChain))))
	writeField(hasher, []byte(strings.ToUpper(strings.TrimSpace(asset))))
	var amountBytes []byte
	if amount != nil {
		amountBytes = amount.Bytes()
	}
	writeField(hasher, amountBytes)
	_, _ = hasher.Write(receiver.Bytes())
	return fmt.Sprintf("%x", hasher.Sum(nil))
}

func writeField(w io.Writer, field []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(field)))
	_, _ = w.Write(length[:])
	_, _ = w.Write(field)
}

// FeeRule prices messages to one destination chain.
type FeeRule struct {
	BaseWei    *big.Int
	PerByteWei *big.Int
}

// FeeSchedule is the per-chain fee table injected from configuration.
type FeeSchedule map[string]FeeRule

// Estimate computes the relay fee for a payload of the given size. It is a
// pure function of the destination chain and payload size.
func (f FeeSchedule) Estimate(destChain string, payloadSize int) (*big.Int, error) {
	rule, ok := f[strings.ToLower(strings.TrimSpace(destChain))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChainNotConfigured, destChain)
	}
	fee := big.NewInt(0)
	if rule.BaseWei != nil {
		fee.Add(fee, rule.BaseWei)
	}
	if rule.PerByteWei != nil && payloadSize > 0 {
		perByte := new(big.Int).Mul(rule.PerByteWei, big.NewInt(int64(payloadSize)))
		fee.Add(fee, perByte)
	}
	return fee, nil
}

// RelayTransport abstracts the actual cross-chain bridge: fire a payload at a
// destination chain and receive an opaque receipt.
type RelayTransport interface {
	Send(destChain string, payload []byte) (receipt string, err error)
}

// Resolver is notified exactly once when an in-flight message reaches a
// terminal state, so the reservation that backs it can be finalized or
// released.
type Resolver interface {
	ResolveSettlement(msg *Message, delivered bool) error
}

// InboundApplier lands an inbound message on the local ledger.
type InboundApplier interface {
	ApplyInbound(msg *Message) error
}
