package settlement

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"

	modcommon "crosslend/native/common"
	"crosslend/storage"
)

const pauseModule = "settlement"

// relayPayload is the wire form handed to the relay transport.
type relayPayload struct {
	ID          string
	Action      string
	Asset       string
	Amount      string
	SourceChain string
	DestChain   string
	Receiver    common.Address
}

// Coordinator owns the cross-chain message table. It assigns nonces, derives
// message IDs, prices relay fees, tracks the send state machine and lands
// inbound messages exactly once.
type Coordinator struct {
	mu         sync.Mutex
	store      storage.KV
	transport  RelayTransport
	resolver   Resolver
	applier    InboundApplier
	fees       FeeSchedule
	pauses     modcommon.PauseView
	localChain string
	timeout    time.Duration
	clock      func() time.Time
	logger     *slog.Logger
}

func NewCoordinator(store storage.KV, localChain string, fees FeeSchedule, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Coordinator{
		store:      store,
		fees:       fees,
		localChain: strings.ToLower(strings.TrimSpace(localChain)),
		timeout:    timeout,
		clock:      func() time.Time { return time.Now().UTC() },
		logger:     slog.Default(),
	}
}

// SetClock overrides the time source. Tests rely on this to drive timeouts.
func (c *Coordinator) SetClock(clock func() time.Time) {
	if c == nil || clock == nil {
		return
	}
	c.clock = clock
}

func (c *Coordinator) SetTransport(transport RelayTransport) { c.transport = transport }

func (c *Coordinator) SetResolver(resolver Resolver) { c.resolver = resolver }

func (c *Coordinator) SetInboundApplier(applier InboundApplier) { c.applier = applier }

func (c *Coordinator) SetPauses(pauses modcommon.PauseView) { c.pauses = pauses }

func (c *Coordinator) SetLogger(logger *slog.Logger) {
	if c == nil || logger == nil {
		return
	}
	c.logger = logger
}

// LocalChain returns the identifier messages are stamped with as their source.
func (c *Coordinator) LocalChain() string { return c.localChain }

// EstimateFee prices a message to destChain carrying the given parameters
// without touching any state.
func (c *Coordinator) EstimateFee(destChain string, action Action, asset string, amount *big.Int, receiver common.Address) (*big.Int, error) {
	payload, err := encodePayload("", action, asset, amount, c.localChain, destChain, receiver)
	if err != nil {
		return nil, err
	}
	return c.fees.Estimate(destChain, len(payload))
}

// Prepare allocates a nonce, derives the message ID and fee, and records the
// message as Pending. The caller reserves ledger balances against the returned
// ID before calling Dispatch.
func (c *Coordinator) Prepare(sender common.Address, destChain string, action Action, asset string, amount *big.Int, receiver common.Address) (*Message, error) {
	if err := modcommon.Guard(c.pauses, pauseModule); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	destChain = strings.ToLower(strings.TrimSpace(destChain))
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if _, ok := c.fees[destChain]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrChainNotConfigured, destChain)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.nextNonce(sender)
	if err != nil {
		return nil, err
	}
	id := MessageID(sender, nonce, destChain, asset, amount, receiver)
	var existing storedMessage
	found, err := c.store.KVGet(messageKey(id), &existing)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateMessage, id)
	}
	payload, err := encodePayload(id, action, asset, amount, c.localChain, destChain, receiver)
	if err != nil {
		return nil, err
	}
	fee, err := c.fees.Estimate(destChain, len(payload))
	if err != nil {
		return nil, err
	}

	now := c.clock()
	msg := &Message{
		ID:          id,
		SourceChain: c.localChain,
		DestChain:   destChain,
		Action:      action,
		Asset:       asset,
		Amount:      new(big.Int).Set(amount),
		Sender:      sender,
		Receiver:    receiver,
		Nonce:       nonce,
		FeeWei:      fee,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.persist(msg); err != nil {
		return nil, err
	}
	if err := c.store.KVAppend(indexKey, []byte(id)); err != nil {
		return nil, err
	}
	return msg.Clone(), nil
}

// Dispatch hands a Pending message to the relay transport. A transport
// rejection marks the message Failed so the caller can release its
// reservation. The relay round trip runs outside the coordinator lock so
// confirmations, status reads and sweeps never wait on relay latency.
func (c *Coordinator) Dispatch(id string) (*Message, error) {
	if c.transport == nil {
		return nil, errTransportMissing
	}
	c.mu.Lock()
	msg, err := c.load(id)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if msg.Status != StatusPending {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, msg.Status)
	}
	payload, err := encodePayload(msg.ID, msg.Action, msg.Asset, msg.Amount, msg.SourceChain, msg.DestChain, msg.Receiver)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	receipt, sendErr := c.transport.Send(msg.DestChain, payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	msg, err = c.load(id)
	if err != nil {
		return nil, err
	}
	if msg.Status != StatusPending {
		// Resolved while the send was on the wire. Keep that state.
		return msg.Clone(), nil
	}
	if sendErr != nil {
		msg.Status = StatusFailed
		msg.Reason = sendErr.Error()
		msg.UpdatedAt = c.clock()
		if err := c.finalize(msg); err != nil {
			return nil, err
		}
		return msg.Clone(), fmt.Errorf("%w: %v", ErrRelayRejected, sendErr)
	}
	if receipt == "" {
		receipt = uuid.NewString()
	}
	msg.Status = StatusSent
	msg.RelayReceipt = receipt
	msg.UpdatedAt = c.clock()
	if err := c.persist(msg); err != nil {
		return nil, err
	}
	c.logger.Info("settlement message dispatched",
		slog.String("message", msg.ID),
		slog.String("dest_chain", msg.DestChain),
		slog.String("receipt", receipt),
	)
	return msg.Clone(), nil
}

// Abort marks a Pending message Failed without notifying the resolver. It is
// the cleanup path for callers whose checks fail between Prepare and
// Dispatch, before any reservation exists.
func (c *Coordinator) Abort(id string, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, err := c.load(id)
	if err != nil {
		return err
	}
	if msg.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, msg.Status)
	}
	msg.Status = StatusFailed
	msg.Reason = reason
	msg.UpdatedAt = c.clock()
	return c.finalize(msg)
}

// Initiate is Prepare followed by Dispatch for callers that do not hold
// ledger reservations of their own.
func (c *Coordinator) Initiate(sender common.Address, destChain string, action Action, asset string, amount *big.Int, receiver common.Address) (*Message, error) {
	msg, err := c.Prepare(sender, destChain, action, asset, amount, receiver)
	if err != nil {
		return nil, err
	}
	return c.Dispatch(msg.ID)
}

// OnDeliveryConfirmed moves an in-flight message to Delivered and finalizes
// the reservation behind it. Replayed confirmations are no-ops.
func (c *Coordinator) OnDeliveryConfirmed(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, err := c.load(id)
	if err != nil {
		return err
	}
	switch msg.Status {
	case StatusDelivered:
		return nil
	case StatusFailed, StatusTimedOut:
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, msg.Status)
	}
	if c.resolver != nil {
		if err := c.resolver.ResolveSettlement(msg.Clone(), true); err != nil {
			return err
		}
	}
	msg.Status = StatusDelivered
	msg.Reason = ""
	msg.UpdatedAt = c.clock()
	return c.finalize(msg)
}

// OnDeliveryFailed moves an in-flight message to Failed and releases the
// reservation behind it. Repeated failure reports are no-ops; a failure for a
// Delivered message is rejected.
func (c *Coordinator) OnDeliveryFailed(id string, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, err := c.load(id)
	if err != nil {
		return err
	}
	switch msg.Status {
	case StatusFailed, StatusTimedOut:
		return nil
	case StatusDelivered:
		return fmt.Errorf("%w: %s already delivered", ErrAlreadyResolved, id)
	}
	if c.resolver != nil {
		if err := c.resolver.ResolveSettlement(msg.Clone(), false); err != nil {
			return err
		}
	}
	msg.Status = StatusFailed
	msg.Reason = reason
	msg.UpdatedAt = c.clock()
	return c.finalize(msg)
}

// Status returns the current row for a message.
func (c *Coordinator) Status(id string) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, err := c.load(id)
	if err != nil {
		return nil, err
	}
	return msg.Clone(), nil
}

// ListInFlight returns every message still Pending or Sent.
func (c *Coordinator) ListInFlight() ([]*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight()
}

// SweepTimedOut marks in-flight messages older than the relay timeout as
// TimedOut and releases their reservations. It returns the IDs it resolved.
func (c *Coordinator) SweepTimedOut(now time.Time) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inFlight, err := c.inFlight()
	if err != nil {
		return nil, err
	}
	var swept []string
	for _, msg := range inFlight {
		if now.Sub(msg.CreatedAt) < c.timeout {
			continue
		}
		if c.resolver != nil {
			if err := c.resolver.ResolveSettlement(msg.Clone(), false); err != nil {
				return swept, err
			}
		}
		msg.Status = StatusTimedOut
		msg.Reason = "relay timeout"
		msg.UpdatedAt = now
		if err := c.finalize(msg); err != nil {
			return swept, err
		}
		c.logger.Warn("settlement message timed out",
			slog.String("message", msg.ID),
			slog.String("dest_chain", msg.DestChain),
		)
		swept = append(swept, msg.ID)
	}
	return swept, nil
}

// Retry re-prepares a Failed or TimedOut message under a fresh nonce. The
// returned message is Pending; the caller re-reserves balances and then calls
// Dispatch, exactly as for a first send.
func (c *Coordinator) Retry(id string) (*Message, error) {
	c.mu.Lock()
	msg, err := c.load(id)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if msg.Status != StatusFailed && msg.Status != StatusTimedOut {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, msg.Status)
	}
	return c.Prepare(msg.Sender, msg.DestChain, msg.Action, msg.Asset, msg.Amount, msg.Receiver)
}

// HandleInbound decodes a payload arriving from another chain, applies it to
// the local ledger exactly once, and returns the landed message. Replays are
// rejected with ErrDuplicateMessage.
func (c *Coordinator) HandleInbound(payload []byte) (*Message, error) {
	var wire relayPayload
	if err := rlp.DecodeBytes(payload, &wire); err != nil {
		return nil, fmt.Errorf("settlement: decode inbound payload: %w", err)
	}
	if wire.ID == "" {
		return nil, fmt.Errorf("settlement: inbound payload missing id")
	}
	amount, ok := new(big.Int).SetString(wire.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var seen bool
	found, err := c.store.KVGet(inboundKey(wire.ID), &seen)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, fmt.Errorf("%w: inbound %s", ErrDuplicateMessage, wire.ID)
	}
	now := c.clock()
	msg := &Message{
		ID:          wire.ID,
		SourceChain: wire.SourceChain,
		DestChain:   wire.DestChain,
		Action:      Action(wire.Action),
		Asset:       wire.Asset,
		Amount:      amount,
		Receiver:    wire.Receiver,
		Status:      StatusDelivered,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if c.applier != nil {
		if err := c.applier.ApplyInbound(msg.Clone()); err != nil {
			return nil, err
		}
	}
	if err := c.store.KVPut(inboundKey(wire.ID), true); err != nil {
		return nil, err
	}
	c.logger.Info("inbound settlement applied",
		slog.String("message", msg.ID),
		slog.String("source_chain", msg.SourceChain),
		slog.String("asset", msg.Asset),
	)
	return msg, nil
}

func (c *Coordinator) inFlight() ([]*Message, error) {
	var ids [][]byte
	if err := c.store.KVGetList(indexKey, &ids); err != nil {
		return nil, err
	}
	var out []*Message
	for _, raw := range ids {
		msg, err := c.load(string(raw))
		if err != nil {
			return nil, err
		}
		if msg.Status.Terminal() {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *Coordinator) load(id string) (*Message, error) {
	var stored storedMessage
	found, err := c.store.KVGet(messageKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	return decodeMessage(&stored)
}

func (c *Coordinator) persist(msg *Message) error {
	return c.store.KVPut(messageKey(msg.ID), encodeMessage(msg))
}

// finalize persists a terminal transition and drops the message from the
// in-flight index so the sweep scan stays bounded by live traffic.
func (c *Coordinator) finalize(msg *Message) error {
	if err := c.persist(msg); err != nil {
		return err
	}
	return c.store.KVRemove(indexKey, []byte(msg.ID))
}

func (c *Coordinator) nextNonce(sender common.Address) (uint64, error) {
	var nonce uint64
	if _, err := c.store.KVGet(nonceKey(sender), &nonce); err != nil {
		return 0, err
	}
	nonce++
	if err := c.store.KVPut(nonceKey(sender), nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

func encodePayload(id string, action Action, asset string, amount *big.Int, sourceChain, destChain string, receiver common.Address) ([]byte, error) {
	wire := relayPayload{
		ID:          id,
		Action:      string(action),
		Asset:       strings.ToUpper(strings.TrimSpace(asset)),
		Amount:      "0",
		SourceChain: strings.ToLower(strings.TrimSpace(sourceChain)),
		DestChain:   strings.ToLower(strings.TrimSpace(destChain)),
		Receiver:    receiver,
	}
	if amount != nil {
		wire.Amount = amount.String()
	}
	return rlp.EncodeToBytes(wire)
}
