// Package ingest consumes MessagePack-encoded account and slot updates from
// a broker topic and forwards the decoded values to the Router. The broker
// itself is abstracted behind the Topic interface: this repo ships only an
// in-process fake (faketopic.go), not a production NSQ/Kafka client.
package ingest

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/bobs4462/wsgateway/internal/metrics"
	"github.com/bobs4462/wsgateway/internal/supervise"
	"github.com/bobs4462/wsgateway/internal/wsproto"
)

// Topic is a consumable broker topic: Consume blocks until a message is
// available or ctx is canceled, returning the message body and an ack
// function the caller must call exactly once, whether or not decoding
// succeeded, so a permanently undecodable message is never redelivered.
type Topic interface {
	Consume(ctx context.Context) (body []byte, ack func(), err error)
}

// Router is the subset of the router an ingest consumer forwards decoded
// updates to.
type Router interface {
	DispatchAccount(ctx context.Context, u wsproto.AccountUpdate)
	DispatchSlot(ctx context.Context, u wsproto.SlotUpdate)
}

// accountWire is the wire shape of an account update as MessagePack-encoded
// onto the accounts topic, mirrored on the original PubSubAccount/slot_status
// convention (1=Processed, 2=Confirmed, else Finalized).
type accountWire struct {
	Pubkey     [32]byte `msgpack:"pubkey"`
	Owner      [32]byte `msgpack:"owner"`
	Lamports   uint64   `msgpack:"lamports"`
	Data       []byte   `msgpack:"data"`
	RentEpoch  uint64   `msgpack:"rent_epoch"`
	Executable bool     `msgpack:"executable"`
	Slot       uint64   `msgpack:"slot"`
	SlotStatus uint8    `msgpack:"slot_status"`
}

func (w accountWire) toAccountUpdate() wsproto.AccountUpdate {
	return wsproto.AccountUpdate{
		Pubkey:     wsproto.Pubkey(w.Pubkey),
		Owner:      wsproto.Pubkey(w.Owner),
		Lamports:   w.Lamports,
		Data:       w.Data,
		RentEpoch:  w.RentEpoch,
		Executable: w.Executable,
		Slot:       wsproto.Slot(w.Slot),
		SlotStatus: commitmentFromWire(w.SlotStatus),
	}
}

// slotWire is the wire shape of a slot transition.
type slotWire struct {
	Slot   uint64 `msgpack:"slot"`
	Parent uint64 `msgpack:"parent"`
	Status uint8  `msgpack:"status"`
}

func (w slotWire) toSlotUpdate() wsproto.SlotUpdate {
	return wsproto.SlotUpdate{
		Slot:   wsproto.Slot(w.Slot),
		Parent: wsproto.Slot(w.Parent),
		Status: commitmentFromWire(w.Status),
	}
}

func commitmentFromWire(v uint8) wsproto.Commitment {
	switch v {
	case 1:
		return wsproto.Processed
	case 2:
		return wsproto.Confirmed
	default:
		return wsproto.Finalized
	}
}

// Consumer drains one Topic, passing each message to decode, which decodes it
// and forwards the result to the router. A decode error is logged and
// acknowledged, never retried.
type Consumer struct {
	name    string
	topic   Topic
	router  Router
	metrics *metrics.Metrics
	logger  *zap.Logger
	decode  func(body []byte) error
}

// NewAccountConsumer builds a Consumer for the accounts topic.
func NewAccountConsumer(topic Topic, router Router, m *metrics.Metrics, logger *zap.Logger) *Consumer {
	c := &Consumer{name: "accounts", topic: topic, router: router, metrics: m, logger: logger.Named("ingest.accounts")}
	c.decode = func(body []byte) error {
		var w accountWire
		if err := msgpack.Unmarshal(body, &w); err != nil {
			return fmt.Errorf("decode account update: %w", err)
		}
		c.metrics.AccountUpdatesCount.Inc()
		c.router.DispatchAccount(context.Background(), w.toAccountUpdate())
		return nil
	}
	return c
}

// NewSlotConsumer builds a Consumer for the slots topic.
func NewSlotConsumer(topic Topic, router Router, m *metrics.Metrics, logger *zap.Logger) *Consumer {
	c := &Consumer{name: "slots", topic: topic, router: router, metrics: m, logger: logger.Named("ingest.slots")}
	c.decode = func(body []byte) error {
		var w slotWire
		if err := msgpack.Unmarshal(body, &w); err != nil {
			return fmt.Errorf("decode slot update: %w", err)
		}
		c.metrics.SlotUpdatesCount.Inc()
		u := w.toSlotUpdate()
		c.metrics.Slot.Set(float64(u.Slot))
		c.router.DispatchSlot(context.Background(), u)
		return nil
	}
	return c
}

// Run drains the topic until ctx is canceled, supervised so a panic or a
// returned error from the underlying stream restarts the loop rather than
// killing the process.
func (c *Consumer) Run(ctx context.Context) error {
	return supervise.Run(ctx, c.name, c.logger, c.consumeLoop)
}

func (c *Consumer) consumeLoop(ctx context.Context) error {
	for {
		body, ack, err := c.topic.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("consume from %s: %w", c.name, err)
		}

		c.metrics.BytesReceived.Add(float64(len(body)))
		if decodeErr := c.decode(body); decodeErr != nil {
			c.logger.Warn("dropping undecodable message", zap.Error(decodeErr))
		}
		ack()
	}
}
