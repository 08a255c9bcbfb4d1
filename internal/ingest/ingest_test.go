package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/bobs4462/wsgateway/internal/metrics"
	"github.com/bobs4462/wsgateway/internal/wsproto"
)

type fakeRouter struct {
	mu       sync.Mutex
	accounts []wsproto.AccountUpdate
	slots    []wsproto.SlotUpdate
}

func (f *fakeRouter) DispatchAccount(_ context.Context, u wsproto.AccountUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = append(f.accounts, u)
}

func (f *fakeRouter) DispatchSlot(_ context.Context, u wsproto.SlotUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots = append(f.slots, u)
}

func (f *fakeRouter) snapshotAccounts() []wsproto.AccountUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wsproto.AccountUpdate, len(f.accounts))
	copy(out, f.accounts)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAccountConsumerDecodesAndForwards(t *testing.T) {
	topic := NewFakeTopic(4)
	router := &fakeRouter{}
	c := NewAccountConsumer(topic, router, metrics.NewForTest(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	body, err := msgpack.Marshal(accountWire{
		Pubkey: [32]byte{1}, Owner: [32]byte{2}, Lamports: 500, Slot: 7, SlotStatus: 2,
	})
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	if err := topic.Publish(ctx, body); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return len(router.snapshotAccounts()) == 1 })
	got := router.snapshotAccounts()[0]
	if got.Slot != 7 || got.SlotStatus != wsproto.Confirmed || got.Lamports != 500 {
		t.Fatalf("unexpected decoded update: %+v", got)
	}
}

func TestAccountConsumerSkipsUndecodableMessages(t *testing.T) {
	topic := NewFakeTopic(4)
	router := &fakeRouter{}
	c := NewAccountConsumer(topic, router, metrics.NewForTest(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	if err := topic.Publish(ctx, []byte("not msgpack")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	body, _ := msgpack.Marshal(accountWire{Pubkey: [32]byte{9}, Slot: 1, SlotStatus: 3})
	if err := topic.Publish(ctx, body); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return len(router.snapshotAccounts()) == 1 })
	if router.snapshotAccounts()[0].Slot != 1 {
		t.Fatalf("expected only the second, well-formed message to be forwarded")
	}
}

func TestSlotConsumerDecodesAndForwards(t *testing.T) {
	topic := NewFakeTopic(4)
	router := &fakeRouter{}
	c := NewSlotConsumer(topic, router, metrics.NewForTest(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	body, err := msgpack.Marshal(slotWire{Slot: 100, Parent: 99, Status: 3})
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	if err := topic.Publish(ctx, body); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool {
		router.mu.Lock()
		defer router.mu.Unlock()
		return len(router.slots) == 1
	})
	router.mu.Lock()
	got := router.slots[0]
	router.mu.Unlock()
	if got.Slot != 100 || got.Parent != 99 || got.Status != wsproto.Finalized {
		t.Fatalf("unexpected decoded slot update: %+v", got)
	}
}
