package router

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bobs4462/wsgateway/internal/manager"
	"github.com/bobs4462/wsgateway/internal/metrics"
	"github.com/bobs4462/wsgateway/internal/wsproto"
	"github.com/cespare/xxhash/v2"
)

type fakeRecipient struct {
	id       manager.RecipientID
	accounts chan wsproto.AccountUpdate
	slots    chan wsproto.SlotUpdate
}

func newFakeRecipient(id string) *fakeRecipient {
	return &fakeRecipient{id: manager.RecipientID(id), accounts: make(chan wsproto.AccountUpdate, 8), slots: make(chan wsproto.SlotUpdate, 8)}
}

func (f *fakeRecipient) ID() manager.RecipientID { return f.id }

func (f *fakeRecipient) SendAccount(_ wsproto.SubKey, u wsproto.AccountUpdate) bool {
	select {
	case f.accounts <- u:
		return true
	default:
		return false
	}
}

func (f *fakeRecipient) SendSlot(u wsproto.SlotUpdate) bool {
	select {
	case f.slots <- u:
		return true
	default:
		return false
	}
}

func startManagers(t *testing.T, n int) ([]*manager.Manager, []ManagerHandle, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.NewForTest()
	mgrs := make([]*manager.Manager, n)
	handles := make([]ManagerHandle, n)
	for i := 0; i < n; i++ {
		mgrs[i] = manager.New(i, m, zap.NewNop())
		handles[i] = mgrs[i]
		go func(mg *manager.Manager) { _ = mg.Run(ctx) }(mgrs[i])
	}
	return mgrs, handles, cancel
}

// TestShardIsStableAcrossSubscribeAndDispatch verifies that the same shard
// function, used on both sides of a routing pair, lands subscribe and
// matching update on the same manager -- the core routing invariant of
// SPEC_FULL.md §8.
func TestShardIsStableAcrossSubscribeAndDispatch(t *testing.T) {
	mgrs, handles, cancel := startManagers(t, 4)
	defer cancel()

	r := New(handles)
	key := wsproto.SubKey{Key: wsproto.Pubkey{9, 9}, Commitment: wsproto.Finalized, Kind: wsproto.Account}
	want := r.shard(key.Bytes())

	rec := newFakeRecipient("session-1")
	ctx := context.Background()
	r.AccountSubscribe(ctx, key, rec)

	waitFor(t, func() bool { return mgrs[want].AccountSubCount(key) == 1 })

	for i, m := range mgrs {
		if i == want {
			continue
		}
		if m.AccountSubCount(key) != 0 {
			t.Fatalf("manager %d unexpectedly holds the subscription", i)
		}
	}

	r.DispatchAccount(ctx, wsproto.AccountUpdate{Pubkey: key.Key, SlotStatus: key.Commitment, Slot: 1})
	select {
	case <-rec.accounts:
	case <-time.After(time.Second):
		t.Fatal("update keyed like the subscription never reached the subscribed manager")
	}
}

func TestAccountUpdateDeliveredToAccountAndProgramSubscribers(t *testing.T) {
	mgrs, handles, cancel := startManagers(t, 3)
	defer cancel()
	_ = mgrs

	r := New(handles)
	ctx := context.Background()

	pubkey := wsproto.Pubkey{1, 2, 3}
	owner := wsproto.Pubkey{4, 5, 6}

	accountRecipient := newFakeRecipient("account-sub")
	programRecipient := newFakeRecipient("program-sub")

	r.AccountSubscribe(ctx, wsproto.SubKey{Key: pubkey, Commitment: wsproto.Processed, Kind: wsproto.Account}, accountRecipient)
	r.AccountSubscribe(ctx, wsproto.SubKey{Key: owner, Commitment: wsproto.Processed, Kind: wsproto.Program}, programRecipient)

	time.Sleep(20 * time.Millisecond)

	r.DispatchAccount(ctx, wsproto.AccountUpdate{Pubkey: pubkey, Owner: owner, SlotStatus: wsproto.Processed, Slot: 1})

	select {
	case <-accountRecipient.accounts:
	case <-time.After(time.Second):
		t.Fatal("account subscriber never received the update")
	}
	select {
	case <-programRecipient.accounts:
	case <-time.After(time.Second):
		t.Fatal("program subscriber never received the update")
	}
}

func TestSlotUpdateBroadcastToAllManagers(t *testing.T) {
	mgrs, handles, cancel := startManagers(t, 3)
	defer cancel()

	r := New(handles)
	ctx := context.Background()

	recipients := make([]*fakeRecipient, len(mgrs))
	for i := range mgrs {
		recipients[i] = newFakeRecipient("slot-sub")
		// force each recipient onto a distinct manager by using a
		// distinct identity per manager's shard bucket
		recipients[i].id = manager.RecipientID(recipientForShard(i, len(mgrs)))
		r.SlotSubscribe(ctx, recipients[i])
	}
	time.Sleep(20 * time.Millisecond)

	r.DispatchSlot(ctx, wsproto.SlotUpdate{Slot: 5, Parent: 4, Status: wsproto.Confirmed})

	for i, rec := range recipients {
		select {
		case <-rec.slots:
		case <-time.After(time.Second):
			t.Fatalf("manager %d's slot subscriber never received the broadcast", i)
		}
	}
}

// recipientForShard brute-forces an identity string that hashes into shard i
// out of n, so the slot-broadcast test can assert distinct managers.
func recipientForShard(i, n int) string {
	for suffix := 0; ; suffix++ {
		candidate := "r" + string(rune('a'+suffix))
		if int(xxhash.Sum64String(candidate)%uint64(n)) == i {
			return candidate
		}
		if suffix > 1000 {
			return candidate
		}
	}
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
