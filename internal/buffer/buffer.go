// Package buffer holds not-yet-finalized account updates keyed by slot,
// replaying them through the router at commitment transitions and
// discarding them on pruning. It is the one component that owns a
// slottree.SlotTree.
package buffer

import (
	"context"

	"go.uber.org/zap"

	"github.com/bobs4462/wsgateway/internal/slottree"
	"github.com/bobs4462/wsgateway/internal/wsproto"
)

// Replayer is the subset of the router the Buffer needs: resubmitting an
// account update (at a bumped commitment level) for normal Account/Program
// shard-and-dispatch.
type Replayer interface {
	DispatchAccount(ctx context.Context, u wsproto.AccountUpdate)
}

type accountMsg struct {
	update wsproto.AccountUpdate
}

type trackMsg struct {
	update wsproto.AccountUpdate
}

type slotMsg struct {
	update wsproto.SlotUpdate
}

// Buffer is a single-goroutine actor; Run must be started exactly once and
// all mutation happens inside its select loop, so the accounts map and tree
// never need synchronization.
type Buffer struct {
	accounts map[wsproto.Slot][]wsproto.AccountUpdate
	tree     *slottree.SlotTree
	router   Replayer
	logger   *zap.Logger

	// accountCh has no public sender; TrackAccount feeds trackCh instead.
	// Kept for parity with the source, which never sends on its equivalent
	// channel either.
	accountCh chan accountMsg
	trackCh   chan trackMsg
	slotCh    chan slotMsg
}

// New constructs a Buffer bound to router for replay dispatch. Run must be
// started on the returned value before any of the send methods are used.
func New(router Replayer, logger *zap.Logger) *Buffer {
	return &Buffer{
		accounts:  make(map[wsproto.Slot][]wsproto.AccountUpdate),
		tree:      slottree.New(),
		router:    router,
		logger:    logger,
		accountCh: make(chan accountMsg, 256),
		trackCh:   make(chan trackMsg, 256),
		slotCh:    make(chan slotMsg, 256),
	}
}

// TrackAccount is called by a Manager on a Processed update matching a live
// subscription, asking the Buffer to remember the account for replay at
// higher commitment levels.
func (b *Buffer) TrackAccount(ctx context.Context, u wsproto.AccountUpdate) {
	select {
	case b.trackCh <- trackMsg{update: u}:
	case <-ctx.Done():
	}
}

// SlotUpdated is called by the Router once per slot update, forwarding what
// it broadcasts to every Manager.
func (b *Buffer) SlotUpdated(ctx context.Context, u wsproto.SlotUpdate) {
	select {
	case b.slotCh <- slotMsg{update: u}:
	case <-ctx.Done():
	}
}

// Run processes the Buffer's inbox until ctx is canceled. Under the
// supervise package a panic makes it call Run again on the same Buffer; the
// accounts map and the tree are kept across that restart, not reset.
func (b *Buffer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-b.accountCh:
			b.onAccount(m.update)
		case m := <-b.trackCh:
			b.onAccount(m.update)
		case m := <-b.slotCh:
			// Apply every track request already queued, so an account tracked
			// before this slot update was sent is replayed by it.
			for drained := false; !drained; {
				select {
				case t := <-b.trackCh:
					b.onAccount(t.update)
				default:
					drained = true
				}
			}
			b.onSlot(ctx, m.update)
		}
	}
}

func (b *Buffer) onAccount(u wsproto.AccountUpdate) {
	b.accounts[u.Slot] = append(b.accounts[u.Slot], u)
}

func (b *Buffer) onSlot(ctx context.Context, u wsproto.SlotUpdate) {
	if u.Status == wsproto.Confirmed {
		for _, a := range b.accounts[u.Slot] {
			replay := a
			replay.SlotStatus = wsproto.Confirmed
			b.router.DispatchAccount(ctx, replay)
		}
	}

	for _, outcome := range b.tree.Push(u) {
		pending := b.accounts[outcome.Slot]
		delete(b.accounts, outcome.Slot)
		if !outcome.Rooted {
			continue
		}
		for _, a := range pending {
			replay := a
			replay.SlotStatus = wsproto.Finalized
			b.router.DispatchAccount(ctx, replay)
		}
	}

	root := b.tree.CurrentRoot()
	for slot := range b.accounts {
		if slot < root {
			delete(b.accounts, slot)
		}
	}
}
