// Package router shards subscription state across a fixed pool of managers
// by hashing the routing key, and fans ingest events out to the manager(s)
// and buffer responsible for them.
package router

import (
	"context"

	"github.com/cespare/xxhash/v2"

	"github.com/bobs4462/wsgateway/internal/manager"
	"github.com/bobs4462/wsgateway/internal/wsproto"
)

// ManagerHandle is the subset of *manager.Manager the Router drives.
type ManagerHandle interface {
	AccountSubscribe(ctx context.Context, key wsproto.SubKey, r manager.Recipient)
	AccountUnsubscribe(ctx context.Context, key wsproto.SubKey, r manager.Recipient)
	SlotSubscribe(ctx context.Context, r manager.Recipient)
	SlotUnsubscribe(ctx context.Context, r manager.Recipient)
	DispatchAccountUpdate(ctx context.Context, key wsproto.SubKey, acc wsproto.AccountUpdate)
	DispatchSlotUpdate(ctx context.Context, u wsproto.SlotUpdate)
	SetBufferManager(ctx context.Context, b manager.BufferHandle)
}

// Buffer is the subset of the buffer actor the Router talks to: forwarding
// slot updates, and (via manager.BufferHandle) letting every Manager forward
// Processed accounts for tracking.
type Buffer interface {
	manager.BufferHandle
	SlotUpdated(ctx context.Context, u wsproto.SlotUpdate)
}

// Router owns no mutable state beyond its manager pool and buffer
// references, so it needs no actor loop of its own: shard is a pure
// function and every operation below is just a dispatch to the chosen
// manager(s). The buffer reference starts nil and is filled in by
// SetBufferManager once constructed, breaking the construction cycle
// between Router and Buffer (each needs a handle to the other).
type Router struct {
	managers []ManagerHandle
	buffer   Buffer
}

// New builds a Router over managers, sharding by xxhash64 mod len(managers).
func New(managers []ManagerHandle) *Router {
	return &Router{managers: managers}
}

// shard implements shard(x) = hash64(x) mod N using a stable,
// non-cryptographic 64-bit hash, per spec: the same function must be used on
// both the subscribe and the update side of a routing pair.
func (r *Router) shard(key []byte) int {
	h := xxhash.Sum64(key)
	return int(h % uint64(len(r.managers)))
}

func (r *Router) managerFor(key []byte) ManagerHandle {
	return r.managers[r.shard(key)]
}

// AccountSubscribe shards by the SubKey.
func (r *Router) AccountSubscribe(ctx context.Context, key wsproto.SubKey, rec manager.Recipient) {
	r.managerFor(key.Bytes()).AccountSubscribe(ctx, key, rec)
}

// AccountUnsubscribe shards by the SubKey.
func (r *Router) AccountUnsubscribe(ctx context.Context, key wsproto.SubKey, rec manager.Recipient) {
	r.managerFor(key.Bytes()).AccountUnsubscribe(ctx, key, rec)
}

// SlotSubscribe shards by the recipient identity.
func (r *Router) SlotSubscribe(ctx context.Context, rec manager.Recipient) {
	r.managerFor([]byte(rec.ID())).SlotSubscribe(ctx, rec)
}

// SlotUnsubscribe shards by the recipient identity.
func (r *Router) SlotUnsubscribe(ctx context.Context, rec manager.Recipient) {
	r.managerFor([]byte(rec.ID())).SlotUnsubscribe(ctx, rec)
}

// DispatchAccount routes one account update to up to two shards: once keyed
// by (pubkey, status, Account), once by (owner, status, Program). The two
// deliveries may land on the same or different manager.
func (r *Router) DispatchAccount(ctx context.Context, acc wsproto.AccountUpdate) {
	accountKey := wsproto.SubKey{Key: acc.Pubkey, Commitment: acc.SlotStatus, Kind: wsproto.Account}
	r.managerFor(accountKey.Bytes()).DispatchAccountUpdate(ctx, accountKey, acc)

	programKey := wsproto.SubKey{Key: acc.Owner, Commitment: acc.SlotStatus, Kind: wsproto.Program}
	r.managerFor(programKey.Bytes()).DispatchAccountUpdate(ctx, programKey, acc)
}

// DispatchSlot broadcasts a slot update to every manager (for slot
// subscribers) and forwards it to the buffer exactly once, once
// SetBufferManager has supplied one.
func (r *Router) DispatchSlot(ctx context.Context, u wsproto.SlotUpdate) {
	for _, m := range r.managers {
		m.DispatchSlotUpdate(ctx, u)
	}
	if r.buffer != nil {
		r.buffer.SlotUpdated(ctx, u)
	}
}

// SetBufferManager broadcasts the buffer handle to every manager and records
// it locally so DispatchSlot can forward to it.
func (r *Router) SetBufferManager(ctx context.Context, b Buffer) {
	for _, m := range r.managers {
		m.SetBufferManager(ctx, b)
	}
	r.buffer = b
}
