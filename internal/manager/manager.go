// Package manager implements the shared-nothing subscription-table shard:
// one Manager owns a slice of the account/program and slot subscription
// space, matches ingest events against it, and dispatches to per-session
// recipients.
package manager

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/bobs4462/wsgateway/internal/metrics"
	"github.com/bobs4462/wsgateway/internal/wsproto"
)

// RecipientID is an opaque, per-session stable identifier used as the map
// key for subscriber sets, since Go recipients (channels) aren't themselves
// comparable/orderable the way Rust's Recipient<T> is by Hash.
type RecipientID string

// Recipient is the send-capability a Session registers with a Manager.
// Delivery must never block the Manager: a failed delivery is reported back
// as a false result from SendAccount/SendSlot so the caller can prune it.
type Recipient interface {
	ID() RecipientID
	// SendAccount attempts non-blocking delivery of an account update matched
	// under key; the recipient resolves key back to its own locally-assigned
	// SubID. Returns false if delivery failed (channel full or session gone),
	// which marks the recipient eligible for pruning.
	SendAccount(key wsproto.SubKey, acc wsproto.AccountUpdate) bool
	SendSlot(u wsproto.SlotUpdate) bool
}

// BufferHandle is the subset of the buffer a Manager needs: forwarding a
// Processed account for later commitment replay.
type BufferHandle interface {
	TrackAccount(ctx context.Context, u wsproto.AccountUpdate)
}

type subscribeMsg struct {
	kind      subKind
	key       wsproto.SubKey
	recipient Recipient
}

type subKind int

const (
	accountSubscribe subKind = iota
	accountUnsubscribe
	slotSubscribe
	slotUnsubscribe
)

type accountUpdateMsg struct {
	key wsproto.SubKey
	acc wsproto.AccountUpdate
}

type slotUpdateMsg struct {
	update wsproto.SlotUpdate
}

type setBufferMsg struct {
	buffer BufferHandle
}

// Manager owns its subscription tables exclusively from within Run's select
// loop; nothing outside that goroutine ever touches them.
type Manager struct {
	id       int
	accounts map[wsproto.SubKey]map[RecipientID]Recipient
	slots    map[RecipientID]Recipient
	buffer   BufferHandle
	metrics  *metrics.Metrics
	logger   *zap.Logger

	subscribeCh chan subscribeMsg
	accountCh   chan accountUpdateMsg
	slotCh      chan slotUpdateMsg
	bufferCh    chan setBufferMsg
}

// New constructs Manager id (used only for logging/metrics labeling and
// shard-invariant assertions in tests).
func New(id int, m *metrics.Metrics, logger *zap.Logger) *Manager {
	return &Manager{
		id:          id,
		accounts:    make(map[wsproto.SubKey]map[RecipientID]Recipient),
		slots:       make(map[RecipientID]Recipient),
		metrics:     m,
		logger:      logger,
		subscribeCh: make(chan subscribeMsg, 256),
		accountCh:   make(chan accountUpdateMsg, 1024),
		slotCh:      make(chan slotUpdateMsg, 256),
		bufferCh:    make(chan setBufferMsg, 1),
	}
}

// ID reports the manager's shard index.
func (m *Manager) ID() int { return m.id }

// AccountSubCount reports live subscriber count for key, for tests and invariant checks.
func (m *Manager) AccountSubCount(key wsproto.SubKey) int {
	return len(m.accounts[key])
}

// SlotSubCount reports live slot-subscriber count, for tests.
func (m *Manager) SlotSubCount() int {
	return len(m.slots)
}

func (m *Manager) send(ctx context.Context, ch chan subscribeMsg, msg subscribeMsg) {
	select {
	case ch <- msg:
	case <-ctx.Done():
	}
}

// AccountSubscribe registers recipient for key.
func (m *Manager) AccountSubscribe(ctx context.Context, key wsproto.SubKey, r Recipient) {
	m.send(ctx, m.subscribeCh, subscribeMsg{kind: accountSubscribe, key: key, recipient: r})
}

// AccountUnsubscribe removes recipient from key's subscriber set.
func (m *Manager) AccountUnsubscribe(ctx context.Context, key wsproto.SubKey, r Recipient) {
	m.send(ctx, m.subscribeCh, subscribeMsg{kind: accountUnsubscribe, key: key, recipient: r})
}

// SlotSubscribe registers recipient for slot updates.
func (m *Manager) SlotSubscribe(ctx context.Context, r Recipient) {
	m.send(ctx, m.subscribeCh, subscribeMsg{kind: slotSubscribe, recipient: r})
}

// SlotUnsubscribe removes recipient from the slot-subscriber set.
func (m *Manager) SlotUnsubscribe(ctx context.Context, r Recipient) {
	m.send(ctx, m.subscribeCh, subscribeMsg{kind: slotUnsubscribe, recipient: r})
}

// DispatchAccountUpdate is called by the Router with a pre-computed shard key;
// key.Kind distinguishes an Account from a Program match.
func (m *Manager) DispatchAccountUpdate(ctx context.Context, key wsproto.SubKey, acc wsproto.AccountUpdate) {
	select {
	case m.accountCh <- accountUpdateMsg{key: key, acc: acc}:
	case <-ctx.Done():
	}
}

// DispatchSlotUpdate is called by the Router to broadcast a slot transition.
func (m *Manager) DispatchSlotUpdate(ctx context.Context, u wsproto.SlotUpdate) {
	select {
	case m.slotCh <- slotUpdateMsg{update: u}:
	case <-ctx.Done():
	}
}

// SetBufferManager records the buffer handle used for Processed-account tracking.
func (m *Manager) SetBufferManager(ctx context.Context, b BufferHandle) {
	select {
	case m.bufferCh <- setBufferMsg{buffer: b}:
	case <-ctx.Done():
	}
}

// Run processes the Manager's inboxes until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.subscribeCh:
			m.onSubscribe(msg)
		case msg := <-m.accountCh:
			m.onAccountUpdate(ctx, msg)
		case msg := <-m.slotCh:
			m.onSlotUpdate(msg)
		case msg := <-m.bufferCh:
			m.buffer = msg.buffer
		}
	}
}

func (m *Manager) onSubscribe(msg subscribeMsg) {
	switch msg.kind {
	case accountSubscribe:
		set, ok := m.accounts[msg.key]
		if !ok {
			set = make(map[RecipientID]Recipient)
			m.accounts[msg.key] = set
		}
		if _, present := set[msg.recipient.ID()]; !present {
			m.metrics.SubscriptionsCount.WithLabelValues(m.label()).Inc()
		}
		set[msg.recipient.ID()] = msg.recipient
	case accountUnsubscribe:
		set, ok := m.accounts[msg.key]
		if !ok {
			return
		}
		if _, present := set[msg.recipient.ID()]; !present {
			return
		}
		delete(set, msg.recipient.ID())
		if len(set) == 0 {
			delete(m.accounts, msg.key)
		}
		m.metrics.SubscriptionsCount.WithLabelValues(m.label()).Dec()
	case slotSubscribe:
		m.slots[msg.recipient.ID()] = msg.recipient
	case slotUnsubscribe:
		delete(m.slots, msg.recipient.ID())
	}
}

func (m *Manager) onAccountUpdate(ctx context.Context, msg accountUpdateMsg) {
	recipients, ok := m.accounts[msg.key]
	if !ok {
		return
	}

	if msg.acc.SlotStatus == wsproto.Processed && m.buffer != nil {
		m.buffer.TrackAccount(ctx, msg.acc)
	}

	var failed []RecipientID
	for id, r := range recipients {
		if !r.SendAccount(msg.key, msg.acc) {
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		delete(recipients, id)
	}
	if len(failed) > 0 {
		m.metrics.SubscriptionsCount.WithLabelValues(m.label()).Sub(float64(len(failed)))
	}
	if len(recipients) == 0 {
		delete(m.accounts, msg.key)
	}
}

func (m *Manager) onSlotUpdate(msg slotUpdateMsg) {
	var failed []RecipientID
	for id, r := range m.slots {
		if !r.SendSlot(msg.update) {
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		delete(m.slots, id)
	}
}

func (m *Manager) label() string {
	return strconv.Itoa(m.id)
}
