// Package session implements the per-WebSocket-connection actor: it parses
// inbound JSON-RPC subscribe/unsubscribe requests, tracks the client's
// SubKey<->SubID mapping, drives the connection heartbeat, and turns
// account/slot updates delivered by a Manager into outbound notification
// frames.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bobs4462/wsgateway/internal/manager"
	"github.com/bobs4462/wsgateway/internal/metrics"
	"github.com/bobs4462/wsgateway/internal/wsproto"
)

const (
	heartbeatInterval = 5 * time.Second
	clientTimeout     = 15 * time.Second
	writeTimeout      = 5 * time.Second
)

// RouterHandle is the subset of the Router a Session drives directly.
type RouterHandle interface {
	AccountSubscribe(ctx context.Context, key wsproto.SubKey, r manager.Recipient)
	AccountUnsubscribe(ctx context.Context, key wsproto.SubKey, r manager.Recipient)
	SlotSubscribe(ctx context.Context, r manager.Recipient)
	SlotUnsubscribe(ctx context.Context, r manager.Recipient)
}

type eventKind int

const (
	evText eventKind = iota
	evPing
	evPong
	evClosed
)

type inboundEvent struct {
	kind    eventKind
	payload []byte
	err     error
}

type accountDelivery struct {
	key wsproto.SubKey
	acc wsproto.AccountUpdate
}

// Session owns one WebSocket connection end to end: upgrade is performed by
// the caller, New takes the established *websocket.Conn.
type Session struct {
	id     string
	conn   *websocket.Conn
	router RouterHandle
	subs   *SubscriptionsMap
	nextID wsproto.SubID
	hb     time.Time

	metrics *metrics.Metrics
	logger  *zap.Logger

	events     chan inboundEvent
	accountCh  chan accountDelivery
	slotCh     chan wsproto.SlotUpdate
	slotSubbed bool
}

// New constructs a Session for an already-upgraded connection. id should be
// unique per process (a monotonically increasing counter is sufficient).
func New(id uint64, conn *websocket.Conn, router RouterHandle, m *metrics.Metrics, logger *zap.Logger) *Session {
	return &Session{
		id:        fmt.Sprintf("session-%d", id),
		conn:      conn,
		router:    router,
		subs:      NewSubscriptionsMap(),
		metrics:   m,
		logger:    logger.Named("session").With(zap.String("session_id", fmt.Sprintf("session-%d", id))),
		hb:        time.Now(),
		events:    make(chan inboundEvent, 32),
		accountCh: make(chan accountDelivery, 256),
		slotCh:    make(chan wsproto.SlotUpdate, 64),
	}
}

// ID satisfies manager.Recipient.
func (s *Session) ID() manager.RecipientID { return manager.RecipientID(s.id) }

// SendAccount satisfies manager.Recipient. It never blocks: the key/update
// pair is queued and the actual SubID lookup happens inside Run, where the
// SubscriptionsMap is owned exclusively by this goroutine.
func (s *Session) SendAccount(key wsproto.SubKey, acc wsproto.AccountUpdate) bool {
	select {
	case s.accountCh <- accountDelivery{key: key, acc: acc}:
		return true
	default:
		return false
	}
}

// SendSlot satisfies manager.Recipient.
func (s *Session) SendSlot(u wsproto.SlotUpdate) bool {
	select {
	case s.slotCh <- u:
		return true
	default:
		return false
	}
}

// Run drives the connection until the socket closes, the heartbeat times
// out, or ctx is canceled. It owns every write to conn; the only other
// goroutine touching conn is the read pump started here, which never writes.
func (s *Session) Run(ctx context.Context) error {
	s.metrics.ConnectionsCount.Inc()
	defer s.metrics.ConnectionsCount.Dec()

	readerDone := make(chan struct{})
	go s.readPump(readerDone)
	defer func() {
		s.conn.Close()
		<-readerDone
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.teardown(context.Background())
			return ctx.Err()

		case ev := <-s.events:
			switch ev.kind {
			case evText:
				s.handleRequest(ctx, ev.payload)
			case evPing:
				s.hb = time.Now()
				s.writeControl(websocket.PongMessage, ev.payload)
			case evPong:
				s.hb = time.Now()
			case evClosed:
				s.teardown(ctx)
				return ev.err
			}

		case d := <-s.accountCh:
			s.deliverAccount(d)

		case u := <-s.slotCh:
			s.writeJSON(wsproto.NewSlotNotification(u))

		case <-ticker.C:
			if time.Since(s.hb) > clientTimeout {
				s.metrics.ConnectionTimeouts.Inc()
				s.logger.Info("session timed out waiting for heartbeat")
				s.teardown(ctx)
				return nil
			}
			s.writeControl(websocket.PingMessage, []byte("PING"))
		}
	}
}

// readPump only reads; every decoded event is handed to Run over s.events so
// that all writes to conn happen from a single goroutine.
func (s *Session) readPump(done chan struct{}) {
	defer close(done)

	s.conn.SetPingHandler(func(payload string) error {
		select {
		case s.events <- inboundEvent{kind: evPing, payload: []byte(payload)}:
		default:
		}
		return nil
	})
	s.conn.SetPongHandler(func(string) error {
		select {
		case s.events <- inboundEvent{kind: evPong}:
		default:
		}
		return nil
	})

	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.events <- inboundEvent{kind: evClosed, err: nil}
			return
		}
		switch msgType {
		case websocket.TextMessage:
			s.events <- inboundEvent{kind: evText, payload: payload}
		case websocket.BinaryMessage:
			s.logger.Warn("ignoring unexpected binary frame")
		}
	}
}

func (s *Session) handleRequest(ctx context.Context, raw []byte) {
	var req wsproto.SubRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeJSON(wsproto.NewParseErrorResponse(err.Error()))
		return
	}

	switch req.Method {
	case wsproto.MethodAccountSubscribe:
		s.handleSubscribe(ctx, req, wsproto.Account)
	case wsproto.MethodProgramSubscribe:
		s.handleSubscribe(ctx, req, wsproto.Program)
	case wsproto.MethodAccountUnsubscribe, wsproto.MethodProgramUnsubscribe:
		s.handleUnsubscribe(ctx, req)
	case wsproto.MethodSlotSubscribe:
		s.handleSlotSubscribe(ctx, req)
	case wsproto.MethodSlotUnsubscribe:
		s.handleSlotUnsubscribe(ctx, req)
	default:
		s.writeJSON(wsproto.NewInvalidParamsResponse(req.ID, fmt.Sprintf("unknown method %q", req.Method)))
	}
}

func (s *Session) handleSubscribe(ctx context.Context, req wsproto.SubRequest, kind wsproto.SubscriptionKind) {
	params, err := wsproto.ParseSubscribeParams(req.Params)
	if err != nil {
		s.writeJSON(wsproto.NewInvalidParamsResponse(req.ID, err.Error()))
		return
	}
	commitment, err := wsproto.ParseCommitment(params.Options.Commitment)
	if err != nil {
		s.writeJSON(wsproto.NewInvalidParamsResponse(req.ID, err.Error()))
		return
	}

	key := wsproto.SubKey{Key: params.Pubkey, Commitment: commitment, Kind: kind}
	if id, ok := s.subs.GetByKey(key); ok {
		s.writeJSON(wsproto.NewResultResponse(req.ID, id))
		return
	}

	s.router.AccountSubscribe(ctx, key, s)
	id := s.allocID()
	s.subs.Insert(key, id)
	s.writeJSON(wsproto.NewResultResponse(req.ID, id))
}

func (s *Session) handleUnsubscribe(ctx context.Context, req wsproto.SubRequest) {
	params, err := wsproto.ParseUnsubscribeParams(req.Params)
	if err != nil {
		s.writeJSON(wsproto.NewInvalidParamsResponse(req.ID, err.Error()))
		return
	}
	key, ok := s.subs.RemoveByID(params.ID)
	if !ok {
		s.writeJSON(wsproto.NewInvalidParamsResponse(req.ID, "Invalid subscription id"))
		return
	}
	s.router.AccountUnsubscribe(ctx, key, s)
	s.writeJSON(wsproto.NewResultResponse(req.ID, true))
}

func (s *Session) handleSlotSubscribe(ctx context.Context, req wsproto.SubRequest) {
	// The source never dedups slotSubscribe: a second request still
	// allocates a fresh id and re-sends SlotSubscribe, which is a no-op
	// insert on the Manager side since only one recipient identity exists
	// per session.
	s.router.SlotSubscribe(ctx, s)
	s.slotSubbed = true
	id := s.allocID()
	s.writeJSON(wsproto.NewResultResponse(req.ID, id))
}

func (s *Session) handleSlotUnsubscribe(ctx context.Context, req wsproto.SubRequest) {
	s.router.SlotUnsubscribe(ctx, s)
	s.slotSubbed = false
	s.writeJSON(wsproto.NewResultResponse(req.ID, true))
}

func (s *Session) deliverAccount(d accountDelivery) {
	id, ok := s.subs.GetByKey(d.key)
	if !ok {
		// Unsubscribed between dispatch and delivery; drop silently.
		return
	}
	if d.key.Kind == wsproto.Program {
		s.writeJSON(wsproto.NewProgramNotification(id, d.acc))
		return
	}
	s.writeJSON(wsproto.NewAccountNotification(id, d.acc))
}

func (s *Session) allocID() wsproto.SubID {
	id := s.nextID
	s.nextID++
	return id
}

func (s *Session) teardown(ctx context.Context) {
	for key := range s.subs.Drain() {
		s.router.AccountUnsubscribe(ctx, key, s)
	}
	s.router.SlotUnsubscribe(ctx, s)
}

func (s *Session) writeJSON(v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal outbound frame", zap.Error(err))
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		s.logger.Debug("write failed", zap.Error(err))
		return
	}
	s.metrics.BytesSent.Add(float64(len(body)))
}

func (s *Session) writeControl(messageType int, payload []byte) {
	deadline := time.Now().Add(writeTimeout)
	if err := s.conn.WriteControl(messageType, payload, deadline); err != nil {
		s.logger.Debug("control write failed", zap.Error(err))
	}
}
