package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/bobs4462/wsgateway/internal/manager"
	"github.com/bobs4462/wsgateway/internal/metrics"
	"github.com/bobs4462/wsgateway/internal/wsproto"
)

type fakeRouter struct {
	mu                sync.Mutex
	accountSubscribes []wsproto.SubKey
	accountUnsubs     []wsproto.SubKey
	slotSubscribes    int
	slotUnsubscribes  int
}

func (f *fakeRouter) AccountSubscribe(_ context.Context, key wsproto.SubKey, _ manager.Recipient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountSubscribes = append(f.accountSubscribes, key)
}

func (f *fakeRouter) AccountUnsubscribe(_ context.Context, key wsproto.SubKey, _ manager.Recipient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountUnsubs = append(f.accountUnsubs, key)
}

func (f *fakeRouter) SlotSubscribe(_ context.Context, _ manager.Recipient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slotSubscribes++
}

func (f *fakeRouter) SlotUnsubscribe(_ context.Context, _ manager.Recipient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slotUnsubscribes++
}

// newTestPair starts an httptest server that upgrades one connection into a
// Session driven by Run, and returns the client-side conn to exercise the
// wire protocol plus the Session itself (for triggering deliveries) and the
// fakeRouter for assertions.
func newTestPair(t *testing.T) (*websocket.Conn, *Session, *fakeRouter, context.CancelFunc) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	router := &fakeRouter{}
	var sess *Session
	sessReady := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		sess = New(1, conn, router, metrics.NewForTest(), zap.NewNop())
		close(sessReady)
		_ = sess.Run(ctx)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	<-sessReady
	return client, sess, router, cancel
}

func TestAccountSubscribeRoundTrip(t *testing.T) {
	client, _, router, cancel := newTestPair(t)
	defer cancel()

	pubkey := make([]byte, 32)
	pubkey[0] = 7
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "accountSubscribe",
		"params":  []interface{}{encodeBase58(pubkey), map[string]string{"commitment": "finalized"}},
	}
	if err := client.WriteJSON(req); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp wsproto.SubResponse
	if err := client.ReadJSON(&resp); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	if resp.Result == nil {
		t.Fatal("expected a subscription id in the result")
	}
	if resp.Result != float64(0) {
		t.Fatalf("expected the first subscription id to be 0, got %v", resp.Result)
	}

	waitForCondition(t, func() bool {
		router.mu.Lock()
		defer router.mu.Unlock()
		return len(router.accountSubscribes) == 1
	})
}

func TestUnknownSubscriptionIDReturnsInvalidParams(t *testing.T) {
	client, _, _, cancel := newTestPair(t)
	defer cancel()

	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "accountUnsubscribe",
		"params":  []interface{}{999},
	}
	if err := client.WriteJSON(req); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp wsproto.SubResponse
	if err := client.ReadJSON(&resp); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != wsproto.CodeInvalidParams {
		t.Fatalf("expected -32602, got %+v", resp.Error)
	}
}

func TestMalformedRequestReturnsParseError(t *testing.T) {
	client, _, _, cancel := newTestPair(t)
	defer cancel()

	if err := client.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp wsproto.SubResponse
	if err := client.ReadJSON(&resp); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != wsproto.CodeParseError {
		t.Fatalf("expected -32700, got %+v", resp.Error)
	}
	if resp.ID != nil {
		t.Fatalf("parse error response must carry a null id, got %v", *resp.ID)
	}
}

func TestAccountUpdateDeliveredAsNotification(t *testing.T) {
	client, sess, _, cancel := newTestPair(t)
	defer cancel()

	pubkey := make([]byte, 32)
	pubkey[0] = 9
	req := map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "accountSubscribe",
		"params": []interface{}{encodeBase58(pubkey), map[string]string{}},
	}
	client.WriteJSON(req)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var subResp wsproto.SubResponse
	if err := client.ReadJSON(&subResp); err != nil {
		t.Fatalf("subscribe read failed: %v", err)
	}

	var key wsproto.Pubkey
	copy(key[:], pubkey)
	subKey := wsproto.SubKey{Key: key, Commitment: wsproto.Finalized, Kind: wsproto.Account}
	if ok := sess.SendAccount(subKey, wsproto.AccountUpdate{Pubkey: key, Slot: 42, SlotStatus: wsproto.Finalized}); !ok {
		t.Fatal("SendAccount reported failure")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var notif wsproto.AccountNotification
	if err := client.ReadJSON(&notif); err != nil {
		t.Fatalf("notification read failed: %v", err)
	}
	if notif.Method != "accountNotification" {
		t.Fatalf("expected accountNotification, got %s", notif.Method)
	}
	if notif.Params.Result.Context.Slot != 42 {
		t.Fatalf("expected slot 42, got %d", notif.Params.Result.Context.Slot)
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func encodeBase58(b []byte) string {
	return base58.Encode(b)
}
