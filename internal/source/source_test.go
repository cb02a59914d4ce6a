package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ghostSettler/internal/model"
)

func TestDecodeNotification(t *testing.T) {
	intent, ok, err := DecodeNotification([]byte(`{"type":"NEW_ORDER","order":{"id":"abc","status":"Active","expiry":1}}`))
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if intent.ID != "abc" || intent.Status != model.IntentActive {
		t.Fatalf("intent mismatch: %+v", intent)
	}

	if _, ok, err := DecodeNotification([]byte(`{"type":"ORDER_REVOKED","order":{"id":"abc"}}`)); ok || err != nil {
		t.Fatalf("other types must be ignored: ok=%v err=%v", ok, err)
	}
	if _, _, err := DecodeNotification([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, _, err := DecodeNotification([]byte(`{"type":"NEW_ORDER","order":{}}`)); err == nil {
		t.Fatalf("expected missing id error")
	}
}

func TestCompanionsFilter(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour).UnixMilli()
	list := []model.Intent{
		{ID: "t", PoolID: "0x01", Status: model.IntentActive, Expiry: future},
		{ID: "same", PoolID: "0x01", Status: model.IntentActive, Expiry: future},
		{ID: "other-pool", PoolID: "0x02", Status: model.IntentActive, Expiry: future},
		{ID: "expired", PoolID: "0x01", Status: model.IntentActive, Expiry: now.Add(-time.Minute).UnixMilli()},
		{ID: "revoked", PoolID: "0x01", Status: model.IntentRevoked, Expiry: future},
		{ID: "processed", PoolID: "0x01", Status: model.IntentActive, Expiry: future},
	}

	got := Companions(list, list[0], now, func(id string) bool { return id == "processed" })
	if len(got) != 1 || got[0].ID != "same" {
		t.Fatalf("companions: %+v", got)
	}
	if _, ok := Find(list, "other-pool"); !ok {
		t.Fatalf("find failed")
	}
}

func TestRelayerList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != relayerOrdersPath {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(ordersResponse{
			Success: true,
			Orders:  []model.Intent{{ID: "a"}, {ID: "b"}},
		})
	}))
	defer srv.Close()

	orders, err := NewRelayer(srv.URL+"/", "", time.Second, nil).List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 2 || orders[1].ID != "b" {
		t.Fatalf("orders: %+v", orders)
	}
}

func TestRelayerListError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ordersResponse{Success: false, Error: "db down"})
	}))
	defer srv.Close()

	if _, err := NewRelayer(srv.URL, "", time.Second, nil).List(context.Background()); err == nil {
		t.Fatalf("expected relayer error")
	}
}

func TestRelayerFeed(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"PING"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"NEW_ORDER","order":{"id":"live-1"}}`))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sub, err := NewRelayer(srv.URL, wsURL, time.Second, nil).Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	select {
	case intent := <-sub.Intents():
		if intent.ID != "live-1" {
			t.Fatalf("intent: %+v", intent)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no intent received")
	}
}
