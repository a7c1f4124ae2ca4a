package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"trading-radar/internal/model"
)

func payload(id string, pct float64) model.OpportunityPayload {
	return model.OpportunityPayload{
		ID:            id,
		Name:          id,
		Symbol:        "BTC-USDT",
		EntryPrice:    decimal.NewFromInt(100),
		CurrentPrice:  decimal.NewFromFloat(100 + pct),
		PercentChange: pct,
	}
}

func drain(s *Subscription) []model.OpportunityMessage {
	var out []model.OpportunityMessage
	for {
		m, ok := s.TryNext()
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

func TestHub_JoinDeliversSnapshotInIDOrder(t *testing.T) {
	h := New(Config{QueueSize: 16})
	h.Publish(model.NewOpportunity("u1", payload("c2", 1)))
	h.Publish(model.NewOpportunity("u1", payload("c1", 2)))
	h.Publish(model.NewOpportunity("u2", payload("c3", 3)))
	h.Publish(model.UpdateOpportunity("u1", payload("c1", 5)))

	sub := h.Subscribe("u1")
	defer sub.Close()
	got := drain(sub)
	if len(got) != 2 {
		t.Fatalf("snapshot: got %d messages, want 2", len(got))
	}
	for i, id := range []string{"c1", "c2"} {
		if got[i].Type != model.MsgNewOpportunity || got[i].Opportunity.ID != id {
			t.Errorf("[%d]: got %s %s, want new_opportunity %s", i, got[i].Type, got[i].Opportunity.ID, id)
		}
	}
	if got[0].Opportunity.PercentChange != 5 {
		t.Errorf("snapshot should carry the latest update, got %v", got[0].Opportunity.PercentChange)
	}

	all := h.Subscribe("")
	defer all.Close()
	if n := len(drain(all)); n != 3 {
		t.Errorf("firehose snapshot: got %d, want 3", n)
	}
}

func TestHub_JoinSnapshotLargerThanQueue(t *testing.T) {
	h := New(Config{QueueSize: 4})
	for i := 0; i < 6; i++ {
		h.Publish(model.NewOpportunity("u1", payload(fmt.Sprintf("o%d", i), float64(i))))
	}

	sub := h.Subscribe("")
	defer sub.Close()
	if sub.Len() != 6 {
		t.Errorf("len after join: got %d, want 6", sub.Len())
	}
	h.Publish(model.UpdateOpportunity("u1", payload("o2", 20)))

	got := drain(sub)
	if len(got) != 7 {
		t.Fatalf("got %d messages, want 7", len(got))
	}
	for i := 0; i < 6; i++ {
		want := fmt.Sprintf("o%d", i)
		if got[i].Type != model.MsgNewOpportunity || got[i].Opportunity.ID != want {
			t.Errorf("[%d]: got %s %+v, want new_opportunity %s", i, got[i].Type, got[i].Opportunity, want)
		}
	}
	if got[6].Type != model.MsgOpportunityUpdate || got[6].Opportunity.ID != "o2" {
		t.Errorf("incremental after snapshot: got %s", got[6].Type)
	}
	if sub.Dropped() != 0 {
		t.Errorf("dropped: got %d, want 0", sub.Dropped())
	}
}

func TestHub_RemovedOpportunityLeavesState(t *testing.T) {
	h := New(Config{})
	h.Publish(model.NewOpportunity("u1", payload("c1", 1)))
	h.Publish(model.RemoveOpportunity("u1", "c1"))

	if snap := h.Snapshot("u1"); len(snap) != 0 {
		t.Errorf("snapshot after remove: %+v", snap)
	}
	sub := h.Subscribe("u1")
	defer sub.Close()
	if got := drain(sub); len(got) != 0 {
		t.Errorf("join after remove delivered %v", got)
	}
}

func TestHub_IncrementalAfterSnapshot(t *testing.T) {
	h := New(Config{})
	h.Publish(model.NewOpportunity("u1", payload("c1", 1)))
	sub := h.Subscribe("u1")
	defer sub.Close()

	h.Publish(model.UpdateOpportunity("u1", payload("c1", 2)))
	h.Publish(model.NewOpportunity("u2", payload("c9", 2))) // other user
	h.Publish(model.RemoveOpportunity("u1", "c1"))

	got := drain(sub)
	want := []model.MessageType{model.MsgNewOpportunity, model.MsgOpportunityUpdate, model.MsgRemoveOpportunity}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Type != want[i] {
			t.Errorf("[%d]: got %s, want %s", i, got[i].Type, want[i])
		}
	}
}

func TestHub_OverflowDropsOldestDataAndSignalsOnce(t *testing.T) {
	h := New(Config{QueueSize: 4})
	var mu sync.Mutex
	var drops []model.MessageType
	h.OnDrop = func(_ string, m model.OpportunityMessage) {
		mu.Lock()
		drops = append(drops, m.Type)
		mu.Unlock()
	}

	slow := h.Subscribe("u1")
	defer slow.Close()

	h.Publish(model.Heartbeat(time.Now()))
	for i := 1; i <= 10; i++ {
		h.Publish(model.UpdateOpportunity("u1", payload("c1", float64(i))))
	}

	got := drain(slow)
	if len(got) != 4 {
		t.Fatalf("queue length: got %d, want 4", len(got))
	}
	if got[0].Type != model.MsgHeartbeat {
		t.Errorf("heartbeat must survive overflow, got %s", got[0].Type)
	}
	if got[1].Type != model.MsgError || got[1].Message == "" {
		t.Errorf("expected overflow error, got %+v", got[1])
	}
	if got[2].Opportunity.PercentChange != 9 || got[3].Opportunity.PercentChange != 10 {
		t.Errorf("newest updates should be kept, got %v %v",
			got[2].Opportunity.PercentChange, got[3].Opportunity.PercentChange)
	}
	if slow.Dropped() != 8 {
		t.Errorf("dropped: got %d, want 8", slow.Dropped())
	}
	mu.Lock()
	if len(drops) != 8 {
		t.Errorf("OnDrop calls: got %d, want 8", len(drops))
	}
	mu.Unlock()

	// a new overflow episode after the error was consumed signals again
	for i := 11; i <= 20; i++ {
		h.Publish(model.UpdateOpportunity("u1", payload("c1", float64(i))))
	}
	errs := 0
	for _, m := range drain(slow) {
		if m.Type == model.MsgError {
			errs++
		}
	}
	if errs != 1 {
		t.Errorf("second episode: got %d errors, want 1", errs)
	}
}

func TestHub_SlowSubscriberDoesNotAffectOthers(t *testing.T) {
	h := New(Config{QueueSize: 2})
	slow := h.Subscribe("")
	defer slow.Close()

	fast := h.Subscribe("")
	defer fast.Close()
	received := 0
	for i := 0; i < 50; i++ {
		h.Publish(model.UpdateOpportunity("u1", payload("c1", float64(i))))
		received += len(drain(fast))
	}
	if received != 50 {
		t.Errorf("fast subscriber: got %d, want 50", received)
	}
	if slow.Len() != 2 {
		t.Errorf("slow queue should stay bounded, len=%d", slow.Len())
	}
}

func TestHub_NextBlocksUntilPublish(t *testing.T) {
	h := New(Config{})
	sub := h.Subscribe("u1")
	defer sub.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Publish(model.NewOpportunity("u1", payload("c1", 1)))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if m.Type != model.MsgNewOpportunity {
		t.Errorf("got %s", m.Type)
	}
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	h := New(Config{})
	sub := h.Subscribe("u1")
	h.Publish(model.NewOpportunity("u1", payload("c1", 1)))

	sub.Close()
	sub.Close()
	if n := h.SubscriberCount(); n != 0 {
		t.Errorf("subscribers after close: %d", n)
	}
	if _, err := sub.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Next after close: got %v, want ErrClosed", err)
	}
	h.Publish(model.NewOpportunity("u1", payload("c2", 1)))
	if sub.Len() != 0 {
		t.Error("closed subscription still receives messages")
	}
}

func TestHub_RunEmitsHeartbeats(t *testing.T) {
	h := New(Config{HeartbeatInterval: 5 * time.Millisecond})
	sub := h.Subscribe("u1")
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	wait, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	m, err := sub.Next(wait)
	if err != nil {
		t.Fatalf("no heartbeat: %v", err)
	}
	if m.Type != model.MsgHeartbeat || m.Timestamp.IsZero() {
		t.Errorf("got %+v", m)
	}
}

func TestHub_ShutdownClosesSubscriptions(t *testing.T) {
	h := New(Config{})
	a, b := h.Subscribe("u1"), h.Subscribe("u2")
	h.Shutdown()
	for _, s := range []*Subscription{a, b} {
		select {
		case <-s.Done():
		default:
			t.Error("subscription still open after Shutdown")
		}
	}
	if h.SubscriberCount() != 0 {
		t.Errorf("subscribers: %d", h.SubscriberCount())
	}
}

func TestServeWS_StreamsSnapshotThenUpdates(t *testing.T) {
	h := New(Config{})
	h.Publish(model.NewOpportunity("u1", payload("c1", 1)))

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.ServeWS(r.Context(), conn, "u1")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	read := func() model.OpportunityMessage {
		t.Helper()
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		m, err := model.DecodeMessage(data)
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		return m
	}

	if m := read(); m.Type != model.MsgNewOpportunity || m.Opportunity.ID != "c1" {
		t.Fatalf("first message: got %+v", m)
	}
	h.Publish(model.RemoveOpportunity("u1", "c1"))
	if m := read(); m.Type != model.MsgRemoveOpportunity || m.ID != "c1" {
		t.Fatalf("second message: got %+v", m)
	}

	conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for h.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.SubscriberCount() != 0 {
		t.Error("subscription not released after client disconnect")
	}
}
