package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPercentChange(t *testing.T) {
	cases := []struct {
		entry, current string
		want           float64
	}{
		{"100", "110", 10},
		{"100", "101", 1},
		{"100", "90", -10},
		{"0.5", "0.75", 50},
		{"250", "250", 0},
	}
	for _, tc := range cases {
		got := PercentChange(decimal.RequireFromString(tc.entry), decimal.RequireFromString(tc.current))
		if got != tc.want {
			t.Errorf("PercentChange(%s, %s): got %v, want %v", tc.entry, tc.current, got, tc.want)
		}
	}
}

func TestMessageWireShapes(t *testing.T) {
	payload := OpportunityPayload{
		ID:            "c1",
		Name:          "BTC dip",
		Symbol:        "BTC-USDT",
		EntryPrice:    decimal.NewFromInt(100),
		CurrentPrice:  decimal.NewFromInt(110),
		PercentChange: 10,
		UpdatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	cases := []struct {
		name string
		msg  OpportunityMessage
		keys []string
	}{
		{"new", NewOpportunity("u1", payload), []string{"type", "id", "name", "symbol", "entryPrice", "currentPrice", "percentChange", "updatedAt"}},
		{"update", UpdateOpportunity("u1", payload), []string{"type", "id", "percentChange"}},
		{"remove", RemoveOpportunity("u1", "c1"), []string{"type", "id"}},
		{"heartbeat", Heartbeat(time.UnixMilli(1700000000000)), []string{"type", "timestamp"}},
		{"error", ErrorMessage("feed down"), []string{"type", "message"}},
	}

	for _, tc := range cases {
		raw, err := json.Marshal(tc.msg)
		if err != nil {
			t.Fatalf("%s: marshal: %v", tc.name, err)
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(raw, &obj); err != nil {
			t.Fatalf("%s: not JSON: %v", tc.name, err)
		}
		if obj["type"] != string(tc.msg.Type) {
			t.Errorf("%s: type: got %v, want %s", tc.name, obj["type"], tc.msg.Type)
		}
		for _, k := range tc.keys {
			if _, ok := obj[k]; !ok {
				t.Errorf("%s: missing key %q in %s", tc.name, k, raw)
			}
		}
		if _, leaked := obj["UserID"]; leaked {
			t.Errorf("%s: user id must not be serialized: %s", tc.name, raw)
		}
	}
}

func TestDecodeMessage_RoundTripsDiscriminant(t *testing.T) {
	raw := []byte(`{"type":"remove_opportunity","id":"c9"}`)
	msg, err := DecodeMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != MsgRemoveOpportunity || msg.ID != "c9" {
		t.Errorf("got %+v", msg)
	}

	raw = []byte(`{"type":"opportunity_update","id":"c1","symbol":"ETH-USDT","entryPrice":"10","currentPrice":"12","percentChange":20}`)
	msg, err = DecodeMessage(raw)
	if err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if msg.Opportunity == nil || msg.Opportunity.Symbol != "ETH-USDT" || msg.Opportunity.PercentChange != 20 {
		t.Errorf("update payload: got %+v", msg.Opportunity)
	}
}

func TestDecodeMessage_UnknownTypeIsSkippable(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"market_closed","reason":"x"}`))
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
	if msg.Type != "market_closed" {
		t.Errorf("type: got %q", msg.Type)
	}
}

func TestWatchCriterion_Validate(t *testing.T) {
	c := WatchCriterion{UserID: "u1", Symbol: "BTC-USDT", EntryPrice: decimal.Zero}
	if err := c.Validate(); !errors.Is(err, ErrInvalidEntryPrice) {
		t.Errorf("zero entry: expected ErrInvalidEntryPrice, got %v", err)
	}
	c.EntryPrice = decimal.NewFromInt(-5)
	if err := c.Validate(); !errors.Is(err, ErrInvalidEntryPrice) {
		t.Errorf("negative entry: expected ErrInvalidEntryPrice, got %v", err)
	}
	c.EntryPrice = decimal.NewFromInt(5)
	if err := c.Validate(); err != nil {
		t.Errorf("valid criterion: %v", err)
	}
}

func TestTickerOlderThan(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Ticker{Sequence: 10, Time: t0.Add(time.Second)}
	b := Ticker{Sequence: 11, Time: t0}
	if !a.OlderThan(b) {
		t.Error("lower sequence should be older regardless of time")
	}
	c := Ticker{Time: t0}
	d := Ticker{Time: t0.Add(time.Millisecond)}
	if !c.OlderThan(d) || d.OlderThan(c) {
		t.Error("without sequences, time decides")
	}
	if a.OlderThan(a) {
		t.Error("a ticker is not older than itself")
	}
}
