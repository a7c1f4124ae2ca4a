package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MessageType is the discriminant of an OpportunityMessage on the wire.
type MessageType string

const (
	MsgNewOpportunity    MessageType = "new_opportunity"
	MsgOpportunityUpdate MessageType = "opportunity_update"
	MsgRemoveOpportunity MessageType = "remove_opportunity"
	MsgHeartbeat         MessageType = "heartbeat"
	MsgError             MessageType = "error"
)

// ErrUnknownMessageType is returned by DecodeMessage for a type this build
// does not know. Consumers should skip such messages.
var ErrUnknownMessageType = errors.New("unknown message type")

// OpportunityPayload is derived from a Ticker and a WatchCriterion; it is
// never persisted.
type OpportunityPayload struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Symbol        string          `json:"symbol"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	PercentChange float64         `json:"percentChange"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

var hundred = decimal.NewFromInt(100)

// PercentChange returns (current-entry)/entry*100. Entry must be positive;
// criteria are validated on creation.
func PercentChange(entry, current decimal.Decimal) float64 {
	pct, _ := current.Sub(entry).Div(entry).Mul(hundred).Round(6).Float64()
	return pct
}

// NewPayload builds the opportunity view of a criterion at a ticker.
func NewPayload(c WatchCriterion, t Ticker) OpportunityPayload {
	updated := t.Time
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return OpportunityPayload{
		ID:            c.ID,
		Name:          c.DisplayName(),
		Symbol:        c.Symbol,
		EntryPrice:    c.EntryPrice,
		CurrentPrice:  t.Price,
		PercentChange: PercentChange(c.EntryPrice, t.Price),
		UpdatedAt:     updated,
	}
}

// OpportunityMessage is one unit transmitted to subscribers. Exactly one of
// the shape-specific fields is meaningful for a given Type.
type OpportunityMessage struct {
	Type        MessageType
	Opportunity *OpportunityPayload // new_opportunity, opportunity_update
	ID          string              // remove_opportunity
	Timestamp   time.Time           // heartbeat
	Message     string              // error

	// UserID scopes delivery to one user's subscribers. Empty means everyone.
	UserID string
}

func NewOpportunity(userID string, p OpportunityPayload) OpportunityMessage {
	return OpportunityMessage{Type: MsgNewOpportunity, Opportunity: &p, UserID: userID}
}

func UpdateOpportunity(userID string, p OpportunityPayload) OpportunityMessage {
	return OpportunityMessage{Type: MsgOpportunityUpdate, Opportunity: &p, UserID: userID}
}

func RemoveOpportunity(userID, id string) OpportunityMessage {
	return OpportunityMessage{Type: MsgRemoveOpportunity, ID: id, UserID: userID}
}

func Heartbeat(ts time.Time) OpportunityMessage {
	return OpportunityMessage{Type: MsgHeartbeat, Timestamp: ts.UTC()}
}

func ErrorMessage(msg string) OpportunityMessage {
	return OpportunityMessage{Type: MsgError, Message: msg}
}

// wire shapes, one per discriminant
type (
	wireOpportunity struct {
		Type MessageType `json:"type"`
		OpportunityPayload
	}
	wireRemove struct {
		Type MessageType `json:"type"`
		ID   string      `json:"id"`
	}
	wireHeartbeat struct {
		Type      MessageType `json:"type"`
		Timestamp int64       `json:"timestamp"` // unix millis
	}
	wireError struct {
		Type    MessageType `json:"type"`
		Message string      `json:"message"`
	}
)

// MarshalJSON encodes the message in the shape fixed by its Type.
func (m OpportunityMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MsgNewOpportunity, MsgOpportunityUpdate:
		if m.Opportunity == nil {
			return nil, fmt.Errorf("model: %s without payload", m.Type)
		}
		return json.Marshal(wireOpportunity{Type: m.Type, OpportunityPayload: *m.Opportunity})
	case MsgRemoveOpportunity:
		return json.Marshal(wireRemove{Type: m.Type, ID: m.ID})
	case MsgHeartbeat:
		return json.Marshal(wireHeartbeat{Type: m.Type, Timestamp: m.Timestamp.UnixMilli()})
	case MsgError:
		return json.Marshal(wireError{Type: m.Type, Message: m.Message})
	default:
		return nil, fmt.Errorf("model: marshal %q: %w", m.Type, ErrUnknownMessageType)
	}
}

// DecodeMessage parses one wire message using the type discriminant.
func DecodeMessage(data []byte) (OpportunityMessage, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return OpportunityMessage{}, fmt.Errorf("model: decode message: %w", err)
	}

	switch head.Type {
	case MsgNewOpportunity, MsgOpportunityUpdate:
		var w wireOpportunity
		if err := json.Unmarshal(data, &w); err != nil {
			return OpportunityMessage{}, fmt.Errorf("model: decode %s: %w", head.Type, err)
		}
		p := w.OpportunityPayload
		return OpportunityMessage{Type: head.Type, Opportunity: &p}, nil
	case MsgRemoveOpportunity:
		var w wireRemove
		if err := json.Unmarshal(data, &w); err != nil {
			return OpportunityMessage{}, fmt.Errorf("model: decode %s: %w", head.Type, err)
		}
		return RemoveOpportunity("", w.ID), nil
	case MsgHeartbeat:
		var w wireHeartbeat
		if err := json.Unmarshal(data, &w); err != nil {
			return OpportunityMessage{}, fmt.Errorf("model: decode %s: %w", head.Type, err)
		}
		return Heartbeat(time.UnixMilli(w.Timestamp)), nil
	case MsgError:
		var w wireError
		if err := json.Unmarshal(data, &w); err != nil {
			return OpportunityMessage{}, fmt.Errorf("model: decode %s: %w", head.Type, err)
		}
		return ErrorMessage(w.Message), nil
	default:
		return OpportunityMessage{Type: head.Type}, fmt.Errorf("model: %q: %w", head.Type, ErrUnknownMessageType)
	}
}
