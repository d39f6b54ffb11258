package events

import (
	"encoding/json"
	"time"
)

// EventData is the interface all typed event payloads implement. It keeps
// payloads type-safe while the bus stays payload-agnostic.
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
	// Subject returns the fan-out subject (symbol or scanner id)
	Subject() string
}

// OrderEventData contains data for OrderTransition events
type OrderEventData struct {
	EventID   string    `json:"event_id"`
	OrderID   string    `json:"order_id"`
	AccountID string    `json:"account_id"`
	Symbol    string    `json:"symbol"`
	OldStatus string    `json:"old_status,omitempty"`
	NewStatus string    `json:"new_status"`
	Qty       string    `json:"qty,omitempty"`
	Px        string    `json:"px,omitempty"`
	FilledQty string    `json:"filled_qty,omitempty"`
	AvgFillPx string    `json:"avg_fill_px,omitempty"`
	At        time.Time `json:"at"`
}

// EventType returns the event type for OrderEventData
func (d *OrderEventData) EventType() EventType { return OrderTransition }

// Subject returns the symbol the order trades
func (d *OrderEventData) Subject() string { return d.Symbol }

// QuoteData contains data for PriceUpdated events
type QuoteData struct {
	Symbol    string    `json:"symbol"`
	Bid       string    `json:"bid"`
	Ask       string    `json:"ask"`
	Last      string    `json:"last"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// EventType returns the event type for QuoteData
func (d *QuoteData) EventType() EventType { return PriceUpdated }

// Subject returns the quoted symbol
func (d *QuoteData) Subject() string { return d.Symbol }

// ScannerDeltaData contains data for ScannerResult events: what changed
// between consecutive streaming runs.
type ScannerDeltaData struct {
	ScannerID    string             `json:"scanner_id"`
	ConfigHash   string             `json:"config_hash"`
	Added        []string           `json:"added,omitempty"`
	Removed      []string           `json:"removed,omitempty"`
	ScoreChanges map[string]float64 `json:"score_changes,omitempty"`
	TotalMatches int                `json:"total_matches"`
	RunAt        time.Time          `json:"run_at"`
}

// EventType returns the event type for ScannerDeltaData
func (d *ScannerDeltaData) EventType() EventType { return ScannerResult }

// Subject returns the scanner id
func (d *ScannerDeltaData) Subject() string { return d.ScannerID }

// AggregatedResultData contains data for AggregatedResult events
type AggregatedResultData struct {
	Symbol         string   `json:"symbol"`
	AggregateScore float64  `json:"aggregate_score"`
	Confidence     float64  `json:"confidence"`
	ScannerCount   int      `json:"scanner_count"`
	Priority       string   `json:"priority"`
	Insights       []string `json:"insights,omitempty"`
}

// EventType returns the event type for AggregatedResultData
func (d *AggregatedResultData) EventType() EventType { return AggregatedResult }

// Subject returns the aggregated symbol
func (d *AggregatedResultData) Subject() string { return d.Symbol }

// AlertData contains data for Alert events (auth failures, breaker trips,
// operational anomalies).
type AlertData struct {
	Severity  string `json:"severity"` // info | warning | critical
	Source    string `json:"source"`
	Message   string `json:"message"`
	Reference string `json:"reference,omitempty"`
	SubjectID string `json:"subject,omitempty"`
}

// EventType returns the event type for AlertData
func (d *AlertData) EventType() EventType { return Alert }

// Subject returns the alert subject, if any
func (d *AlertData) Subject() string { return d.SubjectID }

// GenericEventData wraps arbitrary payloads that have no dedicated type.
type GenericEventData struct {
	Type   EventType              `json:"-"`
	Fields map[string]interface{} `json:"-"`
}

// EventType returns the wrapped event type
func (d *GenericEventData) EventType() EventType { return d.Type }

// Subject returns the "subject" field when present
func (d *GenericEventData) Subject() string {
	if s, ok := d.Fields["subject"].(string); ok {
		return s
	}
	return ""
}

// MarshalJSON flattens the wrapped fields
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Fields)
}

// EventWithData represents an event with typed data
type EventWithData struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// MarshalJSON customizes JSON serialization for EventWithData
func (e *EventWithData) MarshalJSON() ([]byte, error) {
	type Alias EventWithData
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON deserializes the data field into the payload type matching
// the event type; unknown types land in GenericEventData.
func (e *EventWithData) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      EventType       `json:"type"`
		Timestamp time.Time       `json:"timestamp"`
		Module    string          `json:"module"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Type = raw.Type
	e.Timestamp = raw.Timestamp
	e.Module = raw.Module

	switch raw.Type {
	case OrderTransition:
		var d OrderEventData
		if err := json.Unmarshal(raw.Data, &d); err != nil {
			return err
		}
		e.Data = &d
	case PriceUpdated:
		var d QuoteData
		if err := json.Unmarshal(raw.Data, &d); err != nil {
			return err
		}
		e.Data = &d
	case ScannerResult:
		var d ScannerDeltaData
		if err := json.Unmarshal(raw.Data, &d); err != nil {
			return err
		}
		e.Data = &d
	case AggregatedResult:
		var d AggregatedResultData
		if err := json.Unmarshal(raw.Data, &d); err != nil {
			return err
		}
		e.Data = &d
	case Alert:
		var d AlertData
		if err := json.Unmarshal(raw.Data, &d); err != nil {
			return err
		}
		e.Data = &d
	default:
		var fields map[string]interface{}
		if err := json.Unmarshal(raw.Data, &fields); err != nil {
			return err
		}
		e.Data = &GenericEventData{Type: raw.Type, Fields: fields}
	}
	return nil
}
