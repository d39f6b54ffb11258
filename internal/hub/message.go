// Package hub is the streaming fan-out: a registry of client connections,
// per-subject subscriptions with type masks, bounded outbound queues with
// overflow policies, and per-connection rate ceilings.
package hub

import (
	"encoding/json"
	"time"

	"github.com/aristath/tradewire/internal/events"
)

// Overflow policies for a full outbound queue.
const (
	OverflowDropOldest = "dropOldest"
	OverflowDisconnect = "disconnect"
)

// Error codes carried on error messages to clients.
const (
	CodeBadCommand   = "BadCommand"
	CodeUnauthorized = "Unauthorized"
	CodeRateLimited  = "RateLimited"
)

// Command is a client → server message.
type Command struct {
	Type      string   `json:"type"` // subscribe | unsubscribe | ping | list
	Symbols   []string `json:"symbols,omitempty"`
	ScannerID string   `json:"scannerId,omitempty"`
	DataTypes []string `json:"dataTypes,omitempty"`
}

// Envelope is a server → client message.
type Envelope struct {
	Type      string      `json:"type"`
	Subject   string      `json:"subject,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorPayload rides in an error envelope's data field.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ListPayload answers a list command.
type ListPayload struct {
	Subjects []string `json:"subjects"`
}

// Marshal serializes the envelope once; fan-out shares the bytes.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// TypeSet is a subscription's event-type mask. Empty means every streamed
// type.
type TypeSet map[events.EventType]struct{}

// NewTypeSet builds a mask from wire strings, dropping unknown types.
func NewTypeSet(names []string) TypeSet {
	if len(names) == 0 {
		return nil
	}
	set := make(TypeSet, len(names))
	for _, n := range names {
		t := events.EventType(n)
		for _, streamed := range events.StreamedTypes {
			if t == streamed {
				set[t] = struct{}{}
				break
			}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// Contains reports whether the mask admits a type.
func (s TypeSet) Contains(t events.EventType) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[t]
	return ok
}
