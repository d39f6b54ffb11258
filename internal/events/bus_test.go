package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusEmitReachesSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got []*Event
	bus.Subscribe(OrderTransition, func(e *Event) {
		got = append(got, e)
	})

	bus.Emit(OrderTransition, "lifecycle", map[string]interface{}{"symbol": "AAPL"})
	bus.Emit(PriceUpdated, "marketdata", map[string]interface{}{"symbol": "MSFT"})

	require.Len(t, got, 1)
	assert.Equal(t, OrderTransition, got[0].Type)
	assert.Equal(t, "lifecycle", got[0].Module)
	assert.Equal(t, "AAPL", got[0].Subject())
}

func TestBusDispatchOrder(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var order []int
	bus.Subscribe(Alert, func(e *Event) { order = append(order, 1) })
	bus.Subscribe(Alert, func(e *Event) { order = append(order, 2) })

	bus.EmitData("test", &AlertData{Severity: "info", Message: "hello"})

	assert.Equal(t, []int{1, 2}, order)
}

func TestTypedPayloadSubjects(t *testing.T) {
	cases := []struct {
		data    EventData
		subject string
	}{
		{&OrderEventData{Symbol: "AAPL"}, "AAPL"},
		{&QuoteData{Symbol: "TSLA"}, "TSLA"},
		{&ScannerDeltaData{ScannerID: "scn_1"}, "scn_1"},
		{&AggregatedResultData{Symbol: "NVDA"}, "NVDA"},
		{&AlertData{SubjectID: "AAPL"}, "AAPL"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.subject, tc.data.Subject())
	}
}

func TestEventWithDataRoundTrip(t *testing.T) {
	in := &EventWithData{
		Type:      OrderTransition,
		Timestamp: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
		Module:    "lifecycle",
		Data: &OrderEventData{
			OrderID:   "ord_1",
			Symbol:    "AAPL",
			NewStatus: "filled",
		},
	}

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out EventWithData
	require.NoError(t, json.Unmarshal(raw, &out))

	payload, ok := out.Data.(*OrderEventData)
	require.True(t, ok, "expected OrderEventData, got %T", out.Data)
	assert.Equal(t, "ord_1", payload.OrderID)
	assert.Equal(t, "filled", payload.NewStatus)
}

func TestEventWithDataUnknownType(t *testing.T) {
	raw := []byte(`{"type":"something_else","timestamp":"2025-06-02T14:30:00Z","module":"x","data":{"subject":"S1","n":3}}`)

	var out EventWithData
	require.NoError(t, json.Unmarshal(raw, &out))

	generic, ok := out.Data.(*GenericEventData)
	require.True(t, ok)
	assert.Equal(t, "S1", generic.Subject())
}
