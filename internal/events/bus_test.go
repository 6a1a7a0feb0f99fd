package events

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/pulse/internal/domain"
)

func TestBus_PublishDeliversToAllHandlers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got []string
	bus.Subscribe(func(e *Event) { got = append(got, "first:"+string(e.Type)) })
	bus.Subscribe(func(e *Event) { got = append(got, "second:"+string(e.Type)) })

	event := bus.Publish("orchestrator", &NewsData{Source: "finnhub"})

	require.NotNil(t, event)
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, News, event.Type)
	assert.Equal(t, "orchestrator", event.Module)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, []string{"first:news", "second:news"}, got)
}

func TestBus_UnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var a, b int
	unsubA := bus.Subscribe(func(*Event) { a++ })
	bus.Subscribe(func(*Event) { b++ })

	bus.Publish("test", &MarketData{})
	unsubA()
	unsubA() // second call is a no-op
	bus.Publish("test", &MarketData{})

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, bus.Count())
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	delivered := false
	bus.Subscribe(func(*Event) { panic("boom") })
	bus.Subscribe(func(*Event) { delivered = true })

	assert.NotPanics(t, func() {
		bus.Publish("test", &HealthAlertData{Service: domain.ServiceNews})
	})
	assert.True(t, delivered)
}

func TestBus_SubscribeDuringPublish(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	calls := 0
	bus.Subscribe(func(*Event) {
		bus.Subscribe(func(*Event) { calls++ })
	})

	bus.Publish("test", &MarketData{})
	assert.Equal(t, 0, calls, "handlers added during delivery only see later events")

	bus.Publish("test", &MarketData{})
	assert.Equal(t, 1, calls)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var mu sync.Mutex
	count := 0
	bus.Subscribe(func(*Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish("test", &RealtimeQuoteData{})
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, count)
}

func TestEvent_JSONRestoresTypedPayload(t *testing.T) {
	original := &Event{
		ID:     "evt-1",
		Type:   AlertTriggered,
		Module: "orchestrator",
		Data: &AlertTriggeredData{
			Alert:        domain.PriceAlert{ID: "a1", Symbol: "AAPL", Condition: domain.ConditionAbove, Value: 150, Triggered: true},
			CurrentPrice: 151,
		},
	}

	raw, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"alert_triggered"`)
	assert.Contains(t, string(raw), `"current_price":151`)

	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))

	data, ok := decoded.Data.(*AlertTriggeredData)
	require.True(t, ok)
	assert.Equal(t, "AAPL", data.Alert.Symbol)
	assert.Equal(t, 151.0, data.CurrentPrice)
}

func TestEvent_UnmarshalUnknownType(t *testing.T) {
	var e Event
	err := json.Unmarshal([]byte(`{"id":"x","type":"nope","data":{}}`), &e)
	assert.Error(t, err)
}

func TestEventTypes_AllHavePayloads(t *testing.T) {
	for _, et := range AllEventTypes {
		data, err := newData(et)
		require.NoError(t, err, et)
		assert.Equal(t, et, data.EventType())
	}
}
