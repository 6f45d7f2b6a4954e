package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent_Success(t *testing.T) {
	rideID := uuid.New()
	driverID := uuid.New()

	event, err := NewEvent(SubjectRideAccepted, "dispatch", RideAcceptedData{
		RideID:     rideID,
		DriverID:   driverID,
		OfferID:    uuid.New(),
		AcceptedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, "ride.accepted", event.Type)
	assert.Equal(t, "dispatch", event.Source)
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())

	// ID should be a valid UUID
	_, err = uuid.Parse(event.ID)
	assert.NoError(t, err)

	var decoded RideAcceptedData
	require.NoError(t, json.Unmarshal(event.Data, &decoded))
	assert.Equal(t, rideID, decoded.RideID)
	assert.Equal(t, driverID, decoded.DriverID)
}

func TestNewEvent_NilData(t *testing.T) {
	event, err := NewEvent(SubjectSurgeUpdated, "dispatch", nil)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("null"), event.Data)
}

func TestNewEvent_UnmarshalableData(t *testing.T) {
	// Channels cannot be marshaled to JSON
	event, err := NewEvent(SubjectSurgeUpdated, "dispatch", make(chan int))
	assert.Error(t, err)
	assert.Nil(t, event)
}

func TestNewEvent_UniqueIDs(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		event, err := NewEvent("test", "src", nil)
		require.NoError(t, err)
		assert.False(t, ids[event.ID], "duplicate event ID generated")
		ids[event.ID] = true
	}
}

func TestNewEvent_TimestampIsUTC(t *testing.T) {
	event, err := NewEvent("test", "src", nil)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, event.Timestamp.Location())
}

func TestEvent_EnvelopeKeys(t *testing.T) {
	// Downstream consumers depend on these exact envelope keys.
	event, err := NewEvent(SubjectRideMatched, "dispatch", RideMatchedData{
		RideID:   uuid.New(),
		DriverID: uuid.New(),
		OfferID:  uuid.New(),
		Attempt:  1,
	})
	require.NoError(t, err)

	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Contains(t, envelope, "eventId")
	assert.Contains(t, envelope, "eventType")
	assert.Contains(t, envelope, "source")
	assert.Contains(t, envelope, "timestamp")
	assert.Contains(t, envelope, "data")
}

func TestEvent_JSONRoundTrip(t *testing.T) {
	original, err := NewEvent(SubjectRideExpired, "dispatch", RideExpiredData{
		RideID:      uuid.New(),
		FinalStatus: "EXPIRED",
		Attempts:    5,
		Reason:      "Max match attempts reached",
		ExpiredAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var restored Event
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, original.ID, restored.ID)
	assert.Equal(t, original.Type, restored.Type)
	assert.Equal(t, original.Source, restored.Source)
	assert.JSONEq(t, string(original.Data), string(restored.Data))
}

func TestSubjectConstants(t *testing.T) {
	tests := []struct {
		name     string
		subject  string
		expected string
	}{
		{"RideRequested", SubjectRideRequested, "ride.requested"},
		{"RideMatched", SubjectRideMatched, "ride.matched"},
		{"RideAccepted", SubjectRideAccepted, "ride.accepted"},
		{"RideDeclined", SubjectRideDeclined, "ride.declined"},
		{"RideExpired", SubjectRideExpired, "ride.expired"},
		{"RideCancelled", SubjectRideCancelled, "ride.cancelled"},
		{"DriverLocationUpdated", SubjectDriverLocationUpdated, "driver.location.updated"},
		{"DriverStatusChanged", SubjectDriverStatusChanged, "driver.status.changed"},
		{"SurgeUpdated", SubjectSurgeUpdated, "surge.updated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.subject)
		})
	}
}

func TestSubjectsMatchStreamFilters(t *testing.T) {
	// The stream is created with ride.>, driver.> and surge.> filters;
	// every published subject must fall under one of them.
	subjects := []string{
		SubjectRideRequested, SubjectRideMatched, SubjectRideAccepted,
		SubjectRideDeclined, SubjectRideExpired, SubjectRideCancelled,
		SubjectDriverLocationUpdated, SubjectDriverStatusChanged,
		SubjectSurgeUpdated,
	}

	for _, subject := range subjects {
		assert.Regexp(t, `^(ride|driver|surge)\.`, subject)
	}
}

func TestHandlerFunc_Invocation(t *testing.T) {
	var called bool
	var receivedEvent *Event

	handler := HandlerFunc(func(ctx context.Context, event *Event) error {
		called = true
		receivedEvent = event
		return nil
	})

	event, _ := NewEvent(SubjectDriverStatusChanged, "dispatch", DriverStatusChangedData{
		DriverID:       uuid.New(),
		PreviousStatus: "ONLINE",
		NewStatus:      "ON_TRIP",
		ChangedAt:      time.Now().UTC(),
	})
	err := handler(context.Background(), event)

	assert.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, event.ID, receivedEvent.ID)
}

func TestConfig_StreamDefault(t *testing.T) {
	assert.Equal(t, "DISPATCH", Config{}.stream())
	assert.Equal(t, "RIDES", Config{StreamName: "RIDES"}.stream())
}

func TestBus_Connected_NilConn(t *testing.T) {
	bus := &Bus{}
	assert.False(t, bus.Connected())
}

func TestBus_Close_NoSubs(t *testing.T) {
	bus := &Bus{}
	// Should not panic
	bus.Close()
}
