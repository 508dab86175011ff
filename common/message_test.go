package common

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestAssignmentNormalization(t *testing.T) {
	assert := assert.New(t)

	zero := int64(0)
	twelve := int64(12)

	// Case 0: NULL and 0 both mean no driver
	{
		fromNull := AssignmentFromNullable(nil)
		fromZero := AssignmentFromNullable(&zero)
		assert.False(fromNull.IsAssigned())
		assert.False(fromZero.IsAssigned())
		assert.True(fromNull.Equal(fromZero))
		assert.True(fromZero.Equal(Unassigned()))
		assert.True(AssignedTo(0).Equal(Unassigned()))
	}

	// Case 1: assigned driver
	{
		uut := AssignmentFromNullable(&twelve)
		assert.True(uut.IsAssigned())
		driver, ok := uut.Driver()
		assert.True(ok)
		assert.Equal(DriverID(12), driver)
		assert.True(uut.Equal(AssignedTo(12)))
		assert.False(uut.Equal(AssignedTo(13)))
		assert.False(uut.Equal(Unassigned()))
	}
}

func TestBookingIDDecoding(t *testing.T) {
	assert := assert.New(t)

	type wrapper struct {
		ID BookingID `json:"id"`
	}

	// Case 0: number
	{
		var w wrapper
		assert.Nil(json.Unmarshal([]byte(`{"id": 42}`), &w))
		assert.Equal(BookingID(42), w.ID)
	}

	// Case 1: numeric string
	{
		var w wrapper
		assert.Nil(json.Unmarshal([]byte(`{"id": " 43 "}`), &w))
		assert.Equal(BookingID(43), w.ID)
	}

	// Case 2: garbage
	{
		var w wrapper
		assert.NotNil(json.Unmarshal([]byte(`{"id": "booking-1"}`), &w))
		assert.NotNil(json.Unmarshal([]byte(`{"id": 1.5}`), &w))
	}
}

func TestParseSubscriberRequest(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	// Case 0: standard framing
	{
		req, err := ParseSubscriberRequest(
			[]byte(`{"kind":"subscribe","booking_id":7}`), validate,
		)
		assert.Nil(err)
		assert.Equal(RequestSubscribe, req.Kind)
		assert.Equal(BookingID(7), req.BookingID)
	}

	// Case 1: legacy framing
	{
		req, err := ParseSubscriberRequest(
			[]byte(`{"type":"UNSUBSCRIBE_BOOKING","bookingId":"9"}`), validate,
		)
		assert.Nil(err)
		assert.Equal(RequestUnsubscribe, req.Kind)
		assert.Equal(BookingID(9), req.BookingID)
	}

	// Case 2: unknown kind
	{
		_, err := ParseSubscriberRequest(
			[]byte(`{"kind":"watch","booking_id":7}`), validate,
		)
		assert.NotNil(err)
		_, err = ParseSubscriberRequest(
			[]byte(`{"type":"DRIVER_ASSIGNED","bookingId":7}`), validate,
		)
		assert.NotNil(err)
	}

	// Case 3: missing booking
	{
		_, err := ParseSubscriberRequest([]byte(`{"kind":"subscribe"}`), validate)
		assert.NotNil(err)
	}

	// Case 4: not JSON
	{
		_, err := ParseSubscriberRequest([]byte(`subscribe 7`), validate)
		assert.NotNil(err)
	}
}

func TestEventEncoding(t *testing.T) {
	assert := assert.New(t)

	// Case 0: removal notification carries an explicit null driver
	{
		event := NewEvent(EventAssigned, 5, nil)
		encoded, err := json.Marshal(&event)
		assert.Nil(err)
		var decoded map[string]interface{}
		assert.Nil(json.Unmarshal(encoded, &decoded))
		assert.Equal("assigned", decoded["kind"])
		assert.Equal(float64(5), decoded["booking_id"])
		driver, ok := decoded["driver"]
		assert.True(ok)
		assert.Nil(driver)
		assert.NotEmpty(decoded["timestamp"])
	}

	// Case 1: driver record fields
	{
		event := NewEvent(EventCurrentState, 5, &DriverRecord{
			ID: 3, FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", Phone: "555",
		})
		encoded, err := json.Marshal(&event)
		assert.Nil(err)
		assert.Contains(string(encoded), `"firstname":"Ada"`)
		assert.Contains(string(encoded), `"kind":"current_state"`)
	}
}
