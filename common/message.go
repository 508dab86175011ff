package common

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// BookingID identifies a booking. It is the topic clients subscribe to.
type BookingID int64

// String toString function
func (b BookingID) String() string {
	return strconv.FormatInt(int64(b), 10)
}

// UnmarshalJSON accepts either a JSON number or a numeric JSON string
func (b *BookingID) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if len(raw) > 0 && raw[0] == '"' {
		var asString string
		if err := json.Unmarshal(raw, &asString); err != nil {
			return err
		}
		raw = []byte(strings.TrimSpace(asString))
	}
	parsed, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid booking ID %s: %w", data, err)
	}
	*b = BookingID(parsed)
	return nil
}

// DriverID identifies a driver
type DriverID int64

// ===============================================================================
// Driver assignment

// Assignment is the driver assignment of a booking. It is either unassigned, or assigned
// to a specific driver.
type Assignment struct {
	assigned bool
	driver   DriverID
}

// Unassigned the booking has no driver
func Unassigned() Assignment {
	return Assignment{}
}

// AssignedTo the booking is assigned to driver
func AssignedTo(driver DriverID) Assignment {
	if driver == 0 {
		return Unassigned()
	}
	return Assignment{assigned: true, driver: driver}
}

// AssignmentFromNullable convert a nullable driver ID column into an Assignment.
//
// Both NULL and 0 mean "no driver".
func AssignmentFromNullable(driver *int64) Assignment {
	if driver == nil {
		return Unassigned()
	}
	return AssignedTo(DriverID(*driver))
}

// IsAssigned whether a driver is assigned
func (a Assignment) IsAssigned() bool {
	return a.assigned
}

// Driver the assigned driver. The second return is false if unassigned.
func (a Assignment) Driver() (DriverID, bool) {
	return a.driver, a.assigned
}

// Equal whether two assignments are the same
func (a Assignment) Equal(other Assignment) bool {
	return a.assigned == other.assigned && a.driver == other.driver
}

// String toString function
func (a Assignment) String() string {
	if !a.assigned {
		return "unassigned"
	}
	return fmt.Sprintf("driver[%d]", a.driver)
}

// DriverRecord the driver information included in a notification
type DriverRecord struct {
	ID        DriverID `json:"id"`
	FirstName string   `json:"firstname"`
	LastName  string   `json:"lastname"`
	Email     string   `json:"email"`
	Phone     string   `json:"phone"`
}

// ===============================================================================
// Outbound events

// EventKind type of outbound event
type EventKind string

const (
	// EventCurrentState snapshot of a booking's assignment, sent to one subscriber
	EventCurrentState EventKind = "current_state"
	// EventAssigned a booking's assignment changed, sent to all subscribers
	EventAssigned EventKind = "assigned"
)

// Event notification sent to subscribers
type Event struct {
	Kind      EventKind     `json:"kind"`
	BookingID BookingID     `json:"booking_id"`
	Driver    *DriverRecord `json:"driver"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewEvent define a new event, stamped with the current time
func NewEvent(kind EventKind, booking BookingID, driver *DriverRecord) Event {
	return Event{
		Kind: kind, BookingID: booking, Driver: driver, Timestamp: time.Now().UTC(),
	}
}

// String toString function
func (e Event) String() string {
	driver := "null"
	if e.Driver != nil {
		driver = strconv.FormatInt(int64(e.Driver.ID), 10)
	}
	return fmt.Sprintf("%s@BOOKING[%d]:DRIVER[%s]", e.Kind, e.BookingID, driver)
}

// ===============================================================================
// Inbound requests

// RequestKind type of inbound request
type RequestKind string

const (
	// RequestSubscribe subscribe to a booking
	RequestSubscribe RequestKind = "subscribe"
	// RequestUnsubscribe unsubscribe from a booking
	RequestUnsubscribe RequestKind = "unsubscribe"
)

// legacy framing used by older clients
const (
	legacySubscribe   = "SUBSCRIBE_BOOKING"
	legacyUnsubscribe = "UNSUBSCRIBE_BOOKING"
)

// SubscriberRequest inbound request from a subscriber
type SubscriberRequest struct {
	Kind      RequestKind `json:"kind" validate:"required,oneof=subscribe unsubscribe"`
	BookingID BookingID   `json:"booking_id" validate:"required"`
}

// wireSubscriberRequest all accepted inbound fields
type wireSubscriberRequest struct {
	Kind            string     `json:"kind"`
	BookingID       *BookingID `json:"booking_id"`
	LegacyType      string     `json:"type"`
	LegacyBookingID *BookingID `json:"bookingId"`
}

// ParseSubscriberRequest parse and validate an inbound request
func ParseSubscriberRequest(
	raw []byte, validate *validator.Validate,
) (SubscriberRequest, error) {
	var wire wireSubscriberRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return SubscriberRequest{}, err
	}
	var parsed SubscriberRequest
	switch {
	case wire.Kind != "":
		parsed.Kind = RequestKind(wire.Kind)
	case wire.LegacyType == legacySubscribe:
		parsed.Kind = RequestSubscribe
	case wire.LegacyType == legacyUnsubscribe:
		parsed.Kind = RequestUnsubscribe
	default:
		parsed.Kind = RequestKind(wire.LegacyType)
	}
	if wire.BookingID != nil {
		parsed.BookingID = *wire.BookingID
	} else if wire.LegacyBookingID != nil {
		parsed.BookingID = *wire.LegacyBookingID
	}
	if err := validate.Struct(&parsed); err != nil {
		return SubscriberRequest{}, err
	}
	return parsed, nil
}
