package subscription

import (
	"sort"

	"github.com/alwitt/bookingrelay/common"
)

// StateLookup result of reading the last observed assignment of a booking
type StateLookup struct {
	// Seen whether the booking was ever observed
	Seen bool
	// Value the last observed assignment. Only meaningful when Seen.
	Value common.Assignment
}

// Equal whether two lookups are the same
func (s StateLookup) Equal(other StateLookup) bool {
	if s.Seen != other.Seen {
		return false
	}
	return !s.Seen || s.Value.Equal(other.Value)
}

// TopicStateStore last observed assignment per booking.
//
// Not thread safe. Only the registry's event loop touches it.
type TopicStateStore struct {
	values map[common.BookingID]common.Assignment
}

// NewTopicStateStore define a new empty store
func NewTopicStateStore() *TopicStateStore {
	return &TopicStateStore{values: make(map[common.BookingID]common.Assignment)}
}

// Get read the last observed assignment
func (s *TopicStateStore) Get(booking common.BookingID) StateLookup {
	value, ok := s.values[booking]
	if !ok {
		return StateLookup{}
	}
	return StateLookup{Seen: true, Value: value}
}

// Set record the latest observed assignment
func (s *TopicStateStore) Set(booking common.BookingID, value common.Assignment) {
	s.values[booking] = value
}

// Restore put back a previous lookup result. Unseen removes the entry.
func (s *TopicStateStore) Restore(booking common.BookingID, previous StateLookup) {
	if !previous.Seen {
		s.Clear(booking)
		return
	}
	s.Set(booking, previous.Value)
}

// Clear forget the booking
func (s *TopicStateStore) Clear(booking common.BookingID) {
	delete(s.values, booking)
}

// Keys bookings with recorded state, in ascending order
func (s *TopicStateStore) Keys() []common.BookingID {
	result := make([]common.BookingID, 0, len(s.values))
	for booking := range s.values {
		result = append(result, booking)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Len number of bookings with recorded state
func (s *TopicStateStore) Len() int {
	return len(s.values)
}
