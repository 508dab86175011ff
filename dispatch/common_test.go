package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/bookingrelay/common"
	"github.com/alwitt/bookingrelay/source"
	"github.com/alwitt/bookingrelay/subscription"
	"github.com/google/uuid"
)

// mockSource in memory AssignmentSource
type mockSource struct {
	lock        sync.Mutex
	bookings    map[common.BookingID]*int64
	drivers     map[common.DriverID]common.DriverRecord
	readErr     error
	driverErr   error
	readCalls   [][]common.BookingID
	driverCalls int
}

func newMockSource() *mockSource {
	return &mockSource{
		bookings:  map[common.BookingID]*int64{},
		drivers:   map[common.DriverID]common.DriverRecord{},
		readCalls: [][]common.BookingID{},
	}
}

func (s *mockSource) setBooking(booking common.BookingID, driver *int64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.bookings[booking] = driver
}

func (s *mockSource) deleteBooking(booking common.BookingID) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.bookings, booking)
}

func (s *mockSource) setErrors(readErr, driverErr error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.readErr = readErr
	s.driverErr = driverErr
}

func (s *mockSource) lastRead() []common.BookingID {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.readCalls) == 0 {
		return nil
	}
	return s.readCalls[len(s.readCalls)-1]
}

func (s *mockSource) readCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.readCalls)
}

func (s *mockSource) ReadAssignments(
	ctxt context.Context, bookings []common.BookingID,
) (map[common.BookingID]common.Assignment, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.readCalls = append(s.readCalls, append([]common.BookingID{}, bookings...))
	if s.readErr != nil {
		return nil, s.readErr
	}
	result := map[common.BookingID]common.Assignment{}
	for _, booking := range bookings {
		if driver, ok := s.bookings[booking]; ok {
			result[booking] = common.AssignmentFromNullable(driver)
		}
	}
	return result, nil
}

func (s *mockSource) ReadDriver(
	ctxt context.Context, driver common.DriverID,
) (common.DriverRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.driverCalls++
	if s.driverErr != nil {
		return common.DriverRecord{}, s.driverErr
	}
	record, ok := s.drivers[driver]
	if !ok {
		return common.DriverRecord{}, source.ErrNotFound
	}
	return record, nil
}

func (s *mockSource) ReadCurrentState(
	ctxt context.Context, booking common.BookingID,
) (source.CurrentState, error) {
	return source.CurrentState{}, fmt.Errorf("not supported")
}

func (s *mockSource) Ping(ctxt context.Context) error {
	return nil
}

func (s *mockSource) Close() error {
	return nil
}

// mockSubscriber records the events it receives
type mockSubscriber struct {
	id      string
	lock    sync.Mutex
	open    bool
	sendErr error
	events  []common.Event
}

func newMockSubscriber() *mockSubscriber {
	return &mockSubscriber{id: uuid.New().String(), open: true, events: []common.Event{}}
}

func (s *mockSubscriber) ID() string {
	return s.id
}

func (s *mockSubscriber) Send(ctxt context.Context, event common.Event) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.events = append(s.events, event)
	return nil
}

func (s *mockSubscriber) IsOpen() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.open
}

func (s *mockSubscriber) received() []common.Event {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]common.Event{}, s.events...)
}

var _ subscription.Subscriber = &mockSubscriber{}
var _ source.AssignmentSource = &mockSource{}

// mockMirror records mirrored events
type mockMirror struct {
	lock   sync.Mutex
	err    error
	events []common.Event
}

func (m *mockMirror) Mirror(ctxt context.Context, event common.Event) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.events = append(m.events, event)
	return m.err
}

func driverPtr(id int64) *int64 {
	return &id
}
