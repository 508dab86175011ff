package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/bookingrelay/common"
	"github.com/alwitt/bookingrelay/metrics"
	"github.com/alwitt/bookingrelay/source"
	"github.com/alwitt/bookingrelay/subscription"
	"github.com/apex/log"
)

// Transition how a booking's assignment changed between two observations
type Transition int

const (
	// TransitionFirstObservation the booking was never observed before
	TransitionFirstObservation Transition = iota
	// TransitionNone the assignment did not change
	TransitionNone
	// TransitionAssigned the booking is now assigned to a different driver
	TransitionAssigned
	// TransitionCleared the booking lost its driver
	TransitionCleared
)

// String toString function
func (t Transition) String() string {
	switch t {
	case TransitionFirstObservation:
		return "first-observation"
	case TransitionNone:
		return "none"
	case TransitionAssigned:
		return "assigned"
	case TransitionCleared:
		return "cleared"
	default:
		return fmt.Sprintf("transition(%d)", int(t))
	}
}

// ClassifyTransition compare the previous topic state with a new observation
func ClassifyTransition(previous subscription.StateLookup, observed common.Assignment) Transition {
	if !previous.Seen {
		return TransitionFirstObservation
	}
	if previous.Value.Equal(observed) {
		return TransitionNone
	}
	if observed.IsAssigned() {
		return TransitionAssigned
	}
	return TransitionCleared
}

// ChangeDetector detects assignment changes of bookings in scope, and broadcasts them
type ChangeDetector interface {
	// Start begin detecting changes in the background
	Start() error
	// Stop stop detecting changes
	Stop() error
	// PollOnce run one detection pass
	PollOnce(ctxt context.Context) error
}

// pollingDetectorImpl implements ChangeDetector by polling the booking database
type pollingDetectorImpl struct {
	common.Component
	rootContext  context.Context
	registry     subscription.Registry
	source       source.AssignmentSource
	broadcaster  Broadcaster
	timer        common.IntervalTimer
	interval     time.Duration
	queryTimeout time.Duration
	metrics      *metrics.Collector
}

// DefinePollingChangeDetector create new polling change detector
//
// The booking database is polled every interval. When queryTimeout is positive, each
// database query is bounded by it.
func DefinePollingChangeDetector(
	rootCtxt context.Context,
	wg *sync.WaitGroup,
	registry subscription.Registry,
	assignments source.AssignmentSource,
	broadcaster Broadcaster,
	collector *metrics.Collector,
	interval time.Duration,
	queryTimeout time.Duration,
) (ChangeDetector, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "change-detector",
	}
	timer, err := common.GetIntervalTimerInstance(rootCtxt, wg, "change-detector")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define poll timer")
		return nil, err
	}
	return &pollingDetectorImpl{
		Component:    common.Component{LogTags: logTags},
		rootContext:  rootCtxt,
		registry:     registry,
		source:       assignments,
		broadcaster:  broadcaster,
		timer:        timer,
		interval:     interval,
		queryTimeout: queryTimeout,
		metrics:      collector,
	}, nil
}

// Start begin polling in the background
func (d *pollingDetectorImpl) Start() error {
	log.WithFields(d.LogTags).Infof("Polling every %s", d.interval)
	return d.timer.Start(d.interval, func() error {
		return d.PollOnce(d.rootContext)
	}, false)
}

// Stop stop polling
func (d *pollingDetectorImpl) Stop() error {
	return d.timer.Stop()
}

// queryContext context for one database query
func (d *pollingDetectorImpl) queryContext(
	ctxt context.Context,
) (context.Context, context.CancelFunc) {
	if d.queryTimeout > 0 {
		return context.WithTimeout(ctxt, d.queryTimeout)
	}
	return context.WithCancel(ctxt)
}

// PollOnce run one detection pass
func (d *pollingDetectorImpl) PollOnce(ctxt context.Context) error {
	startTime := time.Now()

	topics, err := d.registry.ActiveTopics(ctxt)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to read active topics. Tick aborted")
		d.metrics.ObserveTick(metrics.TickFailed, 0, time.Since(startTime))
		return err
	}
	if len(topics) == 0 {
		d.metrics.ObserveTick(metrics.TickSkipped, 0, 0)
		return nil
	}

	// One query for every booking in scope
	useContext, cancel := d.queryContext(ctxt)
	observed, err := d.source.ReadAssignments(useContext, topics)
	cancel()
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to read assignments of %d bookings. Tick aborted", len(topics),
		)
		d.metrics.ObserveTick(metrics.TickFailed, len(topics), time.Since(startTime))
		return err
	}

	previous, err := d.registry.RecordObservations(ctxt, observed)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to record observations. Tick aborted")
		d.metrics.ObserveTick(metrics.TickFailed, len(topics), time.Since(startTime))
		return err
	}

	bookings := make([]common.BookingID, 0, len(previous))
	for booking := range previous {
		bookings = append(bookings, booking)
	}
	sort.Slice(bookings, func(i, j int) bool { return bookings[i] < bookings[j] })

	failedLookups := []common.BookingID{}
	for _, booking := range bookings {
		newValue := observed[booking]
		transition := ClassifyTransition(previous[booking], newValue)
		var event common.Event
		switch transition {
		case TransitionFirstObservation:
			log.WithFields(d.LogTags).Debugf("Booking %s first observed as %s", booking, newValue)
			continue
		case TransitionNone:
			continue
		case TransitionCleared:
			event = common.NewEvent(common.EventAssigned, booking, nil)
		case TransitionAssigned:
			driver, err := d.lookupDriver(ctxt, newValue)
			if err != nil {
				log.WithError(err).WithFields(d.LogTags).Errorf(
					"Unable to read driver of booking %s. Retrying next tick", booking,
				)
				if err := d.registry.RevertObservation(
					ctxt, booking, previous[booking], newValue,
				); err != nil {
					log.WithError(err).WithFields(d.LogTags).Errorf(
						"Unable to revert observation of booking %s", booking,
					)
				}
				failedLookups = append(failedLookups, booking)
				continue
			}
			event = common.NewEvent(common.EventAssigned, booking, driver)
		}
		log.WithFields(d.LogTags).Infof(
			"Booking %s %s: %s -> %s", booking, transition, previous[booking].Value, newValue,
		)
		if _, err := d.broadcaster.Broadcast(ctxt, event); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Failed to broadcast %s", event)
		}
	}

	d.metrics.ObserveTick(metrics.TickCompleted, len(topics), time.Since(startTime))
	if len(failedLookups) > 0 {
		return fmt.Errorf("driver lookup failed for bookings %v", failedLookups)
	}
	return nil
}

// lookupDriver read the driver of an assignment. A driver which does not exist is
// returned as nil.
func (d *pollingDetectorImpl) lookupDriver(
	ctxt context.Context, assignment common.Assignment,
) (*common.DriverRecord, error) {
	driverID, ok := assignment.Driver()
	if !ok {
		return nil, nil
	}
	useContext, cancel := d.queryContext(ctxt)
	defer cancel()
	driver, err := d.source.ReadDriver(useContext, driverID)
	if errors.Is(err, source.ErrNotFound) {
		log.WithFields(d.LogTags).Warnf("Assigned driver %d does not exist", driverID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &driver, nil
}
