package subscription

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/alwitt/bookingrelay/common"
	"github.com/apex/log"
)

// RegistryStats size of the registry
type RegistryStats struct {
	// Topics number of bookings with at least one subscriber
	Topics int `json:"topics"`
	// Handles number of distinct subscriber handles
	Handles int `json:"handles"`
	// States number of bookings with recorded topic state
	States int `json:"states"`
}

// Registry tracks which subscribers are interested in which booking, along with the
// last observed assignment of every booking in scope.
//
// A booking is in scope while it has at least one subscriber. Its topic state is dropped
// as soon as the last subscriber leaves.
type Registry interface {
	// Subscribe add a subscriber to a booking. Idempotent.
	Subscribe(ctxt context.Context, booking common.BookingID, sub Subscriber) error
	// Unsubscribe remove a subscriber from a booking
	Unsubscribe(ctxt context.Context, booking common.BookingID, sub Subscriber) error
	// DropHandle remove a subscriber from every booking
	DropHandle(ctxt context.Context, sub Subscriber) error
	// ActiveTopics bookings with at least one subscriber, in ascending order
	ActiveTopics(ctxt context.Context) ([]common.BookingID, error)
	// Recipients subscribers of a booking
	Recipients(ctxt context.Context, booking common.BookingID) ([]Subscriber, error)
	// TopicState last observed assignment of a booking
	TopicState(ctxt context.Context, booking common.BookingID) (StateLookup, error)
	// RecordObservations store newly observed assignments, and return the values they
	// replaced. Bookings no longer in scope are skipped.
	RecordObservations(
		ctxt context.Context, observed map[common.BookingID]common.Assignment,
	) (map[common.BookingID]StateLookup, error)
	// RevertObservation restore the previous topic state, if the stored value is
	// still the one observed.
	RevertObservation(
		ctxt context.Context,
		booking common.BookingID,
		previous StateLookup,
		observed common.Assignment,
	) error
	// Stats current registry size
	Stats(ctxt context.Context) (RegistryStats, error)
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	tp     common.TaskProcessor
	strict bool
	// booking -> subscriber ID -> subscriber
	topics map[common.BookingID]map[string]Subscriber
	// subscriber ID -> bookings
	handles map[string]map[common.BookingID]struct{}
	state   *TopicStateStore
}

// DefineRegistry create new subscription registry
//
// All registry operations execute on the task processor's event loop. When strict, a
// registry invariant violation detected by ActiveTopics is returned as
// ErrInvariantViolation instead of being repaired.
func DefineRegistry(tp common.TaskProcessor, strict bool) (Registry, error) {
	logTags := log.Fields{
		"module": "subscription", "component": "registry",
	}
	instance := registryImpl{
		Component: common.Component{LogTags: logTags},
		tp:        tp,
		strict:    strict,
		topics:    make(map[common.BookingID]map[string]Subscriber),
		handles:   make(map[string]map[common.BookingID]struct{}),
		state:     NewTopicStateStore(),
	}
	// Add handlers
	handlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(registrySubscribeReq{}):    instance.processSubscribeRequest,
		reflect.TypeOf(registryUnsubscribeReq{}):  instance.processUnsubscribeRequest,
		reflect.TypeOf(registryDropHandleReq{}):   instance.processDropHandleRequest,
		reflect.TypeOf(registryActiveTopicsReq{}): instance.processActiveTopicsRequest,
		reflect.TypeOf(registryRecipientsReq{}):   instance.processRecipientsRequest,
		reflect.TypeOf(registryTopicStateReq{}):   instance.processTopicStateRequest,
		reflect.TypeOf(registryRecordReq{}):       instance.processRecordRequest,
		reflect.TypeOf(registryRevertReq{}):       instance.processRevertRequest,
		reflect.TypeOf(registryStatsReq{}):        instance.processStatsRequest,
	}
	for reqType, handler := range handlers {
		if err := tp.AddToTaskExecutionMap(reqType, handler); err != nil {
			return nil, err
		}
	}
	return &instance, nil
}

// submitAndWait submit a request to the event loop, and wait for it to be processed
func (r *registryImpl) submitAndWait(
	ctxt context.Context, request interface{}, complete chan bool,
) error {
	if err := r.tp.Submit(ctxt, request); err != nil {
		logTags, _ := common.UpdateLogTags(ctxt, r.LogTags)
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to submit %s", reflect.TypeOf(request),
		)
		return err
	}
	select {
	case <-complete:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func unknownRequestType(param interface{}, operation string) error {
	return fmt.Errorf("can not process unknown type %s for %s", reflect.TypeOf(param), operation)
}

// ----------------------------------------------------------------------------------------

type registrySubscribeReq struct {
	booking  common.BookingID
	sub      Subscriber
	resultCB func(error)
}

// Subscribe add a subscriber to a booking
func (r *registryImpl) Subscribe(
	ctxt context.Context, booking common.BookingID, sub Subscriber,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}
	request := registrySubscribeReq{booking: booking, sub: sub, resultCB: handler}
	if err := r.submitAndWait(ctxt, request, complete); err != nil {
		return err
	}
	return processError
}

func (r *registryImpl) processSubscribeRequest(param interface{}) error {
	request, ok := param.(registrySubscribeReq)
	if !ok {
		return unknownRequestType(param, "subscribe")
	}
	err := r.subscribe(request.booking, request.sub)
	request.resultCB(err)
	return err
}

func (r *registryImpl) subscribe(booking common.BookingID, sub Subscriber) error {
	subscribers, ok := r.topics[booking]
	if !ok {
		subscribers = make(map[string]Subscriber)
		r.topics[booking] = subscribers
		log.WithFields(r.LogTags).Debugf("Booking %s now in scope", booking)
	}
	subscribers[sub.ID()] = sub
	bookings, ok := r.handles[sub.ID()]
	if !ok {
		bookings = make(map[common.BookingID]struct{})
		r.handles[sub.ID()] = bookings
	}
	bookings[booking] = struct{}{}
	log.WithFields(r.LogTags).Debugf("Subscriber %s subscribed to booking %s", sub.ID(), booking)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryUnsubscribeReq struct {
	booking  common.BookingID
	sub      Subscriber
	resultCB func(error)
}

// Unsubscribe remove a subscriber from a booking
func (r *registryImpl) Unsubscribe(
	ctxt context.Context, booking common.BookingID, sub Subscriber,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}
	request := registryUnsubscribeReq{booking: booking, sub: sub, resultCB: handler}
	if err := r.submitAndWait(ctxt, request, complete); err != nil {
		return err
	}
	return processError
}

func (r *registryImpl) processUnsubscribeRequest(param interface{}) error {
	request, ok := param.(registryUnsubscribeReq)
	if !ok {
		return unknownRequestType(param, "unsubscribe")
	}
	r.unsubscribe(request.booking, request.sub.ID())
	request.resultCB(nil)
	return nil
}

func (r *registryImpl) unsubscribe(booking common.BookingID, subID string) {
	if subscribers, ok := r.topics[booking]; ok {
		delete(subscribers, subID)
		if len(subscribers) == 0 {
			delete(r.topics, booking)
			r.state.Clear(booking)
			log.WithFields(r.LogTags).Debugf("Booking %s left scope", booking)
		}
	}
	if bookings, ok := r.handles[subID]; ok {
		delete(bookings, booking)
		if len(bookings) == 0 {
			delete(r.handles, subID)
		}
	}
}

// ----------------------------------------------------------------------------------------

type registryDropHandleReq struct {
	sub      Subscriber
	resultCB func(error)
}

// DropHandle remove a subscriber from every booking
func (r *registryImpl) DropHandle(ctxt context.Context, sub Subscriber) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}
	request := registryDropHandleReq{sub: sub, resultCB: handler}
	if err := r.submitAndWait(ctxt, request, complete); err != nil {
		return err
	}
	return processError
}

func (r *registryImpl) processDropHandleRequest(param interface{}) error {
	request, ok := param.(registryDropHandleReq)
	if !ok {
		return unknownRequestType(param, "drop handle")
	}
	r.dropHandle(request.sub.ID())
	request.resultCB(nil)
	return nil
}

func (r *registryImpl) dropHandle(subID string) {
	bookings, ok := r.handles[subID]
	if !ok {
		return
	}
	for booking := range bookings {
		r.unsubscribe(booking, subID)
	}
	delete(r.handles, subID)
	log.WithFields(r.LogTags).Debugf("Dropped subscriber %s", subID)
}

// ----------------------------------------------------------------------------------------

type registryActiveTopicsReq struct {
	resultCB func([]common.BookingID, error)
}

// ActiveTopics bookings with at least one subscriber
func (r *registryImpl) ActiveTopics(ctxt context.Context) ([]common.BookingID, error) {
	complete := make(chan bool, 1)
	var processError error
	var result []common.BookingID
	handler := func(topics []common.BookingID, err error) {
		result = topics
		processError = err
		complete <- true
	}
	request := registryActiveTopicsReq{resultCB: handler}
	if err := r.submitAndWait(ctxt, request, complete); err != nil {
		return nil, err
	}
	return result, processError
}

func (r *registryImpl) processActiveTopicsRequest(param interface{}) error {
	request, ok := param.(registryActiveTopicsReq)
	if !ok {
		return unknownRequestType(param, "active topics")
	}
	topics, err := r.activeTopics()
	request.resultCB(topics, err)
	return err
}

func (r *registryImpl) activeTopics() ([]common.BookingID, error) {
	if err := r.audit(); err != nil {
		return nil, err
	}
	result := make([]common.BookingID, 0, len(r.topics))
	for booking := range r.topics {
		result = append(result, booking)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// audit verify every recorded topic state belongs to a booking in scope
func (r *registryImpl) audit() error {
	orphans := []common.BookingID{}
	for _, booking := range r.state.Keys() {
		if _, ok := r.topics[booking]; !ok {
			orphans = append(orphans, booking)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	if r.strict {
		err := fmt.Errorf("%w: topic state without subscribers %v", ErrInvariantViolation, orphans)
		log.WithError(err).WithFields(r.LogTags).Error("Registry audit failed")
		return err
	}
	for _, booking := range orphans {
		r.state.Clear(booking)
	}
	log.WithFields(r.LogTags).Warnf("Removed orphaned topic state for bookings %v", orphans)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryRecipientsReq struct {
	booking  common.BookingID
	resultCB func([]Subscriber, error)
}

// Recipients subscribers of a booking
func (r *registryImpl) Recipients(
	ctxt context.Context, booking common.BookingID,
) ([]Subscriber, error) {
	complete := make(chan bool, 1)
	var processError error
	var result []Subscriber
	handler := func(subs []Subscriber, err error) {
		result = subs
		processError = err
		complete <- true
	}
	request := registryRecipientsReq{booking: booking, resultCB: handler}
	if err := r.submitAndWait(ctxt, request, complete); err != nil {
		return nil, err
	}
	return result, processError
}

func (r *registryImpl) processRecipientsRequest(param interface{}) error {
	request, ok := param.(registryRecipientsReq)
	if !ok {
		return unknownRequestType(param, "recipients")
	}
	request.resultCB(r.recipients(request.booking), nil)
	return nil
}

func (r *registryImpl) recipients(booking common.BookingID) []Subscriber {
	subscribers := r.topics[booking]
	result := make([]Subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		result = append(result, sub)
	}
	return result
}

// ----------------------------------------------------------------------------------------

type registryTopicStateReq struct {
	booking  common.BookingID
	resultCB func(StateLookup, error)
}

// TopicState last observed assignment of a booking
func (r *registryImpl) TopicState(
	ctxt context.Context, booking common.BookingID,
) (StateLookup, error) {
	complete := make(chan bool, 1)
	var processError error
	var result StateLookup
	handler := func(lookup StateLookup, err error) {
		result = lookup
		processError = err
		complete <- true
	}
	request := registryTopicStateReq{booking: booking, resultCB: handler}
	if err := r.submitAndWait(ctxt, request, complete); err != nil {
		return StateLookup{}, err
	}
	return result, processError
}

func (r *registryImpl) processTopicStateRequest(param interface{}) error {
	request, ok := param.(registryTopicStateReq)
	if !ok {
		return unknownRequestType(param, "topic state")
	}
	request.resultCB(r.state.Get(request.booking), nil)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryRecordReq struct {
	observed map[common.BookingID]common.Assignment
	resultCB func(map[common.BookingID]StateLookup, error)
}

// RecordObservations store newly observed assignments
func (r *registryImpl) RecordObservations(
	ctxt context.Context, observed map[common.BookingID]common.Assignment,
) (map[common.BookingID]StateLookup, error) {
	complete := make(chan bool, 1)
	var processError error
	var result map[common.BookingID]StateLookup
	handler := func(previous map[common.BookingID]StateLookup, err error) {
		result = previous
		processError = err
		complete <- true
	}
	request := registryRecordReq{observed: observed, resultCB: handler}
	if err := r.submitAndWait(ctxt, request, complete); err != nil {
		return nil, err
	}
	return result, processError
}

func (r *registryImpl) processRecordRequest(param interface{}) error {
	request, ok := param.(registryRecordReq)
	if !ok {
		return unknownRequestType(param, "record observations")
	}
	request.resultCB(r.recordObservations(request.observed), nil)
	return nil
}

func (r *registryImpl) recordObservations(
	observed map[common.BookingID]common.Assignment,
) map[common.BookingID]StateLookup {
	previous := make(map[common.BookingID]StateLookup, len(observed))
	for booking, value := range observed {
		if _, ok := r.topics[booking]; !ok {
			// Last subscriber left while the query was running
			continue
		}
		previous[booking] = r.state.Get(booking)
		r.state.Set(booking, value)
	}
	return previous
}

// ----------------------------------------------------------------------------------------

type registryRevertReq struct {
	booking  common.BookingID
	previous StateLookup
	observed common.Assignment
	resultCB func(error)
}

// RevertObservation restore the previous topic state
func (r *registryImpl) RevertObservation(
	ctxt context.Context,
	booking common.BookingID,
	previous StateLookup,
	observed common.Assignment,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}
	request := registryRevertReq{
		booking: booking, previous: previous, observed: observed, resultCB: handler,
	}
	if err := r.submitAndWait(ctxt, request, complete); err != nil {
		return err
	}
	return processError
}

func (r *registryImpl) processRevertRequest(param interface{}) error {
	request, ok := param.(registryRevertReq)
	if !ok {
		return unknownRequestType(param, "revert observation")
	}
	r.revertObservation(request.booking, request.previous, request.observed)
	request.resultCB(nil)
	return nil
}

func (r *registryImpl) revertObservation(
	booking common.BookingID, previous StateLookup, observed common.Assignment,
) {
	if _, ok := r.topics[booking]; !ok {
		return
	}
	current := r.state.Get(booking)
	if !current.Seen || !current.Value.Equal(observed) {
		// Changed since; keep the newer value
		return
	}
	r.state.Restore(booking, previous)
}

// ----------------------------------------------------------------------------------------

type registryStatsReq struct {
	resultCB func(RegistryStats, error)
}

// Stats current registry size
func (r *registryImpl) Stats(ctxt context.Context) (RegistryStats, error) {
	complete := make(chan bool, 1)
	var processError error
	var result RegistryStats
	handler := func(stats RegistryStats, err error) {
		result = stats
		processError = err
		complete <- true
	}
	request := registryStatsReq{resultCB: handler}
	if err := r.submitAndWait(ctxt, request, complete); err != nil {
		return RegistryStats{}, err
	}
	return result, processError
}

func (r *registryImpl) processStatsRequest(param interface{}) error {
	request, ok := param.(registryStatsReq)
	if !ok {
		return unknownRequestType(param, "stats")
	}
	request.resultCB(
		RegistryStats{Topics: len(r.topics), Handles: len(r.handles), States: r.state.Len()}, nil,
	)
	return nil
}
