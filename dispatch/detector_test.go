package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/bookingrelay/common"
	"github.com/alwitt/bookingrelay/metrics"
	"github.com/alwitt/bookingrelay/subscription"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestClassifyTransition(t *testing.T) {
	assert := assert.New(t)

	unseen := subscription.StateLookup{}
	unassigned := subscription.StateLookup{Seen: true, Value: common.Unassigned()}
	driver3 := subscription.StateLookup{Seen: true, Value: common.AssignedTo(3)}

	assert.Equal(TransitionFirstObservation, ClassifyTransition(unseen, common.Unassigned()))
	assert.Equal(TransitionFirstObservation, ClassifyTransition(unseen, common.AssignedTo(3)))
	assert.Equal(TransitionNone, ClassifyTransition(unassigned, common.Unassigned()))
	assert.Equal(TransitionNone, ClassifyTransition(unassigned, common.AssignedTo(0)))
	assert.Equal(TransitionNone, ClassifyTransition(driver3, common.AssignedTo(3)))
	assert.Equal(TransitionAssigned, ClassifyTransition(unassigned, common.AssignedTo(3)))
	assert.Equal(TransitionAssigned, ClassifyTransition(driver3, common.AssignedTo(4)))
	assert.Equal(TransitionCleared, ClassifyTransition(driver3, common.Unassigned()))
	assert.Equal("assigned", TransitionAssigned.String())
}

type detectorTestEnv struct {
	registry subscription.Registry
	source   *mockSource
	uut      ChangeDetector
}

func setupDetectorTest(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup, interval time.Duration,
) detectorTestEnv {
	tp, err := common.GetNewTaskProcessorInstance(ctxt, "unit-test", 4)
	if err != nil {
		t.Fatalf("task processor: %s", err)
	}
	registry, err := subscription.DefineRegistry(tp, true)
	if err != nil {
		t.Fatalf("registry: %s", err)
	}
	if err := tp.StartEventLoop(wg); err != nil {
		t.Fatalf("event loop: %s", err)
	}
	src := newMockSource()
	collector := metrics.NewMetricsCollector()
	uut, err := DefinePollingChangeDetector(
		ctxt,
		wg,
		registry,
		src,
		DefineBroadcaster(registry, nil, collector),
		collector,
		interval,
		time.Second,
	)
	if err != nil {
		t.Fatalf("detector: %s", err)
	}
	return detectorTestEnv{registry: registry, source: src, uut: uut}
}

func TestChangeDetectorTransitions(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := setupDetectorTest(t, ctxt, &wg, time.Second)
	src := env.source
	registry := env.registry
	uut := env.uut

	src.drivers[7] = common.DriverRecord{ID: 7, FirstName: "Ada", LastName: "Lovelace"}
	src.setBooking(1, nil)
	src.setBooking(2, driverPtr(0))
	src.setBooking(3, driverPtr(7))

	sub0 := newMockSubscriber()
	sub1 := newMockSubscriber()

	// Case 0: no subscribers, no query
	{
		assert.Nil(uut.PollOnce(ctxt))
		assert.Equal(0, src.readCount())
	}

	assert.Nil(registry.Subscribe(ctxt, 1, sub0))
	assert.Nil(registry.Subscribe(ctxt, 2, sub0))
	assert.Nil(registry.Subscribe(ctxt, 3, sub1))

	// Case 1: first observation is silent, and the query covers exactly the active topics
	{
		assert.Nil(uut.PollOnce(ctxt))
		assert.Equal(1, src.readCount())
		assert.Equal([]common.BookingID{1, 2, 3}, src.lastRead())
		assert.Empty(sub0.received())
		assert.Empty(sub1.received())
		for _, booking := range []common.BookingID{1, 2, 3} {
			state, err := registry.TopicState(ctxt, booking)
			assert.Nil(err)
			assert.True(state.Seen)
		}
	}

	// Case 2: no change, no event
	{
		assert.Nil(uut.PollOnce(ctxt))
		assert.Empty(sub0.received())
		assert.Empty(sub1.received())
	}

	// Case 3: NULL and 0 are the same
	{
		src.setBooking(1, driverPtr(0))
		src.setBooking(2, nil)
		assert.Nil(uut.PollOnce(ctxt))
		assert.Empty(sub0.received())
	}

	// Case 4: driver assigned
	{
		src.setBooking(1, driverPtr(7))
		assert.Nil(uut.PollOnce(ctxt))
		received := sub0.received()
		assert.Len(received, 1)
		assert.Equal(common.EventAssigned, received[0].Kind)
		assert.Equal(common.BookingID(1), received[0].BookingID)
		assert.NotNil(received[0].Driver)
		assert.Equal("Ada", received[0].Driver.FirstName)
		assert.Empty(sub1.received())
	}

	// Case 5: assigned to a driver which does not exist
	{
		src.setBooking(3, driverPtr(99))
		assert.Nil(uut.PollOnce(ctxt))
		received := sub1.received()
		assert.Len(received, 1)
		assert.Equal(common.EventAssigned, received[0].Kind)
		assert.Equal(common.BookingID(3), received[0].BookingID)
		assert.Nil(received[0].Driver)
	}

	// Case 6: driver cleared
	{
		src.setBooking(1, nil)
		assert.Nil(uut.PollOnce(ctxt))
		received := sub0.received()
		assert.Len(received, 2)
		assert.Equal(common.EventAssigned, received[1].Kind)
		assert.Nil(received[1].Driver)
	}

	// Case 7: booking deleted while subscribed, state is kept
	{
		src.deleteBooking(3)
		assert.Nil(uut.PollOnce(ctxt))
		assert.Len(sub1.received(), 1)
		state, err := registry.TopicState(ctxt, 3)
		assert.Nil(err)
		assert.Equal(subscription.StateLookup{Seen: true, Value: common.AssignedTo(99)}, state)
	}

	// Case 8: unsubscribed booking leaves the query
	{
		assert.Nil(registry.Unsubscribe(ctxt, 2, sub0))
		assert.Nil(uut.PollOnce(ctxt))
		assert.Equal([]common.BookingID{1, 3}, src.lastRead())
	}
}

func TestChangeDetectorFailureContainment(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := setupDetectorTest(t, ctxt, &wg, time.Second)
	src := env.source
	registry := env.registry
	uut := env.uut

	src.drivers[7] = common.DriverRecord{ID: 7, FirstName: "Ada"}
	src.setBooking(1, nil)
	sub0 := newMockSubscriber()
	assert.Nil(registry.Subscribe(ctxt, 1, sub0))
	assert.Nil(uut.PollOnce(ctxt))

	// Case 0: batched read failure aborts the tick and leaves the state alone
	{
		src.setBooking(1, driverPtr(7))
		src.setErrors(fmt.Errorf("connection reset"), nil)
		assert.NotNil(uut.PollOnce(ctxt))
		assert.Empty(sub0.received())
		state, err := registry.TopicState(ctxt, 1)
		assert.Nil(err)
		assert.Equal(subscription.StateLookup{Seen: true, Value: common.Unassigned()}, state)
	}

	// Case 1: driver lookup failure reverts the observation
	{
		src.setErrors(nil, fmt.Errorf("connection reset"))
		assert.NotNil(uut.PollOnce(ctxt))
		assert.Empty(sub0.received())
		state, err := registry.TopicState(ctxt, 1)
		assert.Nil(err)
		assert.Equal(subscription.StateLookup{Seen: true, Value: common.Unassigned()}, state)
	}

	// Case 2: recovered, the transition is detected again
	{
		src.setErrors(nil, nil)
		assert.Nil(uut.PollOnce(ctxt))
		received := sub0.received()
		assert.Len(received, 1)
		assert.NotNil(received[0].Driver)
		assert.Equal(common.DriverID(7), received[0].Driver.ID)
	}

	// Case 3: a closed subscriber does not fail the tick
	{
		sub1 := newMockSubscriber()
		sub1.open = false
		assert.Nil(registry.Subscribe(ctxt, 1, sub1))
		src.setBooking(1, nil)
		assert.Nil(uut.PollOnce(ctxt))
		assert.Len(sub0.received(), 2)
		assert.Empty(sub1.received())
	}
}

func TestChangeDetectorBackgroundPolling(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := setupDetectorTest(t, ctxt, &wg, time.Millisecond*20)
	src := env.source
	uut := env.uut

	src.setBooking(1, nil)
	sub0 := newMockSubscriber()
	assert.Nil(env.registry.Subscribe(ctxt, 1, sub0))

	assert.Nil(uut.Start())
	time.Sleep(time.Millisecond * 60)
	src.setBooking(1, driverPtr(5))
	time.Sleep(time.Millisecond * 100)
	assert.Nil(uut.Stop())

	assert.GreaterOrEqual(src.readCount(), 3)
	received := sub0.received()
	assert.Len(received, 1)
	assert.Equal(common.BookingID(1), received[0].BookingID)
}
