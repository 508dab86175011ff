package dispatch

import (
	"context"

	"github.com/alwitt/bookingrelay/common"
	"github.com/alwitt/bookingrelay/metrics"
	"github.com/alwitt/bookingrelay/subscription"
	"github.com/apex/log"
)

// BroadcastResult outcome of one broadcast
type BroadcastResult struct {
	// Delivered number of subscribers which accepted the event
	Delivered int
	// Skipped number of subscribers which were closed or failed to accept the event
	Skipped int
}

// Broadcaster deliver an event to every current subscriber of its booking
type Broadcaster interface {
	// Broadcast deliver the event. A subscriber failing to accept the event never fails
	// the broadcast; only failure to read the recipients is returned.
	Broadcast(ctxt context.Context, event common.Event) (BroadcastResult, error)
}

// broadcasterImpl implements Broadcaster
type broadcasterImpl struct {
	common.Component
	registry subscription.Registry
	mirror   EventMirror
	metrics  *metrics.Collector
}

// DefineBroadcaster create new broadcaster. The mirror and the metrics collector are
// optional.
func DefineBroadcaster(
	registry subscription.Registry, mirror EventMirror, collector *metrics.Collector,
) Broadcaster {
	logTags := log.Fields{
		"module": "dispatch", "component": "broadcaster",
	}
	return &broadcasterImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		mirror:    mirror,
		metrics:   collector,
	}
}

// Broadcast deliver the event to every current subscriber of its booking
func (b *broadcasterImpl) Broadcast(
	ctxt context.Context, event common.Event,
) (BroadcastResult, error) {
	recipients, err := b.registry.Recipients(ctxt, event.BookingID)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to read recipients of %s", event)
		return BroadcastResult{}, err
	}
	result := BroadcastResult{}
	for _, sub := range recipients {
		if !sub.IsOpen() {
			log.WithFields(b.LogTags).Debugf("Skipping closed subscriber %s for %s", sub.ID(), event)
			result.Skipped++
			continue
		}
		if err := sub.Send(ctxt, event); err != nil {
			log.WithError(err).WithFields(b.LogTags).Debugf(
				"Skipping subscriber %s for %s", sub.ID(), event,
			)
			result.Skipped++
			continue
		}
		result.Delivered++
	}
	log.WithFields(b.LogTags).Debugf(
		"Broadcast %s to %d subscribers (%d skipped)", event, result.Delivered, result.Skipped,
	)
	b.metrics.ObserveBroadcast(event.Kind, result.Delivered, result.Skipped)
	if b.mirror != nil {
		if err := b.mirror.Mirror(ctxt, event); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Failed to mirror %s", event)
			b.metrics.MirrorFailed()
		}
	}
	return result, nil
}
