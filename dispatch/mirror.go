package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/bookingrelay/common"
	"github.com/alwitt/bookingrelay/core"
	"github.com/apex/log"
)

// EventMirror copies broadcast events to an external system
type EventMirror interface {
	// Mirror copy one event
	Mirror(ctxt context.Context, event common.Event) error
}

// ValidateSubjectPrefix verify a string can be used as a NATS subject prefix
func ValidateSubjectPrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("subject prefix is empty")
	}
	if strings.ContainsAny(prefix, " \t\r\n*>") {
		return fmt.Errorf("subject prefix '%s' contains whitespace or wildcards", prefix)
	}
	for _, token := range strings.Split(prefix, ".") {
		if token == "" {
			return fmt.Errorf("subject prefix '%s' contains an empty token", prefix)
		}
	}
	return nil
}

// MirrorSubject subject an event of a booking is published on
func MirrorSubject(prefix string, booking common.BookingID) string {
	return fmt.Sprintf("%s.%s", prefix, booking)
}

// jetStreamMirrorImpl implements EventMirror by publishing into JetStream
type jetStreamMirrorImpl struct {
	common.Component
	nats           *core.NatsClient
	subjectPrefix  string
	publishTimeout time.Duration
}

// GetJetStreamEventMirror define new EventMirror which publishes events into JetStream
// on "<subjectPrefix>.<booking ID>"
func GetJetStreamEventMirror(
	natsClient *core.NatsClient, subjectPrefix string, publishTimeout time.Duration,
) (EventMirror, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "js-mirror", "instance": subjectPrefix,
	}
	if err := ValidateSubjectPrefix(subjectPrefix); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event mirror")
		return nil, err
	}
	return &jetStreamMirrorImpl{
		Component:      common.Component{LogTags: logTags},
		nats:           natsClient,
		subjectPrefix:  subjectPrefix,
		publishTimeout: publishTimeout,
	}, nil
}

// Mirror publish one event into JetStream
func (m *jetStreamMirrorImpl) Mirror(ctxt context.Context, event common.Event) error {
	localLogTags, err := common.UpdateLogTags(ctxt, m.LogTags)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Failed to update logtags")
		return err
	}
	payload, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to serialize %s", event)
		return err
	}
	subject := MirrorSubject(m.subjectPrefix, event.BookingID)
	ack, err := m.nats.JetStream().PublishAsync(subject, payload)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to mirror %s", event)
		return err
	}
	useContext, cancel := context.WithTimeout(ctxt, m.publishTimeout)
	defer cancel()
	// Wait for success, failure, or timeout
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture OK channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Event mirror failure")
			return err
		}
		log.WithFields(localLogTags).Debugf(
			"Mirrored %s as [%d] to %s/%s", event, goodSig.Sequence, goodSig.Stream, subject,
		)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture error channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Event mirror failure")
			return err
		}
		return txErr
	case <-useContext.Done():
		err := useContext.Err()
		log.WithError(err).WithFields(localLogTags).Errorf("Event mirror timed out")
		return err
	}
}
