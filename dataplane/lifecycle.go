// Copyright 2021-2022 The bookingrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataplane

import (
	"context"
	"errors"
	"time"

	"github.com/alwitt/bookingrelay/common"
	"github.com/alwitt/bookingrelay/metrics"
	"github.com/alwitt/bookingrelay/source"
	"github.com/alwitt/bookingrelay/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// SessionController apply the requests of a subscriber session to the subscription registry
type SessionController interface {
	// HandleMessage parse and apply one inbound request. Malformed requests are logged
	// and ignored.
	HandleMessage(ctxt context.Context, sub subscription.Subscriber, raw []byte) error
	// Subscribe subscribe the session to a booking, and send it the booking's current state
	Subscribe(ctxt context.Context, sub subscription.Subscriber, booking common.BookingID) error
	// Unsubscribe unsubscribe the session from a booking
	Unsubscribe(ctxt context.Context, sub subscription.Subscriber, booking common.BookingID) error
	// Disconnect remove the session from every booking. Idempotent.
	Disconnect(ctxt context.Context, sub subscription.Subscriber) error
}

// sessionControllerImpl implements SessionController
type sessionControllerImpl struct {
	common.Component
	registry        subscription.Registry
	source          source.AssignmentSource
	metrics         *metrics.Collector
	validate        *validator.Validate
	snapshotTimeout time.Duration
}

// DefineSessionController create new session controller
func DefineSessionController(
	registry subscription.Registry,
	assignments source.AssignmentSource,
	collector *metrics.Collector,
	snapshotTimeout time.Duration,
) SessionController {
	logTags := log.Fields{
		"module": "dataplane", "component": "session-controller",
	}
	return &sessionControllerImpl{
		Component:       common.Component{LogTags: logTags},
		registry:        registry,
		source:          assignments,
		metrics:         collector,
		validate:        validator.New(),
		snapshotTimeout: snapshotTimeout,
	}
}

// HandleMessage parse and apply one inbound request
func (c *sessionControllerImpl) HandleMessage(
	ctxt context.Context, sub subscription.Subscriber, raw []byte,
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, c.LogTags)
	request, err := common.ParseSubscriberRequest(raw, c.validate)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Warnf(
			"Ignoring malformed request from %s: %q", sub.ID(), raw,
		)
		c.metrics.MalformedRequest()
		return nil
	}
	switch request.Kind {
	case common.RequestSubscribe:
		return c.Subscribe(ctxt, sub, request.BookingID)
	case common.RequestUnsubscribe:
		return c.Unsubscribe(ctxt, sub, request.BookingID)
	default:
		log.WithFields(localLogTags).Warnf("Ignoring unknown request %s from %s", request.Kind, sub.ID())
		c.metrics.MalformedRequest()
		return nil
	}
}

// Subscribe subscribe the session to a booking, and send it the booking's current state
func (c *sessionControllerImpl) Subscribe(
	ctxt context.Context, sub subscription.Subscriber, booking common.BookingID,
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, c.LogTags)
	if err := c.registry.Subscribe(ctxt, booking, sub); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to subscribe %s to booking %s", sub.ID(), booking,
		)
		return err
	}
	log.WithFields(localLogTags).Infof("Subscribed %s to booking %s", sub.ID(), booking)

	// Snapshot goes to this subscriber only
	useContext, cancel := context.WithTimeout(ctxt, c.snapshotTimeout)
	defer cancel()
	state, err := c.source.ReadCurrentState(useContext, booking)
	if errors.Is(err, source.ErrNotFound) {
		log.WithFields(localLogTags).Debugf("Booking %s does not exist. No snapshot sent", booking)
		return nil
	}
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to read current state of booking %s", booking,
		)
		return nil
	}
	event := common.NewEvent(common.EventCurrentState, booking, state.Driver)
	if err := sub.Send(ctxt, event); err != nil {
		log.WithError(err).WithFields(localLogTags).Debugf("Unable to send %s to %s", event, sub.ID())
		return nil
	}
	c.metrics.SnapshotSent()
	return nil
}

// Unsubscribe unsubscribe the session from a booking
func (c *sessionControllerImpl) Unsubscribe(
	ctxt context.Context, sub subscription.Subscriber, booking common.BookingID,
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, c.LogTags)
	if err := c.registry.Unsubscribe(ctxt, booking, sub); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to unsubscribe %s from booking %s", sub.ID(), booking,
		)
		return err
	}
	log.WithFields(localLogTags).Infof("Unsubscribed %s from booking %s", sub.ID(), booking)
	return nil
}

// Disconnect remove the session from every booking
func (c *sessionControllerImpl) Disconnect(ctxt context.Context, sub subscription.Subscriber) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, c.LogTags)
	if err := c.registry.DropHandle(ctxt, sub); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to drop %s", sub.ID())
		return err
	}
	log.WithFields(localLogTags).Infof("Dropped %s", sub.ID())
	return nil
}
