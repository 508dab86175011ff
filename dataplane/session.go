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
	"sync"

	"github.com/alwitt/bookingrelay/common"
	"github.com/alwitt/bookingrelay/subscription"
	"github.com/google/uuid"
)

// eventBuffer bounded outbound event queue of a session.
//
// Pushing never blocks: a full or closed buffer rejects the event.
type eventBuffer struct {
	lock   sync.Mutex
	closed bool
	events chan common.Event
}

func newEventBuffer(depth int) *eventBuffer {
	if depth < 1 {
		depth = 1
	}
	return &eventBuffer{events: make(chan common.Event, depth)}
}

func (b *eventBuffer) push(event common.Event) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return subscription.ErrSubscriberUnavailable
	}
	select {
	case b.events <- event:
		return nil
	default:
		return subscription.ErrSubscriberUnavailable
	}
}

func (b *eventBuffer) close() {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
}

func (b *eventBuffer) isOpen() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return !b.closed
}

// ========================================================================================

// SSESession subscriber session backed by a server-sent-event stream
type SSESession struct {
	id     string
	buffer *eventBuffer
}

// NewSSESession define new SSE session
func NewSSESession(bufferDepth int) *SSESession {
	return &SSESession{id: uuid.New().String(), buffer: newEventBuffer(bufferDepth)}
}

// ID unique ID of the session
func (s *SSESession) ID() string {
	return s.id
}

// Send queue an event for the stream
func (s *SSESession) Send(_ context.Context, event common.Event) error {
	return s.buffer.push(event)
}

// IsOpen whether the session still accepts events
func (s *SSESession) IsOpen() bool {
	return s.buffer.isOpen()
}

// Events the queued events. Closed when the session closes.
func (s *SSESession) Events() <-chan common.Event {
	return s.buffer.events
}

// Close close the session
func (s *SSESession) Close() {
	s.buffer.close()
}
