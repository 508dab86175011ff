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
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/bookingrelay/common"
	"github.com/alwitt/bookingrelay/metrics"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketParams websocket session parameters
type WebSocketParams struct {
	// WriteTimeout max duration for writing one frame
	WriteTimeout time.Duration
	// PongTimeout max duration to wait for a pong from the client
	PongTimeout time.Duration
	// MaxMessageSize max inbound frame size in bytes
	MaxMessageSize int64
	// SendBuffer number of outbound events buffered
	SendBuffer int
}

// pingPeriod must be less than the pong timeout
func (p WebSocketParams) pingPeriod() time.Duration {
	return (p.PongTimeout * 9) / 10
}

// WebSocketParamsFromConfig build the session parameters from config
func WebSocketParamsFromConfig(cfg common.WebSocketConfig, sendBuffer int) WebSocketParams {
	return WebSocketParams{
		WriteTimeout:   time.Second * time.Duration(cfg.WriteTimeout),
		PongTimeout:    time.Second * time.Duration(cfg.PongTimeout),
		MaxMessageSize: cfg.MaxMessageSize,
		SendBuffer:     sendBuffer,
	}
}

// DefineUpgrader define the websocket upgrader. An empty allowed origin list accepts
// every origin.
func DefineUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser client
				return true
			}
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			return false
		},
	}
}

// WebSocketSession subscriber session backed by a websocket connection
type WebSocketSession struct {
	common.Component
	id         string
	conn       *websocket.Conn
	buffer     *eventBuffer
	params     WebSocketParams
	controller SessionController
	metrics    *metrics.Collector
}

// NewWebSocketSession define new websocket session for an upgraded connection
func NewWebSocketSession(
	conn *websocket.Conn,
	controller SessionController,
	collector *metrics.Collector,
	params WebSocketParams,
) *WebSocketSession {
	id := uuid.New().String()
	logTags := log.Fields{
		"module": "dataplane", "component": "websocket-session", "instance": id,
	}
	return &WebSocketSession{
		Component:  common.Component{LogTags: logTags},
		id:         id,
		conn:       conn,
		buffer:     newEventBuffer(params.SendBuffer),
		params:     params,
		controller: controller,
		metrics:    collector,
	}
}

// ID unique ID of the session
func (s *WebSocketSession) ID() string {
	return s.id
}

// Send queue an event for the client
func (s *WebSocketSession) Send(_ context.Context, event common.Event) error {
	return s.buffer.push(event)
}

// IsOpen whether the session still accepts events
func (s *WebSocketSession) IsOpen() bool {
	return s.buffer.isOpen()
}

// Serve operate the session until the client disconnects or ctxt is cancelled. On return
// the session is removed from every booking.
func (s *WebSocketSession) Serve(ctxt context.Context) {
	log.WithFields(s.LogTags).Info("Session opened")
	s.metrics.SessionOpened(metrics.TransportWebSocket)

	runtimeCtxt, cancel := context.WithCancel(ctxt)
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(runtimeCtxt)
	}()

	s.readPump(runtimeCtxt)

	// Stop further delivery, then wait for the writer
	s.buffer.close()
	cancel()
	wg.Wait()

	// The serving context may already be gone on shutdown
	dropCtxt, dropCancel := context.WithTimeout(context.Background(), time.Second*5)
	defer dropCancel()
	if err := s.controller.Disconnect(dropCtxt, s); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to drop session")
	}
	s.metrics.SessionClosed(metrics.TransportWebSocket)
	log.WithFields(s.LogTags).Info("Session closed")
}

// readPump apply client requests until the connection fails
func (s *WebSocketSession) readPump(ctxt context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Connection close")
		}
	}()

	requestCtxt := common.AttachRequestParam(ctxt, common.RequestParam{
		ID: s.id, Method: "WS", URI: s.conn.RemoteAddr().String(), Session: s.id,
	})

	s.conn.SetReadLimit(s.params.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.params.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.params.PongTimeout))
	})

	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			) {
				log.WithError(err).WithFields(s.LogTags).Warn("Read failure")
			}
			return
		}
		if msgType != websocket.TextMessage {
			log.WithFields(s.LogTags).Warnf("Ignoring non-text frame type %d", msgType)
			s.metrics.MalformedRequest()
			continue
		}
		if err := s.controller.HandleMessage(requestCtxt, s, msg); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to process request")
		}
	}
}

// writePump write queued events and keep-alive pings until the session closes
func (s *WebSocketSession) writePump(ctxt context.Context) {
	ticker := time.NewTicker(s.params.pingPeriod())
	defer func() {
		ticker.Stop()
		// Unblocks the read pump
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-ctxt.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.params.WriteTimeout))
			_ = s.conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
			)
			return

		case event, ok := <-s.buffer.events:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.params.WriteTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(&event); err != nil {
				log.WithError(err).WithFields(s.LogTags).Warnf("Failed to write %s", event)
				return
			}
			log.WithFields(s.LogTags).Debugf("Sent %s", event)

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.params.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).WithFields(s.LogTags).Debug("Ping failed")
				return
			}
		}
	}
}
