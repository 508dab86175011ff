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

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alwitt/bookingrelay/common"
	"github.com/alwitt/bookingrelay/dataplane"
	"github.com/alwitt/bookingrelay/metrics"
	"github.com/alwitt/bookingrelay/source"
	"github.com/alwitt/bookingrelay/subscription"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// APIRestRespRegistryStats response for the subscription registry statistics
type APIRestRespRegistryStats struct {
	goutils.RestAPIBaseResponse
	// Stats registry statistics
	Stats subscription.RegistryStats `json:"stats"`
}

// APIRestRelayHandler REST handler for the booking relay
type APIRestRelayHandler struct {
	goutils.RestAPIHandler
	tagger      requestTagger
	baseContext context.Context
	registry    subscription.Registry
	source      source.AssignmentSource
	controller  dataplane.SessionController
	metrics     *metrics.Collector
	upgrader    *websocket.Upgrader
	wsParams    dataplane.WebSocketParams
	sendBuffer  int
}

// GetAPIRestRelayHandler define APIRestRelayHandler
func GetAPIRestRelayHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	wsConfig common.WebSocketConfig,
	sendBuffer int,
	registry subscription.Registry,
	assignments source.AssignmentSource,
	controller dataplane.SessionController,
	collector *metrics.Collector,
) (APIRestRelayHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "relay",
	}
	if sendBuffer < 1 {
		return APIRestRelayHandler{}, fmt.Errorf("session send buffer must be positive: %d", sendBuffer)
	}
	return APIRestRelayHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		tagger: requestTagger{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
		},
		baseContext: baseContext,
		registry:    registry,
		source:      assignments,
		controller:  controller,
		metrics:     collector,
		upgrader:    dataplane.DefineUpgrader(wsConfig.AllowedOrigins),
		wsParams:    dataplane.WebSocketParamsFromConfig(wsConfig, sendBuffer),
		sendBuffer:  sendBuffer,
	}, nil
}

// Write logging support
func (h APIRestRelayHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.tagger.LogTags).Infof("%s", p)
	return len(p), nil
}

// AttachRequestID middleware function to attach a request ID to a API request
func (h APIRestRelayHandler) AttachRequestID(next http.Handler) http.Handler {
	return h.tagger.attachRequestID(next)
}

// =======================================================================
// Subscriber sessions

// -----------------------------------------------------------------------

// WebSocket godoc
// @Summary Open a websocket subscriber session
// @Description Upgrade to a websocket. The client subscribes to bookings with
// {"kind":"subscribe","booking_id":N} and receives assignment events for them.
// @tags Relay
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Failure 403 {string} string "origin not allowed"
// @Router /v1/ws [get]
func (h APIRestRelayHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		log.WithError(err).WithFields(localLogTags).Warn("Websocket upgrade failed")
		return
	}
	session := dataplane.NewWebSocketSession(conn, h.controller, h.metrics, h.wsParams)
	log.WithFields(localLogTags).Infof("Websocket session %s from %s", session.ID(), r.RemoteAddr)
	session.Serve(h.baseContext)
}

// WebSocketHandler Wrapper around WebSocket
func (h APIRestRelayHandler) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.WebSocket(w, r)
	}
}

// -----------------------------------------------------------------------

// StreamBooking godoc
// @Summary Stream assignment events of one booking
// @Description Subscribe to a booking, and receive its assignment events as a
// server-sent-event stream. The first event is the booking's current state, if the
// booking exists. The stream closes on client disconnect or server shutdown.
// @tags Relay
// @Produce text/event-stream
// @Param bookingID path integer true "Booking ID"
// @Success 200 {object} common.Event "event stream"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/booking/{bookingID}/stream [get]
func (h APIRestRelayHandler) StreamBooking(w http.ResponseWriter, r *http.Request) {
	localLogTagsInitial := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		// Nothing to write once the stream has started
		if respBody == nil {
			return
		}
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTagsInitial).Error("Failed to form response")
		}
	}()

	// --------------------------------------------------------------------------
	// Read operation parameters
	vars := mux.Vars(r)
	rawBookingID, ok := vars["bookingID"]
	if !ok {
		msg := "No booking ID provided"
		log.WithFields(localLogTagsInitial).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	parsed, err := strconv.ParseInt(rawBookingID, 10, 64)
	if err != nil || parsed == 0 {
		msg := "Invalid booking ID"
		detail := fmt.Sprintf("'%s' is not a booking ID", rawBookingID)
		log.WithFields(localLogTagsInitial).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, detail)
		return
	}
	booking := common.BookingID(parsed)

	// Create stream flusher
	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTagsInitial).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}

	// --------------------------------------------------------------------------
	// Start operation

	session := dataplane.NewSSESession(h.sendBuffer)
	sessionCtxt := withSession(r.Context(), session.ID())
	logTags := localLogTagsInitial
	logTags["session"] = session.ID()
	logTags["booking"] = booking

	h.metrics.SessionOpened(metrics.TransportSSE)
	defer func() {
		session.Close()
		// The request context is already gone
		dropCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if err := h.controller.Disconnect(dropCtxt, session); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to drop SSE session")
		}
		h.metrics.SessionClosed(metrics.TransportSSE)
	}()

	if err := h.controller.Subscribe(sessionCtxt, session, booking); err != nil {
		msg := "Unable to subscribe"
		log.WithError(err).WithFields(logTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	// Send support headers for SSE
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()

	// Process events
	complete := false
	for !complete {
		select {
		case <-h.baseContext.Done():
			// Server stopping
			complete = true
			log.WithFields(logTags).Info("Terminating SSE stream on server stop")
		case <-r.Context().Done():
			// Request closed
			complete = true
			log.WithFields(logTags).Info("Terminating SSE stream on request end")
		case event, ok := <-session.Events():
			if !ok {
				complete = true
				break
			}
			serialize, err := json.Marshal(&event)
			if err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Failed to serialize %s", event)
				complete = true
				break
			}
			// Send and flush
			written, err := fmt.Fprintf(w, "data: %s\n\n", serialize)
			writeFlusher.Flush()
			if err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Failed to transmit %s", event)
				complete = true
				break
			}
			log.WithFields(logTags).Debugf("Written %dB", written)
		}
	}
	// On final flush
	writeFlusher.Flush()
}

// StreamBookingHandler Wrapper around StreamBooking
func (h APIRestRelayHandler) StreamBookingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamBooking(w, r)
	}
}

// =======================================================================
// Operations

// -----------------------------------------------------------------------

// RegistryStats godoc
// @Summary Subscription registry statistics
// @Description Number of bookings in scope, subscriber sessions, and tracked states
// @tags Relay
// @Produce json
// @Success 200 {object} APIRestRespRegistryStats "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/stats [get]
func (h APIRestRelayHandler) RegistryStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	stats, err := h.registry.Stats(r.Context())
	if err != nil {
		msg := "Unable to read registry statistics"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespRegistryStats{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Stats: stats,
	}
}

// RegistryStatsHandler Wrapper around RegistryStats
func (h APIRestRelayHandler) RegistryStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RegistryStats(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For relay liveness check
// @Description Will return success to indicate the relay is live
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h APIRestRelayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRelayHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For relay readiness check
// @Description Will return success if the booking database is reachable
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestRelayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	useContext, cancel := context.WithTimeout(r.Context(), time.Second*2)
	defer cancel()
	if err := h.source.Ping(useContext); err != nil {
		log.WithError(err).WithFields(localLogTags).Warn("Booking database unreachable")
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestRelayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
