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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/bookingrelay/apis"
	"github.com/alwitt/bookingrelay/common"
	"github.com/alwitt/bookingrelay/core"
	"github.com/alwitt/bookingrelay/dataplane"
	"github.com/alwitt/bookingrelay/dispatch"
	"github.com/alwitt/bookingrelay/management"
	"github.com/alwitt/bookingrelay/metrics"
	"github.com/alwitt/bookingrelay/source"
	"github.com/alwitt/bookingrelay/subscription"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// defineEventMirror connect to NATS, ensure the event stream exists, and define the mirror
func defineEventMirror(
	config common.MirrorConfig, instance string, logTags log.Fields,
) (dispatch.EventMirror, *core.NatsClient, error) {
	if err := dispatch.ValidateSubjectPrefix(config.SubjectPrefix); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Invalid mirror subject prefix %s", config.SubjectPrefix,
		)
		return nil, nil, err
	}
	js, err := core.GetJetStream(core.NATSConnectParamsFromConfig(config.NATS))
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define NATS client with %s", config.NATS.ServerURI,
		)
		return nil, nil, err
	}
	streams, err := management.GetEventStreamController(js, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define stream controller")
		js.Close(context.Background())
		return nil, nil, err
	}
	if _, err := streams.EnsureStream(management.EventStreamParamFromConfig(config)); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to prepare stream %s", config.Stream)
		js.Close(context.Background())
		return nil, nil, err
	}
	mirror, err := dispatch.GetJetStreamEventMirror(
		&js, config.SubjectPrefix, time.Millisecond*time.Duration(config.PublishTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event mirror")
		js.Close(context.Background())
		return nil, nil, err
	}
	return mirror, &js, nil
}

// RunRelayServer run the booking relay server
func RunRelayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	// -------------------------------------------------------------------
	// Booking database

	assignments, err := source.ConnectAssignmentSource(runTimeContext, config.Database)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to connect to %s booking database", config.Database.Driver,
		)
		return err
	}
	defer func() {
		if err := assignments.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close booking database")
		}
	}()

	// -------------------------------------------------------------------
	// Core components

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	tp, err := common.GetNewTaskProcessorInstance(
		localCtxt, "subscription-registry", config.Relay.RegistryQueueDepth,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define registry task processor")
		return err
	}
	registry, err := subscription.DefineRegistry(tp, config.Relay.StrictInvariants)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription registry")
		return err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start registry event loop")
		return err
	}

	collector := metrics.NewMetricsCollector()
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var mirror dispatch.EventMirror
	if config.Mirror != nil {
		eventMirror, natsClient, err := defineEventMirror(*config.Mirror, instance, logTags)
		if err != nil {
			return err
		}
		defer natsClient.Close(runTimeContext)
		mirror = eventMirror
		log.WithFields(logTags).Infof(
			"Mirroring events to JetStream stream %s", config.Mirror.Stream,
		)
	}

	broadcaster := dispatch.DefineBroadcaster(registry, mirror, collector)
	detector, err := dispatch.DefinePollingChangeDetector(
		localCtxt,
		wg,
		registry,
		assignments,
		broadcaster,
		collector,
		config.Relay.PollIntervalDuration(),
		config.Relay.QueryTimeoutDuration(),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define change detector")
		return err
	}
	controller := dataplane.DefineSessionController(
		registry, assignments, collector, config.Relay.SnapshotTimeoutDuration(),
	)

	httpHandler, err := apis.GetAPIRestRelayHandler(
		localCtxt,
		&config.Server.HTTPSetting,
		config.Server.WebSocket,
		config.Relay.SessionSendBuffer,
		registry,
		assignments,
		controller,
		collector,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Server.Endpoints.PathPrefix, nil)

	// Subscriber sessions
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ws", map[string]http.HandlerFunc{
		"get": httpHandler.WebSocketHandler(),
	})
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/booking/{bookingID}/stream", map[string]http.HandlerFunc{
			"get": httpHandler.StreamBookingHandler(),
		},
	)

	// Operations
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/stats", map[string]http.HandlerFunc{
		"get": httpHandler.RegistryStatsHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/metrics", map[string]http.HandlerFunc{
		"get": promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}).ServeHTTP,
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})
	router.Use(httpHandler.AttachRequestID)

	serverCfg := config.Server.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start detecting changes
	if err := detector.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start change detector")
		return err
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
			lclCancel()
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-localCtxt.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	if err := detector.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping change detector")
	}
	if err := tp.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping registry event loop")
	}

	return nil
}

// ============================================================================

// RunSnapshot print the current state of one booking as JSON
func RunSnapshot(
	ctxt context.Context,
	config *common.SystemConfig,
	booking common.BookingID,
	output io.Writer,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "snapshot",
		"instance":  booking.String(),
	}

	assignments, err := source.ConnectAssignmentSource(ctxt, config.Database)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to connect to %s booking database", config.Database.Driver,
		)
		return err
	}
	defer func() {
		if err := assignments.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close booking database")
		}
	}()

	useContext, cancel := context.WithTimeout(ctxt, config.Relay.SnapshotTimeoutDuration())
	defer cancel()
	state, err := assignments.ReadCurrentState(useContext, booking)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to read current state")
		return err
	}

	event := common.NewEvent(common.EventCurrentState, booking, state.Driver)
	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(&event)
}
