/*
 * This file is part of the ecu-mate distribution (https://github.com/mlipscombe/ecu-mate).
 * Copyright (c) 2021-2024 Mark Lipscombe.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, version 3.
 *
 * This program is distributed in the hope that it will be useful, but
 * WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program. If not, see <http://www.gnu.org/licenses/>.
 */

// Package ecu streams decoded ECU monitor telemetry from the message bus and
// exposes the ECU monitor's notifications and state.
package ecu

import (
	"context"

	"github.com/mlipscombe/ecu-mate/bus"
	"github.com/mlipscombe/ecu-mate/decoder"
	"github.com/mlipscombe/ecu-mate/dtc"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const (
	ParametersTopic = "ecumonitor/parameters"
	WarningTopic    = "ecumonitor/notification/warning"
	NewConfigTopic  = "ecumonitor/notification/newconfig"
)

var (
	framesDecoded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ecu_mate",
		Name:      "frames_decoded_total",
		Help:      "ECU parameter frames decoded.",
	})
	tokenFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecu_mate",
		Name:      "token_failures_total",
		Help:      "Sub-items skipped because they could not be decoded.",
	}, []string{"parameter"})
)

func init() {
	prometheus.MustRegister(framesDecoded, tokenFailures)
}

// Watcher turns frames published on ParametersTopic into decoded records.
type Watcher struct {
	Bus      bus.Bus
	Decoder  *decoder.Decoder
	Resolver *dtc.Resolver
	Topic    string
}

// NewWatcher decodes frames with schema and resolves trouble codes with
// resolver, which may be nil to leave them encoded.
func NewWatcher(b bus.Bus, schema decoder.Schema, resolver *dtc.Resolver) *Watcher {
	dec := decoder.New(schema)
	dec.OnTokenError = func(err *decoder.TokenError) {
		tokenFailures.WithLabelValues(err.Key).Inc()
		log.WithFields(log.Fields{
			"key":     err.Key,
			"token":   err.Token,
			"pattern": err.Pattern,
		}).Warnf("skipping token: %v", err.Err)
	}

	return &Watcher{
		Bus:      b,
		Decoder:  dec,
		Resolver: resolver,
		Topic:    ParametersTopic,
	}
}

// Watch registers a handler that decodes each frame and passes the record to
// callback. Calling Watch twice registers two independent handlers. A bus
// error during setup goes to errorCallback and the Subscription is inert.
func (w *Watcher) Watch(ctx context.Context, callback func(decoder.Record), errorCallback func(error)) *Subscription {
	topic := w.Topic
	if topic == "" {
		topic = ParametersTopic
	}

	handler := func(channel, raw string) {
		// Some transports hand every message to every handler.
		if channel != topic {
			return
		}
		callback(w.Process(ctx, raw))
	}

	return subscribe(ctx, w.Bus, topic, handler, errorCallback)
}

// Process decodes a single frame and resolves its trouble code.
func (w *Watcher) Process(ctx context.Context, raw string) decoder.Record {
	record := w.Decoder.Decode(raw)
	framesDecoded.Inc()

	if w.Resolver != nil {
		w.Resolver.Annotate(ctx, record)
	}
	return record
}

// ProcessValues decodes a parameter snapshot, such as the one returned by
// GetParams, the same way as a streamed frame.
func (w *Watcher) ProcessValues(ctx context.Context, values map[string]interface{}) decoder.Record {
	record := w.Decoder.DecodeValues(values)

	if w.Resolver != nil {
		w.Resolver.Annotate(ctx, record)
	}
	return record
}
