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

// Package monitor publishes decoded ECU records, sending only values that
// changed since the last record.
package monitor

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	cmp "github.com/google/go-cmp/cmp"
	"github.com/mlipscombe/ecu-mate/decoder"
	"github.com/mlipscombe/ecu-mate/dtc"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// Topic is the subtopic decoded parameters are published under.
const Topic = "parameters"

// Payloads published for signal flags.
const (
	SignalOn  = "ON"
	SignalOff = "OFF"
)

// Publisher sends a batch of key/value pairs under a topic.
type Publisher interface {
	PublishMany(topic string, values map[string]interface{}) error
}

type Monitor struct {
	// Schema, when set, limits clearing of a signal flag to records that
	// carry one of the parameters the signal is derived from. Without it a
	// flag clears as soon as a record arrives without it.
	Schema decoder.Schema

	publisher  Publisher
	device     string
	registerer prometheus.Registerer

	mu           sync.Mutex
	cache        map[string]interface{}
	gauges       map[string]*prometheus.GaugeVec
	ready        chan bool
	firstPublish bool
}

// New creates a monitor publishing through publisher. device labels the
// Prometheus gauges. A nil publisher only updates gauges.
func New(publisher Publisher, device string) *Monitor {
	return NewWithRegisterer(publisher, device, prometheus.DefaultRegisterer)
}

func NewWithRegisterer(publisher Publisher, device string, registerer prometheus.Registerer) *Monitor {
	return &Monitor{
		publisher:    publisher,
		device:       device,
		registerer:   registerer,
		cache:        make(map[string]interface{}),
		gauges:       make(map[string]*prometheus.GaugeVec),
		ready:        make(chan bool, 1),
		firstPublish: true,
	}
}

// Ready is signalled after the first record has been published.
func (m *Monitor) Ready() <-chan bool {
	return m.ready
}

// Handle publishes the changed values of record. It is safe to use as a
// watcher callback.
func (m *Monitor) Handle(record decoder.Record) {
	changeSet := m.changes(record)

	if m.publisher != nil && len(changeSet) > 0 {
		if err := m.publisher.PublishMany(Topic, changeSet); err != nil {
			log.Errorf("failed to publish ECU parameters: %v", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.firstPublish {
		select {
		case m.ready <- true:
		default:
		}
		m.firstPublish = false
	}
}

func (m *Monitor) changes(record decoder.Record) map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	changeSet := make(map[string]interface{})
	for key, value := range record {
		if m.gauges[key] == nil && isNumeric(value) {
			m.gauges[key] = m.registerGauge(key)
		}

		if cmp.Equal(m.cache[key], value) {
			continue
		}
		m.cache[key] = value
		updateGauge(m.gauges[key], m.device, value)

		if strings.HasPrefix(key, decoder.SignalPrefix) {
			changeSet[key] = SignalOn
		} else {
			changeSet[key] = value
		}
	}

	for key, cleared := range m.stale(record) {
		delete(m.cache, key)
		changeSet[key] = cleared
	}
	return changeSet
}

// stale returns the published flags and trouble code that record no longer
// carries, mapped to the payload that clears them. The trouble code clears
// only when the record carries its encoded parameter.
func (m *Monitor) stale(record decoder.Record) map[string]interface{} {
	var reported map[string]bool
	cleared := make(map[string]interface{})

	for key := range m.cache {
		if _, ok := record[key]; ok {
			continue
		}
		switch {
		case key == dtc.RecordKey:
			if _, ok := record[dtc.ParameterID]; ok {
				cleared[key] = dtc.Codes{}
			}
		case strings.HasPrefix(key, decoder.SignalPrefix):
			if m.Schema != nil && reported == nil {
				reported = m.reportedSignals(record)
			}
			if m.Schema == nil || reported[key] {
				cleared[key] = SignalOff
			}
		}
	}
	return cleared
}

// reportedSignals lists the signal keys that the parameters in record can
// raise.
func (m *Monitor) reportedSignals(record decoder.Record) map[string]bool {
	reported := make(map[string]bool)
	for key := range record {
		param := m.Schema.Lookup(key)
		if param == nil {
			continue
		}
		for _, signal := range param.Signals {
			reported[decoder.SignalPrefix+signal] = true
		}
	}
	return reported
}

func (m *Monitor) registerGauge(key string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ecu_mate",
			Subsystem: "parameter",
			Name:      metricName(key),
			Help:      "ECU parameter " + metricName(key),
		},
		[]string{"device"},
	)

	if err := m.registerer.Register(gauge); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing
			}
		}
		log.Warnf("not exporting %s: %v", key, err)
		return nil
	}
	return gauge
}

// metricName maps a record key onto the Prometheus metric name alphabet.
func metricName(key string) string {
	var b strings.Builder
	for i, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func isNumeric(value interface{}) bool {
	if value == nil {
		return false
	}
	dataType := reflect.TypeOf(value).Kind()
	return dataType == reflect.Float64 || dataType == reflect.Int64
}

func updateGauge(gauge *prometheus.GaugeVec, device string, value interface{}) {
	if gauge == nil {
		return
	}
	switch v := value.(type) {
	case float64:
		gauge.WithLabelValues(device).Set(v)
	case int64:
		gauge.WithLabelValues(device).Set(float64(v))
	}
}
