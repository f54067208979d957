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

package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mlipscombe/ecu-mate/decoder"
	"github.com/mlipscombe/ecu-mate/dtc"
	"github.com/mlipscombe/ecu-mate/executor"
	"github.com/mlipscombe/ecu-mate/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakePublisher struct {
	mu      sync.Mutex
	batches []map[string]interface{}
	topics  []string
	err     error
}

func (f *fakePublisher) PublishMany(topic string, values map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.batches = append(f.batches, values)
	return f.err
}

func newTestMonitor(pub Publisher) (*Monitor, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewWithRegisterer(pub, "test-device", reg), reg
}

func TestIsNumeric(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		expected bool
	}{
		{"int64", int64(42), true},
		{"float64", float64(3.14), true},
		{"string", "hello", false},
		{"bool", true, false},
		{"codes", dtc.Codes{SPN: 1}, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isNumeric(tt.value)
			if result != tt.expected {
				t.Errorf("isNumeric(%v) = %v, want %v", tt.value, result, tt.expected)
			}
		})
	}
}

func TestUpdateGauge(t *testing.T) {
	// Test that updateGauge doesn't panic with nil gauge
	updateGauge(nil, "test-device", int64(42))
	updateGauge(nil, "test-device", float64(3.14))
	updateGauge(nil, "test-device", "not a number")
}

func TestMetricName(t *testing.T) {
	tests := []struct {
		key      string
		expected string
	}{
		{"engine_rpm", "engine_rpm"},
		{"feca_3-6", "feca_3_6"},
		{"190", "_190"},
		{"@braking", "_braking"},
		{"temp.1", "temp_1"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := metricName(tt.key); got != tt.expected {
				t.Errorf("metricName(%q) = %q, want %q", tt.key, got, tt.expected)
			}
		})
	}
}

func TestHandlePublishesChanges(t *testing.T) {
	pub := &fakePublisher{}
	m, _ := newTestMonitor(pub)

	m.Handle(decoder.Record{"rpm": float64(2500), "gear": "D", "@braking": true})
	m.Handle(decoder.Record{"rpm": float64(2500), "gear": "N"})
	m.Handle(decoder.Record{"rpm": float64(2500)})

	expected := []map[string]interface{}{
		{"rpm": float64(2500), "gear": "D", "@braking": "ON"},
		{"gear": "N", "@braking": "OFF"},
	}
	if diff := cmp.Diff(expected, pub.batches); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	for _, topic := range pub.topics {
		if topic != Topic {
			t.Errorf("published on %s, want %s", topic, Topic)
		}
	}
}

func TestHandleClearsSignalReportedBySchema(t *testing.T) {
	pub := &fakePublisher{}
	m, _ := newTestMonitor(pub)
	reg := schema.NewRegistry(schema.StaticSource{{ID: "brk", Signals: []string{"braking"}}})
	m.Schema = reg
	dec := decoder.New(reg)

	m.Handle(dec.Decode("brk=1&rpm=1"))
	m.Handle(dec.Decode("rpm=2"))
	m.Handle(dec.Decode("brk=0"))
	m.Handle(dec.Decode("brk=1"))

	expected := []map[string]interface{}{
		{"brk": float64(1), "rpm": float64(1), "@braking": "ON"},
		{"rpm": float64(2)},
		{"brk": float64(0), "@braking": "OFF"},
		{"brk": float64(1), "@braking": "ON"},
	}
	if diff := cmp.Diff(expected, pub.batches); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleClearsFlagsAndErrorCodes(t *testing.T) {
	pub := &fakePublisher{}
	m, _ := newTestMonitor(pub)
	reg := schema.NewRegistry(schema.StaticSource{
		{ID: "brk", Signals: []string{"braking"}},
		{ID: dtc.ParameterID},
	})
	m.Schema = reg
	dec := decoder.New(reg)
	resolver := dtc.NewResolver(executor.ExecutorFunc(func(_ context.Context, _ string, _ ...string) (executor.Result, error) {
		return executor.Result{"spn": float64(100), "fmi": float64(2)}, nil
	}), "apx-ecu", 0)

	process := func(raw string) {
		record := dec.Decode(raw)
		resolver.Annotate(context.Background(), record)
		m.Handle(record)
	}

	process("brk=1&feca_3-6=12345")
	process("rpm=800")
	process("brk=0&feca_3-6=0")

	expected := []map[string]interface{}{
		{
			"brk":         float64(1),
			"feca_3-6":    float64(12345),
			"@braking":    "ON",
			"error_codes": dtc.Codes{SPN: 100, FMI: 2},
		},
		{"rpm": float64(800)},
		{
			"brk":         float64(0),
			"feca_3-6":    float64(0),
			"@braking":    "OFF",
			"error_codes": dtc.Codes{},
		},
	}
	if diff := cmp.Diff(expected, pub.batches); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleErrorCodes(t *testing.T) {
	pub := &fakePublisher{}
	m, _ := newTestMonitor(pub)

	codes := dtc.Codes{SPN: 100, FMI: 2, OC: 1}
	m.Handle(decoder.Record{dtc.RecordKey: codes})
	m.Handle(decoder.Record{dtc.RecordKey: codes})
	m.Handle(decoder.Record{dtc.RecordKey: dtc.Codes{SPN: 100, FMI: 2, OC: 2}})

	if len(pub.batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(pub.batches))
	}
	if diff := cmp.Diff(codes, pub.batches[0][dtc.RecordKey]); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleUpdatesGauges(t *testing.T) {
	m, reg := newTestMonitor(nil)

	m.Handle(decoder.Record{"engine_rpm": float64(2500), "feca_3-6": float64(7), "vin": "1HGCM"})

	count, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 gauges, got %d", count)
	}

	value := testutil.ToFloat64(m.gauges["engine_rpm"].WithLabelValues("test-device"))
	if value != 2500 {
		t.Errorf("engine_rpm gauge = %v, want 2500", value)
	}
}

func TestHandleCollidingMetricNames(t *testing.T) {
	m, _ := newTestMonitor(nil)

	m.Handle(decoder.Record{"a-b": float64(1), "a.b": float64(2)})

	if m.gauges["a-b"] == nil || m.gauges["a.b"] == nil {
		t.Fatal("expected both keys to share a gauge")
	}
	if m.gauges["a-b"] != m.gauges["a.b"] {
		t.Error("expected colliding keys to reuse the registered gauge")
	}
}

func TestHandleSignalsReady(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	m, _ := newTestMonitor(pub)

	select {
	case <-m.Ready():
		t.Fatal("ready before first record")
	default:
	}

	m.Handle(decoder.Record{"rpm": float64(1)})

	select {
	case <-m.Ready():
	default:
		t.Fatal("expected ready after first record")
	}
}
