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

package ecu

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mlipscombe/ecu-mate/bus"
	"github.com/mlipscombe/ecu-mate/decoder"
	"github.com/mlipscombe/ecu-mate/dtc"
	"github.com/mlipscombe/ecu-mate/executor"
	"github.com/mlipscombe/ecu-mate/schema"
)

type countingBus struct {
	*bus.Memory
	offs         int
	unsubscribes int
}

func (c *countingBus) Off(reg bus.Registration) {
	c.offs++
	c.Memory.Off(reg)
}

func (c *countingBus) Unsubscribe(ctx context.Context, topic string) error {
	c.unsubscribes++
	return c.Memory.Unsubscribe(ctx, topic)
}

func newRegistry() *schema.Registry {
	return schema.NewRegistry(schema.StaticSource{
		{ID: "feca_3-6"},
		{ID: "rpm", Name: "engine_rpm"},
		{ID: "temps", Tokenizer: ";", Itemizer: `(?<id>\d+):(?<value>\d+)`, ItemName: "temp_${id}"},
	})
}

func decodeTool(calls *int) executor.Executor {
	return executor.ExecutorFunc(func(_ context.Context, tool string, args ...string) (executor.Result, error) {
		*calls++
		return executor.Result{"spn": float64(100), "fmi": float64(2), "cm": float64(0), "oc": float64(1)}, nil
	})
}

func TestWatchDecodesFrames(t *testing.T) {
	b := bus.NewMemory()
	calls := 0
	w := NewWatcher(b, newRegistry(), dtc.NewResolver(decodeTool(&calls), "apx-ecu", 0))

	var records []decoder.Record
	sub := w.Watch(context.Background(), func(r decoder.Record) {
		records = append(records, r)
	}, func(err error) {
		t.Errorf("unexpected error callback: %v", err)
	})
	defer sub.Unsubscribe()

	b.Publish(ParametersTopic, "feca_3-6=12345&rpm=2500")
	b.Publish(ParametersTopic, "feca_3-6=12345&rpm=2600")

	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	expected := decoder.Record{
		"engine_rpm":  float64(2500),
		"rpm":         float64(2500),
		"feca_3-6":    float64(12345),
		"error_codes": dtc.Codes{SPN: 100, FMI: 2, CM: 0, OC: 1},
	}
	if diff := cmp.Diff(expected, records[0]); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
	if calls != 1 {
		t.Errorf("expected the second frame to hit the cache, got %d decode calls", calls)
	}
}

func TestProcessValuesAppliesSchema(t *testing.T) {
	calls := 0
	w := NewWatcher(bus.NewMemory(), newRegistry(), dtc.NewResolver(decodeTool(&calls), "apx-ecu", 0))

	record := w.ProcessValues(context.Background(), map[string]interface{}{
		"feca_3-6": float64(12345),
		"rpm":      float64(2500),
		"temps":    "1:20;2:21",
	})

	expected := decoder.Record{
		"engine_rpm":  float64(2500),
		"rpm":         float64(2500),
		"feca_3-6":    float64(12345),
		"error_codes": dtc.Codes{SPN: 100, FMI: 2, CM: 0, OC: 1},
		"temps":       "1:20;2:21",
		"temp_1":      float64(20),
		"temp_2":      float64(21),
	}
	if diff := cmp.Diff(expected, record); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
	if calls != 1 {
		t.Errorf("expected one decode call, got %d", calls)
	}
}

func TestWatchTemplatedItems(t *testing.T) {
	b := bus.NewMemory()
	w := NewWatcher(b, newRegistry(), nil)

	var record decoder.Record
	sub := w.Watch(context.Background(), func(r decoder.Record) { record = r }, nil)
	defer sub.Unsubscribe()

	b.Publish(ParametersTopic, "temps=1:20;2:21")

	if record["temp_1"] != float64(20) || record["temp_2"] != float64(21) {
		t.Errorf("unexpected record: %v", record)
	}
	if _, ok := record[dtc.RecordKey]; ok {
		t.Errorf("unexpected %s without a trouble code: %v", dtc.RecordKey, record)
	}
}

func TestWatchIgnoresOtherTopics(t *testing.T) {
	b := bus.NewMemory()
	w := NewWatcher(b, newRegistry(), nil)

	count := 0
	sub := w.Watch(context.Background(), func(decoder.Record) { count++ }, nil)
	defer sub.Unsubscribe()

	// A second subscriber on the same bus sees the watcher's frames and
	// the watcher sees its messages.
	other := OnWarning(context.Background(), b, func(Warning) {}, nil)
	defer other.Unsubscribe()

	b.Publish(WarningTopic, `{"level": "high"}`)
	b.Publish(ParametersTopic, "rpm=1")

	if count != 1 {
		t.Errorf("expected 1 record, got %d", count)
	}
}

func TestWatchSubscribeFailure(t *testing.T) {
	b := bus.NewMemory()
	b.SubscribeErr = errors.New("connection refused")
	w := NewWatcher(b, newRegistry(), nil)

	var gotErr error
	sub := w.Watch(context.Background(), func(decoder.Record) {
		t.Error("callback should not be called")
	}, func(err error) {
		gotErr = err
	})

	if gotErr == nil {
		t.Fatal("expected error callback")
	}
	if sub.Active() {
		t.Error("subscription should not be active")
	}
	if b.Handlers() != 0 {
		t.Errorf("expected no handlers to be registered, got %d", b.Handlers())
	}
	sub.Unsubscribe()
}

func TestUnsubscribeTwice(t *testing.T) {
	b := &countingBus{Memory: bus.NewMemory()}
	w := NewWatcher(b, newRegistry(), nil)

	count := 0
	sub := w.Watch(context.Background(), func(decoder.Record) { count++ }, nil)
	if !sub.Active() {
		t.Fatal("expected subscription to be active")
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	sub.Off()

	if b.offs != 1 {
		t.Errorf("expected handler to be removed once, got %d", b.offs)
	}
	if b.unsubscribes != 1 {
		t.Errorf("expected topic to be unsubscribed once, got %d", b.unsubscribes)
	}

	b.Publish(ParametersTopic, "rpm=1")
	if count != 0 {
		t.Errorf("expected no records after unsubscribe, got %d", count)
	}
}

func TestWatchTwiceRegistersTwoHandlers(t *testing.T) {
	b := bus.NewMemory()
	w := NewWatcher(b, newRegistry(), nil)

	count := 0
	first := w.Watch(context.Background(), func(decoder.Record) { count++ }, nil)
	second := w.Watch(context.Background(), func(decoder.Record) { count++ }, nil)

	b.Publish(ParametersTopic, "rpm=1")
	if count != 2 {
		t.Errorf("expected both handlers to fire, got %d", count)
	}

	first.Unsubscribe()
	b.Publish(ParametersTopic, "rpm=2")
	if count != 3 {
		t.Errorf("expected the remaining handler to keep receiving, got %d", count)
	}
	second.Unsubscribe()
}

func TestNilSubscription(t *testing.T) {
	var sub *Subscription
	sub.Unsubscribe()
	if sub.Active() {
		t.Error("nil subscription should not be active")
	}
}

func TestOnWarning(t *testing.T) {
	b := bus.NewMemory()

	var warnings []Warning
	sub := OnWarning(context.Background(), b, func(w Warning) {
		warnings = append(warnings, w)
	}, nil)
	defer sub.Unsubscribe()

	b.Publish(WarningTopic, `{"id": "overspeed", "value": 120}`)
	b.Publish(WarningTopic, `not json`)
	b.Publish(WarningTopic, `[1, 2]`)
	b.Publish(WarningTopic, `null`)

	expected := []Warning{{"id": "overspeed", "value": float64(120)}}
	if diff := cmp.Diff(expected, warnings); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestOnConfigChange(t *testing.T) {
	b := bus.NewMemory()

	var changes []ConfigChange
	sub := OnConfigChange(context.Background(), b, "my-app", func(c ConfigChange) {
		changes = append(changes, c)
	}, nil)
	defer sub.Unsubscribe()

	b.Publish(NewConfigTopic, "abc123")

	expected := []ConfigChange{{Hash: "abc123", FolderName: "my-app"}}
	if diff := cmp.Diff(expected, changes); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

type fakeStore map[string]map[string]string

func (s fakeStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	return s[key], nil
}

func TestGetInfo(t *testing.T) {
	exec := executor.ExecutorFunc(func(_ context.Context, tool string, args ...string) (executor.Result, error) {
		if len(args) != 1 || args[0] != "configure" {
			return nil, errors.New("unexpected command")
		}
		return executor.Result{
			"PRIMARY_CAN":      "250K",
			"SECONDARY_CAN":    "500K",
			"J1708":            "disabled",
			"LISTEN_ONLY_MODE": true,
		}, nil
	})
	store := fakeStore{StateKey: {"ECUMONITOR_VERSION": "1.4.2"}}

	info, err := GetInfo(context.Background(), exec, "apx-ecu", store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := Info{
		PrimaryCAN:     "250K",
		SecondaryCAN:   "500K",
		J1708:          "disabled",
		ListenOnlyMode: true,
		Version:        "1.4.2",
	}
	if diff := cmp.Diff(expected, info); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestGetInfoToolFailure(t *testing.T) {
	exec := executor.ExecutorFunc(func(_ context.Context, _ string, _ ...string) (executor.Result, error) {
		return nil, errors.New("boom")
	})
	if _, err := GetInfo(context.Background(), exec, "apx-ecu", fakeStore{}); err == nil {
		t.Error("expected error")
	}
}

func TestGetInfoWithoutStore(t *testing.T) {
	exec := executor.ExecutorFunc(func(_ context.Context, _ string, _ ...string) (executor.Result, error) {
		return executor.Result{"PRIMARY_CAN": "250K"}, nil
	})

	info, err := GetInfo(context.Background(), exec, "apx-ecu", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.PrimaryCAN != "250K" || info.Version != "" {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestGetParams(t *testing.T) {
	exec := executor.ExecutorFunc(func(_ context.Context, _ string, args ...string) (executor.Result, error) {
		return executor.Result{"rpm": "2500", "vin": "1HGCM", "speed": float64(80)}, nil
	})

	params, err := GetParams(context.Background(), exec, "apx-ecu")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := decoder.Record{"rpm": float64(2500), "vin": "1HGCM", "speed": float64(80)}
	if diff := cmp.Diff(expected, params); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
