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

// Package bus abstracts the publish/subscribe transport ECU frames arrive on.
//
// Handlers are registered on the bus as a whole, not per topic: every handler
// sees every message from every subscribed topic and is expected to filter by
// topic itself. This matches how the Redis and MQTT adapters fan messages out.
package bus

import (
	"context"
	"sync"
)

// Handler receives one message.
type Handler func(topic, payload string)

// Registration identifies a registered handler so it can be removed.
type Registration uint64

type Bus interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	On(handler Handler) Registration
	Off(reg Registration)
}

// Dispatcher fans messages out to registered handlers in registration order.
// Adapters embed it to implement On and Off.
type Dispatcher struct {
	mu       sync.RWMutex
	next     Registration
	order    []Registration
	handlers map[Registration]Handler
}

func (d *Dispatcher) On(handler Handler) Registration {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handlers == nil {
		d.handlers = make(map[Registration]Handler)
	}
	d.next++
	d.handlers[d.next] = handler
	d.order = append(d.order, d.next)
	return d.next
}

func (d *Dispatcher) Off(reg Registration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.handlers[reg]; !ok {
		return
	}
	delete(d.handlers, reg)
	for i, r := range d.order {
		if r == reg {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Handlers reports how many handlers are registered.
func (d *Dispatcher) Handlers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Dispatch delivers a message to every handler. Handlers may register or
// remove handlers while being called.
func (d *Dispatcher) Dispatch(topic, payload string) {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.order))
	for _, reg := range d.order {
		handlers = append(handlers, d.handlers[reg])
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(topic, payload)
	}
}

// topicRefs counts subscriptions per topic so a topic shared by several
// watchers stays subscribed until the last one leaves.
type topicRefs struct {
	mu   sync.Mutex
	refs map[string]int
}

// acquire returns true for the first reference to topic.
func (t *topicRefs) acquire(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refs == nil {
		t.refs = make(map[string]int)
	}
	t.refs[topic]++
	return t.refs[topic] == 1
}

// release returns true when the last reference to topic goes away.
func (t *topicRefs) release(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.refs[topic]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(t.refs, topic)
		return true
	}
	t.refs[topic] = n - 1
	return false
}

// undo reverts an acquire whose transport subscription failed.
func (t *topicRefs) undo(topic string) {
	t.release(topic)
}

func (t *topicRefs) has(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs[topic] > 0
}
