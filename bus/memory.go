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

package bus

import (
	"context"
)

// Memory is an in-process bus. Published messages reach handlers only while
// their topic is subscribed.
type Memory struct {
	Dispatcher

	// SubscribeErr, when set, is returned by Subscribe.
	SubscribeErr error

	refs topicRefs
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Subscribe(_ context.Context, topic string) error {
	if m.SubscribeErr != nil {
		return m.SubscribeErr
	}
	m.refs.acquire(topic)
	return nil
}

func (m *Memory) Unsubscribe(_ context.Context, topic string) error {
	m.refs.release(topic)
	return nil
}

// Subscribed reports whether topic has at least one subscriber.
func (m *Memory) Subscribed(topic string) bool {
	return m.refs.has(topic)
}

// Publish delivers payload synchronously on the caller's goroutine.
func (m *Memory) Publish(topic, payload string) {
	if !m.refs.has(topic) {
		return
	}
	m.Dispatch(topic, payload)
}
