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

	"github.com/mlipscombe/ecu-mate/mqtt"
)

// MQTT delivers messages from MQTT topics. Topics are absolute, not
// relative to the client prefix.
type MQTT struct {
	Dispatcher

	client *mqtt.Client
	qos    byte
	refs   topicRefs
}

func NewMQTT(client *mqtt.Client, qos byte) *MQTT {
	return &MQTT{client: client, qos: qos}
}

func (m *MQTT) Subscribe(_ context.Context, topic string) error {
	if !m.refs.acquire(topic) {
		return nil
	}
	err := m.client.Subscribe("/"+topic, m.qos, func(_ *mqtt.Client, msg mqtt.Message) {
		m.Dispatch(msg.Topic(), string(msg.Payload()))
	})
	if err != nil {
		m.refs.undo(topic)
		return err
	}
	return nil
}

func (m *MQTT) Unsubscribe(_ context.Context, topic string) error {
	if !m.refs.release(topic) {
		return nil
	}
	return m.client.Unsubscribe("/" + topic)
}
