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
	"sync/atomic"

	"github.com/mlipscombe/ecu-mate/bus"
	log "github.com/sirupsen/logrus"
)

// Subscription is an active listener on the bus. Unsubscribe detaches it;
// calling it again is a no-op.
type Subscription struct {
	bus    bus.Bus
	topic  string
	reg    bus.Registration
	active atomic.Bool
}

// subscribe subscribes topic and registers handler. If the bus refuses the
// subscription the error goes to errorCallback and the returned Subscription
// is inert.
func subscribe(ctx context.Context, b bus.Bus, topic string, handler bus.Handler, errorCallback func(error)) *Subscription {
	sub := &Subscription{bus: b, topic: topic}

	if err := b.Subscribe(ctx, topic); err != nil {
		log.Errorf("failed to subscribe to %s: %v", topic, err)
		if errorCallback != nil {
			errorCallback(err)
		}
		return sub
	}

	sub.reg = b.On(handler)
	sub.active.Store(true)
	return sub
}

// Active reports whether the subscription is still receiving messages.
func (s *Subscription) Active() bool {
	return s != nil && s.active.Load()
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	if !s.active.Swap(false) {
		return
	}
	s.bus.Off(s.reg)
	if err := s.bus.Unsubscribe(context.Background(), s.topic); err != nil {
		log.Warnf("failed to unsubscribe from %s: %v", s.topic, err)
	}
}

// Off is an alias for Unsubscribe.
func (s *Subscription) Off() {
	s.Unsubscribe()
}
