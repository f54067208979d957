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
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

// Redis delivers messages from Redis pub/sub channels.
type Redis struct {
	Dispatcher

	client *redis.Client
	pubsub *redis.PubSub
	refs   topicRefs
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedis connects to the server at rawURL (redis://[:password@]host:port[/db]).
func NewRedis(rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return NewRedisWithClient(client), nil
}

func NewRedisWithClient(client *redis.Client) *Redis {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		client: client,
		pubsub: client.Subscribe(ctx),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.receive()
	return r
}

func (r *Redis) Subscribe(ctx context.Context, topic string) error {
	if !r.refs.acquire(topic) {
		return nil
	}
	if err := r.pubsub.Subscribe(ctx, topic); err != nil {
		r.refs.undo(topic)
		return err
	}
	return nil
}

func (r *Redis) Unsubscribe(ctx context.Context, topic string) error {
	if !r.refs.release(topic) {
		return nil
	}
	return r.pubsub.Unsubscribe(ctx, topic)
}

// HGetAll reads a hash from the same server the bus is connected to.
func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *Redis) receive() {
	defer close(r.done)

	for {
		msg, err := r.pubsub.Receive(r.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || r.ctx.Err() != nil {
				return
			}
			log.Errorf("redis subscription error: %v", err)
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Message:
			log.Debugf("redis message received: channel=%s, payload=%s", m.Channel, m.Payload)
			r.Dispatch(m.Channel, m.Payload)
		case *redis.Subscription:
			log.Debugf("redis subscription event: %s %s", m.Kind, m.Channel)
		}
	}
}

func (r *Redis) Close() error {
	r.cancel()
	err := r.pubsub.Close()
	<-r.done
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}
