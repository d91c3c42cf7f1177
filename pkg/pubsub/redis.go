// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package pubsub

import (
	"github.com/go-redis/redis"
)

// Redis implements PubSub on a redis instance.
type Redis struct {
	db *redis.Client
}

// NewRedis returns a redis-backed PubSub connected to address.
func NewRedis(address, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := client.Ping().Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}
	return &Redis{db: client}, nil
}

// Publish sends payload to all subscribers of channel across servers.
func (pubsub *Redis) Publish(channel string, payload []byte) error {
	mon.Counter("pubsub_publish").Inc(1)
	return Error.Wrap(pubsub.db.Publish(channel, string(payload)).Err())
}

// Subscribe starts receiving messages published to channels.
func (pubsub *Redis) Subscribe(channels ...string) (Subscription, error) {
	sub := pubsub.db.Subscribe(channels...)
	// wait for the subscription confirmation so publishes after this
	// call are not lost
	if _, err := sub.Receive(); err != nil {
		_ = sub.Close()
		return nil, Error.Wrap(err)
	}

	messages := make(chan Message)
	done := make(chan struct{})
	go func() {
		defer close(messages)
		source := sub.Channel()
		for {
			select {
			case msg, ok := <-source:
				if !ok {
					return
				}
				select {
				case messages <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	return &redisSubscription{sub: sub, messages: messages, done: done}, nil
}

// Close closes the connection.
func (pubsub *Redis) Close() error {
	return Error.Wrap(pubsub.db.Close())
}

type redisSubscription struct {
	sub      *redis.PubSub
	messages chan Message
	done     chan struct{}
}

func (sub *redisSubscription) Messages() <-chan Message { return sub.messages }

func (sub *redisSubscription) Close() error {
	close(sub.done)
	return Error.Wrap(sub.sub.Close())
}
