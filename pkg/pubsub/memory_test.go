// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package pubsub_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keystorm.io/keystorm/pkg/pubsub"
)

func receive(t *testing.T, sub pubsub.Subscription) pubsub.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return pubsub.Message{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	fabric := pubsub.NewMemory()
	defer func() { _ = fabric.Close() }()

	sub, err := fabric.Subscribe("updates")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, fabric.Publish("updates", []byte("hello")))
	msg := receive(t, sub)
	assert.Equal(t, "updates", msg.Channel)
	assert.Equal(t, "hello", string(msg.Payload))
}

func TestSubscribeMultipleChannels(t *testing.T) {
	fabric := pubsub.NewMemory()
	defer func() { _ = fabric.Close() }()

	sub, err := fabric.Subscribe("a", "b")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, fabric.Publish("b", []byte("on-b")))
	require.NoError(t, fabric.Publish("c", []byte("on-c")))
	require.NoError(t, fabric.Publish("a", []byte("on-a")))

	first := receive(t, sub)
	assert.Equal(t, "b", first.Channel)
	second := receive(t, sub)
	assert.Equal(t, "a", second.Channel)
}

func TestUnsubscribedChannelNotDelivered(t *testing.T) {
	fabric := pubsub.NewMemory()
	defer func() { _ = fabric.Close() }()

	sub, err := fabric.Subscribe("wanted")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, fabric.Publish("wanted", []byte("late")))

	_, ok := <-sub.Messages()
	assert.False(t, ok, "closed subscription must not deliver")
}

func TestPublisherIsolation(t *testing.T) {
	fabric := pubsub.NewMemory()
	defer func() { _ = fabric.Close() }()

	subA, err := fabric.Subscribe("a")
	require.NoError(t, err)
	subB, err := fabric.Subscribe("b")
	require.NoError(t, err)

	require.NoError(t, fabric.Publish("a", []byte("for-a")))

	assert.Equal(t, "for-a", string(receive(t, subA).Payload))
	select {
	case msg := <-subB.Messages():
		t.Fatalf("unexpected delivery: %s", msg.Payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestClosedFabricRejects(t *testing.T) {
	fabric := pubsub.NewMemory()
	require.NoError(t, fabric.Close())

	assert.Error(t, fabric.Publish("x", nil))
	_, err := fabric.Subscribe("x")
	assert.Error(t, err)
}
