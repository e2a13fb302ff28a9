package liveevents

import (
	"testing"

	"github.com/smallbiznis/walletledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesBacklogAndLiveEvents(t *testing.T) {
	hub := NewHub(Options{})

	first, _, err := hub.Subscribe("1001")
	require.NoError(t, err)
	defer first.Close()

	hub.Publish("1001", LiveEvent{Feature: "api_calls", Quantity: 3, Status: StatusRecorded})
	got := <-first.Events()
	assert.Equal(t, "api_calls", got.Feature)

	second, backlog, err := hub.Subscribe("1001")
	require.NoError(t, err)
	defer second.Close()
	require.Len(t, backlog, 1)
	assert.Equal(t, int64(3), backlog[0].Quantity)
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	hub := NewHub(Options{})
	hub.Publish("1001", LiveEvent{Feature: "sms"})

	sub, backlog, err := hub.Subscribe("1001")
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, backlog)
}

func TestBacklogKeepsNewestEventsInOrder(t *testing.T) {
	hub := NewHub(Options{Backlog: 3, SubscriberBuffer: 8})
	keep, _, err := hub.Subscribe("1001")
	require.NoError(t, err)
	defer keep.Close()

	for q := int64(1); q <= 5; q++ {
		hub.Publish("1001", LiveEvent{Feature: "api_calls", Quantity: q})
	}

	late, backlog, err := hub.Subscribe("1001")
	require.NoError(t, err)
	defer late.Close()
	require.Len(t, backlog, 3)
	for i, want := range []int64{3, 4, 5} {
		assert.Equal(t, want, backlog[i].Quantity)
	}
}

func TestSubscribeFiltersByFeature(t *testing.T) {
	hub := NewHub(Options{})
	all, _, err := hub.Subscribe("1001")
	require.NoError(t, err)
	defer all.Close()

	hub.Publish("1001", LiveEvent{Feature: "api_calls", Quantity: 1})
	hub.Publish("1001", LiveEvent{Feature: "sms", Quantity: 2})

	sms, backlog, err := hub.Subscribe("1001", "sms", " ")
	require.NoError(t, err)
	defer sms.Close()
	require.Len(t, backlog, 1)
	assert.Equal(t, "sms", backlog[0].Feature)

	hub.Publish("1001", LiveEvent{Feature: "api_calls", Quantity: 3})
	hub.Publish("1001", LiveEvent{Feature: "sms", Quantity: 4})
	got := <-sms.Events()
	assert.Equal(t, int64(4), got.Quantity)
	assert.Empty(t, sms.Events())
	assert.Len(t, all.Events(), 4)
}

func TestFullSubscriberQueueCountsDrops(t *testing.T) {
	hub := NewHub(Options{SubscriberBuffer: 1})
	sub, _, err := hub.Subscribe("1001")
	require.NoError(t, err)
	defer sub.Close()

	hub.Publish("1001", LiveEvent{Feature: "sms", Quantity: 1})
	hub.Publish("1001", LiveEvent{Feature: "sms", Quantity: 2})
	hub.Publish("1001", LiveEvent{Feature: "sms", Quantity: 3})

	assert.Equal(t, uint64(2), sub.Dropped())
	assert.Equal(t, int64(1), (<-sub.Events()).Quantity)
}

func TestProvideHubReadsConfig(t *testing.T) {
	hub := ProvideHub(config.Config{UsageLiveBacklog: 2, UsageLiveBuffer: 4})
	assert.Equal(t, Options{Backlog: 2, SubscriberBuffer: 4}, hub.opts)

	hub = ProvideHub(config.Config{})
	assert.Equal(t, Options{Backlog: DefaultBacklog, SubscriberBuffer: DefaultSubscriberBuffer}, hub.opts)
}

func TestSubscribeRejectsBlankKey(t *testing.T) {
	_, _, err := NewHub(Options{}).Subscribe("  ")
	assert.ErrorIs(t, err, ErrInvalidStream)

	var nilHub *Hub
	_, _, err = nilHub.Subscribe("1001")
	assert.ErrorIs(t, err, ErrHubUnavailable)
}

func TestCloseRemovesStream(t *testing.T) {
	hub := NewHub(Options{})
	sub, _, err := hub.Subscribe("1001")
	require.NoError(t, err)
	sub.Close()
	sub.Close()

	hub.mu.Lock()
	defer hub.mu.Unlock()
	assert.Empty(t, hub.companies)
}
