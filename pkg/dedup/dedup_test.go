// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package dedup

import (
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/meshtastic-agent/pkg/events"
)

func messageEvent(packetID uint32) *events.Event {
	return &events.Event{
		Kind:    events.KindMessage,
		Message: &events.Message{PacketID: packetID, FromID: "!00000001"},
	}
}

func TestDuplicateWithinWindow(t *testing.T) {
	mock := clock.NewMock()
	d := New(60*time.Second, 100, mock)

	ev := messageEvent(0x123456)
	require.True(t, d.Admit(ev))
	assert.NotEmpty(t, ev.QueueID)

	// Second delivery of the same packet, fresh event object.
	dup := messageEvent(0x123456)
	assert.False(t, d.Admit(dup))
	assert.Empty(t, dup.QueueID)

	// Past the window the packet is new again.
	mock.Add(61 * time.Second)
	again := messageEvent(0x123456)
	assert.True(t, d.Admit(again))
}

func TestDistinctKeysAdmitted(t *testing.T) {
	d := New(60*time.Second, 100, clock.NewMock())
	assert.True(t, d.Admit(messageEvent(1)))
	assert.True(t, d.Admit(messageEvent(2)))
	assert.Equal(t, 2, d.Len())
}

func TestPositionJitterCollapses(t *testing.T) {
	d := New(60*time.Second, 100, clock.NewMock())
	pos := func(lat, lon float64) *events.Event {
		return &events.Event{
			Kind:     events.KindPosition,
			Position: &events.Position{NodeID: "!0000000a", Latitude: lat, Longitude: lon},
		}
	}
	require.True(t, d.Admit(pos(37.77802, -122.44001)))
	// Sub-millidegree movement hashes to the same key.
	assert.False(t, d.Admit(pos(37.77811, -122.44049)))
	// A real move is a new observation.
	assert.True(t, d.Admit(pos(37.78902, -122.45120)))
}

func TestTelemetryBuckets(t *testing.T) {
	d := New(60*time.Second, 100, clock.NewMock())
	tel := func(ms int64) *events.Event {
		return &events.Event{
			Kind:      events.KindTelemetry,
			Telemetry: &events.Telemetry{NodeID: "!0000000a", Time: ms},
		}
	}
	require.True(t, d.Admit(tel(1700000003000)))
	assert.False(t, d.Admit(tel(1700000009000))) // same 10 s bucket
	assert.True(t, d.Admit(tel(1700000011000))) // next bucket
}

func TestCapacityEviction(t *testing.T) {
	mock := clock.NewMock()
	d := New(time.Hour, 3, mock)
	for i := uint32(1); i <= 3; i++ {
		require.True(t, d.Admit(messageEvent(i)))
		mock.Add(time.Millisecond)
	}
	// A fourth admit pushes the oldest entry out.
	require.True(t, d.Admit(messageEvent(4)))
	assert.LessOrEqual(t, d.Len(), 3)
	assert.True(t, d.Admit(messageEvent(1)), "oldest entry should have been evicted")
}

func TestQueueIDFormat(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))
	d := New(60*time.Second, 100, mock)
	ev := messageEvent(42)
	require.True(t, d.Admit(ev))
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}-1700000000000-[a-z0-9]{7}$`), ev.QueueID)
}

func TestStableKeys(t *testing.T) {
	node := &events.Event{Kind: events.KindNodeInfo, NodeInfo: &events.NodeInfo{
		NodeID: "!0a0b0c0d", HWModel: "RAK4631", Role: "ROUTER",
	}}
	assert.Equal(t, "nodeinfo:!0a0b0c0d:RAK4631:ROUTER", StableKey(node))

	msg := messageEvent(0x99)
	assert.Equal(t, fmt.Sprintf("message:%d", 0x99), StableKey(msg))
}
