// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package queue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/meshtastic-agent/pkg/events"
)

func u32(v uint32) *uint32   { return &v }
func f64(v float64) *float64 { return &v }

func positionEvent(i int) *events.Event {
	return &events.Event{
		Kind:     events.KindPosition,
		QueueID:  fmt.Sprintf("pos-%d", i),
		Position: &events.Position{NodeID: "!0000000a"},
	}
}

func TestPriorityDerivation(t *testing.T) {
	lowBatt := &events.Event{Kind: events.KindTelemetry,
		Telemetry: &events.Telemetry{BatteryLevel: u32(5)}}
	assert.Equal(t, Critical, PriorityFor(lowBatt))

	busy := &events.Event{Kind: events.KindTelemetry,
		Telemetry: &events.Telemetry{BatteryLevel: u32(90), ChannelUtilization: f64(85)}}
	assert.Equal(t, High, PriorityFor(busy))

	calm := &events.Event{Kind: events.KindTelemetry, Telemetry: &events.Telemetry{}}
	assert.Equal(t, Normal, PriorityFor(calm))

	direct := &events.Event{Kind: events.KindMessage,
		Message: &events.Message{ToID: "!0000000b"}}
	assert.Equal(t, High, PriorityFor(direct))

	broadcast := &events.Event{Kind: events.KindMessage,
		Message: &events.Message{ToID: events.BroadcastID}}
	assert.Equal(t, Normal, PriorityFor(broadcast))

	node := &events.Event{Kind: events.KindNodeInfo, NodeInfo: &events.NodeInfo{}}
	assert.Equal(t, High, PriorityFor(node))

	pos := positionEvent(0)
	assert.Equal(t, Normal, PriorityFor(pos))

	raw := &events.Event{Kind: events.KindRaw}
	assert.Equal(t, Normal, PriorityFor(raw))
}

func TestStrictPriorityOrder(t *testing.T) {
	q := New(100)
	require.True(t, q.Enqueue(positionEvent(1), Low))
	require.True(t, q.Enqueue(positionEvent(2), Normal))
	require.True(t, q.Enqueue(positionEvent(3), Critical))
	require.True(t, q.Enqueue(positionEvent(4), High))
	require.True(t, q.Enqueue(positionEvent(5), Critical))

	out := q.Dequeue(10)
	require.Len(t, out, 5)
	// Strict priority, FIFO within a level.
	assert.Equal(t, "pos-3", out[0].QueueID)
	assert.Equal(t, "pos-5", out[1].QueueID)
	assert.Equal(t, "pos-4", out[2].QueueID)
	assert.Equal(t, "pos-2", out[3].QueueID)
	assert.Equal(t, "pos-1", out[4].QueueID)
	assert.Equal(t, 0, q.Len())
}

func TestDequeueLimit(t *testing.T) {
	q := New(100)
	for i := 0; i < 10; i++ {
		require.True(t, q.Enqueue(positionEvent(i), Normal))
	}
	out := q.Dequeue(3)
	assert.Len(t, out, 3)
	assert.Equal(t, 7, q.Len())
}

func TestFullQueueRefusesLowAndNormal(t *testing.T) {
	q := New(2)
	require.True(t, q.Enqueue(positionEvent(1), Normal))
	require.True(t, q.Enqueue(positionEvent(2), Normal))
	assert.False(t, q.Enqueue(positionEvent(3), Normal))
	assert.False(t, q.Enqueue(positionEvent(4), Low))
	assert.Equal(t, 2, q.Len())
}

func TestCriticalPreemption(t *testing.T) {
	// Queue full of low-priority positions; a critical telemetry event must
	// still get in by evicting a low one, and must dequeue first.
	q := New(10000)
	for i := 0; i < 10000; i++ {
		require.True(t, q.Enqueue(positionEvent(i), Low))
	}
	critical := &events.Event{
		Kind:      events.KindTelemetry,
		QueueID:   "critical-battery",
		Telemetry: &events.Telemetry{BatteryLevel: u32(5)},
	}
	require.True(t, q.Enqueue(critical, PriorityFor(critical)))
	assert.Equal(t, 10000, q.Len())

	out := q.Dequeue(1)
	require.Len(t, out, 1)
	assert.Equal(t, "critical-battery", out[0].QueueID)
}

func TestEvictionFallsBackToNormal(t *testing.T) {
	q := New(2)
	require.True(t, q.Enqueue(positionEvent(1), Normal))
	require.True(t, q.Enqueue(positionEvent(2), Normal))
	// No low events buffered, so a high arrival evicts the oldest normal.
	require.True(t, q.Enqueue(positionEvent(3), High))

	out := q.Dequeue(10)
	require.Len(t, out, 2)
	assert.Equal(t, "pos-3", out[0].QueueID)
	assert.Equal(t, "pos-2", out[1].QueueID)
}

func TestHighCannotEvictHigh(t *testing.T) {
	q := New(2)
	require.True(t, q.Enqueue(positionEvent(1), High))
	require.True(t, q.Enqueue(positionEvent(2), Critical))
	assert.False(t, q.Enqueue(positionEvent(3), High))
}

func TestGetStats(t *testing.T) {
	q := New(10)
	q.Enqueue(positionEvent(1), Critical)
	q.Enqueue(positionEvent(2), Normal)
	q.Enqueue(positionEvent(3), Normal)
	s := q.GetStats()
	assert.Equal(t, [4]int{1, 0, 2, 0}, s.Depths)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 10, s.Capacity)
	assert.InDelta(t, 0.3, s.Utilization, 1e-9)
}
