// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package queue is the bounded multi-level buffer between ingestion and
// persistence. Dequeue order is strict priority, FIFO within a level.
package queue

import (
	"expvar"
	"sync"

	"github.com/DataDog/meshtastic-agent/pkg/events"
)

var (
	queueExpvars  = expvar.NewMap("queue")
	queueEnqueued = expvar.Int{}
	queueDropped  = expvar.Int{}
	queueEvicted  = expvar.Int{}
)

func init() {
	queueExpvars.Set("Enqueued", &queueEnqueued)
	queueExpvars.Set("Dropped", &queueDropped)
	queueExpvars.Set("Evicted", &queueEvicted)
}

// Priority levels, lowest value dequeues first.
type Priority int

// Levels
const (
	Critical Priority = iota
	High
	Normal
	Low
	numLevels
)

// String renders the level name for logs and stats.
func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	}
	return "unknown"
}

// Thresholds for telemetry-driven escalation.
const (
	criticalBattery = 20
	highChannelUtil = 80
)

// PriorityFor derives the default level for an event.
func PriorityFor(ev *events.Event) Priority {
	switch ev.Kind {
	case events.KindTelemetry:
		t := ev.Telemetry
		if t.BatteryLevel != nil && *t.BatteryLevel < criticalBattery {
			return Critical
		}
		if t.ChannelUtilization != nil && *t.ChannelUtilization > highChannelUtil {
			return High
		}
		return Normal
	case events.KindMessage:
		if ev.Message.ToID != events.BroadcastID {
			return High
		}
		return Normal
	case events.KindNodeInfo:
		return High
	}
	return Normal
}

// Stats is a point-in-time snapshot of queue depths.
type Stats struct {
	Depths      [4]int  `json:"depths"`
	Total       int     `json:"total"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
}

// Queue is safe for concurrent enqueue and dequeue.
type Queue struct {
	mu       sync.Mutex
	levels   [numLevels][]*events.Event
	total    int
	capacity int
}

// New builds a queue with the given total capacity.
func New(capacity int) *Queue {
	return &Queue{capacity: capacity}
}

// Enqueue adds an event at the given level. When the queue is full, low and
// normal arrivals are refused; high and critical arrivals evict a low event,
// or failing that a normal one, before being admitted.
func (q *Queue) Enqueue(ev *events.Event, prio Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.total >= q.capacity {
		if prio > High {
			queueDropped.Add(1)
			return false
		}
		if !q.evictLocked() {
			queueDropped.Add(1)
			return false
		}
	}
	q.levels[prio] = append(q.levels[prio], ev)
	q.total++
	queueEnqueued.Add(1)
	return true
}

// evictLocked removes the oldest low event, or the oldest normal one when no
// low events remain.
func (q *Queue) evictLocked() bool {
	for _, level := range []Priority{Low, Normal} {
		if len(q.levels[level]) > 0 {
			q.levels[level] = q.levels[level][1:]
			q.total--
			queueEvicted.Add(1)
			return true
		}
	}
	return false
}

// Dequeue removes up to n events in strict priority order.
func (q *Queue) Dequeue(n int) []*events.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*events.Event
	for level := Critical; level < numLevels && len(out) < n; level++ {
		take := n - len(out)
		if take > len(q.levels[level]) {
			take = len(q.levels[level])
		}
		out = append(out, q.levels[level][:take]...)
		q.levels[level] = q.levels[level][take:]
		q.total -= take
	}
	return out
}

// Len reports the total buffered count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// GetStats snapshots per-level depths and utilization.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Total: q.total, Capacity: q.capacity}
	for i := range q.levels {
		s.Depths[i] = len(q.levels[i])
	}
	if q.capacity > 0 {
		s.Utilization = float64(q.total) / float64(q.capacity)
	}
	return s
}
