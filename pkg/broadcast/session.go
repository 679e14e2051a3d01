// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package broadcast

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/DataDog/meshtastic-agent/pkg/events"
	"github.com/DataDog/meshtastic-agent/pkg/util/log"
)

// writeTimeout bounds a single frame write to a client socket.
const writeTimeout = 5 * time.Second

// Filter is a client-chosen subscription: empty sets admit everything.
type Filter struct {
	Kinds    []string `json:"kinds,omitempty"`
	NodeIDs  []string `json:"nodeIds,omitempty"`
	Channels []uint32 `json:"channels,omitempty"`
}

type compiledFilter struct {
	kinds    map[events.Kind]struct{}
	nodeIDs  map[string]struct{}
	channels map[uint32]struct{}
}

func compileFilter(f Filter) *compiledFilter {
	c := &compiledFilter{}
	if len(f.Kinds) > 0 {
		c.kinds = make(map[events.Kind]struct{}, len(f.Kinds))
		for _, k := range f.Kinds {
			c.kinds[events.KindFromString(k)] = struct{}{}
		}
	}
	if len(f.NodeIDs) > 0 {
		c.nodeIDs = make(map[string]struct{}, len(f.NodeIDs))
		for _, id := range f.NodeIDs {
			c.nodeIDs[id] = struct{}{}
		}
	}
	if len(f.Channels) > 0 {
		c.channels = make(map[uint32]struct{}, len(f.Channels))
		for _, ch := range f.Channels {
			c.channels[ch] = struct{}{}
		}
	}
	return c
}

// admits applies the filter to one event. Raw diagnostics bypass node and
// channel matching, they carry no reliable source.
func (c *compiledFilter) admits(ev *events.Event) bool {
	if c == nil {
		return true
	}
	if c.kinds != nil {
		if _, ok := c.kinds[ev.Kind]; !ok {
			return false
		}
	}
	if ev.Kind == events.KindRaw {
		return true
	}
	if c.nodeIDs != nil {
		if _, ok := c.nodeIDs[ev.SourceID()]; !ok {
			return false
		}
	}
	if c.channels != nil {
		if _, ok := c.channels[ev.Channel]; !ok {
			return false
		}
	}
	return true
}

// session is one connected dashboard client. A dedicated writer goroutine
// owns the socket for writes; the broadcaster never blocks on a slow client.
type session struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time

	out     chan []byte
	closed  chan struct{}
	pending atomic.Int64 // bytes queued, enforces the outbound budget

	lastActivity atomic.Int64
	bytesSent    atomic.Int64
	framesSent   atomic.Int64

	filter atomic.Pointer[compiledFilter] // nil admits all
}

func newSession(conn *websocket.Conn, now time.Time) *session {
	s := &session{
		id:          uuid.New().String(),
		conn:        conn,
		connectedAt: now,
		out:         make(chan []byte, 256),
		closed:      make(chan struct{}),
	}
	s.lastActivity.Store(now.UnixMilli())
	return s
}

func (s *session) setFilter(f *compiledFilter) {
	s.filter.Store(f)
}

func (s *session) getFilter() *compiledFilter {
	return s.filter.Load()
}

// send queues a frame. It reports false when the session is over budget or
// gone; the caller drops the session on overflow.
func (s *session) send(frame []byte, budget int64) bool {
	if s.pending.Load()+int64(len(frame)) > budget {
		return false
	}
	select {
	case s.out <- frame:
		s.pending.Add(int64(len(frame)))
		return true
	case <-s.closed:
		return false
	default:
		return false
	}
}

// writePump drains the outbound channel onto the socket.
func (s *session) writePump() {
	for {
		select {
		case frame := <-s.out:
			s.pending.Sub(int64(len(frame)))
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debugf("broadcast: write to %s failed: %v", s.id, err)
				return
			}
			s.bytesSent.Add(int64(len(frame)))
			s.framesSent.Add(1)
		case <-s.closed:
			return
		}
	}
}

// sendJSON marshals and queues a frame outside the shared flush path, for
// per-session traffic like pongs and snapshots.
func (s *session) sendJSON(v interface{}, budget int64) bool {
	frame, err := json.Marshal(v)
	if err != nil {
		log.Errorf("broadcast: marshal frame: %v", err)
		return true
	}
	return s.send(frame, budget)
}
