// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package broadcast fans ingestion events out to dashboard clients over
// WebSocket. Updates are coalesced into periodic batch frames; every client
// gets an initial snapshot from the store.
package broadcast

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/DataDog/meshtastic-agent/pkg/events"
	"github.com/DataDog/meshtastic-agent/pkg/store"
	"github.com/DataDog/meshtastic-agent/pkg/util/log"
)

var (
	bcExpvars   = expvar.NewMap("broadcast")
	bcSessions  = expvar.Int{}
	bcFrames    = expvar.Int{}
	bcOverflows = expvar.Int{}
)

func init() {
	bcExpvars.Set("Sessions", &bcSessions)
	bcExpvars.Set("FramesSent", &bcFrames)
	bcExpvars.Set("Overflows", &bcOverflows)
}

const (
	// heartbeatMisses closes a session after this many silent heartbeats.
	heartbeatMisses = 2
	// eventBuffer bounds the ingestion-side channel.
	eventBuffer = 4096
)

// SnapshotSource provides the recent-state queries behind the initial
// snapshot frame.
type SnapshotSource interface {
	RecentNodes(limit int) ([]store.NodeRow, error)
	RecentPositions(limit int) ([]store.PositionRow, error)
	RecentMessages(limit int) ([]store.MessageRow, error)
}

// Options sizes the broadcaster.
type Options struct {
	FlushInterval     time.Duration
	Heartbeat         time.Duration
	SessionBudget     int64
	SnapshotNodes     int
	SnapshotPositions int
	SnapshotMessages  int
}

// Broadcaster owns the session set and the coalescing loop.
type Broadcaster struct {
	opts   Options
	source SnapshotSource

	mu       sync.RWMutex
	sessions map[string]*session

	in      chan *events.Event
	pending []*events.Event
	stop    chan struct{}
	done    chan struct{}

	upgrader websocket.Upgrader
}

// New builds a broadcaster reading snapshots from source.
func New(opts Options, source SnapshotSource) *Broadcaster {
	return &Broadcaster{
		opts:     opts,
		source:   source,
		sessions: make(map[string]*session),
		in:       make(chan *events.Event, eventBuffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The dashboard may be served from a different origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start launches the coalescing and heartbeat loop.
func (b *Broadcaster) Start() {
	go b.run()
}

// Stop sends a disconnect frame to every client and closes the sessions.
func (b *Broadcaster) Stop() {
	close(b.stop)
	<-b.done

	b.mu.Lock()
	defer b.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	for _, s := range b.sessions {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "agent shutting down"),
			deadline)
		close(s.closed)
		s.conn.Close()
	}
	b.sessions = make(map[string]*session)
	bcSessions.Set(0)
}

// Publish queues an event for the next coalesced flush. It never blocks;
// when the fan-out cannot keep up the event is simply not broadcast.
func (b *Broadcaster) Publish(ev *events.Event) {
	select {
	case b.in <- ev:
	default:
		bcOverflows.Add(1)
	}
}

// Sessions reports the connected client count.
func (b *Broadcaster) Sessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

func (b *Broadcaster) run() {
	defer close(b.done)
	flush := time.NewTicker(b.opts.FlushInterval)
	defer flush.Stop()
	heartbeat := time.NewTicker(b.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev := <-b.in:
			b.pending = append(b.pending, ev)
		case <-flush.C:
			b.flush()
		case <-heartbeat.C:
			b.heartbeat()
		case <-b.stop:
			return
		}
	}
}

// flush groups pending events by kind and sends one frame per kind to every
// session whose filter admits at least one event of it.
func (b *Broadcaster) flush() {
	if len(b.pending) == 0 {
		return
	}
	pending := b.pending
	b.pending = nil

	b.mu.RLock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()
	if len(sessions) == 0 {
		return
	}

	for _, s := range sessions {
		filter := s.getFilter()
		var admitted []*events.Event
		for _, ev := range pending {
			if filter.admits(ev) {
				admitted = append(admitted, ev)
			}
		}
		if len(admitted) == 0 {
			continue
		}
		ok := true
		for _, frame := range framesFor(admitted) {
			if !s.send(frame, b.opts.SessionBudget) {
				ok = false
				break
			}
			bcFrames.Add(1)
		}
		if !ok {
			bcOverflows.Add(1)
			b.dropSession(s, "outbound buffer overflow")
		}
	}
}

// heartbeat pushes a pong frame and reaps sessions that have been silent for
// two full heartbeat periods.
func (b *Broadcaster) heartbeat() {
	cutoff := time.Now().Add(-time.Duration(heartbeatMisses) * b.opts.Heartbeat).UnixMilli()
	frame, _ := json.Marshal(pongFrame{Type: "pong", Timestamp: time.Now().UnixMilli()})

	b.mu.RLock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()

	for _, s := range sessions {
		if s.lastActivity.Load() < cutoff {
			b.dropSession(s, "heartbeat timeout")
			continue
		}
		if !s.send(frame, b.opts.SessionBudget) {
			b.dropSession(s, "outbound buffer overflow")
		}
	}
}

func (b *Broadcaster) dropSession(s *session, reason string) {
	b.mu.Lock()
	if _, ok := b.sessions[s.id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, s.id)
	bcSessions.Set(int64(len(b.sessions)))
	b.mu.Unlock()

	log.Infof("broadcast: closing session %s: %s", s.id, reason)
	close(s.closed)
	s.conn.Close()
}

// ServeHTTP upgrades the connection and runs the session read loop.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("broadcast: upgrade failed: %v", err)
		return
	}
	s := newSession(conn, time.Now())

	b.mu.Lock()
	b.sessions[s.id] = s
	bcSessions.Set(int64(len(b.sessions)))
	b.mu.Unlock()

	go s.writePump()
	s.sendJSON(connectedFrame{Type: "connected", Timestamp: time.Now().UnixMilli()},
		b.opts.SessionBudget)
	if err := b.sendSnapshot(s); err != nil {
		log.Errorf("broadcast: snapshot for %s: %v", s.id, err)
	}
	b.readPump(s)
}

// readPump handles client frames until the socket dies.
func (b *Broadcaster) readPump(s *session) {
	defer b.dropSession(s, "connection closed")
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.lastActivity.Store(time.Now().UnixMilli())

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debugf("broadcast: bad client frame from %s: %v", s.id, err)
			continue
		}
		switch frame.Type {
		case "ping":
			s.sendJSON(pongFrame{Type: "pong", Timestamp: time.Now().UnixMilli()},
				b.opts.SessionBudget)
		case "subscribe":
			s.setFilter(compileFilter(frame.Filter))
		case "unsubscribe":
			s.setFilter(nil)
		case "request_snapshot":
			if err := b.sendSnapshot(s); err != nil {
				log.Errorf("broadcast: snapshot for %s: %v", s.id, err)
			}
		}
	}
}

// sendSnapshot builds and queues the initial state frame.
func (b *Broadcaster) sendSnapshot(s *session) error {
	nodes, err := b.source.RecentNodes(b.opts.SnapshotNodes)
	if err != nil {
		return errors.Wrap(err, "snapshot nodes")
	}
	positions, err := b.source.RecentPositions(b.opts.SnapshotPositions)
	if err != nil {
		return errors.Wrap(err, "snapshot positions")
	}
	messages, err := b.source.RecentMessages(b.opts.SnapshotMessages)
	if err != nil {
		return errors.Wrap(err, "snapshot messages")
	}
	frame := snapshotFrame{
		Type:      "snapshot",
		Timestamp: time.Now().UnixMilli(),
	}
	frame.Data.Nodes = nodes
	frame.Data.Positions = positions
	frame.Data.RecentMessages = messages
	if !s.sendJSON(frame, b.opts.SessionBudget) {
		b.dropSession(s, "outbound buffer overflow")
	}
	return nil
}
