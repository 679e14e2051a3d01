// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package writer persists domain events in batches. A single goroutine owns
// the database handle: events arrive on a bounded channel, accumulate in a
// buffer and are flushed inside one transaction when the buffer fills or the
// flush timer fires.
package writer

import (
	"expvar"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/DataDog/meshtastic-agent/pkg/events"
	"github.com/DataDog/meshtastic-agent/pkg/store"
	"github.com/DataDog/meshtastic-agent/pkg/util/log"
)

var (
	writerExpvars   = expvar.NewMap("writer")
	writerProcessed = expvar.Int{}
	writerFailed    = expvar.Int{}
	writerBatches   = expvar.Int{}
	writerShutdown  = expvar.Int{}
)

func init() {
	writerExpvars.Set("EventsProcessed", &writerProcessed)
	writerExpvars.Set("EventsFailed", &writerFailed)
	writerExpvars.Set("Batches", &writerBatches)
	writerExpvars.Set("ShutdownDrops", &writerShutdown)
}

const (
	// retryBackoff is the pause before the single batch retry.
	retryBackoff = 100 * time.Millisecond
	// slowBatchThreshold marks the writer degraded when exceeded.
	slowBatchThreshold = 200 * time.Millisecond
	// degradedAfter is how long commits may keep failing before the writer
	// reports itself degraded.
	degradedAfter = 60 * time.Second
	// bufferHealthFraction is the fill level above which the writer is no
	// longer healthy.
	bufferHealthFraction = 0.9
)

// Stats is a snapshot of writer throughput.
type Stats struct {
	Processed   int64   `json:"processed"`
	Failed      int64   `json:"failed"`
	Batches     int64   `json:"batches"`
	LastBatch   int     `json:"lastBatchSize"`
	AvgBatch    float64 `json:"avgBatchSize"`
	LastLatency int64   `json:"lastBatchMs"`
	AvgLatency  float64 `json:"avgBatchMs"`
	Buffered    int     `json:"buffered"`
	BufferLimit int     `json:"bufferLimit"`
}

// Writer drains events into the store.
type Writer struct {
	st       *store.Store
	maxBatch int
	maxWait  time.Duration
	clock    clock.Clock

	in       chan *events.Event
	sweep    chan int
	channels chan channelUpsert
	stop     chan struct{}
	done     chan struct{}

	buffer []*events.Event

	processed   atomic.Int64
	failed      atomic.Int64
	batches     atomic.Int64
	lastBatch   atomic.Int64
	lastLatency atomic.Int64
	sumBatch    atomic.Int64
	sumLatency  atomic.Int64
	buffered    atomic.Int64
	lastSuccess atomic.Int64
	lastFailure atomic.Int64
}

// New builds a writer flushing at maxBatch events or maxWait, whichever
// comes first.
func New(st *store.Store, maxBatch int, maxWait time.Duration, clk clock.Clock) *Writer {
	if clk == nil {
		clk = clock.New()
	}
	w := &Writer{
		st:       st,
		maxBatch: maxBatch,
		maxWait:  maxWait,
		clock:    clk,
		in:       make(chan *events.Event, 2*maxBatch),
		sweep:    make(chan int, 1),
		channels: make(chan channelUpsert, 8),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.lastSuccess.Store(clk.Now().UnixMilli())
	return w
}

// Start launches the writer goroutine.
func (w *Writer) Start() {
	go w.run()
}

// Stop flushes the remaining buffer and waits for the goroutine to exit.
func (w *Writer) Stop() {
	close(w.stop)
	<-w.done
}

// Add hands an event to the writer without blocking. A full channel means
// the database cannot keep up; the event is dropped and counted.
func (w *Writer) Add(ev *events.Event) bool {
	select {
	case w.in <- ev:
		w.buffered.Add(1)
		return true
	default:
		w.failed.Add(1)
		writerFailed.Add(1)
		return false
	}
}

// RequestSweep schedules a retention sweep between batches.
func (w *Writer) RequestSweep(retentionDays int) {
	select {
	case w.sweep <- retentionDays:
	default:
	}
}

// channelUpsert is a deferred channel-table write. Learned channel mappings
// come off the broker-receive path, which must never block on the database.
type channelUpsert struct {
	index  uint32
	name   string
	hasKey bool
}

// RequestChannelUpsert schedules a channel mapping write between batches.
// The channel table holds at most eight slots, so the command buffer can
// absorb every mapping a mesh can produce.
func (w *Writer) RequestChannelUpsert(index uint32, name string, hasKey bool) {
	select {
	case w.channels <- channelUpsert{index: index, name: name, hasKey: hasKey}:
	default:
		log.Warnf("writer: channel upsert buffer full, dropping %q", name)
	}
}

func (w *Writer) run() {
	defer close(w.done)
	ticker := w.clock.Ticker(w.maxWait)
	defer ticker.Stop()

	for {
		select {
		case ev := <-w.in:
			w.buffered.Sub(1)
			w.buffer = append(w.buffer, ev)
			if len(w.buffer) >= w.maxBatch {
				w.flush()
			}
		case <-ticker.C:
			if len(w.buffer) > 0 {
				w.flush()
			}
		case days := <-w.sweep:
			if _, err := w.st.RetentionSweep(days); err != nil {
				log.Errorf("writer: retention sweep: %v", err)
			}
		case cu := <-w.channels:
			if err := w.st.UpsertChannel(cu.index, cu.name, cu.hasKey); err != nil {
				log.Errorf("writer: persist channel %q: %v", cu.name, err)
			}
		case <-w.stop:
			w.drainAndExit()
			return
		}
	}
}

// drainAndExit empties the channel and flushes whatever fits in final
// batches. Events still buffered after the channel closes cleanly are
// written; the supervisor bounds total shutdown time.
func (w *Writer) drainAndExit() {
	for {
		select {
		case ev := <-w.in:
			w.buffered.Sub(1)
			w.buffer = append(w.buffer, ev)
			if len(w.buffer) >= w.maxBatch {
				w.flush()
			}
		case cu := <-w.channels:
			if err := w.st.UpsertChannel(cu.index, cu.name, cu.hasKey); err != nil {
				log.Errorf("writer: persist channel %q: %v", cu.name, err)
			}
		default:
			if len(w.buffer) > 0 {
				w.flush()
			}
			return
		}
	}
}

// flush writes the buffer in one transaction, retrying once on failure.
func (w *Writer) flush() {
	batch := w.buffer
	w.buffer = nil
	start := w.clock.Now()

	op := func() error { return w.writeBatch(batch) }
	err := backoff.Retry(op, backoff.WithMaxRetries(
		backoff.NewConstantBackOff(retryBackoff), 1))

	elapsed := w.clock.Now().Sub(start)
	w.batches.Add(1)
	writerBatches.Add(1)
	w.lastBatch.Store(int64(len(batch)))
	w.sumBatch.Add(int64(len(batch)))
	w.lastLatency.Store(elapsed.Milliseconds())
	w.sumLatency.Add(elapsed.Milliseconds())

	if err != nil {
		w.failed.Add(int64(len(batch)))
		writerFailed.Add(int64(len(batch)))
		w.lastFailure.Store(w.clock.Now().UnixMilli())
		log.Errorf("writer: dropping batch of %d after retry: %v", len(batch), err)
		return
	}
	w.processed.Add(int64(len(batch)))
	writerProcessed.Add(int64(len(batch)))
	w.lastSuccess.Store(w.clock.Now().UnixMilli())
	if elapsed > slowBatchThreshold {
		log.Warnf("writer: slow batch, %d events in %s", len(batch), elapsed)
	}
}

// CountShutdownDrop records events discarded because the drain deadline
// expired before they reached the writer.
func CountShutdownDrop(n int) {
	writerShutdown.Add(int64(n))
}

// GetStats snapshots the counters.
func (w *Writer) GetStats() Stats {
	batches := w.batches.Load()
	s := Stats{
		Processed:   w.processed.Load(),
		Failed:      w.failed.Load(),
		Batches:     batches,
		LastBatch:   int(w.lastBatch.Load()),
		LastLatency: w.lastLatency.Load(),
		Buffered:    int(w.buffered.Load()) + len(w.buffer),
		BufferLimit: cap(w.in),
	}
	if batches > 0 {
		s.AvgBatch = float64(w.sumBatch.Load()) / float64(batches)
		s.AvgLatency = float64(w.sumLatency.Load()) / float64(batches)
	}
	return s
}

// Healthy reports whether the writer keeps up: channel below 90% and the
// last batch under the latency threshold, with no sustained failure streak.
func (w *Writer) Healthy() (bool, error) {
	if fill := float64(w.buffered.Load()) / float64(cap(w.in)); fill >= bufferHealthFraction {
		return false, errors.Errorf("write buffer %.0f%% full", fill*100)
	}
	if last := w.lastLatency.Load(); last > slowBatchThreshold.Milliseconds() {
		return false, errors.Errorf("last batch took %dms", last)
	}
	failure := w.lastFailure.Load()
	success := w.lastSuccess.Load()
	if failure > success && w.clock.Now().UnixMilli()-success > degradedAfter.Milliseconds() {
		return false, errors.New("commits failing for over 60s")
	}
	return true, nil
}
