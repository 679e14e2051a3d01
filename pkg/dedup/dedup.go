// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package dedup drops re-deliveries of the same observation within a time
// window. Gateways overhearing the same packet publish it independently, so
// the mesh multiplies every event by the number of gateways in range.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"expvar"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/DataDog/meshtastic-agent/pkg/events"
)

var (
	dedupExpvars = expvar.NewMap("dedup")
	dedupDropped = expvar.Int{}
	dedupAdmits  = expvar.Int{}
)

func init() {
	dedupExpvars.Set("DuplicatesDropped", &dedupDropped)
	dedupExpvars.Set("Admitted", &dedupAdmits)
}

const queueIDRandLen = 7

const queueIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

type entry struct {
	key string
	at  time.Time
}

// Deduplicator is a fixed-capacity, time-bounded membership set keyed on a
// content hash. It is touched only from the broker-receive path, so it
// carries no lock.
type Deduplicator struct {
	window   time.Duration
	capacity int
	clock    clock.Clock

	seen  map[string]time.Time
	order []entry
	rng   *rand.Rand
}

// New builds a deduplicator with the given window and capacity. The pipeline
// sizes capacity at twice the queue capacity.
func New(window time.Duration, capacity int, clk clock.Clock) *Deduplicator {
	if clk == nil {
		clk = clock.New()
	}
	return &Deduplicator{
		window:   window,
		capacity: capacity,
		clock:    clk,
		seen:     make(map[string]time.Time, capacity),
		rng:      rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// StableKey derives the type-specific identity of an event. Positions are
// rounded so GPS jitter does not defeat deduplication; telemetry is floored
// to 10-second buckets.
func StableKey(ev *events.Event) string {
	switch ev.Kind {
	case events.KindNodeInfo:
		n := ev.NodeInfo
		return fmt.Sprintf("nodeinfo:%s:%s:%s", n.NodeID, n.HWModel, n.Role)
	case events.KindPosition:
		p := ev.Position
		return fmt.Sprintf("position:%s:%.3f:%.3f", p.NodeID,
			roundTo(p.Latitude, 3), roundTo(p.Longitude, 3))
	case events.KindTelemetry:
		t := ev.Telemetry
		return fmt.Sprintf("telemetry:%s:%d", t.NodeID, (t.Time/1000/10)*10)
	case events.KindMessage:
		return fmt.Sprintf("message:%d", ev.Message.PacketID)
	case events.KindTraceroute:
		t := ev.Traceroute
		return fmt.Sprintf("traceroute:%s:%s:%d", t.FromID, t.ToID, (t.Time/1000/10)*10)
	}
	return fmt.Sprintf("raw:%s:%d", ev.Topic, ev.ReceivedAt.UnixNano())
}

// Admit checks the event against the window. On first sight it records the
// hash, stamps the event with a queue id and returns true; a duplicate
// returns false.
func (d *Deduplicator) Admit(ev *events.Event) bool {
	now := d.clock.Now()
	d.prune(now)

	sum := sha256.Sum256([]byte(StableKey(ev)))
	key := hex.EncodeToString(sum[:])
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.window {
		dedupDropped.Add(1)
		return false
	}
	d.seen[key] = now
	d.order = append(d.order, entry{key: key, at: now})
	ev.QueueID = d.queueID(key, now)
	dedupAdmits.Add(1)
	return true
}

// prune expires old entries and enforces capacity, oldest first. It always
// leaves room for one incoming entry.
func (d *Deduplicator) prune(now time.Time) {
	i := 0
	for ; i < len(d.order); i++ {
		e := d.order[i]
		expired := now.Sub(e.at) >= d.window
		if !expired && len(d.order)-i < d.capacity {
			break
		}
		if at, ok := d.seen[e.key]; ok && at.Equal(e.at) {
			delete(d.seen, e.key)
		}
	}
	if i > 0 {
		d.order = append(d.order[:0:0], d.order[i:]...)
	}
}

// queueID builds the opaque tracking id: hash prefix, millisecond timestamp,
// short random suffix.
func (d *Deduplicator) queueID(hash string, now time.Time) string {
	suffix := make([]byte, queueIDRandLen)
	for i := range suffix {
		suffix[i] = queueIDAlphabet[d.rng.Intn(len(queueIDAlphabet))]
	}
	return fmt.Sprintf("%s-%d-%s", hash[:16], now.UnixMilli(), suffix)
}

// Len reports the live entry count, for health reporting.
func (d *Deduplicator) Len() int {
	return len(d.seen)
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}
