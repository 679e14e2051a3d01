// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package ratelimit enforces a per-source sliding-window admission policy so
// a chatty node cannot crowd out the rest of the mesh.
package ratelimit

import (
	"expvar"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	rlExpvars = expvar.NewMap("ratelimit")
	rlDenied  = expvar.Int{}
	rlAdmits  = expvar.Int{}
)

func init() {
	rlExpvars.Set("Denied", &rlDenied)
	rlExpvars.Set("Admitted", &rlAdmits)
}

// gcIdle is how long a source may be silent before its state is collected.
const gcIdle = 5 * time.Minute

// Limiter tracks admit timestamps per source inside a sliding window. Like
// the deduplicator it runs on the broker-receive path only and is unlocked.
type Limiter struct {
	window time.Duration
	max    int
	clock  clock.Clock

	sources map[string][]time.Time
	lastGC  time.Time
}

// New builds a limiter admitting max events per window per source.
func New(window time.Duration, max int, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		window:  window,
		max:     max,
		clock:   clk,
		sources: make(map[string][]time.Time),
		lastGC:  clk.Now(),
	}
}

// Allow checks a source against its window. On denial the second return is
// how long until the next admit would succeed. Sources with an empty id
// (diagnostic events) are always admitted.
func (l *Limiter) Allow(source string) (bool, time.Duration) {
	if source == "" {
		return true, 0
	}
	now := l.clock.Now()
	l.maybeGC(now)

	admits := l.sources[source]
	live := admits[:0]
	for _, at := range admits {
		if now.Sub(at) < l.window {
			live = append(live, at)
		}
	}
	if len(live) >= l.max {
		l.sources[source] = live
		rlDenied.Add(1)
		return false, live[0].Add(l.window).Sub(now)
	}
	l.sources[source] = append(live, now)
	rlAdmits.Add(1)
	return true, 0
}

// maybeGC sweeps idle sources. The sweep itself is amortized by only running
// once per idle period.
func (l *Limiter) maybeGC(now time.Time) {
	if now.Sub(l.lastGC) < gcIdle {
		return
	}
	l.lastGC = now
	for source, admits := range l.sources {
		if len(admits) == 0 || now.Sub(admits[len(admits)-1]) > gcIdle {
			delete(l.sources, source)
		}
	}
}

// Sources reports how many sources hold live state, for health reporting.
func (l *Limiter) Sources() int {
	return len(l.sources)
}
