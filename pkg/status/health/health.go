// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package health aggregates component probes into a single tri-state status
// for the health endpoint.
package health

import (
	"sort"
	"sync"
)

// State is the aggregate verdict.
type State string

// States
const (
	Healthy   State = "healthy"
	Degraded  State = "degraded"
	Unhealthy State = "unhealthy"
)

// Probe reports nil when the component is fine and an error describing the
// issue otherwise.
type Probe func() error

// Status is the serialized health report.
type Status struct {
	State  State    `json:"status"`
	Issues []string `json:"issues"`
}

type registration struct {
	probe    Probe
	critical bool
}

// Catalog holds registered probes. The zero value is unusable; use New.
type Catalog struct {
	mu     sync.RWMutex
	probes map[string]registration
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{probes: make(map[string]registration)}
}

// Register adds a probe whose failure degrades the agent.
func (c *Catalog) Register(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = registration{probe: p}
}

// RegisterCritical adds a probe whose failure makes the agent unhealthy.
func (c *Catalog) RegisterCritical(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = registration{probe: p, critical: true}
}

// Deregister removes a probe, typically during shutdown.
func (c *Catalog) Deregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.probes, name)
}

// Report runs every probe. Any critical failure is unhealthy; any other
// failure is degraded. Issues are sorted by probe name for stable output.
func (c *Catalog) Report() Status {
	c.mu.RLock()
	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	regs := make([]registration, len(names))
	for i, name := range names {
		regs[i] = c.probes[name]
	}
	c.mu.RUnlock()

	status := Status{State: Healthy, Issues: []string{}}
	for i, reg := range regs {
		if err := reg.probe(); err != nil {
			status.Issues = append(status.Issues, names[i]+": "+err.Error())
			if reg.critical {
				status.State = Unhealthy
			} else if status.State == Healthy {
				status.State = Degraded
			}
		}
	}
	return status
}
