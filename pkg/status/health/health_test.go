// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package health

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestEmptyCatalogHealthy(t *testing.T) {
	c := New()
	report := c.Report()
	assert.Equal(t, Healthy, report.State)
	assert.Empty(t, report.Issues)
}

func TestDegradedProbe(t *testing.T) {
	c := New()
	c.Register("queue", func() error { return errors.New("queue 95% full") })
	c.Register("mqtt", func() error { return nil })

	report := c.Report()
	assert.Equal(t, Degraded, report.State)
	assert.Equal(t, []string{"queue: queue 95% full"}, report.Issues)
}

func TestCriticalOverridesDegraded(t *testing.T) {
	c := New()
	c.Register("queue", func() error { return errors.New("queue 95% full") })
	c.RegisterCritical("store", func() error { return errors.New("database closed") })

	report := c.Report()
	assert.Equal(t, Unhealthy, report.State)
	assert.Len(t, report.Issues, 2)
}

func TestDeregister(t *testing.T) {
	c := New()
	c.Register("queue", func() error { return errors.New("bad") })
	c.Deregister("queue")
	assert.Equal(t, Healthy, c.Report().State)
}
