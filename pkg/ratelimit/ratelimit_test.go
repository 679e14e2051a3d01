// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package ratelimit

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindow(t *testing.T) {
	mock := clock.NewMock()
	l := New(time.Second, 1, mock)

	ok, _ := l.Allow("!0000000a")
	require.True(t, ok)

	// A burst inside the window is denied with a retry hint.
	mock.Add(400 * time.Millisecond)
	ok, wait := l.Allow("!0000000a")
	assert.False(t, ok)
	assert.Equal(t, 600*time.Millisecond, wait)

	// Once the first admit slides out, the source is clean again.
	mock.Add(601 * time.Millisecond)
	ok, _ = l.Allow("!0000000a")
	assert.True(t, ok)
}

func TestSourcesIndependent(t *testing.T) {
	mock := clock.NewMock()
	l := New(time.Second, 1, mock)

	ok, _ := l.Allow("!0000000a")
	require.True(t, ok)
	ok, _ = l.Allow("!0000000b")
	assert.True(t, ok, "a different source has its own window")
}

func TestMaxPerWindow(t *testing.T) {
	mock := clock.NewMock()
	l := New(time.Second, 3, mock)
	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("!0000000a")
		require.True(t, ok)
		mock.Add(100 * time.Millisecond)
	}
	ok, _ := l.Allow("!0000000a")
	assert.False(t, ok)
}

func TestEmptySourceAlwaysAdmitted(t *testing.T) {
	l := New(time.Second, 1, clock.NewMock())
	for i := 0; i < 5; i++ {
		ok, _ := l.Allow("")
		assert.True(t, ok)
	}
}

func TestIdleSourceGC(t *testing.T) {
	mock := clock.NewMock()
	l := New(time.Second, 1, mock)

	l.Allow("!0000000a")
	l.Allow("!0000000b")
	assert.Equal(t, 2, l.Sources())

	// Only one source stays active past the idle cutoff.
	mock.Add(6 * time.Minute)
	l.Allow("!0000000b")
	assert.Equal(t, 1, l.Sources())
}
