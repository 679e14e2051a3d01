// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/meshtastic-agent/pkg/status/health"
)

func TestHealthEndpoint(t *testing.T) {
	catalog := health.New()
	s := New("localhost", 0, catalog, nil)

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report health.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, health.Healthy, report.State)
}

func TestHealthDegradedStill200(t *testing.T) {
	catalog := health.New()
	catalog.Register("queue", func() error { return errors.New("queue 95% full") })
	s := New("localhost", 0, catalog, nil)

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestHealthUnhealthy503(t *testing.T) {
	catalog := health.New()
	catalog.RegisterCritical("store", func() error { return errors.New("database closed") })
	s := New("localhost", 0, catalog, nil)

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestVersionEndpoint(t *testing.T) {
	s := New("localhost", 0, health.New(), nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "version")
}

func TestExpvarRoute(t *testing.T) {
	s := New("localhost", 0, health.New(), nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/vars", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
