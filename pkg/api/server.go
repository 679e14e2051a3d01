// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package api exposes the local HTTP surface: the health endpoint, the
// WebSocket fan-out and the expvar counters.
package api

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/DataDog/meshtastic-agent/pkg/status/health"
	"github.com/DataDog/meshtastic-agent/pkg/util/log"
	"github.com/DataDog/meshtastic-agent/pkg/version"
)

// Server is the agent's HTTP listener.
type Server struct {
	srv     *http.Server
	catalog *health.Catalog
}

// New wires the routes. ws handles the fan-out endpoint; it may be nil in
// tests.
func New(host string, port int, catalog *health.Catalog, ws http.Handler) *Server {
	r := mux.NewRouter()
	s := &Server{catalog: catalog}
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/version", versionHandler).Methods("GET")
	r.Handle("/debug/vars", expvar.Handler()).Methods("GET")
	if ws != nil {
		r.Handle("/ws", ws)
	}
	s.srv = &http.Server{
		Addr:        net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Start listens in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return errors.Wrap(err, "api listen")
	}
	log.Infof("api: listening on %s", s.srv.Addr)
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("api: server stopped: %v", err)
		}
	}()
	return nil
}

// Stop shuts the listener down, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// healthHandler reports the aggregate status. Degraded still returns 200 so
// orchestrators keep the process alive; only unhealthy returns 503.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	report := s.catalog.Report()
	w.Header().Set("Content-Type", "application/json")
	if report.State == health.Unhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version": version.AgentVersion,
		"commit":  version.Commit,
	})
}
