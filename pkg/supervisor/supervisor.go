// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package supervisor owns the agent lifecycle: it builds the pipeline from
// configuration, starts the components in dependency order and tears them
// down again on shutdown.
package supervisor

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/DataDog/meshtastic-agent/pkg/api"
	"github.com/DataDog/meshtastic-agent/pkg/broadcast"
	"github.com/DataDog/meshtastic-agent/pkg/classifier"
	"github.com/DataDog/meshtastic-agent/pkg/config"
	"github.com/DataDog/meshtastic-agent/pkg/crypto"
	"github.com/DataDog/meshtastic-agent/pkg/dedup"
	"github.com/DataDog/meshtastic-agent/pkg/events"
	"github.com/DataDog/meshtastic-agent/pkg/mqtt"
	"github.com/DataDog/meshtastic-agent/pkg/queue"
	"github.com/DataDog/meshtastic-agent/pkg/ratelimit"
	"github.com/DataDog/meshtastic-agent/pkg/status/health"
	"github.com/DataDog/meshtastic-agent/pkg/store"
	"github.com/DataDog/meshtastic-agent/pkg/util/log"
	"github.com/DataDog/meshtastic-agent/pkg/writer"
)

const (
	// quietAfter is the last-message age past which the feed is considered
	// stalled.
	quietAfter = 5 * time.Minute
	// queueHealthFraction degrades the agent when exceeded.
	queueHealthFraction = 0.9
	retentionInterval   = 24 * time.Hour
)

// Supervisor wires and runs the pipeline.
type Supervisor struct {
	st          *store.Store
	wr          *writer.Writer
	q           *queue.Queue
	dd          *dedup.Deduplicator
	rl          *ratelimit.Limiter
	cls         *classifier.Classifier
	bc          *broadcast.Broadcaster
	broker      *mqtt.Client
	apiSrv      *api.Server
	Catalog     *health.Catalog
	startedAt   time.Time
	stop        chan struct{}
	drainDone   chan struct{}
	retention   int
	shutdownTmo time.Duration

	drainEvery time.Duration
	drainBatch int
}

// New assembles the pipeline from the global configuration. The database is
// opened and the schema verified here so startup errors surface before any
// goroutine runs.
func New() (*Supervisor, error) {
	cfg := config.Mesh

	st, err := store.Open(cfg.GetString("db.path"))
	if err != nil {
		return nil, err
	}
	if err := st.ApplySchema(); err != nil {
		st.Close()
		return nil, err
	}

	s := &Supervisor{
		st:          st,
		Catalog:     health.New(),
		startedAt:   time.Now(),
		stop:        make(chan struct{}),
		drainDone:   make(chan struct{}),
		retention:   cfg.GetInt("db.retention_days"),
		shutdownTmo: time.Duration(cfg.GetInt("shutdown_timeout_seconds")) * time.Second,
		drainEvery:  time.Duration(cfg.GetInt("pipeline.drain_interval_ms")) * time.Millisecond,
		drainBatch:  cfg.GetInt("pipeline.drain_batch_size"),
	}

	capacity := cfg.GetInt("pipeline.queue_capacity")
	s.q = queue.New(capacity)
	s.dd = dedup.New(
		time.Duration(cfg.GetInt("pipeline.dedupe_window_ms"))*time.Millisecond,
		2*capacity, clock.New())
	s.rl = ratelimit.New(
		time.Duration(cfg.GetInt("pipeline.rate_limit_window_ms"))*time.Millisecond,
		cfg.GetInt("pipeline.rate_limit_max"), clock.New())

	s.wr = writer.New(st,
		cfg.GetInt("writer.batch_max_size"),
		time.Duration(cfg.GetInt("writer.batch_max_wait_ms"))*time.Millisecond,
		clock.New())

	keyring := crypto.NewKeyring()
	// Channel learning fires on the broker-receive path; the write is
	// deferred to the writer goroutine so the callback never touches the
	// database.
	s.cls = classifier.New(keyring, func(name string, index uint32) {
		s.wr.RequestChannelUpsert(index, name, false)
	})
	if channels, err := st.Channels(); err == nil {
		for _, ch := range channels {
			s.cls.SeedChannel(ch.Name, ch.ID)
		}
	}

	s.bc = broadcast.New(broadcast.Options{
		FlushInterval:     time.Duration(cfg.GetInt("broadcast.flush_interval_ms")) * time.Millisecond,
		Heartbeat:         time.Duration(cfg.GetInt("broadcast.heartbeat_ms")) * time.Millisecond,
		SessionBudget:     int64(cfg.GetInt("broadcast.session_buffer_bytes")),
		SnapshotNodes:     cfg.GetInt("broadcast.snapshot_nodes"),
		SnapshotPositions: cfg.GetInt("broadcast.snapshot_positions"),
		SnapshotMessages:  cfg.GetInt("broadcast.snapshot_messages"),
	}, st)

	s.broker = mqtt.New(mqtt.Options{
		BrokerURL:      cfg.GetString("mqtt.broker_url"),
		Username:       cfg.GetString("mqtt.username"),
		Password:       cfg.GetString("mqtt.password"),
		Topic:          cfg.GetString("mqtt.topic"),
		ClientID:       cfg.GetString("mqtt.client_id"),
		UseTLS:         cfg.GetBool("mqtt.use_tls"),
		ReconnectEvery: time.Duration(cfg.GetInt("mqtt.reconnect_period_ms")) * time.Millisecond,
		KeepAlive:      time.Duration(cfg.GetInt("mqtt.keepalive_seconds")) * time.Second,
		ConnectTimeout: time.Duration(cfg.GetInt("mqtt.connect_timeout_seconds")) * time.Second,
	}, s.HandleDelivery)

	s.apiSrv = api.New(cfg.GetString("api.host"), cfg.GetInt("api.port"), s.Catalog, s.bc)
	s.registerProbes()
	return s, nil
}

// Start brings the components up: fan-out and writer first so the drain
// worker has somewhere to put events, broker last so traffic only flows into
// a ready pipeline.
func (s *Supervisor) Start() error {
	s.bc.Start()
	s.wr.Start()
	go s.drainLoop()
	go s.retentionLoop()
	if err := s.apiSrv.Start(); err != nil {
		return err
	}
	if err := s.broker.Start(); err != nil {
		return err
	}
	log.Infof("supervisor: pipeline running")
	return nil
}

// Stop tears the pipeline down in reverse: broker first so nothing new
// arrives, then a bounded queue drain, then writer flush and fan-out close.
func (s *Supervisor) Stop() error {
	log.Infof("supervisor: shutting down")
	var errs *multierror.Error

	s.broker.Stop()
	close(s.stop)
	<-s.drainDone

	deadline := time.Now().Add(s.shutdownTmo)
	for s.q.Len() > 0 && time.Now().Before(deadline) {
		s.drainOnce()
	}
	if dropped := s.q.Len(); dropped > 0 {
		log.Warnf("supervisor: shutdown deadline reached, dropping %d queued events", dropped)
		writer.CountShutdownDrop(dropped)
	}

	s.wr.Stop()
	s.bc.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.apiSrv.Stop(ctx); err != nil {
		errs = multierror.Append(errs, errors.Wrap(err, "api shutdown"))
	}
	if err := s.st.Close(); err != nil {
		errs = multierror.Append(errs, errors.Wrap(err, "close database"))
	}
	return errs.ErrorOrNil()
}

// HandleDelivery runs on the broker-receive path: classify, then admit each
// event through dedup and the rate limiter into the queue. Raw diagnostics
// skip persistence and go straight to the fan-out.
func (s *Supervisor) HandleDelivery(topic string, payload []byte) {
	for _, ev := range s.cls.Classify(topic, payload) {
		if ev.Kind == events.KindRaw {
			s.bc.Publish(ev)
			continue
		}
		if !s.dd.Admit(ev) {
			continue
		}
		if ok, wait := s.rl.Allow(ev.SourceID()); !ok {
			log.Tracef("supervisor: rate limited %s, next in %s", ev.SourceID(), wait)
			continue
		}
		s.q.Enqueue(ev, queue.PriorityFor(ev))
	}
}

// drainLoop moves events from the queue to the writer and the fan-out.
func (s *Supervisor) drainLoop() {
	defer close(s.drainDone)
	ticker := time.NewTicker(s.drainEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.drainOnce()
		case <-s.stop:
			return
		}
	}
}

func (s *Supervisor) drainOnce() {
	for _, ev := range s.q.Dequeue(s.drainBatch) {
		s.wr.Add(ev)
		s.bc.Publish(ev)
	}
}

// retentionLoop schedules the daily sweep through the writer's command
// channel so it interleaves with batches instead of racing them.
func (s *Supervisor) retentionLoop() {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.wr.RequestSweep(s.retention)
		case <-s.stop:
			return
		}
	}
}

func (s *Supervisor) registerProbes() {
	s.Catalog.Register("queue", func() error {
		stats := s.q.GetStats()
		if stats.Utilization > queueHealthFraction {
			return errors.Errorf("queue %.0f%% full", stats.Utilization*100)
		}
		return nil
	})
	s.Catalog.Register("mqtt", func() error {
		if !s.broker.Connected() {
			return errors.New("broker disconnected")
		}
		return nil
	})
	s.Catalog.Register("traffic", func() error {
		age := s.broker.LastMessageAge()
		if age > quietAfter {
			// A fresh start has not seen traffic yet; grade against uptime.
			if uptime := time.Since(s.startedAt); uptime < quietAfter {
				return nil
			}
			return errors.New("no messages for over 5 minutes")
		}
		return nil
	})
	s.Catalog.Register("writer", func() error {
		_, err := s.wr.Healthy()
		return err
	})
	s.Catalog.RegisterCritical("store", func() error {
		return s.st.DB().Ping()
	})
}
