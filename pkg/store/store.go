// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package store owns the SQLite database: schema, pragmas, snapshot queries
// and the retention sweep. Writes go through a single connection; the batch
// writer is the only component that opens transactions.
package store

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/DataDog/meshtastic-agent/pkg/util/log"
)

// SchemaVersion is bumped on every incompatible schema change. The agent
// refuses to run against a database created by a different version.
const SchemaVersion = 1

// ErrSchemaMismatch aborts startup with a dedicated exit code so operators
// can migrate deliberately instead of silently corrupting data.
var ErrSchemaMismatch = errors.New("database schema version mismatch")

// ErrDatabase marks an unrecoverable database failure at startup.
var ErrDatabase = errors.New("database unusable")

// Store wraps the database handle.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the database file and applies the connection
// pragmas. The pool is pinned to one connection: SQLite allows a single
// writer and the pragmas are per-connection.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(ErrDatabase, "open: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(ErrDatabase, "open: %v", err)
	}
	// 64 MiB page cache; negative value means KiB units.
	if _, err := db.Exec("PRAGMA cache_size = -65536"); err != nil {
		db.Close()
		return nil, errors.Wrapf(ErrDatabase, "cache pragma: %v", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the handle to the batch writer.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS nodes (
		id            TEXT PRIMARY KEY,
		node_num      INTEGER NOT NULL UNIQUE,
		short_name    TEXT NOT NULL DEFAULT '',
		long_name     TEXT NOT NULL DEFAULT '',
		hw_model      TEXT NOT NULL DEFAULT '',
		role          TEXT NOT NULL DEFAULT '',
		last_heard    INTEGER NOT NULL DEFAULT 0,
		snr           REAL NOT NULL DEFAULT 0,
		rssi          INTEGER NOT NULL DEFAULT 0,
		hops_away     INTEGER NOT NULL DEFAULT 0,
		battery_level INTEGER,
		voltage       REAL,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id        TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		node_num       INTEGER NOT NULL,
		latitude       REAL NOT NULL,
		longitude      REAL NOT NULL,
		altitude       INTEGER,
		precision_bits INTEGER,
		timestamp      INTEGER NOT NULL,
		snr            REAL,
		rssi           INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS telemetry (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id             TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		node_num            INTEGER NOT NULL,
		timestamp           INTEGER NOT NULL,
		battery_level       INTEGER,
		voltage             REAL,
		channel_utilization REAL,
		air_util_tx         REAL,
		uptime              INTEGER,
		temperature         REAL,
		snr                 REAL,
		rssi                INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id        INTEGER PRIMARY KEY,
		from_id   TEXT NOT NULL REFERENCES nodes(id),
		to_id     TEXT NOT NULL,
		channel   INTEGER NOT NULL DEFAULT 0,
		text      TEXT,
		timestamp INTEGER NOT NULL,
		snr       REAL,
		rssi      INTEGER,
		hops_away INTEGER,
		reply_to  INTEGER REFERENCES messages(id) ON DELETE SET NULL,
		read_at   INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id        INTEGER PRIMARY KEY,
		name      TEXT NOT NULL,
		role      TEXT NOT NULL DEFAULT '',
		has_key   INTEGER NOT NULL DEFAULT 0,
		last_seen INTEGER NOT NULL DEFAULT 0,
		UNIQUE(id)
	)`,
	`CREATE TABLE IF NOT EXISTS traceroutes (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		from_id     TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		to_id       TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		timestamp   INTEGER NOT NULL,
		route       TEXT NOT NULL,
		route_back  TEXT,
		snr_towards TEXT,
		snr_back    TEXT,
		hops        INTEGER NOT NULL,
		success     INTEGER NOT NULL,
		latency_ms  INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_last_heard ON nodes(last_heard DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_updated_at ON nodes(updated_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_node_ts ON positions(node_id, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_ts ON positions(timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_coords ON positions(latitude, longitude)`,
	`CREATE INDEX IF NOT EXISTS idx_telemetry_node_ts ON telemetry(node_id, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_telemetry_ts ON telemetry(timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_from_ts ON messages(from_id, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_to_ts ON messages(to_id, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages(channel, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_traceroutes_ts ON traceroutes(timestamp DESC)`,
}

// ApplySchema creates the tables on a fresh database and verifies the schema
// version on an existing one.
func (s *Store) ApplySchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "apply schema")
		}
	}

	var current string
	err := s.db.Get(&current, `SELECT value FROM metadata WHERE key = 'schema_version'`)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(`INSERT INTO metadata (key, value) VALUES ('schema_version', ?)`,
			fmt.Sprintf("%d", SchemaVersion))
		if err != nil {
			return errors.Wrap(err, "record schema version")
		}
		log.Infof("store: initialized schema version %d", SchemaVersion)
	case err != nil:
		return errors.Wrap(err, "read schema version")
	case current != fmt.Sprintf("%d", SchemaVersion):
		return errors.Wrapf(ErrSchemaMismatch, "database has %s, agent expects %d", current, SchemaVersion)
	}
	return nil
}
