// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package store

import (
	"time"

	"github.com/pkg/errors"

	"github.com/DataDog/meshtastic-agent/pkg/util/log"
)

// NodeRow mirrors a nodes table row.
type NodeRow struct {
	ID           string   `db:"id" json:"nodeId"`
	NodeNum      uint32   `db:"node_num" json:"nodeNum"`
	ShortName    string   `db:"short_name" json:"shortName"`
	LongName     string   `db:"long_name" json:"longName"`
	HWModel      string   `db:"hw_model" json:"hwModel"`
	Role         string   `db:"role" json:"role"`
	LastHeard    int64    `db:"last_heard" json:"lastHeard"`
	SNR          float64  `db:"snr" json:"snr"`
	RSSI         int32    `db:"rssi" json:"rssi"`
	HopsAway     uint32   `db:"hops_away" json:"hopsAway"`
	BatteryLevel *int64   `db:"battery_level" json:"batteryLevel,omitempty"`
	Voltage      *float64 `db:"voltage" json:"voltage,omitempty"`
	CreatedAt    int64    `db:"created_at" json:"createdAt"`
	UpdatedAt    int64    `db:"updated_at" json:"updatedAt"`
}

// PositionRow mirrors a positions table row.
type PositionRow struct {
	ID            int64    `db:"id" json:"-"`
	NodeID        string   `db:"node_id" json:"nodeId"`
	NodeNum       uint32   `db:"node_num" json:"nodeNum"`
	Latitude      float64  `db:"latitude" json:"latitude"`
	Longitude     float64  `db:"longitude" json:"longitude"`
	Altitude      *int64   `db:"altitude" json:"altitude,omitempty"`
	PrecisionBits *int64   `db:"precision_bits" json:"precisionBits,omitempty"`
	Timestamp     int64    `db:"timestamp" json:"time"`
	SNR           *float64 `db:"snr" json:"snr,omitempty"`
	RSSI          *int64   `db:"rssi" json:"rssi,omitempty"`
}

// MessageRow mirrors a messages table row.
type MessageRow struct {
	ID        int64    `db:"id" json:"packetId"`
	FromID    string   `db:"from_id" json:"fromId"`
	ToID      string   `db:"to_id" json:"toId"`
	Channel   uint32   `db:"channel" json:"channel"`
	Text      *string  `db:"text" json:"text,omitempty"`
	Timestamp int64    `db:"timestamp" json:"time"`
	SNR       *float64 `db:"snr" json:"snr,omitempty"`
	RSSI      *int64   `db:"rssi" json:"rssi,omitempty"`
	HopsAway  *int64   `db:"hops_away" json:"hopsAway,omitempty"`
	ReplyTo   *int64   `db:"reply_to" json:"replyTo,omitempty"`
	ReadAt    *int64   `db:"read_at" json:"readAt,omitempty"`
}

// ChannelRow mirrors a channels table row.
type ChannelRow struct {
	ID       uint32 `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Role     string `db:"role" json:"role"`
	HasKey   bool   `db:"has_key" json:"hasKey"`
	LastSeen int64  `db:"last_seen" json:"lastSeen"`
}

// RecentNodes returns the most recently heard nodes.
func (s *Store) RecentNodes(limit int) ([]NodeRow, error) {
	var rows []NodeRow
	err := s.db.Select(&rows,
		`SELECT * FROM nodes ORDER BY last_heard DESC LIMIT ?`, limit)
	return rows, errors.Wrap(err, "recent nodes")
}

// RecentPositions returns the latest position per node, newest first.
func (s *Store) RecentPositions(limit int) ([]PositionRow, error) {
	var rows []PositionRow
	err := s.db.Select(&rows, `
		SELECT p.* FROM positions p
		JOIN (SELECT node_id, MAX(timestamp) AS ts FROM positions GROUP BY node_id) latest
		  ON p.node_id = latest.node_id AND p.timestamp = latest.ts
		ORDER BY p.timestamp DESC LIMIT ?`, limit)
	return rows, errors.Wrap(err, "recent positions")
}

// RecentMessages returns the newest messages.
func (s *Store) RecentMessages(limit int) ([]MessageRow, error) {
	var rows []MessageRow
	err := s.db.Select(&rows,
		`SELECT * FROM messages ORDER BY timestamp DESC LIMIT ?`, limit)
	return rows, errors.Wrap(err, "recent messages")
}

// UpsertChannel records a learned channel-name mapping.
func (s *Store) UpsertChannel(index uint32, name string, hasKey bool) error {
	_, err := s.db.Exec(`
		INSERT INTO channels (id, name, has_key, last_seen) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name,
			has_key = excluded.has_key, last_seen = excluded.last_seen`,
		index, name, hasKey, time.Now().UnixMilli())
	return errors.Wrap(err, "upsert channel")
}

// Channels returns the known channel table, used to reseed the classifier.
func (s *Store) Channels() ([]ChannelRow, error) {
	var rows []ChannelRow
	err := s.db.Select(&rows, `SELECT * FROM channels ORDER BY id`)
	return rows, errors.Wrap(err, "list channels")
}

// vacuumThreshold is the deleted-row count above which the sweep compacts
// the file.
const vacuumThreshold = 1000

// RetentionSweep deletes observations older than the retention horizon and
// compacts the database when the sweep removed a meaningful amount.
func (s *Store) RetentionSweep(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	var removed int64
	for _, table := range []string{"positions", "telemetry", "messages", "traceroutes"} {
		res, err := s.db.Exec(`DELETE FROM `+table+` WHERE timestamp < ?`, cutoff)
		if err != nil {
			return removed, errors.Wrapf(err, "retention sweep %s", table)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += n
		}
	}
	if removed > vacuumThreshold {
		log.Infof("store: retention sweep removed %d rows, compacting", removed)
		if _, err := s.db.Exec("VACUUM"); err != nil {
			return removed, errors.Wrap(err, "vacuum")
		}
	}
	return removed, nil
}
