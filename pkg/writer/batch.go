// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package writer

import (
	"encoding/json"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/DataDog/meshtastic-agent/pkg/events"
)

// stubShortName and stubLongName mark node rows created before the node's
// identity packet arrived; a later identity refresh replaces them.
const (
	stubShortName = "UNK"
	stubLongName  = "Unknown Node"
)

// writeBatch persists one batch inside a single transaction: nodes first,
// then stub rows for sources seen only through observations, then the
// observations themselves.
func (w *Writer) writeBatch(batch []*events.Event) error {
	var nodes, positions, telemetry, messages, traceroutes []*events.Event
	for _, ev := range batch {
		switch ev.Kind {
		case events.KindNodeInfo:
			nodes = append(nodes, ev)
		case events.KindPosition:
			positions = append(positions, ev)
		case events.KindTelemetry:
			telemetry = append(telemetry, ev)
		case events.KindMessage:
			messages = append(messages, ev)
		case events.KindTraceroute:
			traceroutes = append(traceroutes, ev)
		}
	}

	tx, err := w.st.DB().Beginx()
	if err != nil {
		return errors.Wrap(err, "begin batch")
	}
	defer tx.Rollback()

	upserted := make(map[string]bool)
	for _, ev := range nodes {
		if err := upsertNode(tx, ev); err != nil {
			return err
		}
		upserted[ev.NodeInfo.NodeID] = true
	}
	if err := ensureStubs(tx, upserted, positions, telemetry, messages, traceroutes); err != nil {
		return err
	}
	if err := insertPositions(tx, positions); err != nil {
		return err
	}
	if err := insertTelemetry(tx, telemetry); err != nil {
		return err
	}
	if err := insertMessages(tx, messages); err != nil {
		return err
	}
	if err := insertTraceroutes(tx, traceroutes); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit batch")
}

func upsertNode(tx *sqlx.Tx, ev *events.Event) error {
	n := ev.NodeInfo
	now := ev.ReceivedAt.UnixMilli()
	_, err := tx.Exec(`
		INSERT INTO nodes (id, node_num, short_name, long_name, hw_model, role,
			last_heard, snr, rssi, hops_away, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			short_name = excluded.short_name,
			long_name  = excluded.long_name,
			hw_model   = excluded.hw_model,
			role       = excluded.role,
			last_heard = excluded.last_heard,
			snr        = excluded.snr,
			rssi       = excluded.rssi,
			hops_away  = excluded.hops_away,
			updated_at = excluded.updated_at`,
		n.NodeID, n.NodeNum, n.ShortName, n.LongName, n.HWModel, n.Role,
		n.LastHeard, n.SNR, n.RSSI, n.HopsAway, now, now)
	return errors.Wrap(err, "upsert node")
}

// ensureStubs creates minimal node rows for every source referenced by an
// observation in this batch whose identity was not upserted above. Without
// them, out-of-order arrival trips the foreign keys.
func ensureStubs(tx *sqlx.Tx, upserted map[string]bool, groups ...[]*events.Event) error {
	stubs := make(map[string]uint32)
	note := func(id string, num uint32) {
		if id != "" && id != events.BroadcastID && !upserted[id] {
			stubs[id] = num
		}
	}
	for _, group := range groups {
		for _, ev := range group {
			switch ev.Kind {
			case events.KindPosition:
				note(ev.Position.NodeID, ev.Position.NodeNum)
			case events.KindTelemetry:
				note(ev.Telemetry.NodeID, ev.Telemetry.NodeNum)
			case events.KindMessage:
				note(ev.Message.FromID, nodeNumOf(ev.Message.FromID))
			case events.KindTraceroute:
				note(ev.Traceroute.FromID, nodeNumOf(ev.Traceroute.FromID))
				note(ev.Traceroute.ToID, nodeNumOf(ev.Traceroute.ToID))
			}
		}
	}
	for id, num := range stubs {
		now := nowOf(groups)
		_, err := tx.Exec(`
			INSERT OR IGNORE INTO nodes (id, node_num, short_name, long_name, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, num, stubShortName, stubLongName, now, now)
		if err != nil {
			return errors.Wrap(err, "stub node")
		}
	}
	return nil
}

// nodeNumOf parses the numeric id out of a textual node id; unparsable ids
// keep zero, the column is only advisory for stubs.
func nodeNumOf(id string) uint32 {
	num, err := events.ParseNodeID(id)
	if err != nil {
		return 0
	}
	return num
}

func nowOf(groups [][]*events.Event) int64 {
	for _, group := range groups {
		for _, ev := range group {
			return ev.ReceivedAt.UnixMilli()
		}
	}
	return 0
}

func insertPositions(tx *sqlx.Tx, evs []*events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	stmt, err := tx.Preparex(`
		INSERT INTO positions (node_id, node_num, latitude, longitude, altitude,
			precision_bits, timestamp, snr, rssi)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare positions")
	}
	defer stmt.Close()
	for _, ev := range evs {
		p := ev.Position
		if _, err := stmt.Exec(p.NodeID, p.NodeNum, p.Latitude, p.Longitude,
			p.Altitude, p.PrecisionBits, p.Time, p.SNR, p.RSSI); err != nil {
			return errors.Wrap(err, "insert position")
		}
	}
	return nil
}

func insertTelemetry(tx *sqlx.Tx, evs []*events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	stmt, err := tx.Preparex(`
		INSERT INTO telemetry (node_id, node_num, timestamp, battery_level, voltage,
			channel_utilization, air_util_tx, uptime, temperature, snr, rssi)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare telemetry")
	}
	defer stmt.Close()
	for _, ev := range evs {
		t := ev.Telemetry
		if _, err := stmt.Exec(t.NodeID, t.NodeNum, t.Time, t.BatteryLevel,
			t.Voltage, t.ChannelUtilization, t.AirUtilTx, t.UptimeSeconds,
			t.Temperature, t.SNR, t.RSSI); err != nil {
			return errors.Wrap(err, "insert telemetry")
		}
		// Mirror the freshest power readings onto the node row so dashboards
		// avoid a join.
		if t.BatteryLevel != nil || t.Voltage != nil {
			if _, err := tx.Exec(`
				UPDATE nodes SET
					battery_level = COALESCE(?, battery_level),
					voltage       = COALESCE(?, voltage),
					updated_at    = ?
				WHERE id = ?`,
				t.BatteryLevel, t.Voltage, ev.ReceivedAt.UnixMilli(), t.NodeID); err != nil {
				return errors.Wrap(err, "update node power")
			}
		}
	}
	return nil
}

func insertMessages(tx *sqlx.Tx, evs []*events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	// Duplicate deliveries that slipped past the dedup window conflict on the
	// packet-id primary key and are ignored. reply_to resolves through a
	// subselect so a reference to an unseen message degrades to NULL.
	stmt, err := tx.Preparex(`
		INSERT OR IGNORE INTO messages (id, from_id, to_id, channel, text,
			timestamp, snr, rssi, hops_away, reply_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT id FROM messages WHERE id = ?))`)
	if err != nil {
		return errors.Wrap(err, "prepare messages")
	}
	defer stmt.Close()
	for _, ev := range evs {
		m := ev.Message
		if _, err := stmt.Exec(int64(m.PacketID), m.FromID, m.ToID, m.Channel,
			m.Text, m.Time, m.SNR, m.RSSI, m.HopsAway, m.ReplyTo); err != nil {
			return errors.Wrap(err, "insert message")
		}
	}
	return nil
}

func insertTraceroutes(tx *sqlx.Tx, evs []*events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	stmt, err := tx.Preparex(`
		INSERT INTO traceroutes (from_id, to_id, timestamp, route, route_back,
			snr_towards, snr_back, hops, success, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare traceroutes")
	}
	defer stmt.Close()
	for _, ev := range evs {
		t := ev.Traceroute
		// Both endpoints must resolve to node rows; the broadcast marker never
		// does, and one bad row must not take the whole batch down with it.
		if t.FromID == events.BroadcastID || t.ToID == events.BroadcastID {
			writerFailed.Add(1)
			continue
		}
		route, err := json.Marshal(t.Route)
		if err != nil {
			return errors.Wrap(err, "marshal route")
		}
		if _, err := stmt.Exec(t.FromID, t.ToID, t.Time, string(route),
			jsonOrNil(t.RouteBack), jsonOrNil(t.SNRTowards), jsonOrNil(t.SNRBack),
			t.Hops, t.Success, t.LatencyMs); err != nil {
			return errors.Wrap(err, "insert traceroute")
		}
	}
	return nil
}

// jsonOrNil renders an optional slice as JSON, NULL when empty.
func jsonOrNil(v interface{}) interface{} {
	switch s := v.(type) {
	case []uint32:
		if len(s) == 0 {
			return nil
		}
	case []int32:
		if len(s) == 0 {
			return nil
		}
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(out)
}
