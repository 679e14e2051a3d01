// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package writer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/meshtastic-agent/pkg/events"
	"github.com/DataDog/meshtastic-agent/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mesh.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.ApplySchema())
	return s
}

func at(ms int64) time.Time { return time.UnixMilli(ms) }

func nodeEvent(id string, num uint32, short, long string) *events.Event {
	return &events.Event{
		Kind:       events.KindNodeInfo,
		ReceivedAt: at(1700000000000),
		NodeInfo: &events.NodeInfo{
			NodeID: id, NodeNum: num, ShortName: short, LongName: long,
			HWModel: "RAK4631", Role: "CLIENT", LastHeard: 1700000000000,
		},
	}
}

func positionEvent(id string, num uint32, lat, lon float64) *events.Event {
	return &events.Event{
		Kind:       events.KindPosition,
		ReceivedAt: at(1700000000000),
		Position: &events.Position{
			NodeID: id, NodeNum: num, Latitude: lat, Longitude: lon,
			Time: 1700000000000,
		},
	}
}

// writeBatchDirect drives the batch path synchronously.
func writeBatchDirect(t *testing.T, s *store.Store, batch ...*events.Event) {
	t.Helper()
	w := New(s, 100, time.Second, nil)
	require.NoError(t, w.writeBatch(batch))
}

func TestBatchNodeUpsert(t *testing.T) {
	s := openTestStore(t)
	writeBatchDirect(t, s, nodeEvent("!0000000a", 10, "AAA", "Node A"))
	// Second identity refresh updates, never duplicates.
	writeBatchDirect(t, s, nodeEvent("!0000000a", 10, "BBB", "Node B"))

	rows, err := s.RecentNodes(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "BBB", rows[0].ShortName)
	assert.Equal(t, "Node B", rows[0].LongName)
}

func TestStubNodeForOrphanPosition(t *testing.T) {
	s := openTestStore(t)
	writeBatchDirect(t, s, positionEvent("!01020304", 0x01020304, 37.778, -122.44))

	rows, err := s.RecentNodes(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "!01020304", rows[0].ID)
	assert.Equal(t, uint32(0x01020304), rows[0].NodeNum)
	assert.Equal(t, stubShortName, rows[0].ShortName)
	assert.Equal(t, stubLongName, rows[0].LongName)

	positions, err := s.RecentPositions(10)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 37.778, positions[0].Latitude, 1e-9)
}

func TestStubUpgradedByLaterIdentity(t *testing.T) {
	s := openTestStore(t)
	writeBatchDirect(t, s, positionEvent("!01020304", 0x01020304, 1, 2))
	writeBatchDirect(t, s, nodeEvent("!01020304", 0x01020304, "REAL", "Real Name"))

	rows, err := s.RecentNodes(10)
	require.NoError(t, err)
	require.Len(t, rows, 1, "stub and identity must collapse into one row")
	assert.Equal(t, "REAL", rows[0].ShortName)
}

func TestMessageDuplicateIgnored(t *testing.T) {
	s := openTestStore(t)
	msg := &events.Event{
		Kind:       events.KindMessage,
		ReceivedAt: at(1700000000000),
		Message: &events.Message{
			PacketID: 0x123456, FromID: "!0000000a", ToID: events.BroadcastID,
			Text: "Hello", Time: 1700000000000,
		},
	}
	writeBatchDirect(t, s, msg)
	writeBatchDirect(t, s, msg)

	rows, err := s.RecentMessages(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(0x123456), rows[0].ID)
	assert.Equal(t, "Hello", *rows[0].Text)
	assert.Equal(t, events.BroadcastID, rows[0].ToID)
}

func TestMessageReplyToUnseenDegradesToNull(t *testing.T) {
	s := openTestStore(t)
	reply := uint32(0x999999)
	msg := &events.Event{
		Kind:       events.KindMessage,
		ReceivedAt: at(1700000000000),
		Message: &events.Message{
			PacketID: 1, FromID: "!0000000a", ToID: "!0000000b",
			Text: "re: nothing", Time: 1700000000000, ReplyTo: &reply,
		},
	}
	writeBatchDirect(t, s, msg)

	rows, err := s.RecentMessages(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].ReplyTo)
}

func TestTelemetryMirrorsNodePower(t *testing.T) {
	s := openTestStore(t)
	batt := uint32(42)
	volt := 3.87
	tel := &events.Event{
		Kind:       events.KindTelemetry,
		ReceivedAt: at(1700000000000),
		Telemetry: &events.Telemetry{
			NodeID: "!0000000a", NodeNum: 10, Time: 1700000000000,
			BatteryLevel: &batt, Voltage: &volt,
		},
	}
	writeBatchDirect(t, s, tel)

	rows, err := s.RecentNodes(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].BatteryLevel)
	assert.Equal(t, int64(42), *rows[0].BatteryLevel)
	require.NotNil(t, rows[0].Voltage)
	assert.InDelta(t, 3.87, *rows[0].Voltage, 1e-9)
}

func TestTracerouteRow(t *testing.T) {
	s := openTestStore(t)
	tr := &events.Event{
		Kind:       events.KindTraceroute,
		ReceivedAt: at(1700000000000),
		Traceroute: &events.Traceroute{
			FromID: "!0000000a", ToID: "!0000000b", Time: 1700000000000,
			Route: []uint32{10, 204, 11}, SNRTowards: []int32{24, -8, 13},
			Hops: 3, Success: true,
		},
	}
	writeBatchDirect(t, s, tr)

	var row struct {
		Route      string  `db:"route"`
		SNRTowards *string `db:"snr_towards"`
		RouteBack  *string `db:"route_back"`
		Success    bool    `db:"success"`
	}
	require.NoError(t, s.DB().Get(&row,
		`SELECT route, snr_towards, route_back, success FROM traceroutes`))
	assert.JSONEq(t, `[10,204,11]`, row.Route)
	require.NotNil(t, row.SNRTowards)
	assert.JSONEq(t, `[24,-8,13]`, *row.SNRTowards)
	assert.Nil(t, row.RouteBack)
	assert.True(t, row.Success)
}

func TestBroadcastTracerouteDoesNotPoisonBatch(t *testing.T) {
	s := openTestStore(t)
	msg := &events.Event{
		Kind:       events.KindMessage,
		ReceivedAt: at(1700000000000),
		Message: &events.Message{
			PacketID: 0x777, FromID: "!0000000a", ToID: events.BroadcastID,
			Text: "still here", Time: 1700000000000,
		},
	}
	tr := &events.Event{
		Kind:       events.KindTraceroute,
		ReceivedAt: at(1700000000000),
		Traceroute: &events.Traceroute{
			FromID: "!0000000a", ToID: events.BroadcastID, Time: 1700000000000,
			Route: []uint32{10}, Hops: 1, Success: true,
		},
	}
	// The traceroute has no node row to reference; it is skipped instead of
	// failing the transaction, and the co-batched message survives.
	writeBatchDirect(t, s, msg, tr)

	rows, err := s.RecentMessages(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "still here", *rows[0].Text)

	var count int
	require.NoError(t, s.DB().Get(&count, `SELECT COUNT(*) FROM traceroutes`))
	assert.Equal(t, 0, count)
}

func TestChannelUpsertAppliedByWriter(t *testing.T) {
	s := openTestStore(t)
	w := New(s, 10, 50*time.Millisecond, nil)
	w.RequestChannelUpsert(0, "LongFast", false)
	w.RequestChannelUpsert(3, "Private", true)

	// Nothing touches the database until the writer goroutine runs.
	channels, err := s.Channels()
	require.NoError(t, err)
	assert.Empty(t, channels)

	w.Start()
	w.Stop()

	channels, err = s.Channels()
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "LongFast", channels[0].Name)
	assert.Equal(t, "Private", channels[1].Name)
}

func TestWriterLifecycle(t *testing.T) {
	s := openTestStore(t)
	w := New(s, 10, 50*time.Millisecond, nil)
	w.Start()

	require.True(t, w.Add(nodeEvent("!0000000a", 10, "AAA", "Node A")))
	require.True(t, w.Add(positionEvent("!0000000a", 10, 1, 2)))
	w.Stop()

	rows, err := s.RecentNodes(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	positions, err := s.RecentPositions(10)
	require.NoError(t, err)
	assert.Len(t, positions, 1)

	stats := w.GetStats()
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
	assert.GreaterOrEqual(t, stats.Batches, int64(1))
}

func TestWriterHealthy(t *testing.T) {
	s := openTestStore(t)
	w := New(s, 10, 50*time.Millisecond, nil)
	ok, err := w.Healthy()
	assert.True(t, ok)
	assert.NoError(t, err)
}
