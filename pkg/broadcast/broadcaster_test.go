// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package broadcast

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/meshtastic-agent/pkg/events"
	"github.com/DataDog/meshtastic-agent/pkg/store"
)

type fakeSource struct {
	nodes     []store.NodeRow
	positions []store.PositionRow
	messages  []store.MessageRow
}

func (f *fakeSource) RecentNodes(int) ([]store.NodeRow, error)         { return f.nodes, nil }
func (f *fakeSource) RecentPositions(int) ([]store.PositionRow, error) { return f.positions, nil }
func (f *fakeSource) RecentMessages(int) ([]store.MessageRow, error)   { return f.messages, nil }

func testOptions() Options {
	return Options{
		FlushInterval:     20 * time.Millisecond,
		Heartbeat:         time.Minute,
		SessionBudget:     1 << 20,
		SnapshotNodes:     500,
		SnapshotPositions: 1000,
		SnapshotMessages:  100,
	}
}

func dialTestClient(t *testing.T, b *Broadcaster) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestConnectedAndSnapshotOnAccept(t *testing.T) {
	source := &fakeSource{
		nodes: []store.NodeRow{{ID: "!0000000a", NodeNum: 10, ShortName: "AAA"}},
	}
	b := New(testOptions(), source)
	b.Start()
	defer b.Stop()

	conn := dialTestClient(t, b)
	assert.Equal(t, "connected", readFrame(t, conn)["type"])

	snapshot := readFrame(t, conn)
	assert.Equal(t, "snapshot", snapshot["type"])
	data := snapshot["data"].(map[string]interface{})
	require.Len(t, data["nodes"], 1)
	assert.Equal(t, 1, b.Sessions())
}

func TestCoalescedMessageFrame(t *testing.T) {
	b := New(testOptions(), &fakeSource{})
	b.Start()
	defer b.Stop()

	conn := dialTestClient(t, b)
	readFrame(t, conn) // connected
	readFrame(t, conn) // snapshot

	b.Publish(&events.Event{
		Kind:    events.KindMessage,
		Message: &events.Message{PacketID: 1, FromID: "!0000000a", ToID: "broadcast", Text: "one"},
	})
	b.Publish(&events.Event{
		Kind:    events.KindMessage,
		Message: &events.Message{PacketID: 2, FromID: "!0000000b", ToID: "broadcast", Text: "two"},
	})

	frame := readFrame(t, conn)
	assert.Equal(t, "message", frame["type"])
	// Both events coalesce into one frame.
	assert.Len(t, frame["messages"], 2)
}

func TestPingPong(t *testing.T) {
	b := New(testOptions(), &fakeSource{})
	b.Start()
	defer b.Stop()

	conn := dialTestClient(t, b)
	readFrame(t, conn) // connected
	readFrame(t, conn) // snapshot

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readFrame(t, conn)["type"])
}

func TestSubscribeFilter(t *testing.T) {
	b := New(testOptions(), &fakeSource{})
	b.Start()
	defer b.Stop()

	conn := dialTestClient(t, b)
	readFrame(t, conn) // connected
	readFrame(t, conn) // snapshot

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":   "subscribe",
		"filter": map[string]interface{}{"kinds": []string{"position"}},
	}))
	// Give the read pump a beat to install the filter.
	time.Sleep(50 * time.Millisecond)

	b.Publish(&events.Event{
		Kind:    events.KindMessage,
		Message: &events.Message{PacketID: 1, FromID: "!0000000a", ToID: "broadcast", Text: "hidden"},
	})
	b.Publish(&events.Event{
		Kind:     events.KindPosition,
		Position: &events.Position{NodeID: "!0000000a", Latitude: 1, Longitude: 2},
	})

	frame := readFrame(t, conn)
	assert.Equal(t, "position_update", frame["type"], "message frame must be filtered out")
}

func TestRequestSnapshotResends(t *testing.T) {
	b := New(testOptions(), &fakeSource{})
	b.Start()
	defer b.Stop()

	conn := dialTestClient(t, b)
	readFrame(t, conn) // connected
	readFrame(t, conn) // snapshot

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "request_snapshot"}))
	assert.Equal(t, "snapshot", readFrame(t, conn)["type"])
}

func TestFilterAdmits(t *testing.T) {
	f := compileFilter(Filter{Kinds: []string{"message"}, NodeIDs: []string{"!0000000a"}})

	admit := &events.Event{Kind: events.KindMessage,
		Message: &events.Message{FromID: "!0000000a"}}
	assert.True(t, f.admits(admit))

	wrongNode := &events.Event{Kind: events.KindMessage,
		Message: &events.Message{FromID: "!0000000b"}}
	assert.False(t, f.admits(wrongNode))

	wrongKind := &events.Event{Kind: events.KindPosition,
		Position: &events.Position{NodeID: "!0000000a"}}
	assert.False(t, f.admits(wrongKind))

	// A nil filter admits everything.
	var none *compiledFilter
	assert.True(t, none.admits(wrongKind))
}

func TestChannelFilter(t *testing.T) {
	f := compileFilter(Filter{Channels: []uint32{1}})
	onChannel := &events.Event{Kind: events.KindMessage, Channel: 1,
		Message: &events.Message{FromID: "!0000000a"}}
	offChannel := &events.Event{Kind: events.KindMessage, Channel: 0,
		Message: &events.Message{FromID: "!0000000a"}}
	assert.True(t, f.admits(onChannel))
	assert.False(t, f.admits(offChannel))
}
