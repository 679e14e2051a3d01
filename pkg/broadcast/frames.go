// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package broadcast

import (
	"encoding/json"
	"time"

	"github.com/DataDog/meshtastic-agent/pkg/events"
	"github.com/DataDog/meshtastic-agent/pkg/store"
	"github.com/DataDog/meshtastic-agent/pkg/util/log"
)

// Wire frames. Every server frame carries a type discriminator and a
// millisecond timestamp; the dashboard multiplexes on type.

type clientFrame struct {
	Type   string `json:"type"`
	Filter Filter `json:"filter"`
}

type connectedFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type pongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type snapshotFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Data      struct {
		Nodes          []store.NodeRow     `json:"nodes"`
		Positions      []store.PositionRow `json:"positions"`
		RecentMessages []store.MessageRow  `json:"recentMessages"`
	} `json:"data"`
}

type nodeUpdateFrame struct {
	Type      string             `json:"type"`
	Timestamp int64              `json:"timestamp"`
	Nodes     []*events.NodeInfo `json:"nodes"`
}

type positionUpdateFrame struct {
	Type      string             `json:"type"`
	Timestamp int64              `json:"timestamp"`
	Positions []*events.Position `json:"positions"`
}

type telemetryUpdateFrame struct {
	Type      string              `json:"type"`
	Timestamp int64               `json:"timestamp"`
	Telemetry []*events.Telemetry `json:"telemetry"`
}

type messageFrame struct {
	Type      string            `json:"type"`
	Timestamp int64             `json:"timestamp"`
	Messages  []*events.Message `json:"messages"`
}

type rawFrame struct {
	Type      string        `json:"type"`
	Timestamp int64         `json:"timestamp"`
	Packets   []*events.Raw `json:"packets"`
}

// framesFor renders one frame per event kind present in the batch,
// preserving arrival order within each kind.
func framesFor(batch []*events.Event) [][]byte {
	now := time.Now().UnixMilli()
	var (
		nodes     []*events.NodeInfo
		positions []*events.Position
		telemetry []*events.Telemetry
		messages  []*events.Message
		raws      []*events.Raw
	)
	for _, ev := range batch {
		switch ev.Kind {
		case events.KindNodeInfo:
			nodes = append(nodes, ev.NodeInfo)
		case events.KindPosition:
			positions = append(positions, ev.Position)
		case events.KindTelemetry:
			telemetry = append(telemetry, ev.Telemetry)
		case events.KindMessage:
			messages = append(messages, ev.Message)
		case events.KindRaw:
			raws = append(raws, ev.Raw)
		}
	}

	var out [][]byte
	appendFrame := func(v interface{}) {
		frame, err := json.Marshal(v)
		if err != nil {
			log.Errorf("broadcast: marshal frame: %v", err)
			return
		}
		out = append(out, frame)
	}
	if len(nodes) > 0 {
		appendFrame(nodeUpdateFrame{Type: "node_update", Timestamp: now, Nodes: nodes})
	}
	if len(positions) > 0 {
		appendFrame(positionUpdateFrame{Type: "position_update", Timestamp: now, Positions: positions})
	}
	if len(telemetry) > 0 {
		appendFrame(telemetryUpdateFrame{Type: "telemetry_update", Timestamp: now, Telemetry: telemetry})
	}
	if len(messages) > 0 {
		appendFrame(messageFrame{Type: "message", Timestamp: now, Messages: messages})
	}
	if len(raws) > 0 {
		appendFrame(rawFrame{Type: "mqtt_raw", Timestamp: now, Packets: raws})
	}
	return out
}
