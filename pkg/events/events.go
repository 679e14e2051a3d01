// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package events defines the typed domain events produced by the classifier
// and consumed by the queue, the writer and the broadcaster. The Event union
// is the ground truth for every consumer: exactly one payload pointer is
// non-nil, selected by Kind.
package events

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BroadcastID is the canonical to-id for packets addressed to 0xFFFFFFFF.
const BroadcastID = "broadcast"

// BroadcastNodeNum is the node number used for mesh-wide broadcasts.
const BroadcastNodeNum = ^uint32(0)

// Kind discriminates the payload carried by an Event.
type Kind int

// Event kinds
const (
	KindUnknown Kind = iota
	KindNodeInfo
	KindPosition
	KindTelemetry
	KindMessage
	KindTraceroute
	KindRaw
)

// String returns the wire name of the kind, as used in broadcast frames and
// subscription filters.
func (k Kind) String() string {
	switch k {
	case KindNodeInfo:
		return "nodeinfo"
	case KindPosition:
		return "position"
	case KindTelemetry:
		return "telemetry"
	case KindMessage:
		return "message"
	case KindTraceroute:
		return "traceroute"
	case KindRaw:
		return "mqtt_raw"
	}
	return "unknown"
}

// KindFromString maps a wire name back to a Kind, KindUnknown if unrecognized.
func KindFromString(s string) Kind {
	switch s {
	case "nodeinfo":
		return KindNodeInfo
	case "position":
		return KindPosition
	case "telemetry":
		return KindTelemetry
	case "message":
		return KindMessage
	case "traceroute":
		return KindTraceroute
	case "mqtt_raw":
		return KindRaw
	}
	return KindUnknown
}

// NodeInfo is a node identity refresh.
type NodeInfo struct {
	NodeID    string  `json:"nodeId"`
	NodeNum   uint32  `json:"nodeNum"`
	ShortName string  `json:"shortName"`
	LongName  string  `json:"longName"`
	HWModel   string  `json:"hwModel"`
	Role      string  `json:"role"`
	SNR       float64 `json:"snr"`
	RSSI      int32   `json:"rssi"`
	HopsAway  uint32  `json:"hopsAway"`
	LastHeard int64   `json:"lastHeard"` // ms
}

// Position is a geographic observation, already converted to degrees.
type Position struct {
	NodeID        string  `json:"nodeId"`
	NodeNum       uint32  `json:"nodeNum"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Altitude      *int32  `json:"altitude,omitempty"`
	PrecisionBits *uint32 `json:"precisionBits,omitempty"`
	Time          int64   `json:"time"` // ms
	SNR           float64 `json:"snr"`
	RSSI          int32   `json:"rssi"`
}

// Telemetry carries device metrics (environmental metrics are out of scope).
type Telemetry struct {
	NodeID             string   `json:"nodeId"`
	NodeNum            uint32   `json:"nodeNum"`
	Time               int64    `json:"time"` // ms
	BatteryLevel       *uint32  `json:"batteryLevel,omitempty"`
	Voltage            *float64 `json:"voltage,omitempty"`
	ChannelUtilization *float64 `json:"channelUtilization,omitempty"`
	AirUtilTx          *float64 `json:"airUtilTx,omitempty"`
	UptimeSeconds      *uint32  `json:"uptimeSeconds,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
	SNR                float64  `json:"snr"`
	RSSI               int32    `json:"rssi"`
}

// Message is a text message. ToID is BroadcastID for mesh-wide messages;
// the raw 32-bit destination is not preserved.
type Message struct {
	PacketID uint32  `json:"packetId"`
	FromID   string  `json:"fromId"`
	ToID     string  `json:"toId"`
	Channel  uint32  `json:"channel"`
	Text     string  `json:"text"`
	Time     int64   `json:"time"` // ms
	SNR      float64 `json:"snr"`
	RSSI     int32   `json:"rssi"`
	HopsAway *uint32 `json:"hopsAway,omitempty"`
	ReplyTo  *uint32 `json:"replyTo,omitempty"`
}

// Traceroute is a route-discovery exchange. A request has Success=false and
// an empty route; a completed exchange carries the forward route and,
// optionally, the return route and per-hop SNR sequences.
type Traceroute struct {
	FromID     string   `json:"fromId"`
	ToID       string   `json:"toId"`
	Time       int64    `json:"time"` // ms
	Route      []uint32 `json:"route"`
	RouteBack  []uint32 `json:"routeBack,omitempty"`
	SNRTowards []int32  `json:"snrTowards,omitempty"`
	SNRBack    []int32  `json:"snrBack,omitempty"`
	Hops       int      `json:"hops"`
	Success    bool     `json:"success"`
	LatencyMs  *int64   `json:"latencyMs,omitempty"`
}

// Raw is a diagnostic event for payloads the classifier could not resolve.
// It is surfaced to dashboard clients for visibility and never persisted.
type Raw struct {
	Topic      string                 `json:"topic"`
	PayloadB64 string                 `json:"payload_b64"`
	ParsedType string                 `json:"parsedType"`
	NodeID     string                 `json:"nodeId,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Event is the discriminated union flowing through the pipeline.
type Event struct {
	Kind       Kind
	QueueID    string
	ReceivedAt time.Time
	Topic      string
	GatewayID  string
	Channel    uint32

	NodeInfo   *NodeInfo
	Position   *Position
	Telemetry  *Telemetry
	Message    *Message
	Traceroute *Traceroute
	Raw        *Raw
}

// SourceID returns the node id the event originates from, used for per-source
// rate limiting. Raw and unknown events return the empty string.
func (e *Event) SourceID() string {
	switch e.Kind {
	case KindNodeInfo:
		return e.NodeInfo.NodeID
	case KindPosition:
		return e.Position.NodeID
	case KindTelemetry:
		return e.Telemetry.NodeID
	case KindMessage:
		return e.Message.FromID
	case KindTraceroute:
		return e.Traceroute.FromID
	}
	return ""
}

// FormatNodeID renders a node number as the canonical textual id.
func FormatNodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// ParseNodeID parses a canonical "!xxxxxxxx" id back to a node number.
func ParseNodeID(id string) (uint32, error) {
	if !strings.HasPrefix(id, "!") {
		return 0, fmt.Errorf("node id %q does not start with '!'", id)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(id, "!"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("node id %q: %v", id, err)
	}
	return uint32(v), nil
}
