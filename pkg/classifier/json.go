// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package classifier

import (
	"bytes"
	"encoding/json"

	"github.com/DataDog/meshtastic-agent/pkg/events"
	"github.com/DataDog/meshtastic-agent/pkg/util/log"
	"github.com/DataDog/meshtastic-agent/pkg/wire"
)

// jsonPacket is the gateway JSON rendering of a packet, published on /c and
// /2/json topics. The payload member changes shape with type.
type jsonPacket struct {
	Type      string          `json:"type"`
	From      uint32          `json:"from"`
	To        int64           `json:"to"`
	Channel   uint32          `json:"channel"`
	ID        uint32          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Sender    string          `json:"sender"`
	SNR       float64         `json:"snr"`
	RSSI      int32           `json:"rssi"`
	HopsAway  *uint32         `json:"hops_away"`
	Payload   json.RawMessage `json:"payload"`
}

type jsonText struct {
	Text string `json:"text"`
}

type jsonPosition struct {
	LatitudeI  int32  `json:"latitude_i"`
	LongitudeI int32  `json:"longitude_i"`
	Altitude   *int32 `json:"altitude"`
	Time       uint32 `json:"time"`
}

type jsonTelemetry struct {
	BatteryLevel       *uint32  `json:"battery_level"`
	Voltage            *float64 `json:"voltage"`
	ChannelUtilization *float64 `json:"channel_utilization"`
	AirUtilTx          *float64 `json:"air_util_tx"`
	UptimeSeconds      *uint32  `json:"uptime_seconds"`
	Temperature        *float64 `json:"temperature"`
}

type jsonNodeInfo struct {
	ID        string `json:"id"`
	LongName  string `json:"longname"`
	ShortName string `json:"shortname"`
	Hardware  uint32 `json:"hardware"`
	Role      uint32 `json:"role"`
}

// classifyJSON handles /c and /2/json deliveries. The /c family only ever
// carries text; /2/json dispatches on the type discriminant.
func (c *Classifier) classifyJSON(t *Topic, payload []byte) []*events.Event {
	var pkt jsonPacket
	if err := json.Unmarshal(payload, &pkt); err != nil {
		clsDecodeErrors.Add(1)
		clsFailed.Add(1)
		log.Debugf("classifier: bad json on %s: %v", t.Raw, err)
		return c.rawEvents(t, payload, "json-error", "")
	}
	fromID := events.FormatNodeID(pkt.From)
	timeMs := c.eventTime(uint32(pkt.Timestamp))

	switch pkt.Type {
	case "text", "":
		var body jsonText
		if len(pkt.Payload) > 0 {
			_ = json.Unmarshal(pkt.Payload, &body)
		}
		if body.Text == "" {
			// Bare {"text": ...} objects appear on /c without the wrapper.
			_ = json.Unmarshal(payload, &body)
		}
		if body.Text == "" {
			clsSemanticErrors.Add(1)
			return nil
		}
		msg := &events.Message{
			PacketID: pkt.ID,
			FromID:   fromID,
			ToID:     jsonToID(pkt.To),
			Channel:  pkt.Channel,
			Text:     body.Text,
			Time:     timeMs,
			SNR:      pkt.SNR,
			RSSI:     pkt.RSSI,
			HopsAway: pkt.HopsAway,
		}
		ev := c.newEvent(events.KindMessage, t, pkt.Channel)
		ev.Message = msg
		return []*events.Event{ev}

	case "position":
		var body jsonPosition
		if err := json.Unmarshal(pkt.Payload, &body); err != nil {
			clsDecodeErrors.Add(1)
			clsFailed.Add(1)
			return c.rawEvents(t, payload, "json-error", fromID)
		}
		wp := &wire.Position{
			LatitudeI:  body.LatitudeI,
			LongitudeI: body.LongitudeI,
			Altitude:   body.Altitude,
			Time:       body.Time,
		}
		p, ok := normalizePosition(wp, &wire.MeshPacket{From: pkt.From, RxSNR: float32(pkt.SNR), RxRSSI: pkt.RSSI}, c.eventTime(body.Time))
		if !ok {
			clsSemanticErrors.Add(1)
			return nil
		}
		ev := c.newEvent(events.KindPosition, t, pkt.Channel)
		ev.Position = p
		return []*events.Event{ev}

	case "telemetry":
		var body jsonTelemetry
		if err := json.Unmarshal(pkt.Payload, &body); err != nil {
			clsDecodeErrors.Add(1)
			clsFailed.Add(1)
			return c.rawEvents(t, payload, "json-error", fromID)
		}
		tel := &events.Telemetry{
			NodeID:             fromID,
			NodeNum:            pkt.From,
			Time:               timeMs,
			BatteryLevel:       body.BatteryLevel,
			Voltage:            body.Voltage,
			ChannelUtilization: body.ChannelUtilization,
			AirUtilTx:          body.AirUtilTx,
			UptimeSeconds:      body.UptimeSeconds,
			Temperature:        body.Temperature,
			SNR:                pkt.SNR,
			RSSI:               pkt.RSSI,
		}
		ev := c.newEvent(events.KindTelemetry, t, pkt.Channel)
		ev.Telemetry = tel
		return []*events.Event{ev}

	case "nodeinfo":
		var body jsonNodeInfo
		if err := json.Unmarshal(pkt.Payload, &body); err != nil {
			clsDecodeErrors.Add(1)
			clsFailed.Add(1)
			return c.rawEvents(t, payload, "json-error", fromID)
		}
		id := body.ID
		if id == "" {
			id = fromID
		}
		info := &events.NodeInfo{
			NodeID:    id,
			NodeNum:   pkt.From,
			ShortName: body.ShortName,
			LongName:  body.LongName,
			HWModel:   wire.HardwareModelName(body.Hardware),
			Role:      wire.RoleName(body.Role),
			SNR:       pkt.SNR,
			RSSI:      pkt.RSSI,
			LastHeard: c.now().UnixMilli(),
		}
		ev := c.newEvent(events.KindNodeInfo, t, pkt.Channel)
		ev.NodeInfo = info
		return []*events.Event{ev}
	}

	clsSemanticErrors.Add(1)
	return c.rawEvents(t, payload, "json-"+pkt.Type, fromID)
}

// classifyStat turns a gateway status report into telemetry attributed to
// the gateway node named in the topic.
func (c *Classifier) classifyStat(t *Topic, payload []byte) []*events.Event {
	if t.GatewayID == "" {
		clsSemanticErrors.Add(1)
		return nil
	}
	num, err := events.ParseNodeID(t.GatewayID)
	if err != nil {
		clsSemanticErrors.Add(1)
		return nil
	}
	var body jsonTelemetry
	if err := json.Unmarshal(payload, &body); err != nil {
		clsDecodeErrors.Add(1)
		clsFailed.Add(1)
		return c.rawEvents(t, payload, "stat-error", t.GatewayID)
	}
	tel := &events.Telemetry{
		NodeID:             t.GatewayID,
		NodeNum:            num,
		Time:               c.now().UnixMilli(),
		BatteryLevel:       body.BatteryLevel,
		Voltage:            body.Voltage,
		ChannelUtilization: body.ChannelUtilization,
		AirUtilTx:          body.AirUtilTx,
		UptimeSeconds:      body.UptimeSeconds,
		Temperature:        body.Temperature,
	}
	ev := c.newEvent(events.KindTelemetry, t, 0)
	ev.Telemetry = tel
	return []*events.Event{ev}
}

// classifyMap handles the public-map feed: JSON position objects from newer
// gateways, raw map-report envelopes from the firmware.
func (c *Classifier) classifyMap(t *Topic, payload []byte) []*events.Event {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return c.classifyEnvelope(t, payload)
	}
	var body struct {
		jsonPosition
		From   uint32 `json:"from"`
		Sender string `json:"sender"`
	}
	if err := json.Unmarshal(trimmed, &body); err != nil {
		clsDecodeErrors.Add(1)
		clsFailed.Add(1)
		return c.rawEvents(t, payload, "json-error", "")
	}
	if body.LatitudeI == 0 && body.LongitudeI == 0 {
		// Not a bare position object, try the wrapped rendering.
		return c.classifyJSON(t, payload)
	}
	from := body.From
	if from == 0 && body.Sender != "" {
		if num, err := events.ParseNodeID(body.Sender); err == nil {
			from = num
		}
	}
	wp := &wire.Position{
		LatitudeI:  body.LatitudeI,
		LongitudeI: body.LongitudeI,
		Altitude:   body.Altitude,
		Time:       body.Time,
	}
	p, ok := normalizePosition(wp, &wire.MeshPacket{From: from}, c.eventTime(body.Time))
	if !ok {
		clsSemanticErrors.Add(1)
		return nil
	}
	ev := c.newEvent(events.KindPosition, t, 0)
	ev.Position = p
	return []*events.Event{ev}
}

func jsonToID(to int64) string {
	// Gateways render broadcast as -1 or as the unsigned max.
	if to == -1 || uint32(to) == events.BroadcastNodeNum {
		return events.BroadcastID
	}
	return events.FormatNodeID(uint32(to))
}
