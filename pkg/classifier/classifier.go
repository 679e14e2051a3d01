// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package classifier turns raw broker deliveries into typed domain events.
// It parses the topic, decodes or decrypts the payload, dispatches on port
// number and normalizes everything into the events package types. Failures
// never propagate: they are counted and surfaced as diagnostic raw events.
package classifier

import (
	"encoding/base64"
	"errors"
	"expvar"
	"time"
	"unicode/utf8"

	"github.com/DataDog/meshtastic-agent/pkg/crypto"
	"github.com/DataDog/meshtastic-agent/pkg/events"
	"github.com/DataDog/meshtastic-agent/pkg/util/log"
	"github.com/DataDog/meshtastic-agent/pkg/wire"
)

var (
	clsExpvars          = expvar.NewMap("classifier")
	clsProcessed        = expvar.Int{}
	clsFailed           = expvar.Int{}
	clsDecodeErrors     = expvar.Int{}
	clsEncodingErrors   = expvar.Int{}
	clsCryptoUnresolved = expvar.Int{}
	clsSemanticErrors   = expvar.Int{}
)

func init() {
	clsExpvars.Set("MessagesProcessed", &clsProcessed)
	clsExpvars.Set("MessagesFailed", &clsFailed)
	clsExpvars.Set("DecodeErrors", &clsDecodeErrors)
	clsExpvars.Set("EncodingErrors", &clsEncodingErrors)
	clsExpvars.Set("CryptoUnresolved", &clsCryptoUnresolved)
	clsExpvars.Set("SemanticErrors", &clsSemanticErrors)
}

// Classifier is safe for use from the broker-receive callback; the only
// shared state is the learned channel map behind its own lock.
type Classifier struct {
	keyring  *crypto.Keyring
	channels *channelMap

	// now is swapped in tests
	now func() time.Time
}

// New builds a classifier. persist is invoked once per newly learned channel
// name; it may be nil.
func New(keyring *crypto.Keyring, persist PersistChannelFunc) *Classifier {
	return &Classifier{
		keyring:  keyring,
		channels: newChannelMap(persist),
		now:      time.Now,
	}
}

// SeedChannel restores a learned channel mapping from storage.
func (c *Classifier) SeedChannel(name string, index uint32) {
	c.channels.Seed(name, index)
}

// Classify processes one delivery. It returns zero or more events; events of
// kind mqtt_raw are diagnostics for the fan-out only and must not be queued
// for persistence. Errors are already counted when this returns.
func (c *Classifier) Classify(topic string, payload []byte) []*events.Event {
	parsed, err := ParseTopic(topic)
	if err != nil {
		clsFailed.Add(1)
		log.Debugf("classifier: %v", err)
		return nil
	}

	var out []*events.Event
	switch parsed.Category {
	case CategoryEnvelope:
		out = c.classifyEnvelope(parsed, payload)
	case CategoryChannel, CategoryJSON:
		out = c.classifyJSON(parsed, payload)
	case CategoryStat:
		out = c.classifyStat(parsed, payload)
	case CategoryMap:
		out = c.classifyMap(parsed, payload)
	default:
		clsFailed.Add(1)
		return nil
	}
	clsProcessed.Add(1)
	return out
}

// classifyEnvelope handles the binary /e path: envelope, optional
// decryption, then port dispatch.
func (c *Classifier) classifyEnvelope(t *Topic, payload []byte) []*events.Event {
	env, err := wire.DecodeServiceEnvelope(payload)
	if err != nil {
		clsDecodeErrors.Add(1)
		clsFailed.Add(1)
		return c.rawEvents(t, payload, "decode-error", "")
	}
	if env.Packet == nil {
		clsDecodeErrors.Add(1)
		clsFailed.Add(1)
		return c.rawEvents(t, payload, "empty-envelope", "")
	}
	pkt := env.Packet
	channel := env.ChannelID
	if channel == "" {
		channel = t.Channel
	}
	if env.GatewayID != "" {
		t.GatewayID = env.GatewayID
	}

	data := pkt.Decoded
	if data == nil && len(pkt.Encrypted) > 0 {
		plain, err := c.keyring.Decrypt(channel, pkt.Encrypted, pkt.ID, pkt.From)
		if err != nil {
			clsCryptoUnresolved.Add(1)
			clsFailed.Add(1)
			return c.rawEvents(t, payload, "encrypted-unresolved", events.FormatNodeID(pkt.From))
		}
		if data, err = wire.DecodeData(plain); err != nil {
			clsDecodeErrors.Add(1)
			clsFailed.Add(1)
			return c.rawEvents(t, payload, "decode-error", events.FormatNodeID(pkt.From))
		}
	}
	if data == nil {
		// Neither branch set; structurally fine, nothing to report.
		return nil
	}
	return c.dispatch(t, channel, pkt, data, payload)
}

func (c *Classifier) dispatch(t *Topic, channel string, pkt *wire.MeshPacket, data *wire.Data, payload []byte) []*events.Event {
	switch data.PortNum {
	case wire.PortTextMessage:
		return c.textEvent(t, channel, pkt, data)
	case wire.PortPosition:
		return c.positionEvent(t, channel, pkt, data)
	case wire.PortNodeInfo:
		return c.nodeInfoEvent(t, channel, pkt, data)
	case wire.PortTelemetry:
		return c.telemetryEvent(t, channel, pkt, data)
	case wire.PortTraceroute:
		return c.tracerouteEvent(t, channel, pkt, data)
	case wire.PortMapReport:
		return c.mapReportEvents(t, channel, pkt, data)
	default:
		clsSemanticErrors.Add(1)
		return c.rawEvents(t, payload, data.PortNum.String(), events.FormatNodeID(pkt.From))
	}
}

func (c *Classifier) textEvent(t *Topic, channel string, pkt *wire.MeshPacket, data *wire.Data) []*events.Event {
	if !utf8.Valid(data.Payload) {
		clsEncodingErrors.Add(1)
		clsFailed.Add(1)
		return c.rawEvents(t, data.Payload, "encoding-error", events.FormatNodeID(pkt.From))
	}
	text := string(data.Payload)
	msg := &events.Message{
		PacketID: pkt.ID,
		FromID:   events.FormatNodeID(pkt.From),
		ToID:     toID(pkt.To),
		Channel:  c.channels.Index(channel),
		Text:     text,
		Time:     c.eventTime(pkt.RxTime),
		SNR:      float64(pkt.RxSNR),
		RSSI:     pkt.RxRSSI,
	}
	if h := hopsAway(pkt); h > 0 {
		msg.HopsAway = &h
	}
	if data.ReplyID != 0 {
		reply := data.ReplyID
		msg.ReplyTo = &reply
	}
	ev := c.newEvent(events.KindMessage, t, msg.Channel)
	ev.Message = msg
	return []*events.Event{ev}
}

func (c *Classifier) positionEvent(t *Topic, channel string, pkt *wire.MeshPacket, data *wire.Data) []*events.Event {
	pos, err := wire.DecodePosition(data.Payload)
	if err != nil {
		clsDecodeErrors.Add(1)
		clsFailed.Add(1)
		return c.rawEvents(t, data.Payload, "decode-error", events.FormatNodeID(pkt.From))
	}
	p, ok := normalizePosition(pos, pkt, c.eventTime(pos.Time))
	if !ok {
		clsSemanticErrors.Add(1)
		return nil
	}
	ev := c.newEvent(events.KindPosition, t, c.channels.Index(channel))
	ev.Position = p
	return []*events.Event{ev}
}

// normalizePosition converts fixed-point coordinates to degrees, clamps to
// geographic range and rejects the all-zero "unknown" fix.
func normalizePosition(pos *wire.Position, pkt *wire.MeshPacket, timeMs int64) (*events.Position, bool) {
	if pos.LatitudeI == 0 && pos.LongitudeI == 0 && pos.Altitude == nil {
		return nil, false
	}
	lat := clamp(float64(pos.LatitudeI)*1e-7, -90, 90)
	lon := clamp(float64(pos.LongitudeI)*1e-7, -180, 180)
	return &events.Position{
		NodeID:        events.FormatNodeID(pkt.From),
		NodeNum:       pkt.From,
		Latitude:      lat,
		Longitude:     lon,
		Altitude:      pos.Altitude,
		PrecisionBits: pos.PrecisionBits,
		Time:          timeMs,
		SNR:           float64(pkt.RxSNR),
		RSSI:          pkt.RxRSSI,
	}, true
}

func (c *Classifier) nodeInfoEvent(t *Topic, channel string, pkt *wire.MeshPacket, data *wire.Data) []*events.Event {
	user, err := wire.DecodeUser(data.Payload)
	if err != nil {
		if errors.Is(err, wire.ErrEncoding) {
			clsEncodingErrors.Add(1)
		} else {
			clsDecodeErrors.Add(1)
		}
		clsFailed.Add(1)
		return c.rawEvents(t, data.Payload, "decode-error", events.FormatNodeID(pkt.From))
	}
	id := user.ID
	if id == "" {
		id = events.FormatNodeID(pkt.From)
	}
	info := &events.NodeInfo{
		NodeID:    id,
		NodeNum:   pkt.From,
		ShortName: user.ShortName,
		LongName:  user.LongName,
		HWModel:   wire.HardwareModelName(user.HWModel),
		Role:      wire.RoleName(user.Role),
		SNR:       float64(pkt.RxSNR),
		RSSI:      pkt.RxRSSI,
		HopsAway:  hopsAway(pkt),
		LastHeard: c.now().UnixMilli(),
	}
	ev := c.newEvent(events.KindNodeInfo, t, c.channels.Index(channel))
	ev.NodeInfo = info
	return []*events.Event{ev}
}

func (c *Classifier) telemetryEvent(t *Topic, channel string, pkt *wire.MeshPacket, data *wire.Data) []*events.Event {
	tel, err := wire.DecodeTelemetry(data.Payload)
	if err != nil {
		clsDecodeErrors.Add(1)
		clsFailed.Add(1)
		return c.rawEvents(t, data.Payload, "decode-error", events.FormatNodeID(pkt.From))
	}
	out := &events.Telemetry{
		NodeID:  events.FormatNodeID(pkt.From),
		NodeNum: pkt.From,
		Time:    c.eventTime(tel.Time),
		SNR:     float64(pkt.RxSNR),
		RSSI:    pkt.RxRSSI,
	}
	if dm := tel.DeviceMetrics; dm != nil {
		out.BatteryLevel = dm.BatteryLevel
		out.Voltage = f64(dm.Voltage)
		out.ChannelUtilization = f64(dm.ChannelUtilization)
		out.AirUtilTx = f64(dm.AirUtilTx)
		out.UptimeSeconds = dm.UptimeSeconds
	}
	ev := c.newEvent(events.KindTelemetry, t, c.channels.Index(channel))
	ev.Telemetry = out
	return []*events.Event{ev}
}

func (c *Classifier) tracerouteEvent(t *Topic, channel string, pkt *wire.MeshPacket, data *wire.Data) []*events.Event {
	route, err := wire.DecodeRouteDiscovery(data.Payload)
	if err != nil {
		clsDecodeErrors.Add(1)
		clsFailed.Add(1)
		return c.rawEvents(t, data.Payload, "decode-error", events.FormatNodeID(pkt.From))
	}
	// Traceroutes are point to point; a broadcast destination has no node
	// row to attach the record to.
	if pkt.To == events.BroadcastNodeNum {
		clsSemanticErrors.Add(1)
		return nil
	}
	// A reply carries the completed route and references the request packet;
	// a bare want_response is an in-flight request.
	success := data.RequestID != 0 || data.ReplyID != 0
	if !success && !data.WantResponse && len(route.Route) == 0 {
		clsSemanticErrors.Add(1)
		return nil
	}
	tr := &events.Traceroute{
		FromID:     events.FormatNodeID(pkt.From),
		ToID:       toID(pkt.To),
		Time:       c.eventTime(pkt.RxTime),
		Route:      route.Route,
		RouteBack:  route.RouteBack,
		SNRTowards: route.SNRTowards,
		SNRBack:    route.SNRBack,
		Hops:       len(route.Route),
		Success:    success,
	}
	ev := c.newEvent(events.KindTraceroute, t, c.channels.Index(channel))
	ev.Traceroute = tr
	return []*events.Event{ev}
}

// mapReportEvents produces an identity refresh and, when the report carries a
// usable fix, a position observation.
func (c *Classifier) mapReportEvents(t *Topic, channel string, pkt *wire.MeshPacket, data *wire.Data) []*events.Event {
	report, err := wire.DecodeMapReport(data.Payload)
	if err != nil {
		clsDecodeErrors.Add(1)
		clsFailed.Add(1)
		return c.rawEvents(t, data.Payload, "decode-error", events.FormatNodeID(pkt.From))
	}
	idx := c.channels.Index(channel)
	node := c.newEvent(events.KindNodeInfo, t, idx)
	node.NodeInfo = &events.NodeInfo{
		NodeID:    events.FormatNodeID(pkt.From),
		NodeNum:   pkt.From,
		ShortName: report.ShortName,
		LongName:  report.LongName,
		HWModel:   wire.HardwareModelName(report.HWModel),
		Role:      wire.RoleName(report.Role),
		SNR:       float64(pkt.RxSNR),
		RSSI:      pkt.RxRSSI,
		HopsAway:  hopsAway(pkt),
		LastHeard: c.now().UnixMilli(),
	}
	out := []*events.Event{node}

	wp := &wire.Position{LatitudeI: report.LatitudeI, LongitudeI: report.LongitudeI}
	if report.Altitude != 0 {
		alt := report.Altitude
		wp.Altitude = &alt
	}
	if report.PositionPrecision != 0 {
		prec := report.PositionPrecision
		wp.PrecisionBits = &prec
	}
	if p, ok := normalizePosition(wp, pkt, c.now().UnixMilli()); ok {
		pos := c.newEvent(events.KindPosition, t, idx)
		pos.Position = p
		out = append(out, pos)
	}
	return out
}

// rawEvents wraps an unresolvable payload for dashboard visibility.
func (c *Classifier) rawEvents(t *Topic, payload []byte, parsedType, nodeID string) []*events.Event {
	ev := c.newEvent(events.KindRaw, t, 0)
	ev.Raw = &events.Raw{
		Topic:      t.Raw,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
		ParsedType: parsedType,
		NodeID:     nodeID,
	}
	return []*events.Event{ev}
}

func (c *Classifier) newEvent(kind events.Kind, t *Topic, channel uint32) *events.Event {
	return &events.Event{
		Kind:       kind,
		ReceivedAt: c.now(),
		Topic:      t.Raw,
		GatewayID:  t.GatewayID,
		Channel:    channel,
	}
}

// eventTime converts an epoch-seconds wire timestamp to milliseconds,
// substituting the local clock when the device did not know the time.
func (c *Classifier) eventTime(epochSec uint32) int64 {
	if epochSec == 0 {
		return c.now().UnixMilli()
	}
	return int64(epochSec) * 1000
}

func toID(to uint32) string {
	if to == events.BroadcastNodeNum {
		return events.BroadcastID
	}
	return events.FormatNodeID(to)
}

func hopsAway(pkt *wire.MeshPacket) uint32 {
	if pkt.HopStart >= pkt.HopLimit {
		return pkt.HopStart - pkt.HopLimit
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

func f64(v *float32) *float64 {
	if v == nil {
		return nil
	}
	out := float64(*v)
	return &out
}
