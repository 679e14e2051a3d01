// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package wire

import (
	"encoding/binary"
	"math"
)

// Canonical encoders, used by tests and by the traceroute reply path. They
// emit the same layout the firmware does: node numbers, packet ids and
// timestamps as fixed32, floats as fixed32, repeated integers packed.

type encoder struct {
	buf []byte
}

func (e *encoder) varint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *encoder) tag(field, wt int) {
	e.varint(uint64(field)<<3 | uint64(wt))
}

func (e *encoder) varintField(field int, v uint64) {
	e.tag(field, wtVarint)
	e.varint(v)
}

func (e *encoder) boolField(field int, v bool) {
	if v {
		e.varintField(field, 1)
	}
}

func (e *encoder) fixed32Field(field int, v uint32) {
	e.tag(field, wtFixed32)
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *encoder) floatField(field int, v float32) {
	e.fixed32Field(field, math.Float32bits(v))
}

func (e *encoder) bytesField(field int, b []byte) {
	e.tag(field, wtBytes)
	e.varint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) stringField(field int, s string) {
	if s != "" {
		e.bytesField(field, []byte(s))
	}
}

// packedFixed32 emits a repeated uint32 field as packed fixed32 chunks.
func (e *encoder) packedFixed32(field int, vs []uint32) {
	if len(vs) == 0 {
		return
	}
	e.tag(field, wtBytes)
	e.varint(uint64(4 * len(vs)))
	for _, v := range vs {
		e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
	}
}

// packedVarint emits a repeated integer field as packed varints.
func (e *encoder) packedVarint(field int, vs []int32) {
	if len(vs) == 0 {
		return
	}
	var inner encoder
	for _, v := range vs {
		inner.varint(uint64(uint32(v)))
	}
	e.bytesField(field, inner.buf)
}

// EncodeServiceEnvelope renders an envelope in canonical layout.
func EncodeServiceEnvelope(env *ServiceEnvelope) []byte {
	var e encoder
	if env.Packet != nil {
		e.bytesField(1, EncodeMeshPacket(env.Packet))
	}
	e.stringField(2, env.ChannelID)
	e.stringField(3, env.GatewayID)
	return e.buf
}

// EncodeMeshPacket renders a packet in canonical layout.
func EncodeMeshPacket(p *MeshPacket) []byte {
	var e encoder
	e.fixed32Field(1, p.From)
	e.fixed32Field(2, p.To)
	if p.Channel != 0 {
		e.varintField(3, uint64(p.Channel))
	}
	if p.Decoded != nil {
		e.bytesField(4, EncodeData(p.Decoded))
	}
	if len(p.Encrypted) > 0 {
		e.bytesField(5, p.Encrypted)
	}
	e.fixed32Field(6, p.ID)
	if p.RxTime != 0 {
		e.fixed32Field(7, p.RxTime)
	}
	if p.RxSNR != 0 {
		e.floatField(8, p.RxSNR)
	}
	if p.HopLimit != 0 {
		e.varintField(9, uint64(p.HopLimit))
	}
	e.boolField(10, p.WantAck)
	if p.Priority != 0 {
		e.varintField(11, uint64(p.Priority))
	}
	if p.RxRSSI != 0 {
		e.varintField(12, uint64(uint32(p.RxRSSI)))
	}
	e.boolField(14, p.ViaMQTT)
	if p.HopStart != 0 {
		e.varintField(15, uint64(p.HopStart))
	}
	if len(p.PublicKey) > 0 {
		e.bytesField(16, p.PublicKey)
	}
	e.boolField(17, p.PKIEncrypted)
	return e.buf
}

// EncodeData renders an application payload record.
func EncodeData(d *Data) []byte {
	var e encoder
	if d.PortNum != 0 {
		e.varintField(1, uint64(d.PortNum))
	}
	if len(d.Payload) > 0 {
		e.bytesField(2, d.Payload)
	}
	e.boolField(3, d.WantResponse)
	if d.Dest != 0 {
		e.fixed32Field(4, d.Dest)
	}
	if d.Source != 0 {
		e.fixed32Field(5, d.Source)
	}
	if d.RequestID != 0 {
		e.fixed32Field(6, d.RequestID)
	}
	if d.ReplyID != 0 {
		e.fixed32Field(7, d.ReplyID)
	}
	if d.Emoji != 0 {
		e.varintField(8, uint64(d.Emoji))
	}
	return e.buf
}

// EncodePosition renders a position record.
func EncodePosition(p *Position) []byte {
	var e encoder
	e.fixed32Field(1, uint32(p.LatitudeI))
	e.fixed32Field(2, uint32(p.LongitudeI))
	if p.Altitude != nil {
		e.varintField(3, uint64(uint32(*p.Altitude)))
	}
	if p.Time != 0 {
		e.fixed32Field(4, p.Time)
	}
	if p.PrecisionBits != nil {
		e.varintField(22, uint64(*p.PrecisionBits))
	}
	return e.buf
}

// EncodeUser renders a node identity record.
func EncodeUser(u *User) []byte {
	var e encoder
	e.stringField(1, u.ID)
	e.stringField(2, u.LongName)
	e.stringField(3, u.ShortName)
	if len(u.MacAddr) > 0 {
		e.bytesField(4, u.MacAddr)
	}
	if u.HWModel != 0 {
		e.varintField(5, uint64(u.HWModel))
	}
	e.boolField(6, u.IsLicensed)
	if u.Role != 0 {
		e.varintField(7, uint64(u.Role))
	}
	if len(u.PublicKey) > 0 {
		e.bytesField(8, u.PublicKey)
	}
	return e.buf
}

// EncodeTelemetry renders a telemetry record with device metrics.
func EncodeTelemetry(t *Telemetry) []byte {
	var e encoder
	if t.Time != 0 {
		e.fixed32Field(1, t.Time)
	}
	if t.DeviceMetrics != nil {
		var m encoder
		dm := t.DeviceMetrics
		if dm.BatteryLevel != nil {
			m.varintField(1, uint64(*dm.BatteryLevel))
		}
		if dm.Voltage != nil {
			m.floatField(2, *dm.Voltage)
		}
		if dm.ChannelUtilization != nil {
			m.floatField(3, *dm.ChannelUtilization)
		}
		if dm.AirUtilTx != nil {
			m.floatField(4, *dm.AirUtilTx)
		}
		if dm.UptimeSeconds != nil {
			m.varintField(5, uint64(*dm.UptimeSeconds))
		}
		e.bytesField(2, m.buf)
	}
	return e.buf
}

// EncodeRouteDiscovery renders a traceroute payload with packed repeated
// fields: routes as fixed32 chunks, SNR sequences as varints.
func EncodeRouteDiscovery(r *RouteDiscovery) []byte {
	var e encoder
	e.packedFixed32(1, r.Route)
	e.packedVarint(2, r.SNRTowards)
	e.packedFixed32(3, r.RouteBack)
	e.packedVarint(4, r.SNRBack)
	return e.buf
}

// EncodeMapReport renders a map-report record.
func EncodeMapReport(m *MapReport) []byte {
	var e encoder
	e.stringField(1, m.LongName)
	e.stringField(2, m.ShortName)
	if m.Role != 0 {
		e.varintField(3, uint64(m.Role))
	}
	if m.HWModel != 0 {
		e.varintField(4, uint64(m.HWModel))
	}
	e.stringField(5, m.FirmwareVersion)
	if m.Region != 0 {
		e.varintField(6, uint64(m.Region))
	}
	if m.ModemPreset != 0 {
		e.varintField(7, uint64(m.ModemPreset))
	}
	e.boolField(8, m.HasDefaultChannel)
	e.fixed32Field(9, uint32(m.LatitudeI))
	e.fixed32Field(10, uint32(m.LongitudeI))
	if m.Altitude != 0 {
		e.varintField(11, uint64(uint32(m.Altitude)))
	}
	if m.PositionPrecision != 0 {
		e.varintField(12, uint64(m.PositionPrecision))
	}
	if m.NumOnlineLocalNodes != 0 {
		e.varintField(13, uint64(m.NumOnlineLocalNodes))
	}
	e.boolField(14, m.HasOptedReport)
	return e.buf
}
