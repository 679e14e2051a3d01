// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package wire

import "github.com/pkg/errors"

// DecodeServiceEnvelope parses the outer gateway envelope.
func DecodeServiceEnvelope(buf []byte) (*ServiceEnvelope, error) {
	d := &decoder{buf: buf}
	env := &ServiceEnvelope{}
	for !d.done() {
		field, wt, err := d.readTag()
		if err != nil {
			return nil, errors.Wrap(err, "envelope")
		}
		switch field {
		case 1:
			if wt != wtBytes {
				return nil, errors.Wrap(ErrWireType, "envelope packet")
			}
			b, err := d.readBytes()
			if err != nil {
				return nil, errors.Wrap(err, "envelope packet")
			}
			pkt, err := DecodeMeshPacket(b)
			if err != nil {
				return nil, err
			}
			env.Packet = pkt
		case 2:
			s, err := d.readString()
			if err != nil {
				return nil, errors.Wrap(err, "envelope channel_id")
			}
			env.ChannelID = s
		case 3:
			s, err := d.readString()
			if err != nil {
				return nil, errors.Wrap(err, "envelope gateway_id")
			}
			env.GatewayID = s
		default:
			if err := d.skip(wt); err != nil {
				return nil, errors.Wrap(err, "envelope")
			}
		}
	}
	return env, nil
}

// DecodeMeshPacket parses a mesh packet record.
func DecodeMeshPacket(buf []byte) (*MeshPacket, error) {
	d := &decoder{buf: buf}
	p := &MeshPacket{}
	for !d.done() {
		field, wt, err := d.readTag()
		if err != nil {
			return nil, errors.Wrap(err, "packet")
		}
		switch field {
		case 1:
			if p.From, err = d.uint32Field(wt); err != nil {
				return nil, errors.Wrap(err, "packet from")
			}
		case 2:
			if p.To, err = d.uint32Field(wt); err != nil {
				return nil, errors.Wrap(err, "packet to")
			}
		case 3:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "packet channel")
			}
			p.Channel = uint32(v)
		case 4:
			if wt != wtBytes {
				return nil, errors.Wrap(ErrWireType, "packet decoded")
			}
			b, err := d.readBytes()
			if err != nil {
				return nil, errors.Wrap(err, "packet decoded")
			}
			data, err := DecodeData(b)
			if err != nil {
				return nil, err
			}
			p.Decoded = data
		case 5:
			if wt != wtBytes {
				return nil, errors.Wrap(ErrWireType, "packet encrypted")
			}
			if p.Encrypted, err = d.readBytes(); err != nil {
				return nil, errors.Wrap(err, "packet encrypted")
			}
		case 6:
			if p.ID, err = d.uint32Field(wt); err != nil {
				return nil, errors.Wrap(err, "packet id")
			}
		case 7:
			if p.RxTime, err = d.uint32Field(wt); err != nil {
				return nil, errors.Wrap(err, "packet rx_time")
			}
		case 8:
			if p.RxSNR, err = d.floatField(wt); err != nil {
				return nil, errors.Wrap(err, "packet rx_snr")
			}
		case 9:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "packet hop_limit")
			}
			p.HopLimit = uint32(v)
		case 10:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "packet want_ack")
			}
			p.WantAck = v != 0
		case 11:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "packet priority")
			}
			p.Priority = uint32(v)
		case 12:
			// Signed varint, raw two's complement (not zig-zag).
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "packet rx_rssi")
			}
			p.RxRSSI = int32(v)
		case 14:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "packet via_mqtt")
			}
			p.ViaMQTT = v != 0
		case 15:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "packet hop_start")
			}
			p.HopStart = uint32(v)
		case 16:
			if wt != wtBytes {
				return nil, errors.Wrap(ErrWireType, "packet public_key")
			}
			if p.PublicKey, err = d.readBytes(); err != nil {
				return nil, errors.Wrap(err, "packet public_key")
			}
		case 17:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "packet pki_encrypted")
			}
			p.PKIEncrypted = v != 0
		default:
			if err := d.skip(wt); err != nil {
				return nil, errors.Wrap(err, "packet")
			}
		}
	}
	return p, nil
}

// DecodeData parses the inner application payload record.
func DecodeData(buf []byte) (*Data, error) {
	d := &decoder{buf: buf}
	data := &Data{}
	for !d.done() {
		field, wt, err := d.readTag()
		if err != nil {
			return nil, errors.Wrap(err, "data")
		}
		switch field {
		case 1:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "data portnum")
			}
			data.PortNum = PortNum(v)
		case 2:
			if wt != wtBytes {
				return nil, errors.Wrap(ErrWireType, "data payload")
			}
			if data.Payload, err = d.readBytes(); err != nil {
				return nil, errors.Wrap(err, "data payload")
			}
		case 3:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "data want_response")
			}
			data.WantResponse = v != 0
		case 4:
			if data.Dest, err = d.uint32Field(wt); err != nil {
				return nil, errors.Wrap(err, "data dest")
			}
		case 5:
			if data.Source, err = d.uint32Field(wt); err != nil {
				return nil, errors.Wrap(err, "data source")
			}
		case 6:
			if data.RequestID, err = d.uint32Field(wt); err != nil {
				return nil, errors.Wrap(err, "data request_id")
			}
		case 7:
			if data.ReplyID, err = d.uint32Field(wt); err != nil {
				return nil, errors.Wrap(err, "data reply_id")
			}
		case 8:
			if data.Emoji, err = d.uint32Field(wt); err != nil {
				return nil, errors.Wrap(err, "data emoji")
			}
		default:
			if err := d.skip(wt); err != nil {
				return nil, errors.Wrap(err, "data")
			}
		}
	}
	return data, nil
}

// DecodePosition parses a position record. Coordinates stay in fixed-point
// 1e-7 degrees; the classifier converts and validates.
func DecodePosition(buf []byte) (*Position, error) {
	d := &decoder{buf: buf}
	p := &Position{}
	for !d.done() {
		field, wt, err := d.readTag()
		if err != nil {
			return nil, errors.Wrap(err, "position")
		}
		switch field {
		case 1:
			v, err := d.uint32Field(wt)
			if err != nil {
				return nil, errors.Wrap(err, "position latitude_i")
			}
			p.LatitudeI = int32(v)
		case 2:
			v, err := d.uint32Field(wt)
			if err != nil {
				return nil, errors.Wrap(err, "position longitude_i")
			}
			p.LongitudeI = int32(v)
		case 3:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "position altitude")
			}
			alt := int32(v)
			p.Altitude = &alt
		case 4:
			if p.Time, err = d.uint32Field(wt); err != nil {
				return nil, errors.Wrap(err, "position time")
			}
		case 22:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "position precision_bits")
			}
			bits := uint32(v)
			p.PrecisionBits = &bits
		default:
			if err := d.skip(wt); err != nil {
				return nil, errors.Wrap(err, "position")
			}
		}
	}
	return p, nil
}

// DecodeUser parses a node identity record.
func DecodeUser(buf []byte) (*User, error) {
	d := &decoder{buf: buf}
	u := &User{}
	for !d.done() {
		field, wt, err := d.readTag()
		if err != nil {
			return nil, errors.Wrap(err, "user")
		}
		switch field {
		case 1:
			if u.ID, err = d.readString(); err != nil {
				return nil, errors.Wrap(err, "user id")
			}
		case 2:
			if u.LongName, err = d.readString(); err != nil {
				return nil, errors.Wrap(err, "user long_name")
			}
		case 3:
			if u.ShortName, err = d.readString(); err != nil {
				return nil, errors.Wrap(err, "user short_name")
			}
		case 4:
			if u.MacAddr, err = d.readBytes(); err != nil {
				return nil, errors.Wrap(err, "user macaddr")
			}
		case 5:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "user hw_model")
			}
			u.HWModel = uint32(v)
		case 6:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "user is_licensed")
			}
			u.IsLicensed = v != 0
		case 7:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "user role")
			}
			u.Role = uint32(v)
		case 8:
			if u.PublicKey, err = d.readBytes(); err != nil {
				return nil, errors.Wrap(err, "user public_key")
			}
		default:
			if err := d.skip(wt); err != nil {
				return nil, errors.Wrap(err, "user")
			}
		}
	}
	return u, nil
}

// DecodeTelemetry parses a telemetry record, device metrics only.
func DecodeTelemetry(buf []byte) (*Telemetry, error) {
	d := &decoder{buf: buf}
	t := &Telemetry{}
	for !d.done() {
		field, wt, err := d.readTag()
		if err != nil {
			return nil, errors.Wrap(err, "telemetry")
		}
		switch field {
		case 1:
			if t.Time, err = d.uint32Field(wt); err != nil {
				return nil, errors.Wrap(err, "telemetry time")
			}
		case 2:
			if wt != wtBytes {
				return nil, errors.Wrap(ErrWireType, "telemetry device_metrics")
			}
			b, err := d.readBytes()
			if err != nil {
				return nil, errors.Wrap(err, "telemetry device_metrics")
			}
			dm, err := decodeDeviceMetrics(b)
			if err != nil {
				return nil, err
			}
			t.DeviceMetrics = dm
		default:
			// Environmental, power and air quality metrics are skipped.
			if err := d.skip(wt); err != nil {
				return nil, errors.Wrap(err, "telemetry")
			}
		}
	}
	return t, nil
}

func decodeDeviceMetrics(buf []byte) (*DeviceMetrics, error) {
	d := &decoder{buf: buf}
	m := &DeviceMetrics{}
	for !d.done() {
		field, wt, err := d.readTag()
		if err != nil {
			return nil, errors.Wrap(err, "device_metrics")
		}
		switch field {
		case 1:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "device_metrics battery_level")
			}
			lvl := uint32(v)
			m.BatteryLevel = &lvl
		case 2:
			v, err := d.floatField(wt)
			if err != nil {
				return nil, errors.Wrap(err, "device_metrics voltage")
			}
			m.Voltage = &v
		case 3:
			v, err := d.floatField(wt)
			if err != nil {
				return nil, errors.Wrap(err, "device_metrics channel_utilization")
			}
			m.ChannelUtilization = &v
		case 4:
			v, err := d.floatField(wt)
			if err != nil {
				return nil, errors.Wrap(err, "device_metrics air_util_tx")
			}
			m.AirUtilTx = &v
		case 5:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "device_metrics uptime_seconds")
			}
			up := uint32(v)
			m.UptimeSeconds = &up
		default:
			if err := d.skip(wt); err != nil {
				return nil, errors.Wrap(err, "device_metrics")
			}
		}
	}
	return m, nil
}

// DecodeRouteDiscovery parses a traceroute payload. Repeated integers are
// accepted both packed and unpacked; node numbers both fixed32 and varint.
func DecodeRouteDiscovery(buf []byte) (*RouteDiscovery, error) {
	d := &decoder{buf: buf}
	r := &RouteDiscovery{}
	for !d.done() {
		field, wt, err := d.readTag()
		if err != nil {
			return nil, errors.Wrap(err, "route_discovery")
		}
		switch field {
		case 1:
			if r.Route, err = appendNodeNums(d, wt, r.Route); err != nil {
				return nil, errors.Wrap(err, "route_discovery route")
			}
		case 2:
			if r.SNRTowards, err = appendSNRs(d, wt, r.SNRTowards); err != nil {
				return nil, errors.Wrap(err, "route_discovery snr_towards")
			}
		case 3:
			if r.RouteBack, err = appendNodeNums(d, wt, r.RouteBack); err != nil {
				return nil, errors.Wrap(err, "route_discovery route_back")
			}
		case 4:
			if r.SNRBack, err = appendSNRs(d, wt, r.SNRBack); err != nil {
				return nil, errors.Wrap(err, "route_discovery snr_back")
			}
		default:
			if err := d.skip(wt); err != nil {
				return nil, errors.Wrap(err, "route_discovery")
			}
		}
	}
	return r, nil
}

// appendNodeNums reads one unpacked value or a whole packed run of node
// numbers. Packed runs whose length is a multiple of 4 are fixed32 chunks,
// anything else is a varint sequence.
func appendNodeNums(d *decoder, wt int, out []uint32) ([]uint32, error) {
	switch wt {
	case wtFixed32, wtVarint:
		v, err := d.uint32Field(wt)
		if err != nil {
			return nil, err
		}
		return append(out, v), nil
	case wtBytes:
		b, err := d.readBytes()
		if err != nil {
			return nil, err
		}
		if len(b)%4 == 0 {
			inner := &decoder{buf: b}
			for !inner.done() {
				v, err := inner.readFixed32()
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
			return out, nil
		}
		inner := &decoder{buf: b}
		for !inner.done() {
			v, err := inner.readVarint()
			if err != nil {
				return nil, err
			}
			out = append(out, uint32(v))
		}
		return out, nil
	}
	return nil, ErrWireType
}

// appendSNRs reads signed per-hop SNR values, raw two's complement varints.
func appendSNRs(d *decoder, wt int, out []int32) ([]int32, error) {
	switch wt {
	case wtVarint:
		v, err := d.readVarint()
		if err != nil {
			return nil, err
		}
		return append(out, int32(v)), nil
	case wtBytes:
		b, err := d.readBytes()
		if err != nil {
			return nil, err
		}
		inner := &decoder{buf: b}
		for !inner.done() {
			v, err := inner.readVarint()
			if err != nil {
				return nil, err
			}
			out = append(out, int32(v))
		}
		return out, nil
	}
	return nil, ErrWireType
}

// DecodeMapReport parses a map-report identity bundle.
func DecodeMapReport(buf []byte) (*MapReport, error) {
	d := &decoder{buf: buf}
	m := &MapReport{}
	for !d.done() {
		field, wt, err := d.readTag()
		if err != nil {
			return nil, errors.Wrap(err, "map_report")
		}
		switch field {
		case 1:
			if m.LongName, err = d.readString(); err != nil {
				return nil, errors.Wrap(err, "map_report long_name")
			}
		case 2:
			if m.ShortName, err = d.readString(); err != nil {
				return nil, errors.Wrap(err, "map_report short_name")
			}
		case 3:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "map_report role")
			}
			m.Role = uint32(v)
		case 4:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "map_report hw_model")
			}
			m.HWModel = uint32(v)
		case 5:
			if m.FirmwareVersion, err = d.readString(); err != nil {
				return nil, errors.Wrap(err, "map_report firmware_version")
			}
		case 6:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "map_report region")
			}
			m.Region = uint32(v)
		case 7:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "map_report modem_preset")
			}
			m.ModemPreset = uint32(v)
		case 8:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "map_report has_default_channel")
			}
			m.HasDefaultChannel = v != 0
		case 9:
			v, err := d.uint32Field(wt)
			if err != nil {
				return nil, errors.Wrap(err, "map_report latitude_i")
			}
			m.LatitudeI = int32(v)
		case 10:
			v, err := d.uint32Field(wt)
			if err != nil {
				return nil, errors.Wrap(err, "map_report longitude_i")
			}
			m.LongitudeI = int32(v)
		case 11:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "map_report altitude")
			}
			m.Altitude = int32(v)
		case 12:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "map_report position_precision")
			}
			m.PositionPrecision = uint32(v)
		case 13:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "map_report num_online_local_nodes")
			}
			m.NumOnlineLocalNodes = uint32(v)
		case 14:
			v, err := d.readVarint()
			if err != nil {
				return nil, errors.Wrap(err, "map_report has_opted_report_location")
			}
			m.HasOptedReport = v != 0
		default:
			if err := d.skip(wt); err != nil {
				return nil, errors.Wrap(err, "map_report")
			}
		}
	}
	return m, nil
}
