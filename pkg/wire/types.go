// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package wire

// PortNum selects the interpretation of a Data payload.
type PortNum uint32

// Port numbers the agent understands. The full firmware range is wider; any
// other value is carried through as-is and reported as unknown.
const (
	PortUnknown      PortNum = 0
	PortTextMessage  PortNum = 1
	PortPosition     PortNum = 3
	PortNodeInfo     PortNum = 4
	PortRouting      PortNum = 5
	PortAdmin        PortNum = 6
	PortWaypoint     PortNum = 8
	PortTelemetry    PortNum = 67
	PortTraceroute   PortNum = 70
	PortNeighborInfo PortNum = 71
	PortMapReport    PortNum = 73
)

var portNames = map[PortNum]string{
	PortUnknown:      "UNKNOWN_APP",
	PortTextMessage:  "TEXT_MESSAGE_APP",
	PortPosition:     "POSITION_APP",
	PortNodeInfo:     "NODEINFO_APP",
	PortRouting:      "ROUTING_APP",
	PortAdmin:        "ADMIN_APP",
	PortWaypoint:     "WAYPOINT_APP",
	PortTelemetry:    "TELEMETRY_APP",
	PortTraceroute:   "TRACEROUTE_APP",
	PortNeighborInfo: "NEIGHBORINFO_APP",
	PortMapReport:    "MAP_REPORT_APP",
}

// String returns the firmware name of the port number
func (p PortNum) String() string {
	if name, ok := portNames[p]; ok {
		return name
	}
	return "UNKNOWN_APP"
}

// ServiceEnvelope is the outermost record published by gateways on /e topics.
type ServiceEnvelope struct {
	Packet    *MeshPacket
	ChannelID string
	GatewayID string
}

// MeshPacket is a single over-the-air packet. Exactly one of Decoded and
// Encrypted is set on a well-formed packet; packets carrying neither decode
// successfully but produce no domain event.
type MeshPacket struct {
	From         uint32
	To           uint32
	Channel      uint32
	Decoded      *Data
	Encrypted    []byte
	ID           uint32
	RxTime       uint32
	RxSNR        float32
	HopLimit     uint32
	WantAck      bool
	Priority     uint32
	RxRSSI       int32
	ViaMQTT      bool
	HopStart     uint32
	PublicKey    []byte
	PKIEncrypted bool
}

// Data is the inner application payload of a packet.
type Data struct {
	PortNum      PortNum
	Payload      []byte
	WantResponse bool
	Dest         uint32
	Source       uint32
	RequestID    uint32
	ReplyID      uint32
	Emoji        uint32
}

// Position is a GPS observation in fixed-point 1e-7 degrees.
type Position struct {
	LatitudeI     int32
	LongitudeI    int32
	Altitude      *int32
	Time          uint32
	PrecisionBits *uint32
}

// User is a node identity bundle.
type User struct {
	ID         string
	LongName   string
	ShortName  string
	MacAddr    []byte
	HWModel    uint32
	IsLicensed bool
	Role       uint32
	PublicKey  []byte
}

// DeviceMetrics holds device-level telemetry. Fields are pointers because the
// firmware omits unknown readings and zero is a meaningful battery level.
type DeviceMetrics struct {
	BatteryLevel       *uint32
	Voltage            *float32
	ChannelUtilization *float32
	AirUtilTx          *float32
	UptimeSeconds      *uint32
}

// Telemetry is a timestamped metrics record. Environmental metrics exist on
// the wire but are not decoded here.
type Telemetry struct {
	Time          uint32
	DeviceMetrics *DeviceMetrics
}

// RouteDiscovery is the payload of a traceroute exchange.
type RouteDiscovery struct {
	Route      []uint32
	SNRTowards []int32
	RouteBack  []uint32
	SNRBack    []int32
}

// MapReport is the broadcast identity bundle sent by nodes that opted into
// the public map.
type MapReport struct {
	LongName            string
	ShortName           string
	Role                uint32
	HWModel             uint32
	FirmwareVersion     string
	Region              uint32
	ModemPreset         uint32
	HasDefaultChannel   bool
	LatitudeI           int32
	LongitudeI          int32
	Altitude            int32
	PositionPrecision   uint32
	NumOnlineLocalNodes uint32
	HasOptedReport      bool
}

var hwModelNames = map[uint32]string{
	0:  "UNSET",
	1:  "TLORA_V2",
	2:  "TLORA_V1",
	3:  "TLORA_V2_1_1P6",
	4:  "TBEAM",
	5:  "HELTEC_V2_0",
	6:  "TBEAM_V0P7",
	7:  "T_ECHO",
	8:  "TLORA_V1_1P3",
	9:  "RAK4631",
	10: "HELTEC_V2_1",
	11: "HELTEC_V1",
	12: "LILYGO_TBEAM_S3_CORE",
	13: "RAK11200",
	14: "NANO_G1",
	15: "TLORA_V2_1_1P8",
	16: "TLORA_T3_S3",
	17: "NANO_G1_EXPLORER",
	18: "NANO_G2_ULTRA",
	19: "LORA_TYPE",
	25: "STATION_G1",
	26: "RAK11310",
	29: "QT_PY_ESP32_S3",
	31: "M5STACK",
	32: "HELTEC_V3",
	33: "HELTEC_WSL_V3",
	34: "BETAFPV_2400_TX",
	39: "DIY_V1",
	43: "HELTEC_WIRELESS_TRACKER",
	44: "HELTEC_WIRELESS_PAPER",
	45: "T_DECK",
	46: "T_WATCH_S3",
	47: "PICOMPUTER_S3",
	48: "HELTEC_HT62",
	50: "STATION_G2",
	57: "HELTEC_CAPSULE_SENSOR_V3",
	58: "HELTEC_VISION_MASTER_T190",
	71: "TRACKER_T1000_E",
}

// HardwareModelName renders a hardware model enum; unknown codes keep the
// numeric value so nothing is lost.
func HardwareModelName(model uint32) string {
	if name, ok := hwModelNames[model]; ok {
		return name
	}
	return "UNKNOWN"
}

var roleNames = map[uint32]string{
	0:  "CLIENT",
	1:  "CLIENT_MUTE",
	2:  "ROUTER",
	3:  "ROUTER_CLIENT",
	4:  "REPEATER",
	5:  "TRACKER",
	6:  "SENSOR",
	7:  "TAK",
	8:  "CLIENT_HIDDEN",
	9:  "LOST_AND_FOUND",
	10: "TAK_TRACKER",
	11: "ROUTER_LATE",
}

// RoleName renders a device role enum.
func RoleName(role uint32) string {
	if name, ok := roleNames[role]; ok {
		return name
	}
	return "CLIENT"
}
