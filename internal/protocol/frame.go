package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// 帧类型标识（前两个字节，大端）
const (
	HeaderBootVersion uint16 = 0xAA44
	HeaderHealthData  uint16 = 0xAA55
	HeaderAlarmData   uint16 = 0xAA77

	// TailByte 帧尾，缺失即视为不完整帧
	TailByte byte = 0x0D

	macLen = 6
)

// FrameTag 帧类型
type FrameTag int

const (
	TagUnknown FrameTag = iota
	TagBootVersion
	TagHealthData
	TagAlarmData
)

func (t FrameTag) String() string {
	switch t {
	case TagBootVersion:
		return "boot_version"
	case TagHealthData:
		return "health_data"
	case TagAlarmData:
		return "alarm_data"
	default:
		return "unknown"
	}
}

// Frame 解码结果（封闭的标签联合）
// 只有本包内的四种帧实现该接口
type Frame interface {
	Tag() FrameTag
	Raw() string
	isFrame()
}

// BootVersionFrame 开机/版本上报
type BootVersionFrame struct {
	MAC             string `json:"mac"`
	SoftwareVersion string `json:"software_version"`
	RawHex          string `json:"raw_hex"`
}

// HealthBlock 健康数据帧中的内嵌健康数据块
type HealthBlock struct {
	Timestamp   uint32  `json:"timestamp"`
	FrameCount  uint32  `json:"frame_count"`
	HeartRate   int     `json:"heart_rate"`
	BloodOxygen int     `json:"blood_oxygen"`
	Worn        bool    `json:"worn"`
	WristTemp   float64 `json:"wrist_temp"`
	BodyTemp    float64 `json:"body_temp"`
	WifiMAC     string  `json:"wifi_mac,omitempty"`
}

// HealthDataFrame 健康数据上报
type HealthDataFrame struct {
	MAC          string       `json:"mac"`
	Battery      int          `json:"battery"`
	PacketSeq    int          `json:"packet_seq"`
	PacketLength int          `json:"packet_length"`
	Health       *HealthBlock `json:"health,omitempty"`
	RawHex       string       `json:"raw_hex"`
}

// AlarmVitals 报警帧附带的体征数据
type AlarmVitals struct {
	HeartRate   int  `json:"heart_rate"`
	BloodOxygen int  `json:"blood_oxygen"`
	Worn        bool `json:"worn"`
}

// AlarmDataFrame 报警上报
type AlarmDataFrame struct {
	MAC          string       `json:"mac"`
	PacketLength int          `json:"packet_length"`
	AlarmTypes   []AlarmType  `json:"alarm_types"`
	Vitals       *AlarmVitals `json:"vitals,omitempty"`
	RawHex       string       `json:"raw_hex"`
}

// UnknownFrame 无法识别或校验失败的帧
type UnknownFrame struct {
	Reason string `json:"reason"`
	RawHex string `json:"raw_hex"`
}

func (BootVersionFrame) Tag() FrameTag { return TagBootVersion }
func (HealthDataFrame) Tag() FrameTag  { return TagHealthData }
func (AlarmDataFrame) Tag() FrameTag   { return TagAlarmData }
func (UnknownFrame) Tag() FrameTag     { return TagUnknown }

func (f BootVersionFrame) Raw() string { return f.RawHex }
func (f HealthDataFrame) Raw() string  { return f.RawHex }
func (f AlarmDataFrame) Raw() string   { return f.RawHex }
func (f UnknownFrame) Raw() string     { return f.RawHex }

func (BootVersionFrame) isFrame() {}
func (HealthDataFrame) isFrame()  {}
func (AlarmDataFrame) isFrame()   {}
func (UnknownFrame) isFrame()     {}

// AlarmType 报警类型
type AlarmType string

const (
	AlarmLowBattery AlarmType = "LowBattery"
	AlarmSOS        AlarmType = "SOS"
	AlarmUnknown    AlarmType = "Unknown"
)

// ErrInvalidMAC MAC 格式错误
var ErrInvalidMAC = errors.New("invalid mac")

// FormatMAC 6 字节 MAC 转为小写冒号分隔格式，如 "aa:bb:cc:dd:ee:ff"
func FormatMAC(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(hex.EncodeToString([]byte{v}))
	}
	return sb.String()
}

// NormalizeMAC 将客户端 ID 规范化为 17 字符的小写冒号格式
// 接受 "AA:BB:CC:DD:EE:FF"、"aa-bb-cc-dd-ee-ff"、"aabbccddeeff"
func NormalizeMAC(s string) (string, error) {
	raw, err := ParseMAC(s)
	if err != nil {
		return "", err
	}
	return FormatMAC(raw), nil
}

// ParseMAC 解析 MAC 字符串为 6 个原始字节
func ParseMAC(s string) ([]byte, error) {
	compact := StripMAC(strings.ReplaceAll(s, "-", ""))
	if len(compact) != macLen*2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMAC, s)
	}
	raw, err := hex.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMAC, s)
	}
	return raw, nil
}

// StripMAC 去掉冒号，得到 12 位十六进制
func StripMAC(id string) string {
	return strings.ReplaceAll(id, ":", "")
}

// JoinAlarms 报警类型以逗号拼接，用于日志
func JoinAlarms(types []AlarmType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ",")
}
