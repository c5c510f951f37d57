package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	bootVersionLen  = 12
	minHealthLen    = 13
	minAlarmLen     = 13
	healthBlockLen  = 24
	healthBlockOff  = 12
	alarmTrailerOff = 11
)

// 健康数据块内偏移
// 外层帧头是大端，但时间戳在设备固件里按小端写入，这是协议本身的特性
const (
	blkTimestamp  = 2
	blkFrameCount = 6
	blkHeartRate  = 10
	blkSpO2       = 11
	blkWear       = 12
	blkWristTemp  = 13
	blkBodyTemp   = 17
	blkWifiMAC    = 21
)

// ParseHeader 读取前两个字节（大端）作为帧类型
func ParseHeader(buf []byte) (uint16, bool) {
	if len(buf) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(buf[:2]), true
}

// Parse 解析一帧上行数据
// 任何结构性错误都返回 UnknownFrame，不会 panic
func Parse(buf []byte) Frame {
	rawHex := hex.EncodeToString(buf)

	header, ok := ParseHeader(buf)
	if !ok {
		return unknown(rawHex, "buffer too short for header")
	}

	switch header {
	case HeaderBootVersion:
		return parseBootVersion(buf, rawHex)
	case HeaderHealthData:
		return parseHealthData(buf, rawHex)
	case HeaderAlarmData:
		return parseAlarmData(buf, rawHex)
	default:
		return unknown(rawHex, fmt.Sprintf("unknown header 0x%04X", header))
	}
}

func unknown(rawHex, reason string) UnknownFrame {
	return UnknownFrame{Reason: reason, RawHex: rawHex}
}

func hasTail(buf []byte) bool {
	return len(buf) > 0 && buf[len(buf)-1] == TailByte
}

func parseBootVersion(buf []byte, rawHex string) Frame {
	if len(buf) != bootVersionLen {
		return unknown(rawHex, fmt.Sprintf("boot version frame length %d, want %d", len(buf), bootVersionLen))
	}
	if buf[11] != TailByte {
		return unknown(rawHex, "boot version frame missing tail byte")
	}
	return BootVersionFrame{
		MAC:             FormatMAC(buf[2:8]),
		SoftwareVersion: string(buf[8:11]),
		RawHex:          rawHex,
	}
}

func parseHealthData(buf []byte, rawHex string) Frame {
	if len(buf) < minHealthLen {
		return unknown(rawHex, fmt.Sprintf("health frame length %d, want at least %d", len(buf), minHealthLen))
	}
	if !hasTail(buf) {
		return unknown(rawHex, "health frame missing tail byte")
	}

	f := HealthDataFrame{
		MAC:          FormatMAC(buf[2:8]),
		Battery:      int(buf[8]),
		PacketSeq:    int(buf[9]),
		PacketLength: int(binary.BigEndian.Uint16(buf[10:12])),
		RawHex:       rawHex,
	}

	block := buf[healthBlockOff : len(buf)-1]
	if len(block) >= healthBlockLen {
		f.Health = decodeHealthBlock(block)
	}
	return f
}

func decodeHealthBlock(block []byte) *HealthBlock {
	h := &HealthBlock{
		Timestamp:   binary.LittleEndian.Uint32(block[blkTimestamp : blkTimestamp+4]),
		FrameCount:  binary.BigEndian.Uint32(block[blkFrameCount : blkFrameCount+4]),
		HeartRate:   int(block[blkHeartRate]),
		BloodOxygen: int(block[blkSpO2]),
		Worn:        block[blkWear]&0x01 == 1,
		WristTemp:   float64(int32(binary.BigEndian.Uint32(block[blkWristTemp:blkWristTemp+4]))) / 10.0,
		BodyTemp:    float64(int32(binary.BigEndian.Uint32(block[blkBodyTemp:blkBodyTemp+4]))) / 10.0,
	}
	if len(block) >= blkWifiMAC+macLen {
		h.WifiMAC = FormatMAC(block[blkWifiMAC : blkWifiMAC+macLen])
	}
	return h
}

func parseAlarmData(buf []byte, rawHex string) Frame {
	if len(buf) < minAlarmLen {
		return unknown(rawHex, fmt.Sprintf("alarm frame length %d, want at least %d", len(buf), minAlarmLen))
	}
	if !hasTail(buf) {
		return unknown(rawHex, "alarm frame missing tail byte")
	}

	f := AlarmDataFrame{
		MAC:          FormatMAC(buf[2:8]),
		PacketLength: int(binary.BigEndian.Uint16(buf[8:10])),
		AlarmTypes:   DecodeAlarmTypes(buf[10]),
		RawHex:       rawHex,
	}

	trailer := buf[alarmTrailerOff : len(buf)-1]
	if len(trailer) >= healthBlockLen {
		f.Vitals = decodeAlarmVitals(trailer)
	}
	return f
}

// maxBloodOxygen 血氧百分比上限
const maxBloodOxygen = 100

// decodeAlarmVitals 按健康数据块的偏移（10/11/12）读取报警帧尾随数据块。
// 该偏移未经协议文档核实；血氧超过 100 说明布局与假设不符，此时不上报体征。
// 这是越界保护，不是数据校验。
func decodeAlarmVitals(trailer []byte) *AlarmVitals {
	h := decodeHealthBlock(trailer)
	if h.BloodOxygen > maxBloodOxygen {
		return nil
	}
	return &AlarmVitals{
		HeartRate:   h.HeartRate,
		BloodOxygen: h.BloodOxygen,
		Worn:        h.Worn,
	}
}

// DecodeAlarmTypes 解析报警位掩码：bit0 低电量，bit1 SOS
func DecodeAlarmTypes(mask byte) []AlarmType {
	var types []AlarmType
	if mask&0x01 != 0 {
		types = append(types, AlarmLowBattery)
	}
	if mask&0x02 != 0 {
		types = append(types, AlarmSOS)
	}
	if len(types) == 0 {
		types = []AlarmType{AlarmUnknown}
	}
	return types
}
