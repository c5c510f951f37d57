package registry

import (
	"time"

	"github.com/douxiyou/vita-monit/internal/protocol"
)

// Status 设备在线状态
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Severity 日志级别
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityAlarm Severity = "alarm"
)

// HealthSnapshot 最近一次上报的体征
type HealthSnapshot struct {
	HeartRate   int     `json:"heart_rate"`
	BloodOxygen int     `json:"blood_oxygen"`
	WristTemp   float64 `json:"wrist_temp"`
	BodyTemp    float64 `json:"body_temp"`
	Worn        bool    `json:"worn"`
	Timestamp   uint32  `json:"timestamp"`
}

// AlarmEvent 报警记录
type AlarmEvent struct {
	Type protocol.AlarmType `json:"type"`
	Time time.Time          `json:"time"`
}

// DeviceRecord 设备状态记录，以 MAC（小写冒号格式）为 key
type DeviceRecord struct {
	ID              string         `json:"id"`
	Status          Status         `json:"status"`
	ConnectTime     time.Time      `json:"connect_time"`
	DisconnectTime  *time.Time     `json:"disconnect_time,omitempty"`
	ProcessOrigin   string         `json:"process_origin"`
	LastHealth      HealthSnapshot `json:"last_health"`
	Alarms          []AlarmEvent   `json:"alarms"`
	Battery         *int           `json:"battery,omitempty"`
	SoftwareVersion string         `json:"software_version,omitempty"`
	LastSeen        *time.Time     `json:"last_seen,omitempty"`
}

// Info 设备上线时的初始信息
type Info struct {
	Status        Status
	ConnectTime   time.Time
	ProcessOrigin string
}

// Patch 局部更新，nil 字段不修改
type Patch struct {
	Status          *Status
	DisconnectTime  *time.Time
	Health          *HealthSnapshot
	Alarms          []protocol.AlarmType
	AlarmTime       time.Time
	Battery         *int
	SoftwareVersion *string
	LastSeen        *time.Time
}

// LogEntry 运行日志条目
type LogEntry struct {
	Time     time.Time `json:"time"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

func newRecord(id string, info Info) DeviceRecord {
	status := info.Status
	if status == "" {
		status = StatusOnline
	}
	return DeviceRecord{
		ID:            id,
		Status:        status,
		ConnectTime:   info.ConnectTime,
		ProcessOrigin: info.ProcessOrigin,
		Alarms:        []AlarmEvent{},
	}
}

// apply 浅合并；返回是否携带报警
func (r *DeviceRecord) apply(p Patch) bool {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.DisconnectTime != nil {
		t := *p.DisconnectTime
		r.DisconnectTime = &t
	}
	if p.Health != nil {
		r.LastHealth = *p.Health
	}
	if p.Battery != nil {
		b := *p.Battery
		r.Battery = &b
	}
	if p.SoftwareVersion != nil {
		r.SoftwareVersion = *p.SoftwareVersion
	}
	if p.LastSeen != nil {
		t := *p.LastSeen
		r.LastSeen = &t
	}
	for _, a := range p.Alarms {
		r.Alarms = append(r.Alarms, AlarmEvent{Type: a, Time: p.AlarmTime})
	}
	return len(p.Alarms) > 0
}

// clone 深拷贝，避免调用方修改内部状态
func (r DeviceRecord) clone() DeviceRecord {
	out := r
	out.Alarms = append([]AlarmEvent{}, r.Alarms...)
	if r.DisconnectTime != nil {
		t := *r.DisconnectTime
		out.DisconnectTime = &t
	}
	if r.Battery != nil {
		b := *r.Battery
		out.Battery = &b
	}
	if r.LastSeen != nil {
		t := *r.LastSeen
		out.LastSeen = &t
	}
	return out
}
