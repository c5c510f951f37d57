package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/douxiyou/vita-monit/internal/protocol"
)

// Registry 设备状态存储
// Update 对不存在的设备静默忽略，返回 false
type Registry interface {
	Add(id string, info Info)
	Update(id string, patch Patch) bool
	Get(id string) (DeviceRecord, bool)
	GetAll() []DeviceRecord
	Clear()
	Logs() []LogEntry
	Len() int
}

// MemoryRegistry 进程内设备注册表（每个 worker 独立，不跨进程同步）
type MemoryRegistry struct {
	mu      sync.RWMutex
	devices map[string]*DeviceRecord
	logs    *LogBuffer
	now     func() time.Time
}

// NewMemoryRegistry 创建进程内注册表
func NewMemoryRegistry(logCapacity int) *MemoryRegistry {
	return &MemoryRegistry{
		devices: make(map[string]*DeviceRecord),
		logs:    NewLogBuffer(logCapacity),
		now:     time.Now,
	}
}

// Add 新增或覆盖设备记录，清空历史体征和报警
func (r *MemoryRegistry) Add(id string, info Info) {
	rec := newRecord(id, info)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[id] = &rec
	r.appendLog(SeverityInfo, fmt.Sprintf("device online: %s", id))
}

// Update 局部更新设备记录
func (r *MemoryRegistry) Update(id string, patch Patch) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices[id]
	if !ok {
		return false
	}
	if rec.apply(patch) {
		r.appendLog(SeverityAlarm, alarmMessage(id, patch.Alarms))
	}
	return true
}

// Get 获取设备记录快照
func (r *MemoryRegistry) Get(id string) (DeviceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.devices[id]
	if !ok {
		return DeviceRecord{}, false
	}
	return rec.clone(), true
}

// GetAll 获取所有设备快照，按 id 排序
func (r *MemoryRegistry) GetAll() []DeviceRecord {
	r.mu.RLock()
	out := make([]DeviceRecord, 0, len(r.devices))
	for _, rec := range r.devices {
		out = append(out, rec.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear 清空所有设备
func (r *MemoryRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.devices)
	r.devices = make(map[string]*DeviceRecord)
	r.appendLog(SeverityInfo, fmt.Sprintf("registry cleared: %d devices removed", n))
}

// Logs 日志快照（旧→新）
func (r *MemoryRegistry) Logs() []LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.logs.Entries()
}

func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func (r *MemoryRegistry) appendLog(severity Severity, message string) {
	r.logs.Append(LogEntry{Time: r.now(), Severity: severity, Message: message})
}

func alarmMessage(id string, alarms []protocol.AlarmType) string {
	return fmt.Sprintf("device alarm: %s %s", id, protocol.JoinAlarms(alarms))
}
