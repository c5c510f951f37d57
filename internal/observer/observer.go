package observer

import (
	"time"

	"github.com/google/uuid"

	"github.com/douxiyou/vita-monit/internal/protocol"
	"github.com/douxiyou/vita-monit/internal/registry"
)

// Kind 通知类型
type Kind string

const (
	KindDeviceOnline  Kind = "device:online"
	KindDeviceOffline Kind = "device:offline"
	KindDataReceived  Kind = "data:received"
	KindDataSent      Kind = "data:sent"
)

// Notification 推送给 UI / 下游的事件
type Notification struct {
	ID        string                 `json:"id"`
	Kind      Kind                   `json:"kind"`
	DeviceID  string                 `json:"device_id"`
	Record    *registry.DeviceRecord `json:"record,omitempty"`
	RawHex    string                 `json:"raw_hex,omitempty"`
	FrameType string                 `json:"frame_type,omitempty"`
	Frame     protocol.Frame         `json:"frame,omitempty"`
	Topic     string                 `json:"topic,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// New 创建通知
func New(kind Kind, deviceID string, at time.Time) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		DeviceID:  deviceID,
		Timestamp: at,
	}
}

// Sink 通知接收方；实现不能阻塞调用方
type Sink interface {
	Notify(n Notification)
}

// SinkFunc 函数适配
type SinkFunc func(n Notification)

func (f SinkFunc) Notify(n Notification) { f(n) }

// Fanout 广播给多个接收方
type Fanout []Sink

func (f Fanout) Notify(n Notification) {
	for _, s := range f {
		if s != nil {
			s.Notify(n)
		}
	}
}

// Nop 丢弃所有通知
var Nop Sink = SinkFunc(func(Notification) {})
