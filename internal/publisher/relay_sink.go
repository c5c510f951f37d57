package publisher

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/douxiyou/vita-monit/internal/observer"
	"github.com/douxiyou/vita-monit/internal/protocol"
)

// TopicPublisher 上游发布接口，由 *MQTTClient 实现
type TopicPublisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// RelaySink 把解码后的帧和设备上下线转发到上游 MQTT
// 主题：<prefix>/<mac>/<frame_type>，上下线为 <prefix>/<mac>/status（retained）
type RelaySink struct {
	publisher TopicPublisher
	prefix    string
	qos       byte
	logger    *zap.Logger
}

// NewRelaySink 创建上游转发
func NewRelaySink(publisher TopicPublisher, prefix string, qos byte, logger *zap.Logger) *RelaySink {
	return &RelaySink{
		publisher: publisher,
		prefix:    prefix,
		qos:       qos,
		logger:    logger,
	}
}

type relayStatus struct {
	DeviceID  string `json:"device_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

func (s *RelaySink) Notify(n observer.Notification) {
	var (
		topic    string
		payload  interface{}
		retained bool
	)

	switch n.Kind {
	case observer.KindDataReceived:
		if n.Frame == nil || n.Frame.Tag() == protocol.TagUnknown {
			return
		}
		topic = s.topic(n.DeviceID, n.FrameType)
		payload = n.Frame
	case observer.KindDeviceOnline, observer.KindDeviceOffline:
		status := "online"
		if n.Kind == observer.KindDeviceOffline {
			status = "offline"
		}
		topic = s.topic(n.DeviceID, "status")
		payload = relayStatus{DeviceID: n.DeviceID, Status: status, Timestamp: n.Timestamp.Unix()}
		retained = true
	default:
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal relay payload", zap.String("topic", topic), zap.Error(err))
		return
	}

	if err := s.publisher.Publish(topic, s.qos, retained, data); err != nil {
		s.logger.Warn("Failed to relay to upstream MQTT",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}

	s.logger.Debug("Relayed to upstream MQTT", zap.String("topic", topic), zap.Int("size", len(data)))
}

func (s *RelaySink) topic(deviceID, leaf string) string {
	return fmt.Sprintf("%s/%s/%s", s.prefix, protocol.StripMAC(deviceID), leaf)
}
