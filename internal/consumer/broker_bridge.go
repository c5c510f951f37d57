package consumer

import (
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/douxiyou/vita-monit/internal/broker"
	"github.com/douxiyou/vita-monit/internal/metrics"
	"github.com/douxiyou/vita-monit/internal/observer"
	"github.com/douxiyou/vita-monit/internal/protocol"
	"github.com/douxiyou/vita-monit/internal/registry"
)

// BridgeOptions 桥接参数
type BridgeOptions struct {
	ProcessOrigin  string // 写入设备记录，标识处理该连接的 worker
	DownlinkPrefix string // 下行应答主题前缀，默认为空（主题即 client id）
}

// BrokerBridge 连接 Broker 事件、帧解码、设备注册表和下行应答
// 不是并发安全的，由 EventLoop 串行调用
type BrokerBridge struct {
	registry  registry.Registry
	publisher broker.Publisher
	sink      observer.Sink
	metrics   *metrics.Metrics
	opts      BridgeOptions
	logger    *zap.Logger
	now       func() time.Time

	// connected 本 worker 当前在线的连接，在线设备数只跟随连接变化
	connected map[string]struct{}
}

// NewBrokerBridge 创建桥接器
func NewBrokerBridge(
	reg registry.Registry,
	publisher broker.Publisher,
	sink observer.Sink,
	m *metrics.Metrics,
	opts BridgeOptions,
	logger *zap.Logger,
) *BrokerBridge {
	if sink == nil {
		sink = observer.Nop
	}
	return &BrokerBridge{
		registry:  reg,
		publisher: publisher,
		sink:      sink,
		metrics:   m,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		connected: make(map[string]struct{}),
	}
}

// deviceID 注册表 key：合法 MAC 规范化为小写冒号格式，否则原样使用
func deviceID(clientID string) string {
	if id, err := protocol.NormalizeMAC(clientID); err == nil {
		return id
	}
	return clientID
}

// HandleConnect 设备上线
func (b *BrokerBridge) HandleConnect(clientID string) {
	id := deviceID(clientID)
	now := b.now()

	b.registry.Add(id, registry.Info{
		Status:        registry.StatusOnline,
		ConnectTime:   now,
		ProcessOrigin: b.opts.ProcessOrigin,
	})
	if _, ok := b.connected[clientID]; !ok {
		b.connected[clientID] = struct{}{}
		b.metrics.DeviceOnline()
	}

	b.logger.Info("Device connected",
		zap.String("client_id", clientID),
		zap.String("device_id", id),
	)

	n := observer.New(observer.KindDeviceOnline, id, now)
	if rec, ok := b.registry.Get(id); ok {
		n.Record = &rec
	}
	b.sink.Notify(n)
}

// HandlePublish 处理设备上行：解码、更新注册表、回应答
func (b *BrokerBridge) HandlePublish(clientID, topic string, payload []byte) {
	id := deviceID(clientID)
	now := b.now()

	frame := protocol.Parse(payload)
	tag := frame.Tag()

	received := observer.New(observer.KindDataReceived, id, now)
	received.RawHex = frame.Raw()
	received.FrameType = tag.String()
	received.Frame = frame
	received.Topic = topic
	b.sink.Notify(received)

	if unknown, ok := frame.(protocol.UnknownFrame); ok {
		b.metrics.DecodeFailed()
		b.logger.Warn("Failed to decode uplink frame",
			zap.String("device_id", id),
			zap.String("reason", unknown.Reason),
			zap.String("raw_hex", unknown.RawHex),
		)
		b.touch(id, now)
		return
	}
	b.metrics.FrameDecoded(tag.String())

	patch := patchFor(frame, now)
	patch.LastSeen = &now
	if !b.registry.Update(id, patch) {
		b.logger.Debug("Update for unregistered device ignored",
			zap.String("device_id", id),
			zap.String("frame_type", tag.String()),
		)
	}

	b.acknowledge(clientID, id, tag, now)
}

// HandleDisconnect 设备下线，保留最后一次体征和报警历史
func (b *BrokerBridge) HandleDisconnect(clientID string) {
	id := deviceID(clientID)
	now := b.now()

	offline := registry.StatusOffline
	b.registry.Update(id, registry.Patch{Status: &offline, DisconnectTime: &now})
	if _, ok := b.connected[clientID]; ok {
		delete(b.connected, clientID)
		b.metrics.DeviceOffline()
	}

	b.logger.Info("Device disconnected",
		zap.String("client_id", clientID),
		zap.String("device_id", id),
	)

	n := observer.New(observer.KindDeviceOffline, id, now)
	if rec, ok := b.registry.Get(id); ok {
		n.Record = &rec
	}
	b.sink.Notify(n)
}

// touch 无法解码的帧只刷新最后活跃时间
func (b *BrokerBridge) touch(id string, now time.Time) {
	b.registry.Update(id, registry.Patch{LastSeen: &now})
}

// patchFor 按帧类型生成注册表更新
func patchFor(frame protocol.Frame, now time.Time) registry.Patch {
	var patch registry.Patch
	switch f := frame.(type) {
	case protocol.BootVersionFrame:
		version := f.SoftwareVersion
		patch.SoftwareVersion = &version
	case protocol.HealthDataFrame:
		battery := f.Battery
		patch.Battery = &battery
		if f.Health != nil {
			patch.Health = &registry.HealthSnapshot{
				HeartRate:   f.Health.HeartRate,
				BloodOxygen: f.Health.BloodOxygen,
				WristTemp:   f.Health.WristTemp,
				BodyTemp:    f.Health.BodyTemp,
				Worn:        f.Health.Worn,
				Timestamp:   f.Health.Timestamp,
			}
		}
	case protocol.AlarmDataFrame:
		patch.Alarms = f.AlarmTypes
		patch.AlarmTime = now
	}
	return patch
}

// acknowledge 发送应答帧，发布失败只记录，不重试
func (b *BrokerBridge) acknowledge(clientID, id string, tag protocol.FrameTag, now time.Time) {
	ack, ok := protocol.BuildResponse(protocol.StripMAC(id), tag)
	if !ok {
		b.logger.Debug("No ack for device",
			zap.String("device_id", id),
			zap.String("frame_type", tag.String()),
		)
		return
	}

	// 设备订阅的是自己的 client id，主题沿用原始写法
	topic := b.opts.DownlinkPrefix + clientID
	if err := b.publisher.Publish(topic, ack, broker.AtLeastOnce, false); err != nil {
		b.metrics.AckFailed()
		b.logger.Error("Failed to publish ack",
			zap.String("device_id", id),
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}
	b.metrics.AckSent(tag.String())

	sent := observer.New(observer.KindDataSent, id, now)
	sent.RawHex = hex.EncodeToString(ack)
	sent.FrameType = tag.String()
	sent.Topic = topic
	b.sink.Notify(sent)
}
