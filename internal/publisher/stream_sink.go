package publisher

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/douxiyou/vita-monit/internal/observer"
	"github.com/douxiyou/vita-monit/internal/protocol"
)

// DeviceType 写入标准化消息的设备类型
const DeviceType = "Wearable"

// StreamSink 把解码后的上行帧写入 Redis Streams，供下游服务消费
type StreamSink struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
	logger  *zap.Logger
}

// NewStreamSink 创建 Streams 输出，maxLen 为 0 时不裁剪
func NewStreamSink(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *StreamSink {
	return &StreamSink{
		client:  client,
		stream:  stream,
		maxLen:  maxLen,
		timeout: 3 * time.Second,
		logger:  logger,
	}
}

// Notify 只转发成功解码的上行帧
func (s *StreamSink) Notify(n observer.Notification) {
	if n.Kind != observer.KindDataReceived || n.Frame == nil || n.Frame.Tag() == protocol.TagUnknown {
		return
	}

	entry := FrameEntry{
		DeviceID:   n.DeviceID,
		DeviceType: DeviceType,
		FrameType:  n.FrameType,
		Frame:      n.Frame,
		RawHex:     n.RawHex,
		Topic:      n.Topic,
		Timestamp:  n.Timestamp.Unix(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	streamID, err := appendFrame(ctx, s.client, s.stream, s.maxLen, entry)
	if err != nil {
		s.logger.Error("Failed to publish to Redis Streams",
			zap.String("stream", s.stream),
			zap.String("device_id", n.DeviceID),
			zap.Error(err),
		)
		return
	}

	s.logger.Debug("Published wearable data to Redis Streams",
		zap.String("device_id", n.DeviceID),
		zap.String("stream", s.stream),
		zap.String("stream_id", streamID),
	)
}
