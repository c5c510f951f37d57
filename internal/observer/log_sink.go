package observer

import "go.uber.org/zap"

// LogSink 把通知写入结构化日志
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(n Notification) {
	fields := []zap.Field{
		zap.String("kind", string(n.Kind)),
		zap.String("device_id", n.DeviceID),
	}
	switch n.Kind {
	case KindDeviceOnline, KindDeviceOffline:
		s.logger.Info("Device status changed", fields...)
	case KindDataReceived:
		fields = append(fields, zap.String("frame_type", n.FrameType), zap.String("raw_hex", n.RawHex))
		s.logger.Debug("Uplink frame received", fields...)
	case KindDataSent:
		fields = append(fields, zap.String("topic", n.Topic), zap.String("payload", n.RawHex))
		s.logger.Debug("Downlink ack sent", fields...)
	}
}
