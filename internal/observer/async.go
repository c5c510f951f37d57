package observer

import (
	"context"

	"go.uber.org/zap"

	"github.com/douxiyou/vita-monit/internal/metrics"
)

// Async 将慢速接收方（Redis、上游 MQTT）放到独立 goroutine
// 队列满时丢弃通知，事件循环永远不会被阻塞
type Async struct {
	name    string
	sink    Sink
	queue   chan Notification
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewAsync 创建异步接收方
func NewAsync(name string, sink Sink, size int, logger *zap.Logger, m *metrics.Metrics) *Async {
	if size <= 0 {
		size = 256
	}
	return &Async{
		name:    name,
		sink:    sink,
		queue:   make(chan Notification, size),
		logger:  logger,
		metrics: m,
	}
}

// Notify 入队，不阻塞
func (a *Async) Notify(n Notification) {
	select {
	case a.queue <- n:
	default:
		a.metrics.SinkDropped(a.name)
		a.logger.Warn("Observer queue full, dropping notification",
			zap.String("sink", a.name),
			zap.String("kind", string(n.Kind)),
			zap.String("device_id", n.DeviceID),
		)
	}
}

// Run 消费队列直到 ctx 取消
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-a.queue:
			a.deliver(n)
		}
	}
}

func (a *Async) deliver(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Observer panicked",
				zap.String("sink", a.name),
				zap.Any("panic", r),
			)
		}
	}()
	a.sink.Notify(n)
}
