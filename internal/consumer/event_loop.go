package consumer

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/douxiyou/vita-monit/internal/metrics"
)

// EventProcessor 串行处理 Broker 事件
type EventProcessor interface {
	HandleConnect(clientID string)
	HandlePublish(clientID, topic string, payload []byte)
	HandleDisconnect(clientID string)
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventPublish
	eventDisconnect
)

func (k eventKind) String() string {
	switch k {
	case eventConnect:
		return "connect"
	case eventPublish:
		return "publish"
	default:
		return "disconnect"
	}
}

type brokerEvent struct {
	kind     eventKind
	clientID string
	topic    string
	payload  []byte
}

// EventLoop 单 goroutine 事件循环
// 实现 broker.EventHandler：Broker 的客户端 goroutine 只负责入队，
// 解码、注册表更新和应答都在 Run 中按到达顺序执行
type EventLoop struct {
	processor EventProcessor
	events    chan brokerEvent
	stopped   chan struct{}
	stopOnce  sync.Once
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewEventLoop 创建事件循环，size 为队列长度
func NewEventLoop(processor EventProcessor, size int, m *metrics.Metrics, logger *zap.Logger) *EventLoop {
	if size <= 0 {
		size = 1024
	}
	return &EventLoop{
		processor: processor,
		events:    make(chan brokerEvent, size),
		stopped:   make(chan struct{}),
		metrics:   m,
		logger:    logger,
	}
}

func (l *EventLoop) OnConnect(clientID string) {
	l.enqueue(brokerEvent{kind: eventConnect, clientID: clientID})
}

func (l *EventLoop) OnPublish(clientID, topic string, payload []byte) {
	// Broker 可能复用 payload 缓冲区
	buf := make([]byte, len(payload))
	copy(buf, payload)
	l.enqueue(brokerEvent{kind: eventPublish, clientID: clientID, topic: topic, payload: buf})
}

func (l *EventLoop) OnDisconnect(clientID string) {
	l.enqueue(brokerEvent{kind: eventDisconnect, clientID: clientID})
}

// enqueue 队列满时阻塞（对设备连接形成背压），循环停止后丢弃
func (l *EventLoop) enqueue(e brokerEvent) {
	select {
	case <-l.stopped:
		l.drop(e)
		return
	default:
	}

	select {
	case l.events <- e:
	case <-l.stopped:
		l.drop(e)
	}
}

func (l *EventLoop) drop(e brokerEvent) {
	l.metrics.EventDropped()
	l.logger.Warn("Event loop stopped, dropping event",
		zap.String("event", e.kind.String()),
		zap.String("client_id", e.clientID),
	)
}

// Run 处理事件直到 ctx 取消
func (l *EventLoop) Run(ctx context.Context) {
	defer l.stopOnce.Do(func() { close(l.stopped) })

	l.logger.Info("Event loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Event loop stopped", zap.Int("pending", len(l.events)))
			return
		case e := <-l.events:
			l.dispatch(e)
		}
	}
}

// dispatch 单个事件出错不影响后续事件
func (l *EventLoop) dispatch(e brokerEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.EventPanicked()
			l.logger.Error("Event handler panicked",
				zap.String("event", e.kind.String()),
				zap.String("client_id", e.clientID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	switch e.kind {
	case eventConnect:
		l.processor.HandleConnect(e.clientID)
	case eventPublish:
		l.processor.HandlePublish(e.clientID, e.topic, e.payload)
	case eventDisconnect:
		l.processor.HandleDisconnect(e.clientID)
	}
}
