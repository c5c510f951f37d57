package broker

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/zap"
)

// QoS 级别
const (
	AtMostOnce  byte = 0
	AtLeastOnce byte = 1
)

// EventHandler 接收设备连接事件
// 回调在 mochi 的客户端 goroutine 中执行，实现方应尽快返回
type EventHandler interface {
	OnConnect(clientID string)
	OnPublish(clientID, topic string, payload []byte)
	OnDisconnect(clientID string)
}

// Publisher 下行发布
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retain bool) error
}

// PublisherFunc 函数适配
type PublisherFunc func(topic string, payload []byte, qos byte, retain bool) error

func (f PublisherFunc) Publish(topic string, payload []byte, qos byte, retain bool) error {
	return f(topic, payload, qos, retain)
}

// ListenError 监听端口失败
type ListenError struct {
	Addr string
	Err  error
}

func (e *ListenError) Error() string {
	return fmt.Sprintf("failed to listen on %s: %v", e.Addr, e.Err)
}

func (e *ListenError) Unwrap() error { return e.Err }

// Options Broker 参数
type Options struct {
	Address  string
	Username string // 为空时允许匿名
	Password string
}

// Server 内嵌 MQTT Broker，终结设备连接
type Server struct {
	opts   Options
	mqtt   *mqtt.Server
	addr   net.Addr
	logger *zap.Logger
}

// New 创建 Broker
func New(opts Options, handler EventHandler, logger *zap.Logger) (*Server, error) {
	srv := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})

	if err := srv.AddHook(authHook(opts)); err != nil {
		return nil, fmt.Errorf("failed to add auth hook: %w", err)
	}
	if err := srv.AddHook(&eventHook{handler: handler, logger: logger}, nil); err != nil {
		return nil, fmt.Errorf("failed to add event hook: %w", err)
	}

	return &Server{opts: opts, mqtt: srv, logger: logger}, nil
}

func authHook(opts Options) (mqtt.Hook, any) {
	if opts.Username == "" {
		return new(auth.AllowHook), nil
	}
	return new(auth.Hook), &auth.Options{
		Ledger: &auth.Ledger{
			Auth: auth.AuthRules{
				{Username: auth.RString(opts.Username), Password: auth.RString(opts.Password), Allow: true},
			},
			ACL: auth.ACLRules{
				{Username: auth.RString(opts.Username), Filters: auth.Filters{"#": auth.ReadWrite}},
			},
		},
	}
}

// Start 绑定端口并开始服务；端口绑定失败返回 *ListenError
func (s *Server) Start() error {
	ln, err := listen(s.opts.Address)
	if err != nil {
		return &ListenError{Addr: s.opts.Address, Err: err}
	}
	if err := s.mqtt.AddListener(listeners.NewNet("devices", ln)); err != nil {
		ln.Close()
		return &ListenError{Addr: s.opts.Address, Err: err}
	}

	s.addr = ln.Addr()

	go func() {
		if err := s.mqtt.Serve(); err != nil {
			s.logger.Error("MQTT broker stopped", zap.Error(err))
		}
	}()

	s.logger.Info("MQTT broker listening", zap.String("address", ln.Addr().String()))
	return nil
}

// Addr 实际监听地址，Start 之前为 nil
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Publish 通过内联客户端下发消息，不等待设备确认
func (s *Server) Publish(topic string, payload []byte, qos byte, retain bool) error {
	return s.mqtt.Publish(topic, payload, retain, qos)
}

// Close 关闭 Broker 和所有连接
func (s *Server) Close() error {
	return s.mqtt.Close()
}

// eventHook 把 mochi 回调转成 EventHandler 事件
type eventHook struct {
	mqtt.HookBase
	handler EventHandler
	logger  *zap.Logger
}

func (h *eventHook) ID() string { return "vita-events" }

func (h *eventHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnPublished,
	}, []byte{b})
}

// OnSessionEstablished 在认证和会话继承之后触发，认证失败的连接不会上报
func (h *eventHook) OnSessionEstablished(cl *mqtt.Client, pk packets.Packet) {
	if cl.Net.Inline {
		return
	}
	h.handler.OnConnect(cl.ID)
}

func (h *eventHook) OnPublished(cl *mqtt.Client, pk packets.Packet) {
	// 内联客户端发布的是下行应答，不回流
	if cl.Net.Inline {
		return
	}
	h.handler.OnPublish(cl.ID, pk.TopicName, pk.Payload)
}

func (h *eventHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	if cl.Net.Inline {
		return
	}
	// 同一 client id 重连接管会话时，旧连接的断开不算下线
	if errors.Is(err, packets.ErrSessionTakenOver) || errors.Is(cl.StopCause(), packets.ErrSessionTakenOver) {
		h.logger.Debug("Session taken over", zap.String("client_id", cl.ID))
		return
	}
	h.handler.OnDisconnect(cl.ID)
}
