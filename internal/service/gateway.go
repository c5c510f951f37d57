package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/douxiyou/vita-monit/internal/broker"
	"github.com/douxiyou/vita-monit/internal/config"
	"github.com/douxiyou/vita-monit/internal/consumer"
	"github.com/douxiyou/vita-monit/internal/httpapi"
	"github.com/douxiyou/vita-monit/internal/metrics"
	"github.com/douxiyou/vita-monit/internal/observer"
	"github.com/douxiyou/vita-monit/internal/publisher"
	"github.com/douxiyou/vita-monit/internal/registry"
)

// GatewayService 单个 worker 的网关服务：Broker + 事件循环 + 注册表 + 观察者 + 管理 API
type GatewayService struct {
	config   *config.Config
	index    int
	logger   *zap.Logger
	redis    *redis.Client
	relay    *publisher.MQTTClient
	registry registry.Registry
	broker   *broker.Server
	loop     *consumer.EventLoop
	hub      *observer.Hub
	asyncs   []*observer.Async
	http     *httpapi.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGatewayService 创建 worker 服务
func NewGatewayService(cfg *config.Config, index int, logger *zap.Logger) (*GatewayService, error) {
	s := &GatewayService{config: cfg, index: index, logger: logger}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	// 初始化Redis
	if cfg.NeedsRedis() {
		client, err := publisher.ConnectRedis(context.Background(), &cfg.Redis, 3*time.Second)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
	}

	switch cfg.Registry.Backend {
	case config.RegistryRedis:
		s.registry = registry.NewRedisRegistry(s.redis, registry.RedisOptions{
			KeyPrefix:   cfg.Registry.KeyPrefix,
			RecordTTL:   cfg.Registry.RecordTTL,
			LogCapacity: cfg.Registry.LogCapacity,
		}, logger)
	default:
		s.registry = registry.NewMemoryRegistry(cfg.Registry.LogCapacity)
	}

	s.hub = observer.NewHub(s.registry.GetAll, logger)
	sinks := observer.Fanout{observer.NewLogSink(logger), s.hub}

	if cfg.Stream.Enabled {
		stream := observer.NewAsync("stream", publisher.NewStreamSink(s.redis, cfg.Stream.Name, cfg.Stream.MaxLen, logger), 0, logger, m)
		s.asyncs = append(s.asyncs, stream)
		sinks = append(sinks, stream)
	}

	// 初始化上游MQTT
	if cfg.Relay.Enabled {
		mqttCfg := cfg.MQTT
		mqttCfg.ClientID = cfg.MQTT.ClientID + "-" + strconv.Itoa(index)
		relay, err := publisher.NewMQTTClient(&mqttCfg, logger)
		if err != nil {
			s.closeClients()
			return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
		}
		s.relay = relay
		async := observer.NewAsync("relay", publisher.NewRelaySink(relay, cfg.Relay.TopicPrefix, cfg.MQTT.QoS, logger), 0, logger, m)
		s.asyncs = append(s.asyncs, async)
		sinks = append(sinks, async)
	}

	// Broker 与桥接器互相引用：桥接器通过闭包延迟拿到 Broker
	bridge := consumer.NewBrokerBridge(
		s.registry,
		broker.PublisherFunc(func(topic string, payload []byte, qos byte, retain bool) error {
			return s.broker.Publish(topic, payload, qos, retain)
		}),
		sinks,
		m,
		consumer.BridgeOptions{
			ProcessOrigin:  fmt.Sprintf("worker-%d/pid-%d", index, os.Getpid()),
			DownlinkPrefix: cfg.Broker.DownlinkPrefix,
		},
		logger,
	)
	s.loop = consumer.NewEventLoop(bridge, cfg.Broker.QueueSize, m, logger)

	srv, err := broker.New(broker.Options{
		Address:  cfg.Broker.Address,
		Username: cfg.Broker.Username,
		Password: cfg.Broker.Password,
	}, s.loop, logger)
	if err != nil {
		s.closeClients()
		return nil, fmt.Errorf("failed to create broker: %w", err)
	}
	s.broker = srv

	if cfg.HTTP.Address != "" {
		addr, err := httpapi.WorkerAddress(cfg.HTTP.Address, index)
		if err != nil {
			s.closeClients()
			return nil, err
		}
		router := httpapi.NewRouter(logger)
		router.RegisterGatewayRoutes(httpapi.NewGatewayHandler(s.registry, cfg.HTTP.ExportDir, index, logger))
		router.RegisterObserverRoutes(s.hub, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		s.http = httpapi.NewServer(addr, router, logger)
	}

	return s, nil
}

// Registry 设备注册表
func (s *GatewayService) Registry() registry.Registry {
	return s.registry
}

// Broker 设备接入 Broker
func (s *GatewayService) Broker() *broker.Server {
	return s.broker
}

// Start 启动服务；端口绑定失败返回 *broker.ListenError
func (s *GatewayService) Start(ctx context.Context) error {
	s.logger.Info("Starting gateway service components")

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, a := range s.asyncs {
		s.goRun(func() { a.Run(runCtx) })
	}
	s.goRun(func() { s.loop.Run(runCtx) })

	if err := s.broker.Start(); err != nil {
		cancel()
		s.wg.Wait()
		return fmt.Errorf("failed to start broker: %w", err)
	}

	if s.http != nil {
		s.goRun(func() {
			if err := s.http.Start(); err != nil {
				s.logger.Error("HTTP server failed", zap.Error(err))
			}
		})
	}

	s.logger.Info("Gateway service started successfully")
	return nil
}

func (s *GatewayService) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Stop 停止服务
func (s *GatewayService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping gateway service")

	var errs []error
	if err := s.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close broker: %w", err))
	}
	if s.http != nil {
		if err := s.http.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop http server: %w", err))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.closeClients()

	s.logger.Info("Gateway service stopped")
	return errors.Join(errs...)
}

func (s *GatewayService) closeClients() {
	if s.relay != nil {
		s.relay.Disconnect()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("Failed to close redis", zap.Error(err))
		}
	}
}
