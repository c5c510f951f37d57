package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/douxiyou/vita-monit/internal/config"
	"github.com/douxiyou/vita-monit/internal/logger"
	"github.com/douxiyou/vita-monit/internal/service"
	"github.com/douxiyou/vita-monit/internal/supervisor"
)

const serviceName = "vita-monit"

type options struct {
	configPath  string
	worker      bool
	workerIndex int
	workers     int
	standalone  bool
}

func main() {
	var opts options
	flagSet := pflag.NewFlagSet(serviceName, pflag.ExitOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to YAML config file (default: $VITA_CONFIG)")
	flagSet.BoolVar(&opts.worker, "worker", false, "run as a worker process (started by the supervisor)")
	flagSet.IntVar(&opts.workerIndex, "worker-index", 0, "worker index, used for logs and the HTTP port offset")
	flagSet.IntVar(&opts.workers, "workers", 0, "number of workers (default: supervisor.workers from config)")
	flagSet.BoolVar(&opts.standalone, "standalone", false, "run a single worker in this process without the supervisor")
	_ = flagSet.Parse(os.Args[1:])

	// 加载配置
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if opts.workers > 0 {
		cfg.Supervisor.Workers = opts.workers
	}

	// 初始化Logger
	base, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer base.Sync()

	if opts.worker || opts.standalone {
		runWorker(cfg, opts.workerIndex, logger.ForWorker(base, opts.workerIndex))
		return
	}
	runSupervisor(cfg, opts, base)
}

// runWorker 运行网关服务直到收到 SIGINT/SIGTERM
func runWorker(cfg *config.Config, index int, logger *zap.Logger) {
	logger.Info("Starting vita-monit worker",
		zap.String("broker_address", cfg.Broker.Address),
		zap.String("registry_backend", cfg.Registry.Backend),
		zap.String("instance_id", os.Getenv(supervisor.EnvInstanceID)),
	)

	// 创建服务
	gateway, err := service.NewGatewayService(cfg, index, logger)
	if err != nil {
		logger.Fatal("Failed to create gateway service", zap.Error(err))
	}

	// 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gateway.Start(ctx); err != nil {
		logger.Fatal("Failed to start gateway service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := gateway.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	cancel()

	logger.Info("Worker stopped")
}

// runSupervisor 启动 worker 进程并保持运行
func runSupervisor(cfg *config.Config, opts options, logger *zap.Logger) {
	var args []string
	if opts.configPath != "" {
		args = append(args, "--config", opts.configPath)
	}
	args = append(args, fmt.Sprintf("--workers=%d", cfg.Supervisor.Workers))

	spawner, err := supervisor.NewExecSpawner(args)
	if err != nil {
		logger.Fatal("Failed to create worker spawner", zap.Error(err))
	}

	sup := supervisor.New(spawner, cfg.Supervisor.Workers, supervisor.RestartPolicy{
		MaxRestarts: cfg.Supervisor.MaxRestarts,
		Backoff:     cfg.Supervisor.RestartBackoff,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting vita-monit supervisor",
		zap.Int("workers", cfg.Supervisor.Workers),
		zap.String("broker_address", cfg.Broker.Address),
	)

	if err := sup.Run(ctx); err != nil {
		logger.Fatal("Supervisor exited", zap.Error(err))
	}
	logger.Info("Service stopped")
}
