package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camrelay/internal/core/services"
	httphandlers "camrelay/internal/handlers/http"
	"camrelay/internal/infrastructure/distributed"
	"camrelay/internal/infrastructure/middleware"
	"camrelay/internal/infrastructure/monitoring"
	"camrelay/internal/infrastructure/repositories"
	wssignal "camrelay/internal/infrastructure/signal"
	"camrelay/pkg/config"
	"camrelay/pkg/logger"
	"camrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "relay",
		Short:        "camera signaling relay",
		Long:         `relay brokers WebRTC offers, answers and candidates between cameras and viewers.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML config file")
	rootCmd.AddCommand(tokenCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// tokenCmd prints a signed token so operators can bootstrap cameras and
// viewers without calling the API.
func tokenCmd(configPath *string) *cobra.Command {
	var role, subject string
	cmd := &cobra.Command{
		Use:          "token",
		Short:        "issue a signaling token",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			token, err := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).GenerateToken(role, subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&role, "role", "viewer", "token role: device, viewer or admin")
	fs.StringVar(&subject, "subject", "", "device or viewer id the token is bound to")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func serve(cfg *config.Config) error {
	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer zapLogger.Sync()
	instanceID := uuid.NewString()
	log := zapLogger.Sugar().With("instance_id", instanceID)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	defer repoFactory.Close()

	devices := repoFactory.CreateDeviceRepository()
	registry := services.NewSessionRegistry(devices)
	candidates := services.NewCandidateBuffer(cfg.Candidates.BufferCapacity)
	router := services.NewSignalingRouter(registry, candidates, nil, log)

	wsCfg := wssignal.Config{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.Signal.MaxMessageSize,
		SendQueueSize:  cfg.Signal.SendQueueSize,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		wsCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		wsCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	wsServer := wssignal.NewWebSocketServer(router, wsCfg, log)
	router.SetSink(wsServer)

	var authService services.AuthService
	if cfg.Auth.Enabled {
		authService = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		wsServer.SetAuth(authService)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(reg)
	router.SetObserver(collector)
	wsServer.SetObserver(collector)

	var sweepLease *distributed.Lease
	health := monitoring.NewHealthChecker()
	if repoFactory.UsingRedis() {
		sweepLease = distributed.NewLease(repoFactory.RedisClient(), "camrelay:sweep", instanceID, 3*cfg.Signal.SweepInterval)
		health.AddRedisCheck(repoFactory.RedisClient(), 2*time.Second)

		bus := distributed.NewEventBus(repoFactory.RedisClient(), instanceID, cfg.Redis.EventsChannel, log)
		defer bus.Close()
		router.SetFeed(bus)
		go func() {
			if err := bus.Subscribe(ctx, distributed.Rebroadcast(wsServer)); err != nil && ctx.Err() == nil {
				log.Errorw("device feed subscription ended", "error", err)
			}
		}()
	} else {
		health.AddRepositoryCheck(devices, 2*time.Second)
	}

	if cfg.Signal.DeviceSilenceTimeout > 0 {
		go sweep(ctx, router, collector, sweepLease, cfg.Signal.SweepInterval, cfg.Signal.DeviceSilenceTimeout, log)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLogMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.TracingMiddleware(),
	)
	if cfg.RateLimiting.Enabled {
		engine.Use(middleware.NewHTTPRateLimitMiddleware(cfg.RateLimiting.HTTP.RequestsPerSecond, cfg.RateLimiting.HTTP.Burst))
	}

	var protect []gin.HandlerFunc
	var admin gin.HandlerFunc
	if authService != nil {
		protect = []gin.HandlerFunc{middleware.AuthMiddleware(authService)}
		admin = middleware.RequireRole(services.RoleAdmin)
		httphandlers.NewAuthHandler(authService, cfg.Auth.TokenTTL).SetupRoutes(engine, append(protect, admin)...)
	}
	httphandlers.NewDeviceHandler(router, wsServer, health).SetupRoutes(engine, protect, admin)

	if cfg.Monitoring.PrometheusEnabled {
		engine.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
		log.Infow("prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsServer.HandleWebSocket)
	signalServer := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 2)
	for name, srv := range map[string]*http.Server{"api": apiServer, "signal": signalServer} {
		go func(name string, srv *http.Server) {
			log.Infow("starting server", "server", name, "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- fmt.Errorf("%s server: %w", name, err)
			}
		}(name, srv)
	}

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
		stop()
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	wsServer.CloseAll()
	if sweepLease != nil {
		_ = sweepLease.Release(shutdownCtx)
	}
	for _, srv := range []*http.Server{signalServer, apiServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "address", srv.Addr, "error", err)
			_ = srv.Close()
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}

	log.Info("relay stopped")
	return nil
}

// sweep removes devices that stopped heartbeating and refreshes the
// inventory gauges. With a shared store only the lease holder sweeps.
func sweep(ctx context.Context, router *services.SignalingRouter, collector *monitoring.PrometheusCollector, lease *distributed.Lease, every, maxSilence time.Duration, log *zap.SugaredLogger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if sweepable(ctx, lease, log) {
			removed, err := router.SweepSilentDevices(ctx, maxSilence)
			if err != nil {
				log.Warnw("silent device sweep failed", "error", err)
			} else if len(removed) > 0 {
				log.Infow("removed silent devices", "devices", removed)
			}
		}

		devices, err := router.Devices(ctx)
		if err != nil {
			continue
		}
		collector.SetInventory(len(devices), len(router.Sessions()))
	}
}

func sweepable(ctx context.Context, lease *distributed.Lease, log *zap.SugaredLogger) bool {
	if lease == nil {
		return true
	}
	held, err := lease.Acquire(ctx)
	if err != nil {
		log.Warnw("sweep lease unavailable", "error", err)
		return false
	}
	return held
}
