package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/lifecycle"
	"camrelay/internal/core/ports"
	"camrelay/internal/infrastructure/monitoring"
	wssignal "camrelay/internal/infrastructure/signal"
	webrtcinfra "camrelay/internal/infrastructure/webrtc"
	"camrelay/pkg/config"
	"camrelay/pkg/logger"
	"camrelay/pkg/validation"

	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type viewerFlags struct {
	ConfigPath         string
	RelayURL           string
	ViewerID           string
	Token              string
	Devices            []string
	RecordDir          string
	RecordFormat       string
	MetricsAddress     string
	ConfirmOnConnected bool
}

func main() {
	var flags viewerFlags

	cmd := &cobra.Command{
		Use:          "viewer",
		Short:        "watch cameras through a relay",
		Long:         `viewer connects to a relay, negotiates a receive-only WebRTC session with each watched camera and keeps it alive.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &flags)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&flags.ConfigPath, "config", "c", "configs/config.yaml", "path to the YAML config file")
	fs.StringVarP(&flags.RelayURL, "relay", "r", "", "relay websocket url (overrides viewer.relay_url)")
	fs.StringVarP(&flags.ViewerID, "id", "i", "", "viewer id (overrides viewer.viewer_id)")
	fs.StringVarP(&flags.Token, "token", "t", "", "signaling token (overrides viewer.token)")
	fs.StringSliceVarP(&flags.Devices, "device", "d", nil, "device to watch, repeatable; empty watches every announced device")
	fs.StringVar(&flags.RecordDir, "record-dir", "", "write received media under this directory")
	fs.StringVar(&flags.RecordFormat, "record-format", "ivf", "recording container: ivf (VP8) or h264")
	fs.StringVar(&flags.MetricsAddress, "metrics-address", "", "serve lifecycle metrics on this address")
	fs.BoolVar(&flags.ConfirmOnConnected, "confirm-on-connected", false, "treat transport connected as confirmed without waiting for media")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, flags *viewerFlags) error {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	if flags.RelayURL != "" {
		cfg.Viewer.RelayURL = flags.RelayURL
	}
	if flags.ViewerID != "" {
		cfg.Viewer.ViewerID = flags.ViewerID
	}
	if flags.Token != "" {
		cfg.Viewer.Token = flags.Token
	}
	if flags.RecordDir != "" {
		cfg.Viewer.RecordDir = flags.RecordDir
	}
	if cmd.Flags().Changed("confirm-on-connected") {
		cfg.Lifecycle.ConfirmOnTransportConnected = flags.ConfirmOnConnected
	}

	if err := validation.ValidateViewerID(cfg.Viewer.ViewerID); err != nil {
		return fmt.Errorf("viewer id: %w", err)
	}
	for _, d := range flags.Devices {
		if err := validation.ValidateDeviceID(d); err != nil {
			return fmt.Errorf("device %q: %w", d, err)
		}
	}
	if flags.RecordFormat != "ivf" && flags.RecordFormat != "h264" {
		return fmt.Errorf("unsupported record format %q", flags.RecordFormat)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("viewer_id", cfg.Viewer.ViewerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rtcCfg := webrtcinfra.Config{}
	for _, s := range cfg.WebRTC.ICEServers {
		rtcCfg.ICEServers = append(rtcCfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	rtcCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	rtcCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	transports, err := webrtcinfra.NewTransportFactory(rtcCfg, log)
	if err != nil {
		return err
	}

	client := wssignal.NewClient(wssignal.ClientConfig{
		URL:          cfg.Viewer.RelayURL,
		ViewerID:     domain.ViewerID(cfg.Viewer.ViewerID),
		Token:        cfg.Viewer.Token,
		WriteTimeout: cfg.Signal.WriteTimeout,
		PongTimeout:  cfg.Signal.PongTimeout,
	}, nil, log)

	opts := []lifecycle.Option{
		lifecycle.WithSinkFactory(sinkFactory(cfg.Viewer.RecordDir, flags.RecordFormat, log)),
		lifecycle.WithStatusListener(func(deviceID domain.DeviceID, status domain.Status) {
			log.Infow("status", "device_id", deviceID, "state", status.State, "attempt", status.Attempt, "error", status.Error)
		}),
	}
	if flags.MetricsAddress != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, lifecycle.WithObserver(monitoring.NewPrometheusCollector(reg)))
		go serveMetrics(ctx, flags.MetricsAddress, reg, log)
	}

	manager := lifecycle.NewManager(domain.ViewerID(cfg.Viewer.ViewerID), client, transports, lifecycle.Config{
		ConnectTimeout:              cfg.Lifecycle.ConnectTimeout,
		RetryDelay:                  cfg.Lifecycle.RetryDelay,
		KeepaliveInterval:           cfg.Lifecycle.KeepaliveInterval,
		StaleAfter:                  cfg.Lifecycle.StaleAfter,
		MaxAttempts:                 cfg.Lifecycle.MaxAttempts,
		ConfirmOnTransportConnected: cfg.Lifecycle.ConfirmOnTransportConnected,
		CandidateCapacity:           cfg.Candidates.BufferCapacity,
	}, log, opts...)
	defer manager.Close()

	var handler ports.ViewerHandler = manager
	if len(flags.Devices) == 0 {
		handler = &watchAll{Manager: manager, logger: log}
	}
	client.SetHandler(handler)
	client.OnConnected(func() {
		for _, d := range flags.Devices {
			if err := manager.Watch(domain.DeviceID(d)); err != nil {
				log.Warnw("failed to watch device", "device_id", d, "error", err)
			}
		}
	})

	log.Infow("starting viewer", "relay", cfg.Viewer.RelayURL, "devices", flags.Devices)
	err = client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("viewer stopped")
		return nil
	}
	return err
}

// watchAll starts a controller for every device the relay announces.
type watchAll struct {
	*lifecycle.Manager
	logger *zap.SugaredLogger
}

func (w *watchAll) HandleDeviceAdded(device domain.Device) {
	if _, ok := w.Controller(device.ID); !ok {
		if err := w.Watch(device.ID); err != nil {
			w.logger.Warnw("failed to watch device", "device_id", device.ID, "error", err)
		}
		return
	}
	w.Manager.HandleDeviceAdded(device)
}

func sinkFactory(dir, format string, log *zap.SugaredLogger) func(domain.DeviceID) ports.MediaSink {
	return func(deviceID domain.DeviceID) ports.MediaSink {
		if dir == "" {
			return webrtcinfra.NewCountingSink()
		}
		path := filepath.Join(dir, fmt.Sprintf("%s-%d.%s", deviceID, time.Now().Unix(), format))
		sink, err := webrtcinfra.NewFileSink(path)
		if err != nil {
			log.Warnw("recording disabled for attempt", "device_id", deviceID, "error", err)
			return webrtcinfra.NewCountingSink()
		}
		log.Infow("recording", "device_id", deviceID, "path", path)
		return sink
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorw("metrics server failed", "error", err)
	}
}
