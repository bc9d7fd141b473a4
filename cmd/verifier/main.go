package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aflt-toolscan/kit-verifier/internal/backend"
	"github.com/aflt-toolscan/kit-verifier/internal/camera"
	"github.com/aflt-toolscan/kit-verifier/internal/camera/opencv"
	"github.com/aflt-toolscan/kit-verifier/internal/capture"
	"github.com/aflt-toolscan/kit-verifier/internal/logger"
	"github.com/aflt-toolscan/kit-verifier/internal/metrics"
	"github.com/aflt-toolscan/kit-verifier/internal/monitor"
	"github.com/aflt-toolscan/kit-verifier/internal/recorder"
	"github.com/aflt-toolscan/kit-verifier/internal/session"
	"github.com/aflt-toolscan/kit-verifier/internal/stream"
)

// App owns the verification session and the servers around it
type App struct {
	cfg        Config
	ctx        context.Context
	cancel     context.CancelFunc
	metrics    *metrics.Metrics
	session    *session.Session
	monitor    *monitor.Server
	httpServer *http.Server

	closedOnce sync.Once
	closed     chan struct{}
}

func main() {
	cfg := DefaultConfig()
	bindFlags(flag.CommandLine, &cfg)
	flag.Parse()

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Info("Main", "Kit verifier starting...")
	logger.Info("Main", "Log level: %s", level)

	app, err := NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to create verifier: %v", err)
	}

	if err := app.Start(); err != nil {
		log.Fatalf("Failed to start verifier: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("Main", "Shutting down...")
	case <-app.closed:
		logger.Info("Main", "Request %d closed, shutting down", cfg.RequestID)
		// let the final status reach the operator page
		time.Sleep(time.Second)
	}

	if err := app.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Verifier stopped")
}

// NewApp loads the request and its kit, then builds the session and monitor
func NewApp(cfg Config) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()
	client := backend.NewClient(cfg.APIURL, cfg.Token)

	loadCtx, loadCancel := context.WithTimeout(ctx, 15*time.Second)
	defer loadCancel()

	req, err := client.FetchRequest(loadCtx, cfg.RequestID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load request %d: %w", cfg.RequestID, err)
	}
	kit, err := client.FetchInventory(loadCtx, req.ToolSetID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load tool set %d: %w", req.ToolSetID, err)
	}
	logger.Info("Main", "Request %d: kit %s with %d tools", req.ID, kit.BatchNumber, kit.Inventory.Len())

	streamOpts := stream.DefaultOptions()
	streamOpts.MaxReconnects = cfg.MaxReconnects
	streamOpts.ReconnectDelay = cfg.ReconnectDelay

	sess := session.New(session.Config{
		RequestID:   req.ID,
		BatchNumber: kit.BatchNumber,
		Endpoint:    cfg.StreamURL,
		Interval:    cfg.Interval,
		Threshold:   cfg.Threshold,
		Mirror:      cfg.Mirror,
		Capture:     capture.Options{Width: cfg.Width, Height: cfg.Height, Quality: cfg.Quality},
		Stream:      streamOpts,
	}, session.Deps{
		Backend:    client,
		Inventory:  kit.Inventory,
		OpenCamera: cameraOpener(cfg),
		Evidence:   recorder.NewEvidence(cfg.EvidenceDir),
		Metrics:    m,
	})

	monCfg := monitor.DefaultConfig()
	monCfg.Addr = cfg.MonitorAddr
	monCfg.Mirror = cfg.Mirror
	monCfg.Overlay.Mirror = cfg.Mirror
	mon := monitor.NewServer(monCfg, sess, m)

	app := &App{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		metrics: m,
		session: sess,
		monitor: mon,
		httpServer: &http.Server{
			Addr:    monCfg.Addr,
			Handler: mon.Handler(),
		},
		closed: make(chan struct{}),
	}
	sess.OnUpdate(func() {
		if sess.Done() {
			app.closedOnce.Do(func() { close(app.closed) })
		}
	})
	return app, nil
}

func cameraOpener(cfg Config) func() (camera.Device, error) {
	if cfg.CameraDir != "" {
		return func() (camera.Device, error) {
			return camera.NewDirDevice(cfg.CameraDir)
		}
	}
	return func() (camera.Device, error) {
		return opencv.Open(cfg.CameraIndex, cfg.Width, cfg.Height)
	}
}

// Start brings up the servers and the session
func (a *App) Start() error {
	logger.Info("Main", "Starting verifier...")
	logger.Info("Main", "  Request: %d", a.cfg.RequestID)
	logger.Info("Main", "  API: %s", a.cfg.APIURL)
	logger.Info("Main", "  Stream: %s", a.cfg.StreamURL)
	logger.Info("Main", "  Monitor: %s", a.cfg.MonitorAddr)
	logger.Info("Main", "  Evidence path: %s", a.cfg.EvidenceDir)

	if a.cfg.PprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", a.cfg.PprofAddr)
			if err := http.ListenAndServe(a.cfg.PprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	if a.cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", a.cfg.MetricsAddr)
			if err := a.metrics.StartServer(a.cfg.MetricsAddr); err != nil {
				logger.Warn("Main", "Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Operator monitor on %s", a.cfg.MonitorAddr)
		if err := a.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	if err := a.session.Start(a.ctx); err != nil {
		return err
	}
	logger.Info("Main", "Verifier started successfully")
	return nil
}

// Shutdown tears the session down before stopping the servers
func (a *App) Shutdown() error {
	a.cancel()
	a.session.Teardown()
	a.monitor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.httpServer.Shutdown(ctx)
}
