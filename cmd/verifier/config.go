package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Config holds the command-line configuration of the verifier.
type Config struct {
	RequestID   int
	APIURL      string
	StreamURL   string
	Token       string
	MonitorAddr string
	MetricsAddr string
	PprofAddr   string
	EvidenceDir string

	CameraIndex int
	CameraDir   string
	Interval    time.Duration
	Width       int
	Height      int
	Quality     int
	Mirror      bool

	Threshold      float64
	MaxReconnects  int
	ReconnectDelay time.Duration

	LogLevel string
	LogColor bool
}

// DefaultConfig returns defaults, with endpoints and the token taken from
// the environment when set.
func DefaultConfig() Config {
	return Config{
		APIURL:         getEnv("TOOLSCAN_API_URL", "http://localhost:8000"),
		StreamURL:      getEnv("TOOLSCAN_WS_URL", "ws://localhost:8000/api/ws/video"),
		Token:          getEnv("TOOLSCAN_TOKEN", ""),
		MonitorAddr:    ":8090",
		EvidenceDir:    "./evidence",
		Interval:       time.Second,
		Width:          640,
		Height:         480,
		Quality:        90,
		Mirror:         true,
		Threshold:      0.98,
		ReconnectDelay: 2 * time.Second,
		LogLevel:       "info",
		LogColor:       true,
	}
}

func bindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.RequestID, "request", cfg.RequestID, "Maintenance request ID to verify")
	fs.StringVar(&cfg.APIURL, "api", cfg.APIURL, "REST API base URL")
	fs.StringVar(&cfg.StreamURL, "ws", cfg.StreamURL, "Detection stream WebSocket URL")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "Bearer token for the REST API")
	fs.StringVar(&cfg.MonitorAddr, "http", cfg.MonitorAddr, "Operator monitor address")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Standalone metrics server address (empty to disable)")
	fs.StringVar(&cfg.PprofAddr, "pprof", cfg.PprofAddr, "pprof server address (empty to disable)")
	fs.StringVar(&cfg.EvidenceDir, "evidence-dir", cfg.EvidenceDir, "Incident evidence output path")
	fs.IntVar(&cfg.CameraIndex, "camera", cfg.CameraIndex, "Camera device index")
	fs.StringVar(&cfg.CameraDir, "camera-dir", cfg.CameraDir, "Replay images from a directory instead of a camera")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "Frame capture interval")
	fs.IntVar(&cfg.Width, "width", cfg.Width, "Streamed frame width")
	fs.IntVar(&cfg.Height, "height", cfg.Height, "Streamed frame height")
	fs.IntVar(&cfg.Quality, "quality", cfg.Quality, "Streamed JPEG quality (1-100)")
	fs.BoolVar(&cfg.Mirror, "mirror", cfg.Mirror, "Mirror the preview horizontally")
	fs.Float64Var(&cfg.Threshold, "threshold", cfg.Threshold, "Recognition probability threshold")
	fs.IntVar(&cfg.MaxReconnects, "reconnects", cfg.MaxReconnects, "Stream reconnection attempts (0 disables)")
	fs.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "Delay between reconnection attempts")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")
}

// Validate checks values the flag package cannot
func (c Config) Validate() error {
	if c.RequestID <= 0 {
		return fmt.Errorf("-request is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("-interval must be positive")
	}
	if c.Threshold < 0 || c.Threshold >= 1 {
		return fmt.Errorf("-threshold must be in [0, 1)")
	}
	if c.Quality < 1 || c.Quality > 100 {
		return fmt.Errorf("-quality must be in [1, 100]")
	}
	u, err := url.Parse(c.StreamURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("-ws must be a ws:// or wss:// URL")
	}
	if _, err := url.ParseRequestURI(c.APIURL); err != nil {
		return fmt.Errorf("-api: %w", err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
