package monitor

import (
	"time"

	"github.com/aflt-toolscan/kit-verifier/internal/overlay"
)

// Config defines the runtime configuration for the operator monitor.
type Config struct {
	Addr           string
	StatusInterval time.Duration // Keepalive period of the status stream
	MJPEGInterval  time.Duration // Frame period of the preview stream
	HistorySize    int           // Recognition history entries kept for /api/status
	MaxUploadBytes int64         // Limit for POST /api/frames
	Mirror         bool          // Preview is mirrored horizontally
	Overlay        overlay.Options
}

// DefaultConfig returns a config matching the operator station defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8090",
		StatusInterval: 2 * time.Second,
		MJPEGInterval:  200 * time.Millisecond,
		HistorySize:    8,
		MaxUploadBytes: 10 << 20,
		Mirror:         true,
		Overlay:        overlay.DefaultOptions(),
	}
}
