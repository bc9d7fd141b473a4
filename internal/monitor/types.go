package monitor

import (
	"context"
	"image"

	"github.com/aflt-toolscan/kit-verifier/internal/recorder"
	"github.com/aflt-toolscan/kit-verifier/internal/session"
	"github.com/aflt-toolscan/kit-verifier/pkg/types"
)

// Controller is the verification session as driven by the operator page.
type Controller interface {
	Status() session.Status
	Snapshot() types.Snapshot
	LatestFrame() *types.Frame
	OnUpdate(fn func())
	EvidenceStatus() (recorder.Status, bool)

	Finish() error
	Cancel() error
	Retry() error
	Confirm(ctx context.Context, comment string) error
	SubmitImage(ctx context.Context, img image.Image) error
}

// HistoryEntry is one accepted detection event as summarized for the page.
type HistoryEntry struct {
	FrameNumber int     `json:"frame_number"`
	Timestamp   float64 `json:"timestamp"`
	Recognized  int     `json:"recognized"`
	Missing     int     `json:"missing"`
	Overlap     bool    `json:"overlap"`
}

// MonitorStats summarizes the monitor itself.
type MonitorStats struct {
	Uptime        float64 `json:"uptime_seconds"`
	EventsSeen    int     `json:"events_seen"`
	StatusClients int     `json:"status_clients"`
	FrameClients  int     `json:"frame_clients"`
	BackendFPS    float64 `json:"backend_fps"`
}

type confirmRequest struct {
	Comment string `json:"comment"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
