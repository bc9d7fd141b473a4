// Package recorder stores incident evidence frames on disk.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aflt-toolscan/kit-verifier/internal/logger"
)

// Evidence writes raw and annotated frames for incident reports
type Evidence struct {
	mu           sync.Mutex
	basePath     string
	fileCount    uint64
	bytesWritten uint64
	lastSaved    time.Time
	now          func() time.Time
	log          logger.Module
}

// Paths of one saved evidence pair
type Paths struct {
	Raw       string `json:"raw"`
	Annotated string `json:"annotated,omitempty"`
}

// NewEvidence creates a recorder writing under basePath
func NewEvidence(basePath string) *Evidence {
	return &Evidence{
		basePath: basePath,
		now:      time.Now,
		log:      logger.For("Recorder"),
	}
}

// Save writes <ts>_raw.jpg and, when given, <ts>_annotated.jpg into the
// request's directory.
func (e *Evidence) Save(requestID int, raw, annotated []byte) (Paths, error) {
	if len(raw) == 0 {
		return Paths{}, fmt.Errorf("no frame to save")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	dir := filepath.Join(e.basePath, fmt.Sprintf("request_%d", requestID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("failed to create evidence dir: %w", err)
	}

	timestamp := e.now().Format("20060102_150405.000")
	paths := Paths{Raw: filepath.Join(dir, timestamp+"_raw.jpg")}
	if err := e.writeFile(paths.Raw, raw); err != nil {
		return Paths{}, err
	}
	if len(annotated) > 0 {
		paths.Annotated = filepath.Join(dir, timestamp+"_annotated.jpg")
		if err := e.writeFile(paths.Annotated, annotated); err != nil {
			return paths, err
		}
	}

	e.lastSaved = e.now()
	e.log.Info("Saved incident evidence for request %d: %s", requestID, paths.Raw)
	return paths, nil
}

func (e *Evidence) writeFile(path string, data []byte) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	n, err := file.Write(data)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	e.fileCount++
	e.bytesWritten += uint64(n)
	return nil
}

// GetStatus returns what has been written so far
func (e *Evidence) GetStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		BasePath:     e.basePath,
		FileCount:    e.fileCount,
		BytesWritten: e.bytesWritten,
		LastSaved:    e.lastSaved,
	}
}

// Status holds evidence counters
type Status struct {
	BasePath     string    `json:"base_path"`
	FileCount    uint64    `json:"file_count"`
	BytesWritten uint64    `json:"bytes_written"`
	LastSaved    time.Time `json:"last_saved"`
}
