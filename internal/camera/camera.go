// Package camera provides frame sources for the capture loop.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // JPEG decoder
	_ "image/png"  // PNG decoder
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrPermissionDenied means the camera cannot be opened for this process.
	ErrPermissionDenied = errors.New("camera access denied")
	// ErrDeviceBusy means a read failed but the device may recover.
	ErrDeviceBusy = errors.New("camera busy")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("camera closed")
)

// Device acquires single frames
type Device interface {
	Capture(ctx context.Context) (image.Image, error)
	Close() error
}

// DirDevice replays the images of a directory in lexical order, looping.
type DirDevice struct {
	mu     sync.Mutex
	files  []string
	next   int
	closed bool
}

// NewDirDevice lists the JPEG and PNG files of dir
func NewDirDevice(dir string) (*DirDevice, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	sort.Strings(files)

	return &DirDevice{files: files}, nil
}

// Capture decodes the next image
func (d *DirDevice) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	path := d.files[d.next]
	d.next = (d.next + 1) % len(d.files)
	d.mu.Unlock()

	return DecodeFile(path)
}

// Close stops the device
func (d *DirDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// DecodeFile decodes a JPEG or PNG file
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
