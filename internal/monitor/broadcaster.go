package monitor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/aflt-toolscan/kit-verifier/internal/logger"
)

// SerializedEvent holds one status event in both wire formats, so that the
// encoding cost is paid once per event rather than once per client.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized google.protobuf.Struct, base64 encoded for SSE
}

// serializeEvent encodes payload as JSON and as a protobuf Struct
func serializeEvent(payload any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	var generic map[string]interface{}
	if err := json.Unmarshal(jsonData, &generic); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	st, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, fmt.Errorf("struct conversion: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// StatusBroadcaster fans status events out to SSE clients. Events are pushed
// on every session update and repeated on a ticker as a keepalive.
type StatusBroadcaster struct {
	mu       sync.Mutex
	clients  map[int]chan *SerializedEvent
	nextID   int
	source   func() any
	interval time.Duration
	stop     chan struct{}
	stopped  bool
	log      logger.Module
}

// NewStatusBroadcaster creates a broadcaster publishing source() payloads
func NewStatusBroadcaster(source func() any, interval time.Duration) *StatusBroadcaster {
	return &StatusBroadcaster{
		clients:  make(map[int]chan *SerializedEvent),
		source:   source,
		interval: interval,
		stop:     make(chan struct{}),
		log:      logger.For("StatusBroadcaster"),
	}
}

// Subscribe adds a client. The current status is queued immediately.
func (sb *StatusBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	event := sb.generate()

	sb.mu.Lock()
	defer sb.mu.Unlock()

	id := sb.nextID
	sb.nextID++
	ch := make(chan *SerializedEvent, 4)
	if event != nil {
		ch <- event
	}
	sb.clients[id] = ch

	sb.log.Debug("Client #%d subscribed (total clients: %d)", id, len(sb.clients))
	return id, ch
}

// Unsubscribe removes a client
func (sb *StatusBroadcaster) Unsubscribe(id int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if ch, ok := sb.clients[id]; ok {
		close(ch)
		delete(sb.clients, id)
		sb.log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(sb.clients))
	}
}

// Clients returns the number of subscribers
func (sb *StatusBroadcaster) Clients() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.clients)
}

// Publish sends the current status to every client without blocking
func (sb *StatusBroadcaster) Publish() {
	if sb.Clients() == 0 {
		return
	}
	if event := sb.generate(); event != nil {
		sb.broadcast(event)
	}
}

// Start begins the keepalive loop
func (sb *StatusBroadcaster) Start() {
	go sb.run()
}

// Stop halts the broadcaster and disconnects clients
func (sb *StatusBroadcaster) Stop() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.stopped {
		return
	}
	close(sb.stop)
	sb.stopped = true
	for id, ch := range sb.clients {
		close(ch)
		delete(sb.clients, id)
	}
}

func (sb *StatusBroadcaster) run() {
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
			sb.Publish()
		}
	}
}

func (sb *StatusBroadcaster) generate() *SerializedEvent {
	event, err := serializeEvent(sb.source())
	if err != nil {
		sb.log.Error("Status serialization error: %v", err)
		return nil
	}
	return event
}

func (sb *StatusBroadcaster) broadcast(event *SerializedEvent) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for _, ch := range sb.clients {
		select {
		case ch <- event:
		default:
			// Slow client, drop this event
		}
	}
}

// FrameBroadcaster renders the latest frame with overlays and fans it out
// to MJPEG clients. Rendering is skipped while nobody is watching.
type FrameBroadcaster struct {
	mu       sync.Mutex
	clients  map[int]chan []byte
	nextID   int
	render   func() []byte
	interval time.Duration
	stop     chan struct{}
	stopped  bool
	last     []byte
	log      logger.Module
}

// NewFrameBroadcaster creates a broadcaster publishing render() output
func NewFrameBroadcaster(render func() []byte, interval time.Duration) *FrameBroadcaster {
	return &FrameBroadcaster{
		clients:  make(map[int]chan []byte),
		render:   render,
		interval: interval,
		stop:     make(chan struct{}),
		log:      logger.For("FrameBroadcaster"),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2) // Buffer 2 frames to avoid blocking
	fb.clients[id] = ch

	fb.log.Debug("Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		fb.log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))
	}
}

// Clients returns the number of subscribers
func (fb *FrameBroadcaster) Clients() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// Start begins the render loop
func (fb *FrameBroadcaster) Start() {
	go fb.run()
}

// Stop halts the broadcaster and disconnects clients
func (fb *FrameBroadcaster) Stop() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.stopped {
		return
	}
	close(fb.stop)
	fb.stopped = true
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
	}
}

func (fb *FrameBroadcaster) run() {
	ticker := time.NewTicker(fb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-fb.stop:
			return
		case <-ticker.C:
		}

		if fb.Clients() == 0 {
			continue
		}

		data := fb.render()
		if data == nil || bytes.Equal(data, fb.last) {
			continue
		}
		fb.last = data
		fb.broadcast(data)
	}
}

func (fb *FrameBroadcaster) broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			// Client still writing the previous frame
		}
	}
}
