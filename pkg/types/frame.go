package types

import "time"

// Frame is one captured camera frame, already encoded for transport
type Frame struct {
	Seq       uint64    // Sequential capture number
	Timestamp time.Time // Capture timestamp
	Width     int       // Encoded width
	Height    int       // Encoded height
	JPEG      []byte    // JPEG bytes (base64-encoded only on the wire)
}

// Clone returns a copy that does not share the JPEG buffer
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.JPEG = append([]byte(nil), f.JPEG...)
	return &c
}

// SessionState is the observable connection/streaming state of a verification session.
type SessionState struct {
	ID           string     `json:"id"`
	Connected    bool       `json:"connected"`
	Streaming    bool       `json:"streaming"`
	LastEventAt  *time.Time `json:"last_event_at"`
	CameraDenied bool       `json:"camera_denied"`
	Overlap      bool       `json:"overlap"`
	Disconnects  int        `json:"disconnects"`
}
