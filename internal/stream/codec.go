package stream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aflt-toolscan/kit-verifier/pkg/types"
)

// Message types on the wire
const (
	TypeVideoFrame            = "video_frame"
	TypeFrameReceived         = "frame_received"
	TypeConnectionEstablished = "connection_established"
	TypePong                  = "pong"
)

// obb_rows layout: class index followed by x1,y1..x4,y4
const obbRowLen = 9

// ErrMalformedMessage marks an inbound message that cannot be decoded.
var ErrMalformedMessage = errors.New("malformed message")

type outboundFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
	Frame     string `json:"frame"`     // base64 image bytes
}

// EncodeFrame builds the outbound video_frame message
func EncodeFrame(image []byte, ts time.Time) ([]byte, error) {
	return json.Marshal(outboundFrame{
		Type:      TypeVideoFrame,
		Timestamp: ts.UnixMilli(),
		Frame:     base64.StdEncoding.EncodeToString(image),
	})
}

type inboundMessage struct {
	Type        string          `json:"type"`
	ClientID    string          `json:"client_id"`
	FrameNumber int             `json:"frame_number"`
	Timestamp   float64         `json:"timestamp"` // epoch seconds
	FPS         float64         `json:"fps"`
	Classes     []string        `json:"classes"`
	Probs       []float64       `json:"probs"`
	OBBRows     [][]float64     `json:"obb_rows"`
	Masks       json.RawMessage `json:"masks"`
	OverlapFlag *bool           `json:"overlap_flag"`
}

// Message is one decoded inbound message
type Message struct {
	Type     string
	ClientID string                // connection_established only
	Event    *types.DetectionEvent // frame_received only
}

// DecodeMessage parses an inbound message. frame_received payloads are
// converted to a DetectionEvent; array lengths are not reconciled here.
func DecodeMessage(data []byte) (Message, error) {
	var in inboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if in.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	msg := Message{Type: in.Type, ClientID: in.ClientID}
	if in.Type != TypeFrameReceived {
		return msg, nil
	}

	ev := &types.DetectionEvent{
		FrameNumber: in.FrameNumber,
		Timestamp:   secondsToTime(in.Timestamp),
		FPS:         in.FPS,
		Probs:       in.Probs,
	}
	if in.OverlapFlag != nil {
		ev.Overlap = *in.OverlapFlag
	}
	if len(in.Classes) > 0 {
		ev.Classes = make([]types.ToolClass, len(in.Classes))
		for i, c := range in.Classes {
			ev.Classes[i] = types.ToolClass(c)
		}
	}
	if len(in.OBBRows) > 0 {
		ev.Quads = make([]types.OrientedQuad, len(in.OBBRows))
		for i, row := range in.OBBRows {
			if len(row) != obbRowLen {
				return Message{}, fmt.Errorf("%w: obb_rows[%d] has %d values, want %d",
					ErrMalformedMessage, i, len(row), obbRowLen)
			}
			for p := 0; p < 4; p++ {
				ev.Quads[i][p] = types.Point{X: row[1+2*p], Y: row[2+2*p]}
			}
		}
	}

	msg.Event = ev
	return msg, nil
}

func secondsToTime(sec float64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9))
}
