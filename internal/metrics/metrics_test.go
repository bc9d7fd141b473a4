package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.FramesSent.Add(3)
	m.EventsRejected.Add(1)
	SetBool(&m.Connected, true)
	m.SetBackendFPS(1.5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		"verifier_frames_sent_total 3",
		"verifier_events_rejected_total 1",
		"verifier_channel_connected 1",
		"verifier_backend_fps 1.5",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
