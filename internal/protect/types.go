// Package protect is a minimal UniFi Protect client covering what the
// backup agent needs: session auth, the bootstrap inventory, paged event
// history, clip export and the realtime update websocket.
package protect

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Event types emitted by the NVR that the agent can back up.
const (
	EventTypeMotion          = "motion"
	EventTypeRing            = "ring"
	EventTypeSmartDetect     = "smartDetectZone"
	EventTypeSmartDetectLine = "smartDetectLine"
)

// Timestamp is a UniFi Protect wire timestamp: milliseconds since the Unix
// epoch, with null meaning unset.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		t.Time = time.Time{}
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

// Event is a Protect event record. End is unset while the event is still in
// progress.
type Event struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	CameraID         string    `json:"camera"`
	Start            Timestamp `json:"start"`
	End              Timestamp `json:"end"`
	SmartDetectTypes []string  `json:"smartDetectTypes,omitempty"`
}

// Complete reports whether the event has finished recording.
func (e Event) Complete() bool {
	return !e.End.IsZero()
}

// Duration of the recording. Ring events can legitimately be zero length.
func (e Event) Duration() time.Duration {
	if !e.Complete() {
		return 0
	}
	return e.End.Sub(e.Start.Time)
}

// DetectionLabel renders the event's detection for file names: the bare
// type for simple events, "smartDetectZone (person vehicle)" for smart
// detections.
func (e Event) DetectionLabel() string {
	if len(e.SmartDetectTypes) == 0 {
		return e.Type
	}
	return fmt.Sprintf("%s (%s)", e.Type, strings.Join(e.SmartDetectTypes, " "))
}

// IsSmart reports whether the event carries smart detection classes.
func (e Event) IsSmart() bool {
	return e.Type == EventTypeSmartDetect || e.Type == EventTypeSmartDetectLine
}

// NormalizeEventID strips the camera suffix some realtime messages append
// to the event id ("<event>-<camera>"), so one event always has one id.
func NormalizeEventID(id string) string {
	if idx := strings.IndexByte(id, '-'); idx >= 0 {
		return id[:idx]
	}
	return id
}

// Camera is the subset of the bootstrap camera record the agent uses.
type Camera struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NVR is the subset of the bootstrap NVR record the agent uses.
type NVR struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Timezone string `json:"timezone"`
}

// Bootstrap is the Protect application state snapshot used for the camera
// inventory, the NVR timezone and the websocket resume cursor.
type Bootstrap struct {
	Cameras      []Camera `json:"cameras"`
	NVR          NVR      `json:"nvr"`
	LastUpdateID string   `json:"lastUpdateId"`
}
