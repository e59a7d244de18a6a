package pipeline

import (
	"fmt"
	"time"

	"github.com/technosupport/ts-protect-backup/internal/protect"
)

// Filter decides which finished events are worth downloading. The same
// rules gate both the realtime listener and the reconciler so an event
// rejected live is not resurrected by a later poll.
type Filter struct {
	detectionTypes map[string]bool
	ignoreCameras  map[string]bool
	cameras        map[string]bool
	maxEventLength time.Duration
}

func NewFilter(detectionTypes, ignoreCameras, cameras []string, maxEventLength time.Duration) *Filter {
	f := &Filter{
		detectionTypes: make(map[string]bool, len(detectionTypes)),
		ignoreCameras:  make(map[string]bool, len(ignoreCameras)),
		cameras:        make(map[string]bool, len(cameras)),
		maxEventLength: maxEventLength,
	}
	for _, t := range detectionTypes {
		f.detectionTypes[t] = true
	}
	for _, id := range ignoreCameras {
		f.ignoreCameras[id] = true
	}
	for _, id := range cameras {
		f.cameras[id] = true
	}
	return f
}

// Eligible reports whether ev should be backed up, with a reason when not.
func (f *Filter) Eligible(ev protect.Event) (bool, string) {
	if f.ignoreCameras[ev.CameraID] {
		return false, "camera ignored"
	}
	if len(f.cameras) > 0 && !f.cameras[ev.CameraID] {
		return false, "camera not selected"
	}
	if !ev.Complete() {
		return false, "event still in progress"
	}
	if f.maxEventLength > 0 && ev.Duration() > f.maxEventLength {
		return false, fmt.Sprintf("event too long (%s)", ev.Duration())
	}
	switch ev.Type {
	case protect.EventTypeMotion:
		if !f.detectionTypes["motion"] {
			return false, "motion detections disabled"
		}
	case protect.EventTypeRing:
		if !f.detectionTypes["ring"] {
			return false, "ring detections disabled"
		}
	case protect.EventTypeSmartDetect:
		if !f.anySmartClass(ev) {
			return false, fmt.Sprintf("no enabled smart detection in %v", ev.SmartDetectTypes)
		}
	case protect.EventTypeSmartDetectLine:
		if !f.detectionTypes["line"] && !f.anySmartClass(ev) {
			return false, "line crossing detections disabled"
		}
	default:
		return false, fmt.Sprintf("unsupported event type %q", ev.Type)
	}
	return true, ""
}

func (f *Filter) anySmartClass(ev protect.Event) bool {
	for _, class := range ev.SmartDetectTypes {
		if f.detectionTypes[class] {
			return true
		}
	}
	return false
}
