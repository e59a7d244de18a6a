package data

import (
	"errors"
	"time"
)

var (
	ErrRecordNotFound = errors.New("record not found")
)

// BackedUpEvent is one ledger row: an event whose clip is durably on the
// remote. A row with an empty RemotePath was seeded by --skip-missing and
// has no file behind it.
type BackedUpEvent struct {
	ID         string
	Type       string
	CameraID   string
	Start      time.Time
	End        time.Time
	RemotePath string
	UploadedAt time.Time
}

// Seeded reports whether the row is a skip-missing placeholder rather than
// a real upload.
func (e BackedUpEvent) Seeded() bool {
	return e.RemotePath == ""
}
