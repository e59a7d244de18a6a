package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	DefaultSubject     = "protect.backup.events"
	publishMaxRetries  = 3
	publishRetryFactor = 100 * time.Millisecond
)

// Lifecycle event kinds published on the bus.
const (
	KindUploaded = "uploaded"
	KindBanned   = "banned"
	KindPurged   = "purged"
)

// BackupEvent is the record published for each pipeline lifecycle change.
type BackupEvent struct {
	MessageID  uuid.UUID `json:"message_id"`
	Instance   uuid.UUID `json:"instance_id"`
	Kind       string    `json:"kind"`
	EventID    string    `json:"event_id"`
	CameraID   string    `json:"camera_id"`
	CameraName string    `json:"camera_name,omitempty"`
	RemotePath string    `json:"remote_path,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// LifecyclePublisher publishes BackupEvents on NATS with a bounded retry.
// A nil publisher is valid and drops everything, so callers never need to
// branch on whether the bus is configured.
type LifecyclePublisher struct {
	conn     *nats.Conn
	subject  string
	instance uuid.UUID
}

func NewLifecyclePublisher(conn *nats.Conn, subject string, instance uuid.UUID) *LifecyclePublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &LifecyclePublisher{conn: conn, subject: subject, instance: instance}
}

func (p *LifecyclePublisher) Publish(kind, eventID, cameraID, cameraName, remotePath string) error {
	if p == nil || p.conn == nil {
		return nil
	}
	evt := BackupEvent{
		MessageID:  uuid.New(),
		Instance:   p.instance,
		Kind:       kind,
		EventID:    eventID,
		CameraID:   cameraID,
		CameraName: cameraName,
		RemotePath: remotePath,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	for i := 0; i <= publishMaxRetries; i++ {
		err = p.conn.Publish(p.subject, data)
		if err == nil {
			return nil
		}

		// Backoff
		time.Sleep(time.Duration(i) * publishRetryFactor)
	}

	return fmt.Errorf("publish failed after %d retries: %w", publishMaxRetries, err)
}
