package domain

import "time"

type BroadcastStatus string

const (
	BroadcastStatusIdle      BroadcastStatus = "idle"
	BroadcastStatusRunning   BroadcastStatus = "running"
	BroadcastStatusStopped   BroadcastStatus = "stopped"
	BroadcastStatusCompleted BroadcastStatus = "completed"
	BroadcastStatusError     BroadcastStatus = "error"
)

// BroadcastMedia is an optional attachment sent with a broadcast.
type BroadcastMedia struct {
	Data     []byte
	MimeType string
	Filename string
}

// BroadcastTarget is one recipient in a job's retry queue.
type BroadcastTarget struct {
	LeadID   string
	Phone    string
	Attempts int
}

// BroadcastJob is the in-process state of one mass-send run.
type BroadcastJob struct {
	ID         string
	Status     BroadcastStatus
	Filter     LeadFilter
	Message    string
	Media      *BroadcastMedia
	Queue      []BroadcastTarget
	Total      int
	Processed  int
	Sent       int
	Failed     int
	MaxRetries int
	IntervalMs int
	StartedBy  string
	StartedAt  time.Time
	// UpdatedAt is refreshed on every save while the job runs.
	UpdatedAt  time.Time
	FinishedAt *time.Time
	LastError  string
}

// Clone returns a deep copy safe to hand outside the engine lock.
func (j *BroadcastJob) Clone() *BroadcastJob {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Filter.Statuses = append([]string(nil), j.Filter.Statuses...)
	clone.Queue = append([]BroadcastTarget(nil), j.Queue...)
	if j.Media != nil {
		media := *j.Media
		media.Data = append([]byte(nil), j.Media.Data...)
		clone.Media = &media
	}
	if j.FinishedAt != nil {
		finishedAt := *j.FinishedAt
		clone.FinishedAt = &finishedAt
	}
	return &clone
}

type DeliveryStatus string

const (
	DeliveryStatusSent   DeliveryStatus = "sent"
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// BroadcastDelivery is the persisted log row for one send attempt.
type BroadcastDelivery struct {
	ID                string
	JobID             string
	LeadID            string
	Phone             string
	Attempt           int
	Status            DeliveryStatus
	ProviderMessageID string
	Error             string
	CreatedAt         time.Time
}
