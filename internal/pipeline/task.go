// Package pipeline runs the download state machine: detected items enter a
// bounded work queue, workers fetch and store the payload, and lifecycle
// events fan out through the notification hub.
package pipeline

import (
	"errors"
	"time"
)

// Status is the download task state.
type Status string

const (
	// StatusQueued means the task is waiting for a worker.
	StatusQueued Status = "queued"
	// StatusDownloading means a worker is fetching the payload.
	StatusDownloading Status = "downloading"
	// StatusCompleted is terminal: the artifact is durably stored.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal until an explicit retry.
	StatusFailed Status = "failed"
)

var (
	// ErrTaskNotFound is returned when the task id does not exist for the
	// user.
	ErrTaskNotFound = errors.New("download task not found")
	// ErrNotRetriable is returned when retrying a task that is not failed.
	ErrNotRetriable = errors.New("task is not in a failed state")
)

// Task tracks fetch-and-store of one detected item. Terminal tasks are
// immutable except for the explicit retry, which resets a failed task back
// to queued.
type Task struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	ChannelID     string     `json:"channelId"`
	SourceItemRef string     `json:"sourceItemRef"`
	Filename      string     `json:"filename"`
	Title         string     `json:"title,omitempty"`
	ByteSize      int64      `json:"byteSize"`
	Status        Status     `json:"status"`
	ProgressPct   int        `json:"progressPct"`
	ErrorReason   string     `json:"errorReason,omitempty"`
	StoragePath   string     `json:"storagePath,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether the task reached a final state.
func (t Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}
