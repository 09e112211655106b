// Package event provides the in-memory notification hub that fans download
// and channel lifecycle events out to a user's connected clients.
package event

import "time"

// Kind identifies the event category.
type Kind string

const (
	// KindChannelsUpdate is emitted when a user's channel registry changes
	// or a scan detected new items.
	KindChannelsUpdate Kind = "channels_update"
	// KindDownloadStarted is emitted when a task leaves the queue.
	KindDownloadStarted Kind = "download_started"
	// KindDownloadProgress is emitted on whole-step progress increments.
	KindDownloadProgress Kind = "download_progress"
	// KindDownloadCompleted is emitted once the artifact is durably stored.
	KindDownloadCompleted Kind = "download_completed"
	// KindDownloadFailed is emitted when a task reaches the failed state.
	KindDownloadFailed Kind = "download_failed"
)

// Event is the payload delivered to subscribers. Fields beyond Kind,
// UserID and At are set per kind and omitted otherwise.
type Event struct {
	Kind        Kind      `json:"kind"`
	UserID      string    `json:"userId"`
	TaskID      string    `json:"taskId,omitempty"`
	ChannelID   string    `json:"channelId,omitempty"`
	Title       string    `json:"title,omitempty"`
	ProgressPct int       `json:"progressPct,omitempty"`
	StoragePath string    `json:"storagePath,omitempty"`
	ByteSize    int64     `json:"byteSize,omitempty"`
	ErrorReason string    `json:"errorReason,omitempty"`
	At          time.Time `json:"at"`
}

// ChannelsUpdate builds a channels_update event for the user.
func ChannelsUpdate(userID string) Event {
	return Event{Kind: KindChannelsUpdate, UserID: userID, At: time.Now().UTC()}
}

// DownloadStarted builds a download_started event.
func DownloadStarted(userID, taskID, channelID, title string) Event {
	return Event{
		Kind:      KindDownloadStarted,
		UserID:    userID,
		TaskID:    taskID,
		ChannelID: channelID,
		Title:     title,
		At:        time.Now().UTC(),
	}
}

// DownloadProgress builds a download_progress event.
func DownloadProgress(userID, taskID string, progressPct int) Event {
	return Event{
		Kind:        KindDownloadProgress,
		UserID:      userID,
		TaskID:      taskID,
		ProgressPct: progressPct,
		At:          time.Now().UTC(),
	}
}

// DownloadCompleted builds a download_completed event.
func DownloadCompleted(userID, taskID, storagePath string, byteSize int64) Event {
	return Event{
		Kind:        KindDownloadCompleted,
		UserID:      userID,
		TaskID:      taskID,
		StoragePath: storagePath,
		ByteSize:    byteSize,
		At:          time.Now().UTC(),
	}
}

// DownloadFailed builds a download_failed event.
func DownloadFailed(userID, taskID, errorReason string) Event {
	return Event{
		Kind:        KindDownloadFailed,
		UserID:      userID,
		TaskID:      taskID,
		ErrorReason: errorReason,
		At:          time.Now().UTC(),
	}
}
