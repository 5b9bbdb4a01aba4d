package core

import "time"

// TaskStatus is the state of a DownloadTask, the globally shared unit of
// work keyed by uri_hash.
type TaskStatus string

const (
	TaskQueued   TaskStatus = "queued"
	TaskActive   TaskStatus = "active"
	TaskPaused   TaskStatus = "paused"
	TaskComplete TaskStatus = "complete"
	TaskError    TaskStatus = "error"
	// TaskRemoved marks a task whose StoredFile vanished from disk out from
	// under the store, found by the reconciler's orphan sweep.
	TaskRemoved TaskStatus = "removed"
)

// DownloadTask is the globally shared unit of work for one fingerprint.
// Many UserTaskSubscription rows may fan out from a single task. uri_hash
// is unique; stored_file_id transitions NULL -> non-NULL at most once.
type DownloadTask struct {
	ID                int64      `db:"id"`
	URIHash           string     `db:"uri_hash"`
	URI               string     `db:"uri"`
	GID               *string    `db:"gid"`
	Status            TaskStatus `db:"status"`
	Name              string     `db:"name"`
	TotalLength       int64      `db:"total_length"`
	CompletedLength   int64      `db:"completed_length"`
	DownloadSpeed     int64      `db:"download_speed"`
	UploadSpeed       int64      `db:"upload_speed"`
	PeakDownloadSpeed int64      `db:"peak_download_speed"`
	PeakConnections   int64      `db:"peak_connections"`
	Error             *string    `db:"error"`
	ErrorDisplay      *string    `db:"error_display"`
	StoredFileID      *int64     `db:"stored_file_id"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// IsTerminal reports whether t's status ends the task's polling lifecycle.
func (t *DownloadTask) IsTerminal() bool {
	return t.Status == TaskComplete || t.Status == TaskError
}

// SubscriptionStatus is the state of one user's participation in a task.
type SubscriptionStatus string

const (
	SubPending SubscriptionStatus = "pending"
	SubSuccess SubscriptionStatus = "success"
	SubFailed  SubscriptionStatus = "failed"
)

// UserTaskSubscription is a user's participation in a shared DownloadTask.
// (owner_id, task_id) is unique. status=success or status=failed implies
// frozen_space=0.
type UserTaskSubscription struct {
	ID           int64              `db:"id"`
	OwnerID      int64              `db:"owner_id"`
	TaskID       int64              `db:"task_id"`
	FrozenSpace  int64              `db:"frozen_space"`
	Status       SubscriptionStatus `db:"status"`
	ErrorDisplay *string            `db:"error_display"`
	CreatedAt    time.Time          `db:"created_at"`
}

// StoredFile is a physical artifact held in the content-addressed store.
// content_hash is unique; ref_count never goes below zero.
type StoredFile struct {
	ID           int64     `db:"id"`
	ContentHash  string    `db:"content_hash"`
	RealPath     string    `db:"real_path"`
	Size         int64     `db:"size"`
	IsDirectory  bool      `db:"is_directory"`
	OriginalName string    `db:"original_name"`
	RefCount     int64     `db:"ref_count"`
	CreatedAt    time.Time `db:"created_at"`
}

// UserFile is a user's exclusive reference to a shared StoredFile.
// (owner_id, stored_file_id) is unique.
type UserFile struct {
	ID           int64     `db:"id"`
	OwnerID      int64     `db:"owner_id"`
	StoredFileID int64     `db:"stored_file_id"`
	DisplayName  string    `db:"display_name"`
	CreatedAt    time.Time `db:"created_at"`
}

// TaskHistory is an append-only per-user record of a terminated task, kept
// for audit/retry UI. It is populated off the hot path by the reconciler
// once a subscription reaches a terminal status.
type TaskHistory struct {
	ID           int64              `db:"id"`
	OwnerID      int64              `db:"owner_id"`
	TaskID       int64              `db:"task_id"`
	URI          string             `db:"uri"`
	Name         string             `db:"name"`
	Status       SubscriptionStatus `db:"status"`
	ErrorDisplay *string            `db:"error_display"`
	TotalLength  int64              `db:"total_length"`
	TerminatedAt time.Time          `db:"terminated_at"`
}

// SubscriptionView is the read model the upstream client surface (outside
// this module) renders for a submitted download: a subscription joined
// with its task's progress fields and the per-user status override
// computed by DisplayStatus.
type SubscriptionView struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	URI             string     `json:"uri"`
	Status          TaskStatus `json:"status"`
	TotalLength     int64      `json:"total_length"`
	CompletedLength int64      `json:"completed_length"`
	DownloadSpeed   int64      `json:"download_speed"`
	UploadSpeed     int64      `json:"upload_speed"`
	FrozenSpace     int64      `json:"frozen_space"`
	Error           *string    `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// DisplayStatus derives the client-facing status for a subscription: a
// terminal subscription status overrides the task's own status so a
// per-user completion or failure is visible even if the shared task later
// transitions further (e.g. is swept as removed after another user's late
// cleanup).
func DisplayStatus(sub SubscriptionStatus, task TaskStatus) TaskStatus {
	switch sub {
	case SubSuccess:
		return TaskComplete
	case SubFailed:
		return TaskError
	default:
		return task
	}
}
