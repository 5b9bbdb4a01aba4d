// Package registry persists DownloadTask and UserTaskSubscription rows:
// one task per fingerprint fanned out to many per-user subscriptions,
// with uniqueness enforced at the database layer and CAS-style updates for
// the handful of at-most-once transitions (stored_file_id attach, frozen
// space allocation).
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/crmmc/aria2deck/core"
)

// Registry owns download_task, user_task_subscription, and task_history.
type Registry struct {
	db *sqlx.DB
}

// New returns a Registry backed by db.
func New(db *sqlx.DB) *Registry {
	return &Registry{db: db}
}

func isUniqueViolation(err error) bool {
	se, ok := err.(sqlite3.Error)
	return ok && (se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

// FindOrCreateTask looks up a task by uri_hash; on miss it inserts a new
// row. isNew is true only for the caller whose insert actually won, so
// exactly one caller submits the fingerprint to the daemon.
func (r *Registry) FindOrCreateTask(uriHash, uri, name string, totalLength int64) (task *core.DownloadTask, isNew bool, err error) {
	if t, err := r.GetTaskByURIHash(uriHash); err != nil {
		return nil, false, err
	} else if t != nil {
		return t, false, nil
	}

	now := time.Now()
	t := &core.DownloadTask{
		URIHash:     uriHash,
		URI:         uri,
		Status:      core.TaskQueued,
		Name:        name,
		TotalLength: totalLength,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = r.db.NamedExec(`
		INSERT INTO download_task (uri_hash, uri, status, name, total_length, created_at, updated_at)
		VALUES (:uri_hash, :uri, :status, :name, :total_length, :created_at, :updated_at)
	`, t)
	if err != nil {
		if isUniqueViolation(err) {
			existing, gerr := r.GetTaskByURIHash(uriHash)
			if gerr != nil {
				return nil, false, gerr
			}
			if existing == nil {
				return nil, false, fmt.Errorf("unique violation on %s but no row found", uriHash)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert download_task: %s", err)
	}
	created, err := r.GetTaskByURIHash(uriHash)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// GetTaskByURIHash returns the task with the given uri_hash, or nil.
func (r *Registry) GetTaskByURIHash(uriHash string) (*core.DownloadTask, error) {
	var t core.DownloadTask
	err := r.db.Get(&t, `SELECT * FROM download_task WHERE uri_hash = ?`, uriHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask returns the task with the given id, or nil.
func (r *Registry) GetTask(id int64) (*core.DownloadTask, error) {
	var t core.DownloadTask
	err := r.db.Get(&t, `SELECT * FROM download_task WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &t, err
}

// GetTaskByGID returns the task currently assigned the given daemon gid, or
// nil.
func (r *Registry) GetTaskByGID(gid string) (*core.DownloadTask, error) {
	var t core.DownloadTask
	err := r.db.Get(&t, `SELECT * FROM download_task WHERE gid = ?`, gid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &t, err
}

// CreateSubscription inserts a pending subscription for (ownerID, taskID);
// on a unique-constraint race it re-queries and returns the existing row,
// never creating a duplicate.
func (r *Registry) CreateSubscription(ownerID, taskID, frozenSpace int64) (*core.UserTaskSubscription, error) {
	sub := &core.UserTaskSubscription{
		OwnerID:     ownerID,
		TaskID:      taskID,
		FrozenSpace: frozenSpace,
		Status:      core.SubPending,
		CreatedAt:   time.Now(),
	}
	_, err := r.db.NamedExec(`
		INSERT INTO user_task_subscription (owner_id, task_id, frozen_space, status, created_at)
		VALUES (:owner_id, :task_id, :frozen_space, :status, :created_at)
	`, sub)
	if err != nil {
		if isUniqueViolation(err) {
			return r.GetSubscription(ownerID, taskID)
		}
		return nil, fmt.Errorf("insert user_task_subscription: %s", err)
	}
	return r.GetSubscription(ownerID, taskID)
}

// GetSubscription returns the (ownerID, taskID) subscription, or nil.
func (r *Registry) GetSubscription(ownerID, taskID int64) (*core.UserTaskSubscription, error) {
	var s core.UserTaskSubscription
	err := r.db.Get(&s, `SELECT * FROM user_task_subscription WHERE owner_id = ? AND task_id = ?`, ownerID, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &s, err
}

// PendingSubscriptions returns every pending subscription of taskID.
func (r *Registry) PendingSubscriptions(taskID int64) ([]core.UserTaskSubscription, error) {
	var subs []core.UserTaskSubscription
	err := r.db.Select(&subs, `SELECT * FROM user_task_subscription WHERE task_id = ? AND status = ?`,
		taskID, core.SubPending)
	return subs, err
}

// CountPendingSubscriptions returns the number of pending subscriptions for
// taskID.
func (r *Registry) CountPendingSubscriptions(taskID int64) (int, error) {
	var n int
	err := r.db.Get(&n, `SELECT COUNT(*) FROM user_task_subscription WHERE task_id = ? AND status = ?`,
		taskID, core.SubPending)
	return n, err
}

// HasUserFile reports whether ownerID already references storedFileID,
// used by the submission path's AlreadyOwned check.
func (r *Registry) HasUserFile(ownerID, storedFileID int64) (bool, error) {
	var n int
	err := r.db.Get(&n, `SELECT COUNT(*) FROM user_file WHERE owner_id = ? AND stored_file_id = ?`,
		ownerID, storedFileID)
	return n > 0, err
}

// ResetErroredTask clears gid/error/error_display and moves a task from
// error back to queued, so a fresh subscriber can trigger resubmission. The
// update only requires status=error; the caller checks the pending count
// beforehand. Returns false if the task was no longer in error (raced by
// another resubmission).
func (r *Registry) ResetErroredTask(taskID int64) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE download_task
		SET status = ?, gid = NULL, error = NULL, error_display = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`, core.TaskQueued, time.Now(), taskID, core.TaskError)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetGID records the daemon's gid for a newly-submitted (or re-submitted)
// task.
func (r *Registry) SetGID(taskID int64, gid string) error {
	_, err := r.db.Exec(`UPDATE download_task SET gid = ?, updated_at = ? WHERE id = ?`,
		gid, time.Now(), taskID)
	return err
}

// ClaimQueuedTask is the CAS at the heart of "at most once submission to
// the daemon per task": it only succeeds while the task is still queued
// with no gid, so of any number of concurrent submitters racing the same
// fingerprint, exactly one claims the right to call addUri/addTorrent.
func (r *Registry) ClaimQueuedTask(taskID int64) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE download_task SET status = ?, updated_at = ? WHERE id = ? AND status = ? AND gid IS NULL
	`, core.TaskActive, time.Now(), taskID, core.TaskQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AttachStoredFile performs the single CAS write that may ever set a
// task's stored_file_id: the WHERE clause only matches while the column is
// still NULL, so concurrent completions of the same task attach at most
// once.
func (r *Registry) AttachStoredFile(taskID, storedFileID int64) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE download_task
		SET stored_file_id = ?, status = ?, updated_at = ?
		WHERE id = ? AND stored_file_id IS NULL
	`, storedFileID, core.TaskComplete, time.Now(), taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateProgress writes the latest poll/event snapshot for a task,
// ratcheting peak_download_speed and peak_connections so they never
// decrease.
func (r *Registry) UpdateProgress(taskID int64, status core.TaskStatus, totalLength, completedLength, downloadSpeed, uploadSpeed, connections int64) error {
	_, err := r.db.Exec(`
		UPDATE download_task
		SET status = ?,
			total_length = ?,
			completed_length = ?,
			download_speed = ?,
			upload_speed = ?,
			peak_download_speed = MAX(peak_download_speed, ?),
			peak_connections = MAX(peak_connections, ?),
			updated_at = ?
		WHERE id = ?
	`, status, totalLength, completedLength, downloadSpeed, uploadSpeed, downloadSpeed, connections, time.Now(), taskID)
	return err
}

// SetTaskError transitions a task to error with the given raw and display
// messages.
func (r *Registry) SetTaskError(taskID int64, raw, display string) error {
	_, err := r.db.Exec(`
		UPDATE download_task SET status = ?, error = ?, error_display = ?, updated_at = ? WHERE id = ?
	`, core.TaskError, raw, display, time.Now(), taskID)
	return err
}

// SetSubscriptionTerminal moves a subscription to a terminal status,
// zeroing its frozen_space, and appends a TaskHistory row. Both writes
// happen in one transaction since the history row is derived from the
// subscription's final state.
func (r *Registry) SetSubscriptionTerminal(sub *core.UserTaskSubscription, task *core.DownloadTask, status core.SubscriptionStatus, errorDisplay string) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var ed interface{}
	if errorDisplay != "" {
		ed = errorDisplay
	}
	if _, err := tx.Exec(`
		UPDATE user_task_subscription SET status = ?, frozen_space = 0, error_display = ? WHERE id = ?
	`, status, ed, sub.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO task_history (owner_id, task_id, uri, name, status, error_display, total_length, terminated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.OwnerID, task.ID, task.URI, task.Name, status, ed, task.TotalLength, time.Now()); err != nil {
		return err
	}
	return tx.Commit()
}

// CASFrozenSpace sets frozen_space from 0 to newSpace, returning false if
// the row's frozen_space was no longer 0 (lost the race to a concurrent
// admission pass).
func (r *Registry) CASFrozenSpace(subID int64, newSpace int64) (bool, error) {
	res, err := r.db.Exec(`UPDATE user_task_subscription SET frozen_space = ? WHERE id = ? AND frozen_space = 0`,
		newSpace, subID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClearTerminated deletes success|failed subscriptions for ownerID.
func (r *Registry) ClearTerminated(ownerID int64) (int64, error) {
	res, err := r.db.Exec(`
		DELETE FROM user_task_subscription WHERE owner_id = ? AND status IN (?, ?)
	`, ownerID, core.SubSuccess, core.SubFailed)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListSubscriptions returns ownerID's subscriptions, optionally filtered by
// status.
func (r *Registry) ListSubscriptions(ownerID int64, status *core.SubscriptionStatus) ([]core.UserTaskSubscription, error) {
	var subs []core.UserTaskSubscription
	var err error
	if status != nil {
		err = r.db.Select(&subs, `SELECT * FROM user_task_subscription WHERE owner_id = ? AND status = ?`,
			ownerID, *status)
	} else {
		err = r.db.Select(&subs, `SELECT * FROM user_task_subscription WHERE owner_id = ?`, ownerID)
	}
	return subs, err
}

// DeleteSubscription removes a single subscription row, used once a
// cancellation has been fully processed.
func (r *Registry) DeleteSubscription(id int64) error {
	_, err := r.db.Exec(`DELETE FROM user_task_subscription WHERE id = ?`, id)
	return err
}

// CancelSubscription deletes subID within a transaction that also counts
// the task's remaining pending subscriptions, so the caller can learn
// "was this the last one" atomically with the delete: a subscriber arriving
// concurrently either sees this row still present (and is counted) or sees
// it gone and is the new last-one-standing itself.
func (r *Registry) CancelSubscription(taskID, subID int64) (remainingPending int, err error) {
	tx, err := r.db.Beginx()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM user_task_subscription WHERE id = ?`, subID); err != nil {
		return 0, err
	}
	if err := tx.Get(&remainingPending, `
		SELECT COUNT(*) FROM user_task_subscription WHERE task_id = ? AND status = ?
	`, taskID, core.SubPending); err != nil {
		return 0, err
	}
	return remainingPending, tx.Commit()
}

// PollableTasks returns every task with a non-null gid whose status is not
// terminal, the working set for the reconciler's periodic poll loop.
func (r *Registry) PollableTasks() ([]core.DownloadTask, error) {
	var tasks []core.DownloadTask
	err := r.db.Select(&tasks, `
		SELECT * FROM download_task
		WHERE gid IS NOT NULL AND status NOT IN (?, ?)
	`, core.TaskComplete, core.TaskError)
	return tasks, err
}

// CompletedTasks returns every task currently marked complete, the working
// set for the reconciler's orphan sweep.
func (r *Registry) CompletedTasks() ([]core.DownloadTask, error) {
	var tasks []core.DownloadTask
	err := r.db.Select(&tasks, `SELECT * FROM download_task WHERE status = ?`, core.TaskComplete)
	return tasks, err
}

// MarkRemoved transitions a complete task whose StoredFile vanished from
// disk to removed, found by the reconciler's orphan sweep. Subscriber
// references are left untouched; they error on access and are garbage
// collected independently.
func (r *Registry) MarkRemoved(taskID int64) error {
	_, err := r.db.Exec(`UPDATE download_task SET status = ?, updated_at = ? WHERE id = ?`,
		core.TaskRemoved, time.Now(), taskID)
	return err
}
