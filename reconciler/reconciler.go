// Package reconciler is the state center of the orchestrator. It merges a
// push stream of daemon events and a periodic poll into idempotent
// transitions on the shared DownloadTask state machine, coordinating the
// content store, subscription registry, and admission controller on every
// terminal transition. A per-task mutex serializes all processing (push or
// poll) of a given task so the at-most-once guarantees documented on
// registry's CAS methods hold under concurrent arrivals of the same event.
package reconciler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crmmc/aria2deck/admission"
	"github.com/crmmc/aria2deck/aria2rpc"
	"github.com/crmmc/aria2deck/core"
	"github.com/crmmc/aria2deck/klog"
	"github.com/crmmc/aria2deck/registry"
	"github.com/crmmc/aria2deck/store"
)

// Broadcaster is the fan-out contract state changes are pushed through;
// fanout.Hub is the production implementation. terminal bypasses any
// per-task throttle the broadcaster applies.
type Broadcaster interface {
	Notify(ownerID, taskID int64, msg core.Message, terminal bool)
}

// Reconciler owns the per-task locks and drives the Listen/Poll goroutines.
type Reconciler struct {
	reg    *registry.Registry
	store  *store.Store
	adm    *admission.Admission
	quotas admission.QuotaSource
	client *aria2rpc.Client
	bcast  Broadcaster

	maxTaskSize     int64
	pollInterval    time.Duration
	pollConcurrency int

	mu        sync.Mutex
	taskLocks map[int64]*sync.Mutex
}

// New returns a Reconciler. quotas resolves a user's configured quota for
// the late-size-reveal admission pass, which runs outside any request
// context and so cannot rely on a quota value handed in by a caller.
func New(
	reg *registry.Registry,
	st *store.Store,
	adm *admission.Admission,
	quotas admission.QuotaSource,
	client *aria2rpc.Client,
	bcast Broadcaster,
	maxTaskSize int64,
	pollInterval time.Duration,
) *Reconciler {
	return &Reconciler{
		reg:             reg,
		store:           st,
		adm:             adm,
		quotas:          quotas,
		client:          client,
		bcast:           bcast,
		maxTaskSize:     maxTaskSize,
		pollInterval:    pollInterval,
		pollConcurrency: 16,
		taskLocks:       make(map[int64]*sync.Mutex),
	}
}

func (r *Reconciler) lockTask(taskID int64) func() {
	r.mu.Lock()
	m, ok := r.taskLocks[taskID]
	if !ok {
		m = &sync.Mutex{}
		r.taskLocks[taskID] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Listen reads the daemon's push notification channel for the lifetime of
// ctx, dispatching one goroutine per event (unrelated tasks never block
// each other; the per-task lock still serializes same-task events).
func (r *Reconciler) Listen(ctx context.Context, rpcURL string, reconnect aria2rpc.ReconnectConfig) {
	aria2rpc.Listen(ctx, rpcURL, reconnect, func(ev aria2rpc.Event) {
		go func() {
			if err := r.HandleEvent(ctx, ev); err != nil {
				klog.Warnf("reconcile event %s(gid=%s): %s", ev.Method, ev.GID, err)
			}
		}()
	})
}

// HandleEvent treats a push notification purely as a cue to re-poll: the
// event carries no state of its own, only a gid to re-fetch tellStatus for.
func (r *Reconciler) HandleEvent(ctx context.Context, ev aria2rpc.Event) error {
	return r.reconcileGID(ctx, ev.GID)
}

// reconcileGID is the single entry point both Listen and Poll funnel
// through: it fetches the authoritative snapshot, locates (or hands off)
// the owning task, and applies the snapshot under that task's lock.
func (r *Reconciler) reconcileGID(ctx context.Context, gid string) error {
	status, err := r.client.TellStatus(ctx, gid)
	if err != nil {
		return r.handleTellStatusFailure(gid, err)
	}

	task, err := r.reg.GetTaskByGID(gid)
	if err != nil {
		return err
	}
	if task == nil && status.FollowingGID != "" {
		// This gid isn't tracked directly; it may be the BT-download side of
		// a handoff whose metadata-phase gid we still have on file.
		task, err = r.reg.GetTaskByGID(status.FollowingGID)
		if err != nil {
			return err
		}
		if task != nil {
			if err := r.reg.SetGID(task.ID, gid); err != nil {
				return err
			}
		}
	}
	if task == nil {
		return nil // No task tracks this gid; drop the event.
	}

	unlock := r.lockTask(task.ID)
	defer unlock()

	fresh, err := r.reg.GetTask(task.ID)
	if err != nil {
		return err
	}
	if fresh == nil || fresh.IsTerminal() {
		return nil // Already settled by a concurrent winner.
	}
	return r.applyStatus(ctx, fresh, status)
}

// handleTellStatusFailure implements the poll-loop rule "if tellStatus
// raises, write task.status=error with error=<message> and no
// error_display" (display is derived lazily by the client surface). It
// applies uniformly whether the failing call came from Poll or from an
// event-triggered re-fetch.
func (r *Reconciler) handleTellStatusFailure(gid string, callErr error) error {
	task, err := r.reg.GetTaskByGID(gid)
	if err != nil || task == nil {
		return callErr
	}

	unlock := r.lockTask(task.ID)
	defer unlock()

	fresh, err := r.reg.GetTask(task.ID)
	if err != nil || fresh == nil || fresh.IsTerminal() {
		return nil
	}
	if err := r.reg.SetTaskError(fresh.ID, callErr.Error(), ""); err != nil {
		return err
	}
	if err := r.failAllPending(fresh, ""); err != nil {
		return err
	}
	if err := r.store.CleanupTaskDownloadDir(fresh.ID); err != nil {
		klog.Warnf("cleanup task dir %d: %s", fresh.ID, err)
	}
	return nil
}

// applyStatus dispatches on the daemon's own status string rather than the
// push event method: tellStatus is the sole source of truth, and both the
// poll loop and an event-triggered re-fetch land here through the same
// path.
func (r *Reconciler) applyStatus(ctx context.Context, task *core.DownloadTask, status *aria2rpc.Status) error {
	switch status.Status {
	case "active", "waiting":
		return r.handleActive(ctx, task, status)
	case "paused":
		return r.reg.UpdateProgress(task.ID, core.TaskPaused,
			status.TotalLength, status.CompletedLength, status.DownloadSpeed, status.UploadSpeed, status.Connections)
	case "complete":
		if len(status.FollowedBy) > 0 {
			// BT metadata phase finished; the real download continues under
			// followedBy[0]. Not a terminal transition.
			return r.reg.SetGID(task.ID, status.FollowedBy[0])
		}
		return r.handleComplete(ctx, task, status)
	case "error":
		return r.handleDaemonError(task, status)
	case "removed":
		return r.handleExternalCancel(task)
	default:
		return fmt.Errorf("unrecognized daemon status %q", status.Status)
	}
}

func (r *Reconciler) handleActive(ctx context.Context, task *core.DownloadTask, status *aria2rpc.Status) error {
	if status.TotalLength > 0 && task.TotalLength == 0 {
		canceled, err := r.handleLateSizeReveal(ctx, task, status)
		if err != nil {
			return err
		}
		if canceled {
			// The task already ended at error; don't resurrect it to active.
			return nil
		}
	}
	return r.reg.UpdateProgress(task.ID, core.TaskActive,
		status.TotalLength, status.CompletedLength, status.DownloadSpeed, status.UploadSpeed, status.Connections)
}

func (r *Reconciler) handleDaemonError(task *core.DownloadTask, status *aria2rpc.Status) error {
	display := aria2rpc.TranslateError(status.ErrorMessage)
	if err := r.reg.SetTaskError(task.ID, status.ErrorMessage, display); err != nil {
		return err
	}
	if err := r.failAllPending(task, display); err != nil {
		return err
	}
	if err := r.store.CleanupTaskDownloadDir(task.ID); err != nil {
		klog.Warnf("cleanup task dir %d: %s", task.ID, err)
	}
	return nil
}

// handleExternalCancel is the stop path: an admin or third-party client
// removed the task directly against the daemon. The daemon side is already
// stopped, so no forceRemove is issued here.
func (r *Reconciler) handleExternalCancel(task *core.DownloadTask) error {
	const display = "externally canceled"
	if err := r.reg.SetTaskError(task.ID, display, display); err != nil {
		return err
	}
	return r.failAllPending(task, display)
}

func (r *Reconciler) failAllPending(task *core.DownloadTask, display string) error {
	subs, err := r.reg.PendingSubscriptions(task.ID)
	if err != nil {
		return err
	}
	for i := range subs {
		sub := &subs[i]
		if err := r.reg.SetSubscriptionTerminal(sub, task, core.SubFailed, display); err != nil {
			klog.Errorf("mark subscription %d failed: %s", sub.ID, err)
			continue
		}
		r.notifyTerminal(sub.OwnerID, task, core.SubFailed, display)
	}
	return nil
}

func (r *Reconciler) notifyTerminal(ownerID int64, task *core.DownloadTask, status core.SubscriptionStatus, display string) {
	if r.bcast == nil {
		return
	}
	view := &core.SubscriptionView{
		Name:            task.Name,
		URI:             task.URI,
		Status:          core.DisplayStatus(status, task.Status),
		TotalLength:     task.TotalLength,
		CompletedLength: task.CompletedLength,
		DownloadSpeed:   task.DownloadSpeed,
		UploadSpeed:     task.UploadSpeed,
		CreatedAt:       task.CreatedAt,
	}
	if display != "" {
		view.Error = &display
	}
	r.bcast.Notify(ownerID, task.ID, core.TaskUpdate(view), true)
}

// resolveArtifact normalizes files[0].path to the top-level entry inside
// the task's private downloading directory: a BitTorrent download that
// wrote multiple nested files under downloading/<task>/<bt_name>/... is
// promoted as the whole bt_name directory, not its first leaf file.
func (r *Reconciler) resolveArtifact(task *core.DownloadTask, status *aria2rpc.Status) (string, error) {
	if len(status.Files) == 0 {
		return "", fmt.Errorf("task %d: daemon reported no files", task.ID)
	}
	base, err := r.store.TaskDownloadDir(task.ID)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, status.Files[0].Path)
	if err != nil || strings.HasPrefix(filepath.ToSlash(rel), "..") {
		return filepath.Join(base, filepath.Base(status.Files[0].Path)), nil
	}
	top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	return filepath.Join(base, top), nil
}

func artifactName(task *core.DownloadTask, status *aria2rpc.Status) string {
	if status.BitTorrent.Info.Name != "" {
		return status.BitTorrent.Info.Name
	}
	return task.Name
}

// handleComplete is the terminal success path: promote the artifact into
// the content store, attach it via the stored_file_id CAS, and materialize
// a UserFile reference for every still-pending subscriber. Only the
// goroutine that wins the CAS performs steps 2 onward; everyone else
// discards the attempt without double-counting ref counts or releasing
// frozen space twice.
func (r *Reconciler) handleComplete(ctx context.Context, task *core.DownloadTask, status *aria2rpc.Status) error {
	artifactPath, err := r.resolveArtifact(task, status)
	if err != nil {
		return err
	}

	sf, err := r.store.MoveToStore(artifactPath, artifactName(task, status))
	if err != nil {
		return err
	}

	attached, err := r.reg.AttachStoredFile(task.ID, sf.ID)
	if err != nil {
		return err
	}
	if !attached {
		return nil
	}

	subs, err := r.reg.PendingSubscriptions(task.ID)
	if err != nil {
		return err
	}
	for i := range subs {
		sub := &subs[i]
		if _, err := r.store.CreateUserFileReference(sub.OwnerID, sf.ID, task.Name); err != nil {
			klog.Errorf("create user file reference owner=%d task=%d: %s", sub.OwnerID, task.ID, err)
			continue
		}
		if err := r.reg.SetSubscriptionTerminal(sub, task, core.SubSuccess, ""); err != nil {
			klog.Errorf("mark subscription %d success: %s", sub.ID, err)
			continue
		}
		r.notifyTerminal(sub.OwnerID, task, core.SubSuccess, "")
	}

	if err := r.store.CleanupTaskDownloadDir(task.ID); err != nil {
		klog.Warnf("cleanup task dir %d: %s", task.ID, err)
	}
	return nil
}
