package reconciler

import (
	"context"

	"github.com/crmmc/aria2deck/aria2rpc"
	"github.com/crmmc/aria2deck/core"
	"github.com/crmmc/aria2deck/klog"
)

// handleLateSizeReveal re-runs admission for every pending subscription of
// task now that its real totalLength is known, matching spec step
// "cumulative-within-a-user": each subscriber is evaluated against its own
// quota independently (distinct users never share an available budget), so
// no running-total bookkeeping is needed across subscribers of the same
// task, only within repeat calls for the same user, which GetSpace already
// accounts for by reading the user's current frozen total fresh each time.
// handleLateSizeReveal returns canceled=true when it ran the cancel path,
// so the caller (handleActive) knows not to overwrite the just-written
// error status back to active.
func (r *Reconciler) handleLateSizeReveal(ctx context.Context, task *core.DownloadTask, status *aria2rpc.Status) (canceled bool, err error) {
	subs, err := r.reg.PendingSubscriptions(task.ID)
	if err != nil {
		return false, err
	}
	if len(subs) == 0 {
		return false, nil
	}

	if status.TotalLength > r.maxTaskSize {
		return true, r.cancelTask(ctx, task, subs, "exceeds maximum task size")
	}

	survivors := 0
	for i := range subs {
		sub := &subs[i]
		ok, err := r.admitLateReveal(ctx, task, sub, status.TotalLength)
		if err != nil {
			return false, err
		}
		if ok {
			survivors++
		}
	}
	if survivors == 0 {
		return true, r.cancelTask(ctx, task, subs, "all subscribers out of space")
	}
	return false, nil
}

func (r *Reconciler) admitLateReveal(ctx context.Context, task *core.DownloadTask, sub *core.UserTaskSubscription, totalLength int64) (bool, error) {
	unlock := r.adm.Lock(sub.OwnerID)
	defer unlock()

	quota, err := r.quotas.Quota(ctx, sub.OwnerID)
	if err != nil {
		return false, err
	}
	space, err := r.adm.GetSpace(sub.OwnerID, quota)
	if err != nil {
		return false, err
	}
	decision := r.adm.AdmitLateReveal(space.Available, totalLength)
	if !decision.Admit {
		const display = "user quota space insufficient"
		if err := r.reg.SetSubscriptionTerminal(sub, task, core.SubFailed, display); err != nil {
			return false, err
		}
		sub.Status = core.SubFailed
		r.notifyTerminal(sub.OwnerID, task, core.SubFailed, display)
		return false, nil
	}

	ok, err := r.reg.CASFrozenSpace(sub.ID, decision.FrozenSpace)
	if err != nil {
		return false, err
	}
	if !ok {
		// Another admission pass already froze this subscription (e.g. a
		// concurrent resubmission); it is still a surviving subscriber.
		klog.Warnf("late-reveal freeze CAS lost for subscription %d, already frozen", sub.ID)
	}
	return true, nil
}

// cancelTask runs the "no subscriber survives" path: stop the daemon side,
// fail every still-pending subscriber, and drop the task's private download
// directory.
func (r *Reconciler) cancelTask(ctx context.Context, task *core.DownloadTask, subs []core.UserTaskSubscription, reason string) error {
	if task.GID != nil {
		if frErr, rdErr := r.client.Cancel(ctx, *task.GID); frErr != nil || rdErr != nil {
			klog.Warnf("cancel daemon task %d (gid=%s): forceRemove=%v removeDownloadResult=%v", task.ID, *task.GID, frErr, rdErr)
		}
	}
	if err := r.reg.SetTaskError(task.ID, reason, reason); err != nil {
		return err
	}
	for i := range subs {
		sub := &subs[i]
		if sub.Status != core.SubPending {
			continue
		}
		if err := r.reg.SetSubscriptionTerminal(sub, task, core.SubFailed, reason); err != nil {
			klog.Errorf("mark subscription %d failed: %s", sub.ID, err)
			continue
		}
		r.notifyTerminal(sub.OwnerID, task, core.SubFailed, reason)
	}
	if err := r.store.CleanupTaskDownloadDir(task.ID); err != nil {
		klog.Warnf("cleanup task dir %d: %s", task.ID, err)
	}
	return nil
}
