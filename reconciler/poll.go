package reconciler

import (
	"context"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crmmc/aria2deck/klog"
)

// Poll ticks every pollInterval for the lifetime of ctx, fanning the set of
// pollable tasks out across a bounded worker pool (replacing the reference
// implementation's asyncio.gather over the same per-task fetch-and-update
// coroutine) and running the orphan sweep once per tick.
func (r *Reconciler) Poll(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.pollOnce(ctx); err != nil {
				klog.Warnf("poll pass: %s", err)
			}
		}
	}
}

func (r *Reconciler) pollOnce(ctx context.Context) error {
	tasks, err := r.reg.PollableTasks()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.pollConcurrency)
	for i := range tasks {
		gid := tasks[i].GID
		if gid == nil {
			continue
		}
		gidVal := *gid
		g.Go(func() error {
			if err := r.reconcileGID(gctx, gidVal); err != nil {
				klog.Warnf("poll gid %s: %s", gidVal, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return r.orphanSweep()
}

// orphanSweep marks any complete task whose StoredFile no longer exists on
// disk as removed. Subscriber references are left alone: they error on
// access and are garbage-collected by an independent janitor, not by the
// reconciler.
func (r *Reconciler) orphanSweep() error {
	completed, err := r.reg.CompletedTasks()
	if err != nil {
		return err
	}
	for i := range completed {
		task := &completed[i]
		if task.StoredFileID == nil {
			continue
		}
		sf, err := r.store.GetByID(*task.StoredFileID)
		if err != nil || sf == nil {
			continue
		}
		if _, statErr := os.Stat(sf.RealPath); os.IsNotExist(statErr) {
			if err := r.reg.MarkRemoved(task.ID); err != nil {
				klog.Errorf("mark task %d removed: %s", task.ID, err)
				continue
			}
			klog.Warnf("orphan sweep: task %d's stored file %d missing at %s, marked removed", task.ID, sf.ID, sf.RealPath)
		}
	}
	return nil
}
