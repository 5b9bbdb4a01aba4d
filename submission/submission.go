// Package submission glues fingerprinting, admission, the subscription
// registry, and the daemon adapter into the two operations the external
// request surface drives directly: submitting a new download and
// cancelling a subscription to one. It is the Go counterpart of the
// reference implementation's tasks router, stripped of the HTTP/auth
// concerns that stay outside this module's scope.
package submission

import (
	"context"
	"fmt"
	"strings"

	"github.com/crmmc/aria2deck/admission"
	"github.com/crmmc/aria2deck/aria2rpc"
	"github.com/crmmc/aria2deck/core"
	"github.com/crmmc/aria2deck/fingerprint"
	"github.com/crmmc/aria2deck/klog"
	"github.com/crmmc/aria2deck/probe"
	"github.com/crmmc/aria2deck/registry"
	"github.com/crmmc/aria2deck/store"
)

// Service is the submission/cancellation entry point the session layer
// calls against, once it has authenticated a request and resolved the
// caller's user_id and quota.
type Service struct {
	prober   *probe.Prober
	resolver probe.Resolver
	adm      *admission.Admission
	reg      *registry.Registry
	client   *aria2rpc.Client
	store    *store.Store
}

// New returns a Service wired to the given components. resolver is used by
// the SSRF guard; pass probe.DefaultResolver in production.
func New(prober *probe.Prober, resolver probe.Resolver, adm *admission.Admission, reg *registry.Registry, client *aria2rpc.Client, st *store.Store) *Service {
	return &Service{prober: prober, resolver: resolver, adm: adm, reg: reg, client: client, store: st}
}

// Result is the outcome of a successful Submit.
type Result struct {
	Task         *core.DownloadTask
	Subscription *core.UserTaskSubscription
}

// Submit fingerprints sub, admits it against ownerID's quota, and either
// joins an existing shared task or submits a new one to the daemon.
func (s *Service) Submit(ctx context.Context, ownerID, quota int64, sub fingerprint.Submission) (*Result, error) {
	knownSize := int64(-1)
	name := ""

	if isHTTPLike(sub.URI) {
		if err := probe.GuardHost(ctx, s.resolver, sub.URI); err != nil {
			return nil, core.Wrap(core.KindSSRFBlocked, err)
		}
		pr := s.prober.Probe(sub.URI)
		if !pr.OK {
			return nil, core.Errorf(core.KindMalformedURL, "probe failed: %s", pr.Err)
		}
		sub.URI = pr.FinalURL
		knownSize = pr.Size
		name = pr.Filename
	}

	fp, err := fingerprint.Fingerprint(sub)
	if err != nil {
		return nil, err
	}

	unlockUser := s.adm.Lock(ownerID)
	defer unlockUser()

	space, err := s.adm.GetSpace(ownerID, quota)
	if err != nil {
		return nil, fmt.Errorf("compute space: %s", err)
	}
	var decision admission.Decision
	if knownSize >= 0 {
		decision = s.adm.AdmitKnownSize(space.Available, knownSize)
	} else {
		decision = s.adm.AdmitUnknownSize(space.Available)
	}
	if !decision.Admit {
		return nil, core.Errorf(core.KindSpaceDenied, "%s", decision.Reason)
	}

	totalLength := knownSize
	if totalLength < 0 {
		totalLength = 0
	}
	task, isNew, err := s.reg.FindOrCreateTask(fp.URIHash, sub.URI, name, totalLength)
	if err != nil {
		return nil, fmt.Errorf("find or create task: %s", err)
	}

	if task.Status == core.TaskComplete && task.StoredFileID != nil {
		owned, err := s.reg.HasUserFile(ownerID, *task.StoredFileID)
		if err != nil {
			return nil, err
		}
		if owned {
			return nil, core.Errorf(core.KindAlreadyOwned, "already have a reference to this file")
		}
	}

	if task.Status == core.TaskError {
		pending, err := s.reg.CountPendingSubscriptions(task.ID)
		if err != nil {
			return nil, err
		}
		if pending == 0 {
			if reset, err := s.reg.ResetErroredTask(task.ID); err != nil {
				return nil, err
			} else if reset {
				isNew = true
				if task, err = s.reg.GetTask(task.ID); err != nil {
					return nil, err
				}
			}
		}
	}

	subscription, err := s.reg.CreateSubscription(ownerID, task.ID, decision.FrozenSpace)
	if err != nil {
		return nil, fmt.Errorf("create subscription: %s", err)
	}

	if isNew {
		if err := s.submitToDaemon(ctx, task, fp, sub); err != nil {
			return nil, err
		}
		if task, err = s.reg.GetTask(task.ID); err != nil {
			return nil, err
		}
	}

	return &Result{Task: task, Subscription: subscription}, nil
}

// submitToDaemon performs the at-most-once submission: ClaimQueuedTask is
// the CAS that lets exactly one caller (of any number racing the same
// fingerprint) win the right to call addUri/addTorrent and write back gid.
func (s *Service) submitToDaemon(ctx context.Context, task *core.DownloadTask, fp fingerprint.Result, sub fingerprint.Submission) error {
	claimed, err := s.reg.ClaimQueuedTask(task.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil // Lost the race; the winner is submitting.
	}

	dir, err := s.store.TaskDownloadDir(task.ID)
	if err != nil {
		return core.Wrap(core.KindFilesystemFailure, err)
	}

	var gid string
	if fp.Kind == fingerprint.KindTorrent {
		gid, err = s.client.AddTorrent(ctx, sub.TorrentBlob, nil, dir)
	} else {
		gid, err = s.client.AddURI(ctx, []string{sub.URI}, dir)
	}
	if err != nil {
		if serr := s.reg.SetTaskError(task.ID, err.Error(), "failed to submit to daemon"); serr != nil {
			klog.Errorf("record submission failure for task %d: %s", task.ID, serr)
		}
		return core.Wrap(core.KindDaemonRPCFailure, err)
	}
	return s.reg.SetGID(task.ID, gid)
}

// CancelSubscription removes ownerID's subscription to taskID. If it was
// the last pending subscriber, the daemon task is stopped: the
// remaining-pending count is read in the same transaction as the delete,
// and re-checked immediately before the RPC so a subscriber arriving in
// between is never stranded against an already-cancelled daemon task.
func (s *Service) CancelSubscription(ctx context.Context, ownerID, taskID int64) error {
	sub, err := s.reg.GetSubscription(ownerID, taskID)
	if err != nil {
		return err
	}
	if sub == nil {
		// Already canceled (or never existed for this owner): cancellation
		// is idempotent, so a repeat call succeeds as a no-op.
		return nil
	}

	remaining, err := s.reg.CancelSubscription(taskID, sub.ID)
	if err != nil {
		return err
	}
	if remaining > 0 || sub.Status != core.SubPending {
		return nil
	}

	stillZero, err := s.reg.CountPendingSubscriptions(taskID)
	if err != nil {
		return err
	}
	if stillZero != 0 {
		return nil
	}

	task, err := s.reg.GetTask(taskID)
	if err != nil || task == nil {
		return err
	}
	if task.GID != nil {
		if frErr, rdErr := s.client.Cancel(ctx, *task.GID); frErr != nil || rdErr != nil {
			klog.Warnf("cancel daemon task %d (gid=%s): forceRemove=%v removeDownloadResult=%v", task.ID, *task.GID, frErr, rdErr)
		}
	}
	const display = "canceled: no remaining subscribers"
	if err := s.reg.SetTaskError(taskID, display, display); err != nil {
		return err
	}
	return s.store.CleanupTaskDownloadDir(taskID)
}

func isHTTPLike(uri string) bool {
	lower := strings.ToLower(uri)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "ftp://")
}
