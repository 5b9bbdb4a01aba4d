// Package admission computes per-user quota/space state and gates
// submissions and late size-reveals against it. Every mutation of
// frozen_space for a given user holds that user's advisory lock for the
// duration of "read available -> decide -> write frozen".
package admission

import (
	"context"
	"sync"
	"syscall"

	"github.com/jmoiron/sqlx"

	"github.com/crmmc/aria2deck/core"
)

const oneMiB = 1 << 20

// QuotaSource resolves a user's configured quota. The session layer owns
// the authoritative value; Admission only ever receives it through this
// contract, never stores it.
type QuotaSource interface {
	Quota(ctx context.Context, ownerID int64) (int64, error)
}

// Space is a user's quota accounting at a point in time.
type Space struct {
	Quota     int64
	Used      int64
	Frozen    int64
	Available int64
}

// Admission computes and gates per-user space and holds the per-user
// advisory locks serializing admission decisions.
type Admission struct {
	db          *sqlx.DB
	root        string
	maxTaskSize int64

	mu     sync.Mutex
	userMu map[int64]*sync.Mutex
}

// New returns an Admission backed by db, with root used to statvfs the
// filesystem's free space and maxTaskSize the system-wide cap on any
// single task.
func New(db *sqlx.DB, root string, maxTaskSize int64) *Admission {
	return &Admission{
		db:          db,
		root:        root,
		maxTaskSize: maxTaskSize,
		userMu:      make(map[int64]*sync.Mutex),
	}
}

// Lock acquires ownerID's advisory lock and returns the unlock func. Hold
// it across the full "read available -> decide -> write frozen" sequence.
func (a *Admission) Lock(ownerID int64) func() {
	a.mu.Lock()
	m, ok := a.userMu[ownerID]
	if !ok {
		m = &sync.Mutex{}
		a.userMu[ownerID] = m
	}
	a.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// MachineFree returns free bytes on the filesystem rooted at a.root.
func (a *Admission) MachineFree() (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(a.root, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

// GetSpace computes {used, frozen, available} for ownerID against quota.
// available = min(quota - used - frozen, machine_free).
func (a *Admission) GetSpace(ownerID, quota int64) (Space, error) {
	var used int64
	if err := a.db.Get(&used, `
		SELECT COALESCE(SUM(sf.size), 0)
		FROM user_file uf JOIN stored_file sf ON uf.stored_file_id = sf.id
		WHERE uf.owner_id = ?
	`, ownerID); err != nil {
		return Space{}, err
	}

	var frozen int64
	if err := a.db.Get(&frozen, `
		SELECT COALESCE(SUM(frozen_space), 0)
		FROM user_task_subscription
		WHERE owner_id = ? AND status = ?
	`, ownerID, core.SubPending); err != nil {
		return Space{}, err
	}

	machineFree, err := a.MachineFree()
	if err != nil {
		return Space{}, err
	}

	quotaAvailable := quota - used - frozen
	if quotaAvailable < 0 {
		quotaAvailable = 0
	}
	available := quotaAvailable
	if machineFree < available {
		available = machineFree
	}

	return Space{Quota: quota, Used: used, Frozen: frozen, Available: available}, nil
}

// Decision is the outcome of admitting (or re-admitting) one subscription.
type Decision struct {
	Admit       bool
	FrozenSpace int64
	Reason      string // set when !Admit
}

// AdmitKnownSize decides admission for an HTTP(S) submission whose probed
// size is known up front: reject over maxTaskSize or over available; on
// admit, freeze exactly size.
func (a *Admission) AdmitKnownSize(available, size int64) Decision {
	if size > a.maxTaskSize {
		return Decision{Reason: "exceeds maximum task size"}
	}
	if size > available {
		return Decision{Reason: "user quota space insufficient"}
	}
	return Decision{Admit: true, FrozenSpace: size}
}

// AdmitUnknownSize decides admission for a magnet/torrent/HTTP submission
// whose size is not yet known: admit if at least 1 MiB is available,
// freezing nothing until the real size is revealed.
func (a *Admission) AdmitUnknownSize(available int64) Decision {
	if available < oneMiB {
		return Decision{Reason: "user quota space insufficient"}
	}
	return Decision{Admit: true, FrozenSpace: 0}
}

// AdmitLateReveal decides admission for one pending subscriber once a
// task's real totalLength becomes known. available must already reflect
// every subscription admitted earlier in the same pass (the reconciler
// re-reads GetSpace under the user's lock for each subscription, after
// earlier admits have written their frozen_space), satisfying the
// cumulative-within-user rule.
func (a *Admission) AdmitLateReveal(available, totalLength int64) Decision {
	if totalLength > a.maxTaskSize {
		return Decision{Reason: "exceeds maximum task size"}
	}
	if totalLength > available {
		return Decision{Reason: "user quota space insufficient"}
	}
	return Decision{Admit: true, FrozenSpace: totalLength}
}
