package reconciler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crmmc/aria2deck/admission"
	"github.com/crmmc/aria2deck/aria2rpc"
	"github.com/crmmc/aria2deck/core"
	"github.com/crmmc/aria2deck/registry"
	"github.com/crmmc/aria2deck/store"
	"github.com/crmmc/aria2deck/storedb"
)

// fakeDaemon serves tellStatus/forceRemove/removeDownloadResult responses
// from an in-memory map a test can mutate between calls, standing in for
// the real aria2 daemon the way a hand-rolled JSON-RPC stub stands in for
// it throughout aria2rpc's own tests.
type fakeDaemon struct {
	mu       sync.Mutex
	statuses map[string]aria2rpc.Status
	removed  map[string]bool
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{statuses: make(map[string]aria2rpc.Status), removed: make(map[string]bool)}
}

func (d *fakeDaemon) set(status aria2rpc.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses[status.GID] = status
}

func (d *fakeDaemon) server(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string        `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := struct {
			ID     string          `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}{ID: req.ID}

		switch req.Method {
		case "aria2.tellStatus":
			gid, _ := req.Params[0].(string)
			d.mu.Lock()
			status, ok := d.statuses[gid]
			d.mu.Unlock()
			if !ok {
				resp.Error = &struct {
					Code    int    `json:"code"`
					Message string `json:"message"`
				}{Code: 1, Message: "GID not found"}
			} else {
				b, err := json.Marshal(status)
				require.NoError(t, err)
				resp.Result = b
			}
		case "aria2.forceRemove", "aria2.removeDownloadResult":
			gid, _ := req.Params[0].(string)
			d.mu.Lock()
			d.removed[gid] = true
			d.mu.Unlock()
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	delivered []core.Message
}

func (b *fakeBroadcaster) Notify(ownerID, taskID int64, msg core.Message, terminal bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delivered = append(b.delivered, msg)
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.delivered)
}

type testHarness struct {
	r     *Reconciler
	reg   *registry.Registry
	store *store.Store
	adm   *admission.Admission
	bcast *fakeBroadcaster
	fake  *fakeDaemon
}

func newHarness(t *testing.T, quota int64) *testHarness {
	t.Helper()
	root := t.TempDir()
	db, err := storedb.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New(db)
	st := store.New(db, root)
	require.NoError(t, st.EnsureRoot())
	adm := admission.New(db, root, 1<<40)

	fake := newFakeDaemon()
	srv := fake.server(t)
	t.Cleanup(srv.Close)
	client := aria2rpc.New(srv.URL, "")

	bcast := &fakeBroadcaster{}
	quotas := constQuota(quota)

	r := New(reg, st, adm, quotas, client, bcast, 1<<40, time.Second)
	return &testHarness{r: r, reg: reg, store: st, adm: adm, bcast: bcast, fake: fake}
}

type constQuota int64

func (q constQuota) Quota(context.Context, int64) (int64, error) { return int64(q), nil }

func setupTaskWithSubscriber(t *testing.T, h *testHarness, uriHash, gid string, ownerID int64) (*core.DownloadTask, *core.UserTaskSubscription) {
	t.Helper()
	task, _, err := h.reg.FindOrCreateTask(uriHash, "magnet:?xt=urn:btih:"+uriHash, "file", 0)
	require.NoError(t, err)
	ok, err := h.reg.ClaimQueuedTask(task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.reg.SetGID(task.ID, gid))
	sub, err := h.reg.CreateSubscription(ownerID, task.ID, 0)
	require.NoError(t, err)
	return task, sub
}

func TestHandleEventCompletePromotesAndNotifiesSubscribers(t *testing.T) {
	h := newHarness(t, 1<<40)
	task, _ := setupTaskWithSubscriber(t, h, "hash-complete", "gid-1", 1)

	dir, err := h.store.TaskDownloadDir(task.ID)
	require.NoError(t, err)
	filePath := filepath.Join(dir, "artifact.bin")
	require.NoError(t, os.WriteFile(filePath, []byte("content"), 0644))

	h.fake.set(aria2rpc.Status{
		GID: "gid-1", Status: "complete", TotalLength: 7, CompletedLength: 7,
		Files: []struct {
			Path string `json:"path"`
		}{{Path: filePath}},
	})

	require.NoError(t, h.r.HandleEvent(context.Background(), aria2rpc.Event{Method: aria2rpc.EventDownloadComplete, GID: "gid-1"}))

	got, err := h.reg.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskComplete, got.Status)
	require.NotNil(t, got.StoredFileID)

	sub, err := h.reg.GetSubscription(1, task.ID)
	require.NoError(t, err)
	require.Equal(t, core.SubSuccess, sub.Status)
	require.Equal(t, 1, h.bcast.count())
}

func TestHandleEventCompleteIsIdempotentUnderDuplicateDelivery(t *testing.T) {
	h := newHarness(t, 1<<40)
	task, _ := setupTaskWithSubscriber(t, h, "hash-dup", "gid-2", 1)

	dir, err := h.store.TaskDownloadDir(task.ID)
	require.NoError(t, err)
	filePath := filepath.Join(dir, "artifact.bin")
	require.NoError(t, os.WriteFile(filePath, []byte("content"), 0644))

	status := aria2rpc.Status{
		GID: "gid-2", Status: "complete", TotalLength: 7, CompletedLength: 7,
		Files: []struct {
			Path string `json:"path"`
		}{{Path: filePath}},
	}
	h.fake.set(status)

	ev := aria2rpc.Event{Method: aria2rpc.EventDownloadComplete, GID: "gid-2"}
	require.NoError(t, h.r.HandleEvent(context.Background(), ev))
	// A second delivery of the same terminal event must be a safe no-op:
	// the task is already terminal so reconcileGID drops it early.
	require.NoError(t, h.r.HandleEvent(context.Background(), ev))

	require.Equal(t, 1, h.bcast.count(), "duplicate completion delivery must not double-notify")
}

func TestHandleEventDaemonErrorFailsAllPending(t *testing.T) {
	h := newHarness(t, 1<<40)
	task, _ := setupTaskWithSubscriber(t, h, "hash-err", "gid-3", 1)

	h.fake.set(aria2rpc.Status{GID: "gid-3", Status: "error", ErrorCode: "9", ErrorMessage: "errorCode=9 disk space insufficient"})

	require.NoError(t, h.r.HandleEvent(context.Background(), aria2rpc.Event{Method: aria2rpc.EventDownloadError, GID: "gid-3"}))

	got, err := h.reg.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskError, got.Status)

	sub, err := h.reg.GetSubscription(1, task.ID)
	require.NoError(t, err)
	require.Equal(t, core.SubFailed, sub.Status)
}

func TestHandleEventExternalCancelFailsAllPending(t *testing.T) {
	h := newHarness(t, 1<<40)
	task, _ := setupTaskWithSubscriber(t, h, "hash-cancel", "gid-4", 1)

	h.fake.set(aria2rpc.Status{GID: "gid-4", Status: "removed"})

	require.NoError(t, h.r.HandleEvent(context.Background(), aria2rpc.Event{Method: aria2rpc.EventDownloadStop, GID: "gid-4"}))

	sub, err := h.reg.GetSubscription(1, task.ID)
	require.NoError(t, err)
	require.Equal(t, core.SubFailed, sub.Status)
	require.Equal(t, "externally canceled", *sub.ErrorDisplay)
}

func TestHandleEventBTMetadataHandoffIsNotTerminal(t *testing.T) {
	h := newHarness(t, 1<<40)
	task, _ := setupTaskWithSubscriber(t, h, "hash-bt", "gid-meta", 1)

	h.fake.set(aria2rpc.Status{GID: "gid-meta", Status: "complete", FollowedBy: []string{"gid-real"}})

	require.NoError(t, h.r.HandleEvent(context.Background(), aria2rpc.Event{Method: aria2rpc.EventDownloadComplete, GID: "gid-meta"}))

	got, err := h.reg.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskActive, got.Status, "a metadata-phase completion must not be terminal")
	require.Equal(t, "gid-real", *got.GID)

	h.fake.set(aria2rpc.Status{GID: "gid-real", Status: "active", TotalLength: 100, CompletedLength: 10})
	require.NoError(t, h.r.HandleEvent(context.Background(), aria2rpc.Event{Method: aria2rpc.EventDownloadStart, GID: "gid-real"}))

	got, err = h.reg.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskActive, got.Status)
	require.Equal(t, int64(100), got.TotalLength, "the gid swap must carry forward to the real download's progress")
}

func TestHandleEventLateSizeRevealAdmitsWithinQuota(t *testing.T) {
	h := newHarness(t, 1000)
	task, sub := setupTaskWithSubscriber(t, h, "hash-late", "gid-5", 1)
	require.Equal(t, int64(0), sub.FrozenSpace)

	h.fake.set(aria2rpc.Status{GID: "gid-5", Status: "active", TotalLength: 500, CompletedLength: 0})
	require.NoError(t, h.r.HandleEvent(context.Background(), aria2rpc.Event{Method: aria2rpc.EventDownloadStart, GID: "gid-5"}))

	got, err := h.reg.GetSubscription(1, task.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), got.FrozenSpace)
	require.Equal(t, core.SubPending, got.Status)
}

func TestHandleEventLateSizeRevealCancelsOverQuota(t *testing.T) {
	h := newHarness(t, 100)
	task, _ := setupTaskWithSubscriber(t, h, "hash-late-over", "gid-6", 1)

	h.fake.set(aria2rpc.Status{GID: "gid-6", Status: "active", TotalLength: 5000, CompletedLength: 0})
	require.NoError(t, h.r.HandleEvent(context.Background(), aria2rpc.Event{Method: aria2rpc.EventDownloadStart, GID: "gid-6"}))

	got, err := h.reg.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskError, got.Status, "a task whose sole subscriber can't afford the revealed size must be canceled")

	sub, err := h.reg.GetSubscription(1, task.ID)
	require.NoError(t, err)
	require.Equal(t, core.SubFailed, sub.Status)
}

func TestHandleTellStatusFailureMarksTaskError(t *testing.T) {
	h := newHarness(t, 1<<40)
	task, _ := setupTaskWithSubscriber(t, h, "hash-notfound", "gid-missing", 1)
	// No status registered for gid-missing: tellStatus returns an RPC error.

	require.NoError(t, h.r.HandleEvent(context.Background(), aria2rpc.Event{Method: aria2rpc.EventDownloadError, GID: "gid-missing"}))

	got, err := h.reg.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskError, got.Status)
}
