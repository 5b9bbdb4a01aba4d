package submission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crmmc/aria2deck/admission"
	"github.com/crmmc/aria2deck/aria2rpc"
	"github.com/crmmc/aria2deck/core"
	"github.com/crmmc/aria2deck/fingerprint"
	"github.com/crmmc/aria2deck/probe"
	"github.com/crmmc/aria2deck/registry"
	"github.com/crmmc/aria2deck/storedb"
	"github.com/crmmc/aria2deck/store"
)

// fakeRPC hands back a fixed gid for every addURI/addTorrent call,
// mirroring the wire-level stub aria2rpc's own client tests decode
// requests with.
type fakeRPC struct {
	gid   string
	calls []string
}

func (f *fakeRPC) server(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string        `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.calls = append(f.calls, req.Method)

		resp := struct {
			ID     string          `json:"id"`
			Result json.RawMessage `json:"result"`
		}{ID: req.ID}
		b, err := json.Marshal(f.gid)
		require.NoError(t, err)
		resp.Result = b
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

type testDeps struct {
	svc *Service
	reg *registry.Registry
	adm *admission.Admission
	st  *store.Store
	rpc *fakeRPC
}

func newTestDeps(t *testing.T, quota int64) *testDeps {
	t.Helper()
	root := t.TempDir()
	db, err := storedb.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New(db)
	st := store.New(db, root)
	require.NoError(t, st.EnsureRoot())
	adm := admission.New(db, root, 1<<40)

	rpc := &fakeRPC{gid: "gid-new"}
	srv := rpc.server(t)
	t.Cleanup(srv.Close)
	client := aria2rpc.New(srv.URL, "")

	prober := probe.New(0)
	svc := New(prober, probe.DefaultResolver, adm, reg, client, st)
	_ = quota
	return &testDeps{svc: svc, reg: reg, adm: adm, st: st, rpc: rpc}
}

const magnetURI = "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=test"

func TestSubmitFirstCallerClaimsAndCallsDaemon(t *testing.T) {
	d := newTestDeps(t, 1<<40)

	res, err := d.svc.Submit(context.Background(), 1, 1<<40, fingerprint.Submission{URI: magnetURI})
	require.NoError(t, err)
	require.NotNil(t, res.Task.GID)
	require.Equal(t, "gid-new", *res.Task.GID)
	require.Equal(t, core.SubPending, res.Subscription.Status)
	require.Contains(t, d.rpc.calls, "aria2.addUri")
}

func TestSubmitSecondOwnerSharesExistingTask(t *testing.T) {
	d := newTestDeps(t, 1<<40)

	first, err := d.svc.Submit(context.Background(), 1, 1<<40, fingerprint.Submission{URI: magnetURI})
	require.NoError(t, err)

	second, err := d.svc.Submit(context.Background(), 2, 1<<40, fingerprint.Submission{URI: magnetURI})
	require.NoError(t, err)

	require.Equal(t, first.Task.ID, second.Task.ID)
	require.Len(t, d.rpc.calls, 1, "only the first caller should submit to the daemon")
}

func TestSubmitRejectsWhenOverQuota(t *testing.T) {
	d := newTestDeps(t, 1<<20)

	_, err := d.svc.Submit(context.Background(), 1, 0, fingerprint.Submission{URI: magnetURI})
	require.Error(t, err)
	require.True(t, core.Is(err, core.KindSpaceDenied))
	require.Empty(t, d.rpc.calls)
}

func TestCancelSubscriptionLastSubscriberStopsDaemonTask(t *testing.T) {
	d := newTestDeps(t, 1<<40)

	res, err := d.svc.Submit(context.Background(), 1, 1<<40, fingerprint.Submission{URI: magnetURI})
	require.NoError(t, err)

	require.NoError(t, d.svc.CancelSubscription(context.Background(), 1, res.Task.ID))

	task, err := d.reg.GetTask(res.Task.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskError, task.Status)
	require.Contains(t, d.rpc.calls, "aria2.forceRemove")
}

func TestCancelSubscriptionWithRemainingSubscribersLeavesTaskAlone(t *testing.T) {
	d := newTestDeps(t, 1<<40)

	first, err := d.svc.Submit(context.Background(), 1, 1<<40, fingerprint.Submission{URI: magnetURI})
	require.NoError(t, err)
	_, err = d.svc.Submit(context.Background(), 2, 1<<40, fingerprint.Submission{URI: magnetURI})
	require.NoError(t, err)

	require.NoError(t, d.svc.CancelSubscription(context.Background(), 1, first.Task.ID))

	task, err := d.reg.GetTask(first.Task.ID)
	require.NoError(t, err)
	require.NotEqual(t, core.TaskError, task.Status)
}

func TestCancelSubscriptionUnknownSubscriptionIsIdempotentNoOp(t *testing.T) {
	d := newTestDeps(t, 1<<40)
	require.NoError(t, d.svc.CancelSubscription(context.Background(), 99, 1))
}

func TestCancelSubscriptionTwiceSucceedsBothTimes(t *testing.T) {
	d := newTestDeps(t, 1<<40)

	res, err := d.svc.Submit(context.Background(), 1, 1<<40, fingerprint.Submission{URI: magnetURI})
	require.NoError(t, err)

	require.NoError(t, d.svc.CancelSubscription(context.Background(), 1, res.Task.ID))
	require.NoError(t, d.svc.CancelSubscription(context.Background(), 1, res.Task.ID))
}
