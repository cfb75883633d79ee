package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/labor-dispatch/internal/auth"
	"github.com/ChuLiYu/labor-dispatch/internal/directory"
	"github.com/ChuLiYu/labor-dispatch/internal/dispatch"
	"github.com/ChuLiYu/labor-dispatch/internal/jobstore"
	"github.com/ChuLiYu/labor-dispatch/internal/registry"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

type nopPush struct {
	mu   sync.Mutex
	sent int
}

func (n *nopPush) Send(string, string, any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent++
	return true
}

var site = types.Location{Lat: 18.5204, Lon: 73.8567}

func newTestServer(t *testing.T, verifier *auth.Verifier) (*httptest.Server, *dispatch.Scheduler) {
	t.Helper()
	cfg := dispatch.DefaultConfig()
	cfg.OfferTimeout = time.Minute
	cfg.RetryCooldown = time.Minute

	dir := directory.NewMemory()
	sched := dispatch.NewScheduler(cfg, dispatch.Deps{
		Store:     jobstore.NewMemory(),
		Registry:  registry.New(),
		Directory: dir,
		Push:      &nopPush{},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(sched.Stop)

	ctx := context.Background()
	require.NoError(t, dir.SetAvailability(ctx, "W1", true))
	require.NoError(t, sched.RegisterWorker(ctx, "worker:W1", registry.Identity{Phone: "W1", Name: "Asha"}, site, nil))

	srv := httptest.NewServer(Server{
		Service:  sched,
		Verifier: verifier,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("dispatch_offers_total 0\n"))
		}),
	}.Router())
	t.Cleanup(srv.Close)
	return srv, sched
}

func call(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func postJob(t *testing.T, srv *httptest.Server, token string) string {
	t.Helper()
	resp, body := call(t, http.MethodPost, srv.URL+"/v1/jobs", token, dispatch.NewJob{
		ContractorID: "c-1",
		Title:        "Plaster wall",
		Amount:       1200,
		Location:     site,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	return body["id"].(string)
}

// ============================================================================
// Tests
// ============================================================================

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(data), "dispatch_offers_total")
}

func TestJobLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	id := postJob(t, srv, "")

	resp, body := call(t, http.MethodGet, srv.URL+"/v1/jobs/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])

	resp, body = call(t, http.MethodPost, srv.URL+"/v1/jobs/"+id+"/accept", "", WorkerActionRequest{Phone: "W1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "W1", body["accepted_by"])

	resp, body = call(t, http.MethodPost, srv.URL+"/v1/jobs/"+id+"/attendance", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["attendance_marked"])

	resp, body = call(t, http.MethodPost, srv.URL+"/v1/jobs/"+id+"/payment", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paid", body["payment_status"])

	resp, body = call(t, http.MethodPost, srv.URL+"/v1/jobs/"+id+"/cancel", "", CancelRequest{By: "c-1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "job no longer available", body["error"])
}

func TestCancelThenAcceptConflicts(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	id := postJob(t, srv, "")

	resp, body := call(t, http.MethodPost, srv.URL+"/v1/jobs/"+id+"/cancel", "", CancelRequest{By: "c-1", Reason: "rain"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	resp, body = call(t, http.MethodPost, srv.URL+"/v1/jobs/"+id+"/accept", "", WorkerActionRequest{Phone: "W1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "job no longer available", body["error"])
}

func TestErrorResponses(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, _ := call(t, http.MethodPost, srv.URL+"/v1/jobs", "", dispatch.NewJob{ContractorID: "c-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = call(t, http.MethodGet, srv.URL+"/v1/jobs/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	id := postJob(t, srv, "")
	resp, _ = call(t, http.MethodPost, srv.URL+"/v1/jobs/"+id+"/accept", "", WorkerActionRequest{Phone: "stranger"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/jobs", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestStatsAndAvailability(t *testing.T) {
	srv, sched := newTestServer(t, nil)
	postJob(t, srv, "")

	resp, body := call(t, http.MethodGet, srv.URL+"/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["offered"])
	assert.EqualValues(t, 1, body["workers"])

	resp, _ = call(t, http.MethodPut, srv.URL+"/v1/workers/W1/availability", "", AvailabilityRequest{Online: false})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// 工人下線後，派單立即轉移；只有一位工人時進入等待
	require.Eventually(t, func() bool {
		return sched.Stats(context.Background()).Waiting == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuthRoles(t *testing.T) {
	verifier := auth.NewVerifier("test-secret")
	srv, _ := newTestServer(t, verifier)

	contractor, err := verifier.Issue("c-9", auth.RoleContractor, time.Minute)
	require.NoError(t, err)
	worker, err := verifier.Issue("W1", auth.RoleWorker, time.Minute)
	require.NoError(t, err)

	resp, _ := call(t, http.MethodPost, srv.URL+"/v1/jobs", "", dispatch.NewJob{Title: "x", Amount: 1, Location: site})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = call(t, http.MethodPost, srv.URL+"/v1/jobs", worker, dispatch.NewJob{Title: "x", Amount: 1, Location: site})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	id := postJob(t, srv, contractor)
	resp, body := call(t, http.MethodGet, srv.URL+"/v1/jobs/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "c-9", body["contractor_id"], "contractor id comes from the token")

	// body 裡的 phone 被 token 取代
	resp, body = call(t, http.MethodPost, srv.URL+"/v1/jobs/"+id+"/accept", worker, WorkerActionRequest{Phone: "someone-else"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "W1", body["accepted_by"])
}

func TestAvailabilityLimitedToOwnWorker(t *testing.T) {
	verifier := auth.NewVerifier("test-secret")
	srv, sched := newTestServer(t, verifier)
	ctx := context.Background()
	require.NoError(t, sched.RegisterWorker(ctx, "worker:W2", registry.Identity{Phone: "W2", Name: "Ravi"}, site, nil))

	w2, err := verifier.Issue("W2", auth.RoleWorker, time.Minute)
	require.NoError(t, err)
	contractor, err := verifier.Issue("c-9", auth.RoleContractor, time.Minute)
	require.NoError(t, err)
	service, err := verifier.Issue("attendance-svc", auth.RoleService, time.Minute)
	require.NoError(t, err)

	resp, _ := call(t, http.MethodPut, srv.URL+"/v1/workers/W1/availability", w2, AvailabilityRequest{Online: false})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "worker cannot take another worker offline")

	resp, _ = call(t, http.MethodPut, srv.URL+"/v1/workers/W1/availability", contractor, AvailabilityRequest{Online: false})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// W1 沒有被下線，仍會收到派單
	postJob(t, srv, contractor)
	assert.Equal(t, 1, sched.Stats(ctx).Offered)

	resp, _ = call(t, http.MethodPut, srv.URL+"/v1/workers/W2/availability", w2, AvailabilityRequest{Online: true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = call(t, http.MethodPut, srv.URL+"/v1/workers/W1/availability", service, AvailabilityRequest{Online: true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAttendanceAndPaymentRequireOwnerOrService(t *testing.T) {
	verifier := auth.NewVerifier("test-secret")
	srv, _ := newTestServer(t, verifier)

	owner, err := verifier.Issue("c-9", auth.RoleContractor, time.Minute)
	require.NoError(t, err)
	other, err := verifier.Issue("c-10", auth.RoleContractor, time.Minute)
	require.NoError(t, err)
	worker, err := verifier.Issue("W1", auth.RoleWorker, time.Minute)
	require.NoError(t, err)
	service, err := verifier.Issue("payments", auth.RoleService, time.Minute)
	require.NoError(t, err)

	id := postJob(t, srv, owner)
	resp, body := call(t, http.MethodPost, srv.URL+"/v1/jobs/"+id+"/accept", worker, WorkerActionRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	for _, path := range []string{"/attendance", "/payment", "/cancel"} {
		resp, _ = call(t, http.MethodPost, srv.URL+"/v1/jobs/"+id+path, worker, CancelRequest{})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "worker on %s", path)

		resp, _ = call(t, http.MethodPost, srv.URL+"/v1/jobs/"+id+path, other, CancelRequest{})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "foreign contractor on %s", path)
	}

	resp, body = call(t, http.MethodGet, srv.URL+"/v1/jobs/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "accepted", body["status"])
	assert.NotContains(t, body, "attendance_marked")

	resp, body = call(t, http.MethodPost, srv.URL+"/v1/jobs/"+id+"/attendance", owner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, true, body["attendance_marked"])

	resp, body = call(t, http.MethodPost, srv.URL+"/v1/jobs/"+id+"/payment", service, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "paid", body["payment_status"])

	resp, _ = call(t, http.MethodPost, srv.URL+"/v1/jobs/missing/payment", owner, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", dispatch.ErrInvalidJob), http.StatusBadRequest},
		{dispatch.ErrInvalidWorker, http.StatusBadRequest},
		{jobstore.ErrNotFound, http.StatusNotFound},
		{jobstore.ConflictError("j", types.StatusPending, types.StatusAccepted), http.StatusConflict},
		{dispatch.ErrWorkerBusy, http.StatusConflict},
		{dispatch.ErrNotOffered, http.StatusForbidden},
		{fmt.Errorf("%w: not yours", ErrForbidden), http.StatusForbidden},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
