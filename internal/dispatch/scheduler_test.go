package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/labor-dispatch/internal/directory"
	"github.com/ChuLiYu/labor-dispatch/internal/jobstore"
	"github.com/ChuLiYu/labor-dispatch/internal/notify"
	"github.com/ChuLiYu/labor-dispatch/internal/push"
	"github.com/ChuLiYu/labor-dispatch/internal/registry"
	"github.com/ChuLiYu/labor-dispatch/internal/timer"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var site = types.Location{Lat: 18.5204, Lon: 73.8567}

// north 工地正北方 km 公里處
func north(km float64) types.Location {
	return types.Location{Lat: site.Lat + km/111.2, Lon: site.Lon}
}

type sentFrame struct {
	connID  string
	event   string
	payload any
}

// fakePush 記錄所有推播；offline 中的連線送出失敗
type fakePush struct {
	mu      sync.Mutex
	frames  []sentFrame
	offline map[string]bool
}

func newFakePush() *fakePush {
	return &fakePush{offline: make(map[string]bool)}
}

func (f *fakePush) Send(connID, event string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[connID] {
		return false
	}
	f.frames = append(f.frames, sentFrame{connID, event, payload})
	return true
}

func (f *fakePush) setOffline(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline[connID] = true
}

func (f *fakePush) count(connID, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.frames {
		if fr.connID == connID && fr.event == event {
			n++
		}
	}
	return n
}

func (f *fakePush) lastOffer(connID string) (Offer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		fr := f.frames[i]
		if fr.connID == connID && fr.event == push.EventJobOffer {
			return fr.payload.(Offer), true
		}
	}
	return Offer{}, false
}

type recordingSink struct {
	mu    sync.Mutex
	items []notify.Notification
}

func (r *recordingSink) Submit(n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	return nil
}

func (r *recordingSink) count(kind notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, item := range r.items {
		if item.Kind == kind {
			n++
		}
	}
	return n
}

type harness struct {
	s     *Scheduler
	store *jobstore.Memory
	reg   *registry.Registry
	dir   *directory.Memory
	push  *fakePush
	sink  *recordingSink
}

// newHarness 建立短計時器的排程器，mod 可調整配置
func newHarness(t *testing.T, mod func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.OfferTimeout = 200 * time.Millisecond
	cfg.RetryCooldown = 200 * time.Millisecond
	cfg.TrackingWindow = time.Minute
	cfg.Tracking.MaxUpdatesPerSec = 0
	if mod != nil {
		mod(&cfg)
	}

	h := &harness{
		store: jobstore.NewMemory(),
		reg:   registry.New(),
		dir:   directory.NewMemory(),
		push:  newFakePush(),
		sink:  &recordingSink{},
	}
	h.s = NewScheduler(cfg, Deps{
		Store:     h.store,
		Registry:  h.reg,
		Directory: h.dir,
		Push:      h.push,
		Notifier:  h.sink,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(h.s.Stop)
	return h
}

func conn(phone string) string { return "worker:" + phone }

// addWorker 設為可接單並註冊
func (h *harness) addWorker(t *testing.T, phone, workerType string, loc types.Location) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.dir.SetAvailability(ctx, phone, true))
	require.NoError(t, h.s.RegisterWorker(ctx, conn(phone), registry.Identity{
		ID:         "id-" + phone,
		Phone:      phone,
		Name:       "Worker " + phone,
		WorkerType: workerType,
	}, loc, nil))
}

func (h *harness) post(t *testing.T, workerType string) *types.Job {
	t.Helper()
	job, err := h.s.PostJob(context.Background(), NewJob{
		ContractorID: "c-1",
		Title:        "Site work",
		Amount:       800,
		Location:     site,
		WorkerType:   workerType,
	})
	require.NoError(t, err)
	return job
}

func (h *harness) status(t *testing.T, id types.JobID) types.JobStatus {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

func waitForOffer(t *testing.T, h *harness, phone string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.push.count(conn(phone), push.EventJobOffer) >= n
	}, 3*time.Second, 10*time.Millisecond, "worker %s never received offer #%d", phone, n)
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestPostJobOffersNearestMatchingWorker(t *testing.T) {
	h := newHarness(t, nil)
	h.addWorker(t, "W1", "mason", north(3))
	h.addWorker(t, "W2", "plumber", north(1))

	job := h.post(t, "mason")

	assert.Equal(t, types.StatusPending, job.Status)
	offer, ok := h.push.lastOffer(conn("W1"))
	require.True(t, ok)
	assert.Equal(t, job.ID, offer.Job.ID)
	assert.Equal(t, 1, offer.PoolSize)
	assert.InDelta(t, 3.0, offer.DistanceKm, 0.05)
	assert.Zero(t, h.push.count(conn("W2"), push.EventJobOffer))

	handle, ok := h.s.timers.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, timer.KindOffer, handle.Kind)
	assert.Equal(t, "W1", handle.Worker)
}

func TestPostJobRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name string
		in   NewJob
	}{
		{"missing contractor", NewJob{Title: "x", Amount: 1, Location: site}},
		{"missing title", NewJob{ContractorID: "c", Amount: 1, Location: site}},
		{"zero amount", NewJob{ContractorID: "c", Title: "x", Location: site}},
		{"negative amount", NewJob{ContractorID: "c", Title: "x", Amount: -5, Location: site}},
		{"bad latitude", NewJob{ContractorID: "c", Title: "x", Amount: 1, Location: types.Location{Lat: 91}}},
		{"bad longitude", NewJob{ContractorID: "c", Title: "x", Amount: 1, Location: types.Location{Lon: -181}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.s.PostJob(context.Background(), tt.in)
			assert.ErrorIs(t, err, ErrInvalidJob)
		})
	}

	stats, err := h.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats[string(types.StatusPending)])
	assert.Zero(t, h.s.timers.Len())
}

func TestAcceptOpensTrackingAndNotifies(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OfferTimeout = time.Minute })
	h.addWorker(t, "W1", "mason", north(1))
	job := h.post(t, "mason")

	accepted, err := h.s.Accept(context.Background(), job.ID, "W1")
	require.NoError(t, err)

	assert.Equal(t, types.StatusAccepted, accepted.Status)
	assert.Equal(t, "W1", accepted.AcceptedBy)
	require.NotNil(t, accepted.AcceptedWorker)
	assert.Equal(t, "Worker W1", accepted.AcceptedWorker.Name)
	assert.NotZero(t, accepted.AcceptedAt)

	assert.Zero(t, h.s.timers.Len())
	_, tracking := h.s.Tracking().Active(job.ID)
	assert.True(t, tracking)
	assert.Equal(t, 1, h.push.count(push.ContractorConn("c-1"), push.EventJobAccepted))
	assert.Equal(t, 1, h.sink.count(notify.KindJobAccepted))
}

func TestAcceptRequiresRegisteredWorker(t *testing.T) {
	h := newHarness(t, nil)
	job := h.post(t, "")

	_, err := h.s.Accept(context.Background(), job.ID, "ghost")
	assert.ErrorIs(t, err, ErrNotOffered)
	assert.Equal(t, types.StatusPending, h.status(t, job.ID))
}

// ============================================================================
// Escalation Tests
// ============================================================================

func TestOfferTimeoutMovesToNextWorker(t *testing.T) {
	h := newHarness(t, nil)
	h.addWorker(t, "W1", "", north(0.5))
	h.addWorker(t, "W2", "", north(1))

	job := h.post(t, "")
	waitForOffer(t, h, "W1", 1)
	waitForOffer(t, h, "W2", 1)

	assert.GreaterOrEqual(t, h.push.count(conn("W1"), push.EventOfferWithdrawn), 1)
	assert.True(t, h.s.timedOutFor(job.ID)["W1"])
	assert.Equal(t, types.StatusPending, h.status(t, job.ID))
}

func TestCancelDuringOfferMakesAcceptConflict(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OfferTimeout = time.Minute })
	h.addWorker(t, "W1", "", north(1))
	job := h.post(t, "")
	waitForOffer(t, h, "W1", 1)

	cancelled, err := h.s.Cancel(context.Background(), job.ID, "c-1", "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)
	assert.Equal(t, "no longer needed", cancelled.CancelReason)

	_, err = h.s.Accept(context.Background(), job.ID, "W1")
	assert.ErrorIs(t, err, jobstore.ErrConflict)

	assert.Equal(t, types.StatusCancelled, h.status(t, job.ID))
	assert.Zero(t, h.s.timers.Len())
	assert.Equal(t, 1, h.push.count(conn("W1"), push.EventOfferWithdrawn))
	assert.Equal(t, 1, h.sink.count(notify.KindJobCancelled))
}

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OfferTimeout = time.Minute })
	phones := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	for i, p := range phones {
		h.addWorker(t, p, "", north(0.2*float64(i+1)))
	}
	job := h.post(t, "")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	for _, p := range phones {
		wg.Add(1)
		go func(phone string) {
			defer wg.Done()
			_, err := h.s.Accept(context.Background(), job.ID, phone)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, phone)
			case errors.Is(err, jobstore.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error for %s: %v", phone, err)
			}
		}(p)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, len(phones)-1, conflicts)

	stored, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], stored.AcceptedBy)
}

// slowBusyStore 在忙碌檢查讀取之後延遲，放大檢查與轉換之間的空窗
type slowBusyStore struct {
	*jobstore.Memory
	delay time.Duration
}

func (s *slowBusyStore) FindActiveUnpaidJob(ctx context.Context, phone string) (*types.Job, error) {
	job, err := s.Memory.FindActiveUnpaidJob(ctx, phone)
	time.Sleep(s.delay)
	return job, err
}

func TestConcurrentAcceptSameWorkerTwoJobs(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OfferTimeout = time.Minute })
	store := &slowBusyStore{Memory: h.store, delay: 20 * time.Millisecond}
	h.s = NewScheduler(h.s.cfg, Deps{
		Store:     store,
		Registry:  h.reg,
		Directory: h.dir,
		Push:      h.push,
		Notifier:  h.sink,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(h.s.Stop)

	h.addWorker(t, "W1", "", north(0.5))
	jobA := h.post(t, "")
	jobB := h.post(t, "")

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, id := range []types.JobID{jobA.ID, jobB.ID} {
		wg.Add(1)
		go func(i int, id types.JobID) {
			defer wg.Done()
			_, errs[i] = h.s.Accept(context.Background(), id, "W1")
		}(i, id)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrWorkerBusy)
	}
	assert.Equal(t, 1, succeeded, "a worker may hold only one unpaid job")

	accepted := 0
	for _, id := range []types.JobID{jobA.ID, jobB.ID} {
		if h.status(t, id) == types.StatusAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestDeclinedWorkerNeverReoffered(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OfferTimeout = time.Minute })
	h.addWorker(t, "W1", "", north(0.5))
	h.addWorker(t, "W2", "", north(1))
	job := h.post(t, "")
	waitForOffer(t, h, "W1", 1)

	_, err := h.s.Decline(context.Background(), job.ID, "W1")
	require.NoError(t, err)
	waitForOffer(t, h, "W2", 1)

	_, err = h.s.Decline(context.Background(), job.ID, "W2")
	require.NoError(t, err)

	// 幾次 retry 之後仍然沒有人再收到派單
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, 1, h.push.count(conn("W1"), push.EventJobOffer))
	assert.Equal(t, 1, h.push.count(conn("W2"), push.EventJobOffer))

	stored, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"W1", "W2"}, stored.DeclinedBy)
	assert.Equal(t, types.StatusPending, stored.Status)

	handle, ok := h.s.timers.Get(job.ID)
	if ok {
		assert.Equal(t, timer.KindRetry, handle.Kind)
	}
	assert.Equal(t, 1, h.sink.count(notify.KindNoWorkers), "contractor is told once, not every cooldown")

	_, err = h.s.Accept(context.Background(), job.ID, "W1")
	assert.ErrorIs(t, err, jobstore.ErrConflict)
}

func TestDeclineIsIdempotent(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OfferTimeout = time.Minute })
	job := h.post(t, "")

	for i := 0; i < 3; i++ {
		_, err := h.s.Decline(context.Background(), job.ID, "W9")
		require.NoError(t, err)
	}
	stored, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"W9"}, stored.DeclinedBy)
}

func TestBusyWorkerExcluded(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OfferTimeout = time.Minute })
	h.addWorker(t, "W1", "", north(0.5))
	first := h.post(t, "")
	_, err := h.s.Accept(context.Background(), first.ID, "W1")
	require.NoError(t, err)

	h.addWorker(t, "W2", "", north(2))
	second := h.post(t, "")

	assert.Equal(t, 1, h.push.count(conn("W1"), push.EventJobOffer))
	offer, ok := h.push.lastOffer(conn("W2"))
	require.True(t, ok)
	assert.Equal(t, second.ID, offer.Job.ID)

	_, err = h.s.Accept(context.Background(), second.ID, "W1")
	assert.ErrorIs(t, err, ErrWorkerBusy)
}

func TestEmptyPoolWaitsThenOffersOnRegistration(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RetryCooldown = time.Minute })
	job := h.post(t, "mason")

	assert.Equal(t, types.StatusPending, job.Status)
	handle, ok := h.s.timers.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, timer.KindRetry, handle.Kind)
	assert.Equal(t, 1, h.sink.count(notify.KindNoWorkers))

	h.addWorker(t, "W1", "Mason", north(2))
	waitForOffer(t, h, "W1", 1)
}

func TestRetryRoundFindsWorkerAfterCooldown(t *testing.T) {
	h := newHarness(t, nil)
	job := h.post(t, "")

	// 直接寫入登錄表，不觸發立即重試
	require.NoError(t, h.dir.SetAvailability(context.Background(), "W1", true))
	h.reg.Upsert(conn("W1"), registry.Identity{Phone: "W1"}, north(1), nil)

	waitForOffer(t, h, "W1", 1)
	offer, _ := h.push.lastOffer(conn("W1"))
	assert.Equal(t, job.ID, offer.Job.ID)
}

func TestDisconnectEscalatesOffer(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OfferTimeout = time.Minute })
	h.addWorker(t, "W1", "", north(0.5))
	h.addWorker(t, "W2", "", north(1))
	job := h.post(t, "")
	waitForOffer(t, h, "W1", 1)

	h.s.DisconnectWorker(conn("W1"))
	waitForOffer(t, h, "W2", 1)

	handle, ok := h.s.timers.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, "W2", handle.Worker)
	assert.Equal(t, 1, h.reg.Len())
}

func TestWorkerGoingOfflineEscalatesOffer(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OfferTimeout = time.Minute })
	h.addWorker(t, "W1", "", north(0.5))
	h.addWorker(t, "W2", "", north(1))
	h.post(t, "")
	waitForOffer(t, h, "W1", 1)

	require.NoError(t, h.s.SetWorkerAvailability(context.Background(), "W1", false))
	waitForOffer(t, h, "W2", 1)

	available, err := h.dir.Availability(context.Background(), "W1")
	require.NoError(t, err)
	assert.False(t, available)
}

func TestVanishedWorkerSkippedAtPushTime(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OfferTimeout = time.Minute })
	h.addWorker(t, "W1", "", north(0.5))
	h.addWorker(t, "W2", "", north(1))
	h.push.setOffline(conn("W1"))

	job := h.post(t, "")

	handle, ok := h.s.timers.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, "W2", handle.Worker)
	assert.Equal(t, 1, h.push.count(conn("W2"), push.EventJobOffer))
	assert.True(t, h.s.timedOutFor(job.ID)["W1"])
}

func TestDeclineByAcceptedWorkerReopensJob(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OfferTimeout = time.Minute })
	h.addWorker(t, "W1", "", north(0.5))
	h.addWorker(t, "W2", "", north(1))
	job := h.post(t, "")
	_, err := h.s.Accept(context.Background(), job.ID, "W1")
	require.NoError(t, err)

	updated, err := h.s.Decline(context.Background(), job.ID, "W1")
	require.NoError(t, err)

	assert.Equal(t, types.StatusPending, updated.Status)
	assert.Empty(t, updated.AcceptedBy)
	assert.Nil(t, updated.AcceptedWorker)
	assert.Contains(t, updated.DeclinedBy, "W1")

	_, tracking := h.s.Tracking().Active(job.ID)
	assert.False(t, tracking)
	waitForOffer(t, h, "W2", 1)
	assert.Equal(t, 1, h.push.count(conn("W1"), push.EventJobOffer))
}

// ============================================================================
// Cancellation & Downstream Facts
// ============================================================================

func TestCancelAcceptedJobNotifiesWorker(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OfferTimeout = time.Minute })
	h.addWorker(t, "W1", "", north(0.5))
	job := h.post(t, "")
	_, err := h.s.Accept(context.Background(), job.ID, "W1")
	require.NoError(t, err)

	cancelled, err := h.s.Cancel(context.Background(), job.ID, "admin", "weather")
	require.NoError(t, err)
	assert.Empty(t, cancelled.AcceptedBy)
	assert.Equal(t, "admin", cancelled.CancelledBy)

	assert.Equal(t, 1, h.push.count(conn("W1"), push.EventJobCancelled))
	_, tracking := h.s.Tracking().Active(job.ID)
	assert.False(t, tracking)

	// 取消後工人不再被佔用
	active, err := h.store.FindActiveUnpaidJob(context.Background(), "W1")
	require.NoError(t, err)
	assert.Nil(t, active)

	again, err := h.s.Cancel(context.Background(), job.ID, "admin", "again")
	require.NoError(t, err)
	assert.Equal(t, "weather", again.CancelReason)
	assert.Equal(t, 1, h.sink.count(notify.KindJobCancelled))
}

func TestCancelPaidJobRejected(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OfferTimeout = time.Minute })
	h.addWorker(t, "W1", "", north(0.5))
	job := h.post(t, "")
	_, err := h.s.Accept(context.Background(), job.ID, "W1")
	require.NoError(t, err)
	_, err = h.s.MarkPaid(context.Background(), job.ID)
	require.NoError(t, err)

	_, err = h.s.Cancel(context.Background(), job.ID, "c-1", "")
	assert.ErrorIs(t, err, jobstore.ErrConflict)
}

func TestCancelMissingJob(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.s.Cancel(context.Background(), "nope", "c-1", "")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
}

func TestLocationForwardedUntilAttendance(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OfferTimeout = time.Minute })
	h.addWorker(t, "W1", "", north(1))
	job := h.post(t, "")
	_, err := h.s.Accept(context.Background(), job.ID, "W1")
	require.NoError(t, err)

	contractor := push.ContractorConn("c-1")
	require.NoError(t, h.s.UpdateWorkerLocation(context.Background(), conn("W1"), north(0.5)))
	assert.Equal(t, 1, h.push.count(contractor, push.EventWorkerLocation))

	stored, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, north(0.5), stored.AcceptedWorker.Location)

	marked, err := h.s.MarkAttendance(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, marked.AttendanceMarked)

	require.NoError(t, h.s.UpdateWorkerLocation(context.Background(), conn("W1"), north(0.1)))
	assert.Equal(t, 1, h.push.count(contractor, push.EventWorkerLocation))
	assert.Equal(t, 1, h.sink.count(notify.KindAttendance))
}

func TestUpdateLocationUnknownConnection(t *testing.T) {
	h := newHarness(t, nil)
	err := h.s.UpdateWorkerLocation(context.Background(), "worker:missing", site)
	assert.ErrorIs(t, err, registry.ErrUnknownConnection)
}

func TestMarkPaidFreesWorkerForWaitingJob(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.OfferTimeout = time.Minute
		c.RetryCooldown = time.Minute
	})
	h.addWorker(t, "W1", "", north(0.5))
	first := h.post(t, "")
	_, err := h.s.Accept(context.Background(), first.ID, "W1")
	require.NoError(t, err)

	second := h.post(t, "")
	handle, ok := h.s.timers.Get(second.ID)
	require.True(t, ok)
	assert.Equal(t, timer.KindRetry, handle.Kind)

	paid, err := h.s.MarkPaid(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentPaid, paid.PaymentStatus)

	waitForOffer(t, h, "W1", 2)
	offer, _ := h.push.lastOffer(conn("W1"))
	assert.Equal(t, second.ID, offer.Job.ID)
}

func TestMarkAttendanceRequiresAccepted(t *testing.T) {
	h := newHarness(t, nil)
	job := h.post(t, "")
	_, err := h.s.MarkAttendance(context.Background(), job.ID)
	assert.ErrorIs(t, err, jobstore.ErrConflict)
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestStartReconcilesStoredJobs(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.OfferTimeout = time.Minute })
	ctx := context.Background()
	now := time.Now().UnixMilli()

	_, err := h.store.Create(ctx, types.Job{ID: "pending-1", ContractorID: "c-1", Title: "a", Amount: 1, Location: site})
	require.NoError(t, err)

	accept := func(id types.JobID, acceptedAt int64, paid bool) {
		_, err := h.store.Create(ctx, types.Job{ID: id, ContractorID: "c-2", Title: "b", Amount: 1, Location: site})
		require.NoError(t, err)
		_, err = h.store.Transition(ctx, id, types.StatusPending, func(j *types.Job) error {
			j.Status = types.StatusAccepted
			j.AcceptedBy = "busy-" + string(id)
			j.AcceptedWorker = &types.WorkerSnapshot{Phone: j.AcceptedBy}
			j.AcceptedAt = acceptedAt
			if paid {
				j.PaymentStatus = types.PaymentPaid
			}
			return nil
		})
		require.NoError(t, err)
	}
	accept("accepted-open", now, false)
	accept("accepted-expired", now-int64(2*time.Minute/time.Millisecond), false)
	accept("accepted-paid", now, true)

	h.addWorker(t, "W1", "", north(1))
	require.NoError(t, h.s.Start(ctx))

	waitForOffer(t, h, "W1", 1)
	offer, _ := h.push.lastOffer(conn("W1"))
	assert.Equal(t, types.JobID("pending-1"), offer.Job.ID)

	assert.Equal(t, 1, h.s.Tracking().Len())
	_, open := h.s.Tracking().Active("accepted-open")
	assert.True(t, open)
}

func TestStopCancelsTimers(t *testing.T) {
	h := newHarness(t, nil)
	h.addWorker(t, "W1", "", north(1))
	job := h.post(t, "")

	h.s.Stop()
	assert.Zero(t, h.s.timers.Len())

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, h.push.count(conn("W1"), push.EventJobOffer))
	assert.Equal(t, types.StatusPending, h.status(t, job.ID))
}

func TestStats(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.OfferTimeout = time.Minute
		c.RetryCooldown = time.Minute
	})
	h.addWorker(t, "W1", "mason", north(1))
	h.post(t, "mason")
	h.post(t, "plumber")

	stats := h.s.Stats(context.Background())
	assert.Equal(t, 1, stats.Offered)
	assert.Equal(t, 1, stats.Waiting)
	assert.Equal(t, 1, stats.Workers)
	assert.Equal(t, 2, stats.Jobs[string(types.StatusPending)])
}
