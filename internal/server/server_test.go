package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/labor-dispatch/internal/directory"
	"github.com/ChuLiYu/labor-dispatch/internal/dispatch"
	"github.com/ChuLiYu/labor-dispatch/internal/jobstore"
	"github.com/ChuLiYu/labor-dispatch/internal/registry"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

type acceptAll struct{}

func (acceptAll) Send(string, string, any) bool { return true }

var site = types.Location{Lat: 18.5204, Lon: 73.8567}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	cfg := dispatch.DefaultConfig()
	cfg.OfferTimeout = time.Minute
	cfg.RetryCooldown = time.Minute
	dir := directory.NewMemory()
	sched := dispatch.NewScheduler(cfg, dispatch.Deps{
		Store:     jobstore.NewMemory(),
		Registry:  registry.New(),
		Directory: dir,
		Push:      acceptAll{},
		Logger:    logger,
	})
	t.Cleanup(sched.Stop)
	require.NoError(t, dir.SetAvailability(ctx, "W1", true))
	require.NoError(t, sched.RegisterWorker(ctx, "worker:W1", registry.Identity{Phone: "W1"}, site, nil))

	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(logger)))
	Register(g, NewServer(sched))
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func post(t *testing.T, c *Client) *types.Job {
	t.Helper()
	job, err := c.PostJob(context.Background(), dispatch.NewJob{
		ContractorID: "c-1",
		Title:        "Dig trench",
		Amount:       650,
		Location:     site,
		WorkerType:   "",
	})
	require.NoError(t, err)
	return job
}

// ============================================================================
// Tests
// ============================================================================

func TestPostAndGetJob(t *testing.T) {
	c := newTestClient(t)
	job := post(t, c)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, 650.0, job.Amount)

	got, err := c.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.CreatedAt, got.CreatedAt)
	assert.Equal(t, site, got.Location)
}

func TestAcceptAttendancePayment(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	job := post(t, c)

	accepted, err := c.Accept(ctx, job.ID, "W1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAccepted, accepted.Status)
	assert.Equal(t, "W1", accepted.AcceptedBy)

	marked, err := c.MarkAttendance(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, marked.AttendanceMarked)

	paid, err := c.MarkPaid(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentPaid, paid.PaymentStatus)
}

func TestCancelThenAcceptFailedPrecondition(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	job := post(t, c)

	cancelled, err := c.Cancel(ctx, job.ID, "c-1", "changed plans")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)

	_, err = c.Accept(ctx, job.ID, "W1")
	require.Error(t, err)
	st, _ := status.FromError(err)
	assert.Equal(t, codes.FailedPrecondition, st.Code())
	assert.Equal(t, "job no longer available", st.Message())
}

func TestDeclineAndStats(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	job := post(t, c)

	declined, err := c.Decline(ctx, job.ID, "W1")
	require.NoError(t, err)
	assert.Contains(t, declined.DeclinedBy, "W1")

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Waiting)
	assert.Equal(t, 1, st.Workers)
	assert.Equal(t, 1, st.Jobs[string(types.StatusPending)])
}

func TestErrorCodes(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.PostJob(ctx, dispatch.NewJob{ContractorID: "c-1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.GetJob(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = c.GetJob(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	job := post(t, c)
	_, err = c.Accept(ctx, job.ID, "nobody")
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{dispatch.ErrInvalidJob, codes.InvalidArgument},
		{jobstore.ErrNotFound, codes.NotFound},
		{jobstore.ErrConflict, codes.FailedPrecondition},
		{dispatch.ErrWorkerBusy, codes.FailedPrecondition},
		{dispatch.ErrNotOffered, codes.PermissionDenied},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, status.Code(ToStatus(tt.err)), tt.err.Error())
	}
}
