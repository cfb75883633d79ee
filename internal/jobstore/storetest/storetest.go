// Package storetest 提供所有 jobstore.Store 實作共用的行為測試
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ChuLiYu/labor-dispatch/internal/jobstore"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// Factory 為每個子測試建立一個全新的空儲存
type Factory func(t *testing.T) jobstore.Store

// NewJob 建立測試用工作
func NewJob(id string) types.Job {
	return types.Job{
		ID:           types.JobID(id),
		ContractorID: "contractor-1",
		Title:        "Shuttering work",
		Amount:       800,
		Location:     types.Location{Lat: 18.52, Lon: 73.85},
		WorkerType:   "mason",
	}
}

func acceptBy(phone string) jobstore.Mutator {
	return func(job *types.Job) error {
		job.Status = types.StatusAccepted
		job.AcceptedBy = phone
		job.AcceptedAt = 1
		job.AcceptedWorker = &types.WorkerSnapshot{Phone: phone, Name: "W " + phone}
		return nil
	}
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected error %v, got %v", want, err)
	}
}

// Run 執行共用行為測試
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("CreateStartsPending", func(t *testing.T) {
		s := newStore(t)
		job := NewJob("job-1")
		job.Status = types.StatusAccepted
		job.AcceptedBy = "9000000001"

		id, err := s.Create(ctx, job)
		assertNoError(t, err)
		if id != "job-1" {
			t.Fatalf("id: got %s", id)
		}

		got, err := s.Get(ctx, id)
		assertNoError(t, err)
		if got.Status != types.StatusPending || got.AcceptedBy != "" {
			t.Errorf("new job should be pending without acceptance, got %s/%q", got.Status, got.AcceptedBy)
		}
		if got.PaymentStatus != types.PaymentUnpaid {
			t.Errorf("payment status: got %s", got.PaymentStatus)
		}
		if got.Version != 1 || got.CreatedAt == 0 {
			t.Errorf("version/created_at not initialized: %d/%d", got.Version, got.CreatedAt)
		}
	})

	t.Run("DuplicateCreate", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, NewJob("job-1"))
		assertNoError(t, err)
		_, err = s.Create(ctx, NewJob("job-1"))
		assertError(t, err, jobstore.ErrDuplicateJob)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assertError(t, err, jobstore.ErrNotFound)
		_, err = s.Transition(ctx, "nope", types.StatusPending, acceptBy("1"))
		assertError(t, err, jobstore.ErrNotFound)
	})

	t.Run("TransitionAppliesAllFields", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, NewJob("job-1"))
		assertNoError(t, err)

		updated, err := s.Transition(ctx, "job-1", types.StatusPending, acceptBy("9000000001"))
		assertNoError(t, err)
		if updated.Status != types.StatusAccepted || updated.AcceptedBy != "9000000001" {
			t.Fatalf("transition not applied: %+v", updated)
		}
		if updated.Version != 2 {
			t.Errorf("version: got %d, want 2", updated.Version)
		}

		got, err := s.Get(ctx, "job-1")
		assertNoError(t, err)
		if got.AcceptedWorker == nil || got.AcceptedWorker.Phone != "9000000001" {
			t.Errorf("accepted worker not stored: %+v", got.AcceptedWorker)
		}
	})

	t.Run("TransitionConflict", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, NewJob("job-1"))
		assertNoError(t, err)
		_, err = s.Transition(ctx, "job-1", types.StatusPending, acceptBy("A"))
		assertNoError(t, err)

		_, err = s.Transition(ctx, "job-1", types.StatusPending, acceptBy("B"))
		assertError(t, err, jobstore.ErrConflict)

		got, err := s.Get(ctx, "job-1")
		assertNoError(t, err)
		if got.AcceptedBy != "A" {
			t.Errorf("loser overwrote winner: %s", got.AcceptedBy)
		}
	})

	t.Run("MutatorErrorAbortsTransition", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, NewJob("job-1"))
		assertNoError(t, err)

		boom := errors.New("boom")
		_, err = s.Transition(ctx, "job-1", types.StatusPending, func(job *types.Job) error {
			job.Title = "changed"
			return boom
		})
		assertError(t, err, boom)

		got, err := s.Get(ctx, "job-1")
		assertNoError(t, err)
		if got.Title != "Shuttering work" || got.Version != 1 {
			t.Errorf("aborted transition leaked: %+v", got)
		}
	})

	t.Run("GetReturnsCopy", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, NewJob("job-1"))
		assertNoError(t, err)

		got, err := s.Get(ctx, "job-1")
		assertNoError(t, err)
		got.Status = types.StatusCancelled
		got.DeclinedBy = append(got.DeclinedBy, "x")

		again, err := s.Get(ctx, "job-1")
		assertNoError(t, err)
		if again.Status != types.StatusPending || len(again.DeclinedBy) != 0 {
			t.Errorf("store state mutated through returned copy")
		}
	})

	t.Run("FindActiveUnpaidJob", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, NewJob("job-1"))
		assertNoError(t, err)

		active, err := s.FindActiveUnpaidJob(ctx, "W1")
		assertNoError(t, err)
		if active != nil {
			t.Fatalf("expected no active job, got %s", active.ID)
		}

		_, err = s.Transition(ctx, "job-1", types.StatusPending, acceptBy("W1"))
		assertNoError(t, err)
		active, err = s.FindActiveUnpaidJob(ctx, "W1")
		assertNoError(t, err)
		if active == nil || active.ID != "job-1" {
			t.Fatalf("expected job-1 active for W1, got %v", active)
		}

		_, err = s.Transition(ctx, "job-1", types.StatusAccepted, func(job *types.Job) error {
			job.PaymentStatus = types.PaymentPaid
			return nil
		})
		assertNoError(t, err)
		active, err = s.FindActiveUnpaidJob(ctx, "W1")
		assertNoError(t, err)
		if active != nil {
			t.Errorf("paid job should not occupy worker")
		}
	})

	t.Run("ListByStatus", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 3; i++ {
			job := NewJob(fmt.Sprintf("job-%d", i))
			job.CreatedAt = int64(1000 + i)
			_, err := s.Create(ctx, job)
			assertNoError(t, err)
		}
		_, err := s.Transition(ctx, "job-1", types.StatusPending, acceptBy("W1"))
		assertNoError(t, err)

		pending, err := s.ListByStatus(ctx, types.StatusPending)
		assertNoError(t, err)
		if len(pending) != 2 || pending[0].ID != "job-0" || pending[1].ID != "job-2" {
			t.Errorf("pending list: %v", ids(pending))
		}
		accepted, err := s.ListByStatus(ctx, types.StatusAccepted)
		assertNoError(t, err)
		if len(accepted) != 1 || accepted[0].ID != "job-1" {
			t.Errorf("accepted list: %v", ids(accepted))
		}
	})

	t.Run("ConcurrentAcceptOneWinner", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, NewJob("job-1"))
		assertNoError(t, err)

		var wg sync.WaitGroup
		var wins, conflicts atomic.Int32
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_, err := s.Transition(ctx, "job-1", types.StatusPending, acceptBy(fmt.Sprintf("W%d", n)))
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, jobstore.ErrConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		if wins.Load() != 1 || conflicts.Load() != 19 {
			t.Errorf("wins=%d conflicts=%d, want 1/19", wins.Load(), conflicts.Load())
		}
	})
}

func ids(jobs []*types.Job) []types.JobID {
	out := make([]types.JobID, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
