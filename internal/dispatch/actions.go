package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/labor-dispatch/internal/jobstore"
	"github.com/ChuLiYu/labor-dispatch/internal/notify"
	"github.com/ChuLiYu/labor-dispatch/internal/push"
	"github.com/ChuLiYu/labor-dispatch/internal/timer"
	"github.com/ChuLiYu/labor-dispatch/internal/tracking"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// ============================================================================
// 接單 / 拒絕 / 取消
// ============================================================================

// Accept 工人接單
//
// 第一個成功的 Transition 勝出；其餘請求（包括已取消的工作）得到 ErrConflict。
//
// 錯誤處理：
//   - ErrNotOffered: 工人沒有連線登錄
//   - jobstore.ErrConflict: 工作已不是 pending，或工人曾拒絕此工作
//   - ErrWorkerBusy: 工人已有未付款的工作
func (s *Scheduler) Accept(ctx context.Context, id types.JobID, phone string) (*types.Job, error) {
	entry, ok := s.registry.LookupByPhone(phone)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotOffered, phone)
	}

	accepted, withdrawn, err := s.acceptLocked(ctx, id, phone, entry.Snapshot())
	if err != nil {
		if errors.Is(err, jobstore.ErrConflict) {
			s.metrics.RecordConflict()
		}
		s.logger.Info("Accept rejected", "jobID", id, "worker", phone, "error", err)
		return nil, err
	}
	if withdrawn != "" {
		s.withdraw(id, withdrawn, "taken")
	}

	window := time.UnixMilli(accepted.AcceptedAt).Add(s.cfg.TrackingWindow)
	s.tracking.Open(accepted, window)
	s.push.Send(tracking.ContractorConnFor(accepted), push.EventJobAccepted, accepted)
	s.notify(notify.Notification{
		Kind:         notify.KindJobAccepted,
		JobID:        id,
		ContractorID: accepted.ContractorID,
		WorkerPhone:  phone,
	})
	s.metrics.RecordAccepted(time.Duration(accepted.AcceptedAt-accepted.CreatedAt) * time.Millisecond)
	s.logger.Info("Job accepted", "jobID", id, "worker", phone)
	return accepted, nil
}

// acceptLocked 在工作鎖內檢查並轉換；回傳需要通知撤回的其他工人
func (s *Scheduler) acceptLocked(ctx context.Context, id types.JobID, phone string, snapshot *types.WorkerSnapshot) (*types.Job, string, error) {
	wmu := s.workerLockFor(phone)
	wmu.Lock()
	defer wmu.Unlock()

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if job.Status != types.StatusPending {
		return nil, "", jobstore.ConflictError(id, types.StatusPending, job.Status)
	}
	if job.HasDeclined(phone) {
		return nil, "", fmt.Errorf("%w: worker %s declined job %s", jobstore.ErrConflict, phone, id)
	}

	active, err := s.store.FindActiveUnpaidJob(ctx, phone)
	if err != nil {
		return nil, "", fmt.Errorf("check active job: %w", err)
	}
	if active != nil && active.ID != id {
		return nil, "", fmt.Errorf("%w: %s holds job %s", ErrWorkerBusy, phone, active.ID)
	}

	accepted, err := s.store.Transition(ctx, id, types.StatusPending, func(j *types.Job) error {
		if j.HasDeclined(phone) {
			return fmt.Errorf("%w: worker %s declined job %s", jobstore.ErrConflict, phone, id)
		}
		j.Status = types.StatusAccepted
		j.AcceptedBy = phone
		j.AcceptedWorker = snapshot
		j.AcceptedAt = time.Now().UnixMilli()
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	withdrawn := ""
	if h, had := s.timers.Cancel(id); had && h.Kind == timer.KindOffer && h.Worker != phone {
		withdrawn = h.Worker
	}
	s.forget(id)
	return accepted, withdrawn, nil
}

// Decline 工人拒絕工作
//
// 工人加入拒絕集合（重複拒絕無副作用）。若該工人是接單者，工作回到 pending、
// 關閉追蹤視窗；若該工人持有目前的派單或是接單者，立即開始新一輪。
//
// 已出勤或已付款的工作不能被接單者拒絕。
func (s *Scheduler) Decline(ctx context.Context, id types.JobID, phone string) (*types.Job, error) {
	updated, wasAccepted, err := s.declineLocked(ctx, id, phone)
	if err != nil {
		if errors.Is(err, jobstore.ErrConflict) {
			s.metrics.RecordConflict()
		}
		return nil, err
	}

	if wasAccepted {
		s.tracking.Close(id)
	}
	s.metrics.RecordDeclined()
	s.notify(notify.Notification{
		Kind:         notify.KindJobDeclined,
		JobID:        id,
		ContractorID: updated.ContractorID,
		WorkerPhone:  phone,
	})
	s.logger.Info("Job declined", "jobID", id, "worker", phone, "was_accepted", wasAccepted)
	return updated, nil
}

func (s *Scheduler) declineLocked(ctx context.Context, id types.JobID, phone string) (*types.Job, bool, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if job.Status == types.StatusCancelled {
		return nil, false, jobstore.ConflictError(id, types.StatusPending, job.Status)
	}
	wasAccepted := job.Status == types.StatusAccepted && job.AcceptedBy == phone
	if wasAccepted && (job.AttendanceMarked || job.PaymentStatus == types.PaymentPaid) {
		return nil, false, fmt.Errorf("%w: job %s already attended", jobstore.ErrConflict, id)
	}

	updated, err := s.store.Transition(ctx, id, job.Status, func(j *types.Job) error {
		j.AddDeclined(phone)
		if j.Status == types.StatusAccepted && j.AcceptedBy == phone {
			j.Status = types.StatusPending
			j.ClearAcceptance()
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	h, had := s.timers.Get(id)
	heldOffer := had && h.Kind == timer.KindOffer && h.Worker == phone
	if wasAccepted || heldOffer {
		s.timers.Cancel(id)
		s.roundLocked(ctx, id)
	}
	return updated, wasAccepted, nil
}

// Cancel 取消工作（承包商或管理者）
//
// 已取消的工作重複取消回傳目前紀錄；已付款的工作不能取消。
func (s *Scheduler) Cancel(ctx context.Context, id types.JobID, by, reason string) (*types.Job, error) {
	cancelled, prev, withdrawn, err := s.cancelLocked(ctx, id, by, reason)
	if err != nil {
		if errors.Is(err, jobstore.ErrConflict) {
			s.metrics.RecordConflict()
		}
		return nil, err
	}
	if prev == nil {
		return cancelled, nil
	}

	if withdrawn != "" {
		s.withdraw(id, withdrawn, "cancelled")
	}
	s.tracking.Close(id)
	if prev.AcceptedBy != "" {
		if entry, ok := s.registry.LookupByPhone(prev.AcceptedBy); ok {
			s.push.Send(entry.ConnID, push.EventJobCancelled, cancelled)
		}
	}
	s.notify(notify.Notification{
		Kind:         notify.KindJobCancelled,
		JobID:        id,
		ContractorID: cancelled.ContractorID,
		WorkerPhone:  prev.AcceptedBy,
		Reason:       reason,
	})
	s.metrics.RecordCancelled()
	s.logger.Info("Job cancelled", "jobID", id, "by", by, "previous", prev.Status)
	return cancelled, nil
}

// cancelLocked 回傳取消後的紀錄與取消前的紀錄（已取消時 prev 為 nil）
func (s *Scheduler) cancelLocked(ctx context.Context, id types.JobID, by, reason string) (cancelled, prev *types.Job, withdrawn string, err error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, "", err
	}
	if job.Status == types.StatusCancelled {
		return job, nil, "", nil
	}
	if job.PaymentStatus == types.PaymentPaid {
		return nil, nil, "", fmt.Errorf("%w: job %s already paid", jobstore.ErrConflict, id)
	}

	cancelled, err = s.store.Transition(ctx, id, job.Status, func(j *types.Job) error {
		j.Status = types.StatusCancelled
		j.ClearAcceptance()
		j.CancelledBy = by
		j.CancelReason = reason
		j.CancelledAt = time.Now().UnixMilli()
		return nil
	})
	if err != nil {
		return nil, nil, "", err
	}

	if h, had := s.timers.Cancel(id); had && h.Kind == timer.KindOffer {
		withdrawn = h.Worker
	}
	s.forget(id)
	return cancelled, job, withdrawn, nil
}

// ============================================================================
// 下游事實：出勤與付款
// ============================================================================

// MarkAttendance 出勤服務回報工人已到場，關閉追蹤視窗
func (s *Scheduler) MarkAttendance(ctx context.Context, id types.JobID) (*types.Job, error) {
	job, err := s.markAccepted(ctx, id, func(j *types.Job) {
		if !j.AttendanceMarked {
			j.AttendanceMarked = true
			j.AttendanceAt = time.Now().UnixMilli()
		}
	})
	if err != nil {
		return nil, err
	}

	s.tracking.Close(id)
	s.notify(notify.Notification{
		Kind:         notify.KindAttendance,
		JobID:        id,
		ContractorID: job.ContractorID,
		WorkerPhone:  job.AcceptedBy,
	})
	return job, nil
}

// MarkPaid 付款服務回報已付款；工人因此空出，等待中的工作立即重試
func (s *Scheduler) MarkPaid(ctx context.Context, id types.JobID) (*types.Job, error) {
	job, err := s.markAccepted(ctx, id, func(j *types.Job) {
		j.PaymentStatus = types.PaymentPaid
	})
	if err != nil {
		return nil, err
	}

	s.notify(notify.Notification{
		Kind:         notify.KindPaymentSettled,
		JobID:        id,
		ContractorID: job.ContractorID,
		WorkerPhone:  job.AcceptedBy,
	})
	s.kickWaiting()
	return job, nil
}

func (s *Scheduler) markAccepted(ctx context.Context, id types.JobID, set func(*types.Job)) (*types.Job, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.store.Transition(ctx, id, types.StatusAccepted, func(j *types.Job) error {
		set(j)
		return nil
	})
	if errors.Is(err, jobstore.ErrConflict) {
		s.metrics.RecordConflict()
	}
	return job, err
}
