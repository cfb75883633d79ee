// Package notify 傳送工作狀態通知給承包商與工人
//
// 通知一律非同步送出；失敗只記錄，不影響派單流程。
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ChuLiYu/labor-dispatch/internal/push"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// Kind 通知種類
type Kind string

const (
	KindJobAccepted    Kind = "job_accepted"
	KindJobDeclined    Kind = "job_declined"
	KindJobCancelled   Kind = "job_cancelled"
	KindNoWorkers      Kind = "no_workers_available"
	KindAttendance     Kind = "attendance_marked"
	KindPaymentSettled Kind = "payment_settled"
)

// Notification 一則通知
type Notification struct {
	Kind         Kind        `json:"kind"`
	JobID        types.JobID `json:"job_id"`
	ContractorID string      `json:"contractor_id,omitempty"`
	WorkerPhone  string      `json:"worker_phone,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	At           int64       `json:"at"`
}

// Notifier 通知服務
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ErrNotDelivered 收件者目前沒有連線
var ErrNotDelivered = errors.New("notify: recipient not connected")

// LogNotifier 只寫入日誌
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Notification",
		"kind", n.Kind,
		"jobID", n.JobID,
		"contractor", n.ContractorID,
		"worker", n.WorkerPhone,
		"reason", n.Reason)
	return nil
}

// PushNotifier 以 notification 事件推送到承包商連線
type PushNotifier struct {
	Channel push.Channel
}

func (p PushNotifier) Notify(_ context.Context, n Notification) error {
	if n.ContractorID == "" {
		return nil
	}
	if !p.Channel.Send(push.ContractorConn(n.ContractorID), push.EventNotification, n) {
		return ErrNotDelivered
	}
	return nil
}

// Multi 依序送給所有 Notifier，回傳所有錯誤
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
