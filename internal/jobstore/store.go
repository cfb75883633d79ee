// Package jobstore 提供工作生命週期的儲存層與條件式狀態轉換原語
package jobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 工作 ID 重複
	ErrDuplicateJob = errors.New("job already exists")
	// 工作不存在
	ErrNotFound = errors.New("job not found")
	// 條件式轉換失敗：儲存的狀態與預期不符（其他請求贏得競爭）
	ErrConflict = errors.New("job status conflict")
)

// Mutator 在條件成立時修改工作欄位
//
// 回傳錯誤時整個轉換放棄，不會寫入任何欄位。
// Mutator 收到的是副本，可以安全修改。
type Mutator func(job *types.Job) error

// Store 工作儲存介面
//
// Transition 是唯一的並發控制原語：只有在儲存的狀態仍等於 expected 時才套用
// mutate 的所有修改，並且一次性寫入。
type Store interface {
	Create(ctx context.Context, job types.Job) (types.JobID, error)
	Get(ctx context.Context, id types.JobID) (*types.Job, error)
	Transition(ctx context.Context, id types.JobID, expected types.JobStatus, mutate Mutator) (*types.Job, error)

	// FindActiveUnpaidJob 找出工人已接單但尚未付款的工作，沒有則回傳 nil, nil
	FindActiveUnpaidJob(ctx context.Context, phone string) (*types.Job, error)
	ListByStatus(ctx context.Context, status types.JobStatus) ([]*types.Job, error)
	Close() error
}

// Counter 可選介面：回傳各狀態的工作數量
type Counter interface {
	Stats(ctx context.Context) (map[string]int, error)
}

// ConflictError 建立帶有實際狀態的衝突錯誤
func ConflictError(id types.JobID, expected, actual types.JobStatus) error {
	return fmt.Errorf("%w: job %s expected %s, got %s", ErrConflict, id, expected, actual)
}

// IsActiveUnpaid 判斷工作是否佔用工人（已接單且未付款）
func IsActiveUnpaid(job *types.Job, phone string) bool {
	return job.Status == types.StatusAccepted &&
		job.AcceptedBy == phone &&
		job.PaymentStatus != types.PaymentPaid
}
