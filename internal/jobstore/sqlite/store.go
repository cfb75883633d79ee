// Package sqlite 以 SQLite 實作 jobstore.Store
//
// 完整工作紀錄以 JSON 存在 data 欄位；status、version、accepted_by、
// payment_status 另外展開成欄位，供條件式更新與查詢使用。
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/labor-dispatch/internal/jobstore"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  version INTEGER NOT NULL,
  accepted_by TEXT NOT NULL DEFAULT '',
  payment_status TEXT NOT NULL,
  data TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_created ON jobs (status, created_at, id);
CREATE INDEX IF NOT EXISTS jobs_worker_active ON jobs (accepted_by, status, payment_status);
`

type Store struct {
	db *sql.DB
}

var _ jobstore.Store = (*Store)(nil)

// Open 開啟（或建立）資料庫檔案並套用 schema
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// 單一連線：寫入由 SQLite 本身序列化，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(ctx context.Context, job types.Job) (types.JobID, error) {
	now := time.Now().UnixMilli()
	stored := job.Clone()
	stored.Status = types.StatusPending
	stored.ClearAcceptance()
	if stored.PaymentStatus == "" {
		stored.PaymentStatus = types.PaymentUnpaid
	}
	if stored.CreatedAt == 0 {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	stored.Version = 1

	data, err := json.Marshal(stored)
	if err != nil {
		return "", err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, version, accepted_by, payment_status, data, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO NOTHING`,
		string(stored.ID),
		string(stored.Status),
		stored.Version,
		stored.AcceptedBy,
		string(stored.PaymentStatus),
		string(data),
		stored.CreatedAt,
		stored.UpdatedAt,
	)
	if err != nil {
		return "", err
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", err
	} else if n == 0 {
		return "", jobstore.ErrDuplicateJob
	}
	return stored.ID, nil
}

func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, string(id)))
}

// Transition 在交易中讀取、比對狀態並以 status + version 為條件更新
func (s *Store) Transition(ctx context.Context, id types.JobID, expected types.JobStatus, mutate jobstore.Mutator) (*types.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := scanJob(tx.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, string(id)))
	if err != nil {
		return nil, err
	}
	if current.Status != expected {
		return nil, jobstore.ConflictError(id, expected, current.Status)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UnixMilli()

	data, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs
         SET status = ?, version = ?, accepted_by = ?, payment_status = ?, data = ?, updated_at = ?
         WHERE id = ? AND status = ? AND version = ?`,
		string(next.Status),
		next.Version,
		next.AcceptedBy,
		string(next.PaymentStatus),
		string(data),
		next.UpdatedAt,
		string(id),
		string(expected),
		current.Version,
	)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, fmt.Errorf("%w: job %s changed concurrently", jobstore.ErrConflict, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Store) FindActiveUnpaidJob(ctx context.Context, phone string) (*types.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT data FROM jobs
       WHERE accepted_by = ? AND status = ? AND payment_status != ?
       LIMIT 1`,
		phone, string(types.StatusAccepted), string(types.PaymentPaid),
	))
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, nil
	}
	return job, err
}

func (s *Store) ListByStatus(ctx context.Context, status types.JobStatus) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC`,
		string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		job, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Stats 取得各狀態工作數量
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{
		string(types.StatusPending):   0,
		string(types.StatusAccepted):  0,
		string(types.StatusCancelled): 0,
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}

func scanJob(row *sql.Row) (*types.Job, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobstore.ErrNotFound
		}
		return nil, err
	}
	return decode(data)
}

func decode(data string) (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
