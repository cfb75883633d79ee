// ============================================================================
// 派工系統 持久化工作儲存 - WAL + 快照
// ============================================================================
//
// 文件: journaled.go
// 功能: 在 Memory 之上加上 write-ahead log 與定期快照
//
// 恢復流程:
//   1. snapshot.Load() - 載入最近一次快照
//   2. wal.Replay()    - 以事件中的完整工作紀錄覆蓋（版本較新者勝）
//
// 寫入流程:
//   Create / Transition 先在記憶體中算出新紀錄（不公開），同步寫入 WAL 成功後
//   才公開；WAL 寫入失敗時記憶體不變，任何讀者都看不到未持久化的狀態。
//
// ============================================================================

package jobstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/labor-dispatch/internal/snapshot"
	"github.com/ChuLiYu/labor-dispatch/internal/storage/wal"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// JournalConfig 持久化儲存配置
type JournalConfig struct {
	WALPath          string        // WAL 檔案路徑
	SnapshotPath     string        // 快照檔案路徑
	SnapshotInterval time.Duration // 快照間隔，0 表示只在 Close 時快照
	SyncOnAppend     bool          // 每次寫入是否 fsync
}

// Journaled 帶 WAL 與快照的工作儲存
type Journaled struct {
	*Memory

	mu       sync.Mutex // 序列化「套用 + 寫日誌」與快照
	wal      *wal.WAL
	snapshot *snapshot.Manager
	config   JournalConfig
	logger   *slog.Logger

	stopCh chan struct{}
	loopWg sync.WaitGroup
	closed bool
}

var _ Store = (*Journaled)(nil)

// OpenJournaled 開啟持久化儲存並完成恢復
func OpenJournaled(config JournalConfig, logger *slog.Logger) (*Journaled, error) {
	if logger == nil {
		logger = slog.Default()
	}

	j := &Journaled{
		Memory:   NewMemory(),
		snapshot: snapshot.NewManager(config.SnapshotPath),
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	if err := j.loadSnapshot(); err != nil {
		return nil, err
	}

	w, err := wal.NewWAL(config.WALPath, config.SyncOnAppend)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}
	j.wal = w

	if err := j.replayWAL(); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to replay WAL: %w", err)
	}

	if config.SnapshotInterval > 0 {
		j.loopWg.Add(1)
		go j.snapshotLoop()
	}
	return j, nil
}

func (j *Journaled) loadSnapshot() error {
	start := time.Now()

	data, err := j.snapshot.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	j.Memory.Restore(data)

	j.logger.Info("Snapshot loaded",
		"duration", time.Since(start),
		"jobs", len(data.Jobs))
	return nil
}

// replayWAL 重放 WAL 事件
//
// 事件帶有完整工作紀錄，版本不高於目前紀錄者略過，重放具冪等性。
func (j *Journaled) replayWAL() error {
	replayed := 0
	err := j.wal.Replay(func(event wal.Event) error {
		job, err := event.Decode()
		if err != nil {
			return fmt.Errorf("seq %d: %w", event.Seq, err)
		}

		j.Memory.mu.RLock()
		current, exists := j.Memory.jobs[job.ID]
		stale := exists && current.Version >= job.Version
		j.Memory.mu.RUnlock()

		if !stale {
			j.Memory.publish(job)
			replayed++
		}
		return nil
	})
	if err != nil {
		return err
	}

	j.logger.Info("WAL replayed", "events", replayed, "last_seq", j.wal.GetLastSeq())
	return nil
}

// Create 新增工作並寫入 WAL
func (j *Journaled) Create(_ context.Context, job types.Job) (types.JobID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	stored, err := j.Memory.stageCreate(job)
	if err != nil {
		return "", err
	}
	if err := j.wal.Append(wal.EventCreate, stored); err != nil {
		return "", fmt.Errorf("failed to journal job %s: %w", stored.ID, err)
	}
	j.Memory.publish(stored)
	return stored.ID, nil
}

// Transition 條件式轉換並寫入 WAL
func (j *Journaled) Transition(_ context.Context, id types.JobID, expected types.JobStatus, mutate Mutator) (*types.Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	next, err := j.Memory.stage(id, expected, mutate)
	if err != nil {
		return nil, err
	}
	if err := j.wal.Append(wal.EventTransition, next); err != nil {
		return nil, fmt.Errorf("failed to journal job %s: %w", id, err)
	}
	j.Memory.publish(next)
	return next.Clone(), nil
}

// snapshotLoop 定期生成快照
func (j *Journaled) snapshotLoop() {
	defer j.loopWg.Done()
	ticker := time.NewTicker(j.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			if err := j.TakeSnapshot(); err != nil {
				j.logger.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// TakeSnapshot 寫入快照並旋轉 WAL
//
// 持有 j.mu 期間不會有新的寫入，快照與旋轉之間不會遺失事件。
func (j *Journaled) TakeSnapshot() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.takeSnapshotLocked()
}

func (j *Journaled) takeSnapshotLocked() error {
	// 上次旋轉後沒有新事件，快照仍是最新的
	if j.wal.GetLastSeq() == 0 {
		return nil
	}
	start := time.Now()

	data := j.Memory.Snapshot()
	data.LastSeq = j.wal.GetLastSeq()

	if err := j.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := j.wal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}

	j.logger.Info("Snapshot taken",
		"duration", time.Since(start),
		"jobs", len(data.Jobs),
		"last_seq", data.LastSeq)
	return nil
}

// Close 停止快照循環、寫入最後一次快照並關閉 WAL
func (j *Journaled) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.stopCh)
	j.loopWg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.takeSnapshotLocked(); err != nil {
		j.logger.Error("Failed to take final snapshot", "error", err)
	}
	return j.wal.Close()
}
