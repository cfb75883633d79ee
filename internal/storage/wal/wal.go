package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加工作紀錄變更到日誌檔案（append-only）
// 2. 提供重放功能以恢復工作儲存
// 3. 快照後清空日誌（Rotate）
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64 // 當前事件序號
	syncOnAppend bool   // 每次寫入是否 fsync
	closed       bool
}

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描最後一個事件的 seq 並繼續
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	seq, err := scanLastSeq(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append 追加一筆工作紀錄，回傳時已寫入檔案（syncOnAppend 時已 fsync）
func (w *WAL) Append(eventType EventType, job *types.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("wal: encode job %s: %w", job.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	seq := w.seq + 1
	event := Event{
		Seq:       seq,
		Type:      eventType,
		JobID:     job.ID,
		Job:       payload,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(eventType, job.ID, seq, payload)

	// 寫入失敗時序號不前進
	if err := w.encoder.Encode(event); err != nil {
		return err
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return err
		}
	}
	w.seq = seq
	return nil
}

// Replay 重放所有 WAL 事件
//
// 驗證每個事件的 checksum，遇到錯誤立即停止。
// 檔案尾端被截斷的最後一行視為未完成的寫入並忽略。
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(bufio.NewReader(file))
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}

		if !VerifyChecksum(event) {
			return &ChecksumError{
				Seq:      event.Seq,
				Expected: CalculateChecksum(event.Type, event.JobID, event.Seq, event.Job),
				Actual:   event.Checksum,
			}
		}

		if err := handler(event); err != nil {
			return err
		}
	}
}

// Rotate 快照寫入後清空日誌：舊檔先改名再開新檔，新檔就緒後刪除舊檔
//
// 舊檔的內容已包含在快照中，不保留備份。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	oldPath := w.path + ".old"
	if err := os.Rename(w.path, oldPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0

	if err := os.Remove(oldPath); err != nil {
		return fmt.Errorf("wal: remove rotated file: %w", err)
	}
	return nil
}

// Close 關閉 WAL，關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 回傳日誌檔案路徑
func (w *WAL) Path() string { return w.path }

// scanLastSeq 讀取既有檔案中最後一個完整事件的序號
func scanLastSeq(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	var last uint64
	decoder := json.NewDecoder(bufio.NewReader(file))
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		last = event.Seq
	}
	return last, nil
}
