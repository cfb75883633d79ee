// Package directory 提供工人可接單狀態的持久化目錄
//
// 工人上下線（availability）由工人自行切換，與連線狀態無關：
// 在線但標記為不可接單的工人不會收到派單。
package directory

import (
	"context"
	"sort"
	"sync"
)

// Directory 工人可接單狀態目錄
type Directory interface {
	// Availability 查詢單一工人，未知的工人視為不可接單
	Availability(ctx context.Context, phone string) (bool, error)
	SetAvailability(ctx context.Context, phone string, available bool) error
	// Available 列出所有可接單工人
	Available(ctx context.Context) ([]string, error)
}

// Memory 記憶體實作，供測試與單機部署使用
type Memory struct {
	mu    sync.RWMutex
	avail map[string]bool
}

var _ Directory = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{avail: make(map[string]bool)}
}

func (m *Memory) Availability(_ context.Context, phone string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.avail[phone], nil
}

func (m *Memory) SetAvailability(_ context.Context, phone string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.avail[phone] = available
	return nil
}

func (m *Memory) Available(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.avail))
	for phone, ok := range m.avail {
		if ok {
			out = append(out, phone)
		}
	}
	sort.Strings(out)
	return out, nil
}
