package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/ChuLiYu/labor-dispatch/internal/registry"
	"github.com/ChuLiYu/labor-dispatch/internal/timer"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// ============================================================================
// 工人連線事件
// ============================================================================

// RegisterWorker 工人連線後註冊；等待冷卻中的工作立即重新搜尋
func (s *Scheduler) RegisterWorker(ctx context.Context, connID string, id registry.Identity, loc types.Location, skills []string) error {
	id.Phone = strings.TrimSpace(id.Phone)
	if connID == "" || id.Phone == "" {
		return fmt.Errorf("%w: connection and phone are required", ErrInvalidWorker)
	}
	if err := validateLocation(loc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorker, err)
	}

	if replaced := s.registry.Upsert(connID, id, loc, skills); replaced != "" {
		s.logger.Info("Worker reconnected", "worker", id.Phone, "old_conn", replaced, "conn", connID)
	} else {
		s.logger.Info("Worker registered", "worker", id.Phone, "conn", connID)
	}
	s.metrics.SetRegistrySize(s.registry.Len())

	s.kickWaiting()
	return nil
}

// UpdateWorkerLocation 更新位置；工人有開啟中的追蹤視窗時轉發給承包商
func (s *Scheduler) UpdateWorkerLocation(ctx context.Context, connID string, loc types.Location) error {
	if err := validateLocation(loc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorker, err)
	}
	entry, err := s.registry.UpdateLocation(connID, loc)
	if err != nil {
		return err
	}
	if _, err := s.tracking.Forward(ctx, entry.Phone, loc); err != nil {
		return fmt.Errorf("forward location: %w", err)
	}
	return nil
}

// DisconnectWorker 連線中斷：移除登錄，工人手上的派單視同逾時
func (s *Scheduler) DisconnectWorker(connID string) {
	entry, ok := s.registry.Remove(connID)
	if !ok {
		return
	}
	s.metrics.SetRegistrySize(s.registry.Len())

	escalated := s.escalateOffers(entry.Phone)
	s.logger.Info("Worker disconnected", "worker", entry.Phone, "conn", connID, "offers", escalated)
}

// SetWorkerAvailability 工人切換可接單狀態並寫回目錄
func (s *Scheduler) SetWorkerAvailability(ctx context.Context, phone string, online bool) error {
	if err := s.directory.SetAvailability(ctx, phone, online); err != nil {
		return fmt.Errorf("set availability: %w", err)
	}
	s.registry.SetLive(phone, online)

	if online {
		s.kickWaiting()
	} else {
		s.escalateOffers(phone)
	}
	s.logger.Info("Worker availability changed", "worker", phone, "online", online)
	return nil
}

// escalateOffers 讓工人持有的派單計時器立即觸發
func (s *Scheduler) escalateOffers(phone string) int {
	n := 0
	for _, id := range s.timers.Find(timer.KindOffer, phone) {
		if s.timers.RearmIf(id, timer.KindOffer, phone, 0) {
			n++
		}
	}
	return n
}

// kickWaiting 讓冷卻中的工作立即重新搜尋
func (s *Scheduler) kickWaiting() {
	if s.stopped.Load() {
		return
	}
	for _, id := range s.timers.Find(timer.KindRetry, "") {
		s.timers.RearmIf(id, timer.KindRetry, "", 0)
	}
}
