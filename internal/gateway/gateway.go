// Package gateway 將工人 WebSocket 上行訊息轉成排程器操作
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/labor-dispatch/internal/dispatch"
	"github.com/ChuLiYu/labor-dispatch/internal/jobstore"
	"github.com/ChuLiYu/labor-dispatch/internal/push"
	"github.com/ChuLiYu/labor-dispatch/internal/registry"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// 回傳給工人的錯誤訊息
const (
	MsgJobUnavailable   = "job no longer available"
	MsgWorkerBusy       = "worker has an active unpaid job"
	MsgNotRegistered    = "register before sending this event"
	MsgMalformed        = "malformed payload"
	MsgUnknownEvent     = "unknown event"
	MsgIdentityMismatch = "phone does not match token"
)

// Engine 閘道需要的排程器操作
type Engine interface {
	RegisterWorker(ctx context.Context, connID string, id registry.Identity, loc types.Location, skills []string) error
	UpdateWorkerLocation(ctx context.Context, connID string, loc types.Location) error
	DisconnectWorker(connID string)
	SetWorkerAvailability(ctx context.Context, phone string, online bool) error
	Accept(ctx context.Context, id types.JobID, phone string) (*types.Job, error)
	Decline(ctx context.Context, id types.JobID, phone string) (*types.Job, error)
}

// Workers 以連線 ID 查詢已註冊的工人
type Workers interface {
	Lookup(connID string) (registry.Entry, bool)
}

// RegisterPayload register 事件內容
type RegisterPayload struct {
	ID         string   `json:"id,omitempty"`
	Phone      string   `json:"phone"`
	Name       string   `json:"name"`
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	Skills     []string `json:"skills,omitempty"`
	WorkerType string   `json:"worker_type,omitempty"`
	PhotoRef   string   `json:"photo_ref,omitempty"`
	Online     *bool    `json:"online,omitempty"`
}

// LocationPayload location 事件內容
type LocationPayload struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// JobPayload accept / decline 事件內容
type JobPayload struct {
	JobID types.JobID `json:"job_id"`
}

// AvailabilityPayload availability 事件內容
type AvailabilityPayload struct {
	Online bool `json:"online"`
}

// ErrorPayload error 事件內容
type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	JobID   string `json:"job_id,omitempty"`
	Message string `json:"message"`
}

// Gateway 實作 push.InboundHandler
type Gateway struct {
	engine  Engine
	workers Workers
	push    push.Channel
	timeout time.Duration
	logger  *slog.Logger
}

var _ push.InboundHandler = (*Gateway)(nil)

// New 建立閘道；timeout 為單一事件處理時限
func New(engine Engine, workers Workers, channel push.Channel, timeout time.Duration, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		engine:  engine,
		workers: workers,
		push:    channel,
		timeout: timeout,
		logger:  logger.With("component", "gateway"),
	}
}

// HandleFrame 分派一筆工人上行訊息
func (g *Gateway) HandleFrame(ctx context.Context, peer push.Peer, frame push.Frame) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var err error
	switch frame.Event {
	case push.InboundRegister:
		err = g.register(ctx, peer, frame.Data)
	case push.InboundLocation:
		err = g.location(ctx, peer, frame.Data)
	case push.InboundAccept:
		err = g.accept(ctx, peer, frame.Data)
	case push.InboundDecline:
		err = g.decline(ctx, peer, frame.Data)
	case push.InboundAvailability:
		err = g.availability(ctx, peer, frame.Data)
	default:
		err = errUnknownEvent
	}
	if err != nil {
		g.reply(peer, frame, err)
	}
}

// HandleDisconnect 連線中斷
func (g *Gateway) HandleDisconnect(peer push.Peer) {
	g.engine.DisconnectWorker(peer.ConnID)
}

var (
	errUnknownEvent     = errors.New(MsgUnknownEvent)
	errNotRegistered    = errors.New(MsgNotRegistered)
	errIdentityMismatch = errors.New(MsgIdentityMismatch)
)

func (g *Gateway) register(ctx context.Context, peer push.Peer, data json.RawMessage) error {
	var p RegisterPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if peer.Subject != "" && p.Phone != peer.Subject {
		return errIdentityMismatch
	}

	id := registry.Identity{
		ID:         p.ID,
		Phone:      p.Phone,
		Name:       p.Name,
		PhotoRef:   p.PhotoRef,
		WorkerType: p.WorkerType,
	}
	// 先寫入可接單狀態，註冊時觸發的重試才看得到
	if p.Online != nil {
		if err := g.engine.SetWorkerAvailability(ctx, p.Phone, *p.Online); err != nil {
			return err
		}
	}
	return g.engine.RegisterWorker(ctx, peer.ConnID, id, types.Location{Lat: p.Lat, Lon: p.Lon}, p.Skills)
}

func (g *Gateway) location(ctx context.Context, peer push.Peer, data json.RawMessage) error {
	var p LocationPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	err := g.engine.UpdateWorkerLocation(ctx, peer.ConnID, types.Location{Lat: p.Lat, Lon: p.Lon})
	if errors.Is(err, registry.ErrUnknownConnection) {
		return errNotRegistered
	}
	return err
}

func (g *Gateway) accept(ctx context.Context, peer push.Peer, data json.RawMessage) error {
	phone, p, err := g.jobEvent(peer, data)
	if err != nil {
		return err
	}
	job, err := g.engine.Accept(ctx, p.JobID, phone)
	if err != nil {
		return err
	}
	g.push.Send(peer.ConnID, push.EventJobAccepted, job)
	return nil
}

func (g *Gateway) decline(ctx context.Context, peer push.Peer, data json.RawMessage) error {
	phone, p, err := g.jobEvent(peer, data)
	if err != nil {
		return err
	}
	_, err = g.engine.Decline(ctx, p.JobID, phone)
	return err
}

func (g *Gateway) availability(ctx context.Context, peer push.Peer, data json.RawMessage) error {
	var p AvailabilityPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	entry, ok := g.workers.Lookup(peer.ConnID)
	if !ok {
		return errNotRegistered
	}
	return g.engine.SetWorkerAvailability(ctx, entry.Phone, p.Online)
}

// jobEvent 解析 accept/decline 並找出連線對應的工人
func (g *Gateway) jobEvent(peer push.Peer, data json.RawMessage) (string, JobPayload, error) {
	var p JobPayload
	if err := decode(data, &p); err != nil {
		return "", p, err
	}
	if p.JobID == "" {
		return "", p, fmt.Errorf("%s: job_id is required", MsgMalformed)
	}
	entry, ok := g.workers.Lookup(peer.ConnID)
	if !ok {
		return "", p, errNotRegistered
	}
	return entry.Phone, p, nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New(MsgMalformed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %v", MsgMalformed, err)
	}
	return nil
}

// reply 將錯誤轉成 error 事件
func (g *Gateway) reply(peer push.Peer, frame push.Frame, err error) {
	payload := ErrorPayload{Event: frame.Event, Message: Message(err)}
	var p JobPayload
	if json.Unmarshal(frame.Data, &p) == nil {
		payload.JobID = string(p.JobID)
	}

	g.logger.Info("Inbound event rejected", "conn", peer.ConnID, "event", frame.Event, "error", err)
	g.push.Send(peer.ConnID, push.EventError, payload)
}

// Message 對工人顯示的錯誤訊息
func Message(err error) string {
	switch {
	case errors.Is(err, jobstore.ErrConflict), errors.Is(err, jobstore.ErrNotFound):
		return MsgJobUnavailable
	case errors.Is(err, dispatch.ErrWorkerBusy):
		return MsgWorkerBusy
	case errors.Is(err, dispatch.ErrNotOffered):
		return MsgNotRegistered
	default:
		return err.Error()
	}
}
