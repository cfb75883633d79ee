package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/ChuLiYu/labor-dispatch/internal/auth"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultQueueSize    = 64
)

// Peer 連線身分
type Peer struct {
	ConnID  string
	Role    string
	Subject string // 驗證後的工人手機或承包商 ID；停用驗證時可能為空
}

// InboundHandler 處理工人上行訊息與斷線
type InboundHandler interface {
	HandleFrame(ctx context.Context, peer Peer, frame Frame)
	HandleDisconnect(peer Peer)
}

// conn 一條 WebSocket 連線；寫入由專屬的 writeLoop 負責
type conn struct {
	peer    Peer
	netConn net.Conn

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(peer Peer, netConn net.Conn, queueSize int) *conn {
	return &conn{
		peer:    peer,
		netConn: netConn,
		out:     make(chan []byte, queueSize),
		done:    make(chan struct{}),
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.netConn.Close()
	})
}

// Hub 管理所有 WebSocket 連線
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*conn
	verifier *auth.Verifier // nil 表示停用驗證
	handler  InboundHandler
	logger   *slog.Logger

	writeTimeout time.Duration
	queueSize    int
}

var _ Channel = (*Hub)(nil)

// NewHub 建立 Hub；verifier 為 nil 時不驗證 token
func NewHub(verifier *auth.Verifier, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:        make(map[string]*conn),
		verifier:     verifier,
		logger:       logger.With("component", "push"),
		writeTimeout: defaultWriteTimeout,
		queueSize:    defaultQueueSize,
	}
}

// SetHandler 設定上行訊息處理者，必須在開始接受連線前呼叫
func (h *Hub) SetHandler(handler InboundHandler) {
	h.handler = handler
}

// Send 把事件放進連線的送出佇列，不等待實際寫入
//
// 連線不存在、已關閉或佇列已滿時回傳 false。
func (h *Hub) Send(connID, event string, payload any) bool {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	frame, err := NewFrame(event, payload)
	if err != nil {
		h.logger.Error("Failed to encode frame", "event", event, "error", err)
		return false
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- data:
		return true
	case <-c.done:
		return false
	default:
		h.logger.Warn("Push queue full", "conn", connID, "event", event)
		return false
	}
}

// writeLoop 依序寫出佇列中的訊息；寫入失敗時關閉連線
func (h *Hub) writeLoop(c *conn) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			_ = c.netConn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := wsutil.WriteServerText(c.netConn, data); err != nil {
				h.logger.Warn("Push delivery failed", "conn", c.peer.ConnID, "error", err)
				c.close()
				return
			}
		}
	}
}

// ServeWorker 工人連線入口
func (h *Hub) ServeWorker(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, auth.RoleWorker)
}

// ServeContractor 承包商連線入口；同一承包商只保留最新的連線
func (h *Hub) ServeContractor(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, auth.RoleContractor)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, role string) {
	subject, ok := h.authenticate(r, role)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if role == auth.RoleContractor && subject == "" {
		http.Error(w, "contractor id required", http.StatusBadRequest)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	peer := Peer{Role: role, Subject: subject}
	if role == auth.RoleContractor {
		peer.ConnID = ContractorConn(subject)
	} else {
		peer.ConnID = "worker:" + uuid.NewString()
	}

	c := newConn(peer, netConn, h.queueSize)
	h.add(c)
	h.logger.Info("Connection opened", "conn", peer.ConnID, "role", role)

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) authenticate(r *http.Request, role string) (string, bool) {
	if h.verifier == nil {
		return r.URL.Query().Get("id"), true
	}
	claims, err := h.verifier.Verify(r.URL.Query().Get("token"), role)
	if err != nil {
		h.logger.Warn("Rejected connection", "role", role, "error", err)
		return "", false
	}
	return claims.Subject, true
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	old, exists := h.conns[c.peer.ConnID]
	h.conns[c.peer.ConnID] = c
	h.mu.Unlock()

	if exists {
		old.close()
	}
}

// remove 只在連線仍是目前登記的那一條時才移除
func (h *Hub) remove(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.conns[c.peer.ConnID]; ok && current == c {
		delete(h.conns, c.peer.ConnID)
		return true
	}
	return false
}

func (h *Hub) readLoop(c *conn) {
	defer func() {
		c.close()
		removed := h.remove(c)
		h.logger.Info("Connection closed", "conn", c.peer.ConnID)
		if removed && h.handler != nil {
			h.handler.HandleDisconnect(c.peer)
		}
	}()

	for {
		data, err := wsutil.ReadClientText(c.netConn)
		if err != nil {
			return
		}
		if h.handler == nil || c.peer.Role != auth.RoleWorker {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.Send(c.peer.ConnID, EventError, map[string]string{"message": "malformed frame"})
			continue
		}
		h.handler.HandleFrame(context.Background(), c.peer, frame)
	}
}

// Len 目前連線數
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close 關閉所有連線
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
