// Package push 透過 WebSocket 將派單、取消與位置事件推送給工人與承包商
package push

import (
	"encoding/json"
	"fmt"
)

// 推播事件名稱
const (
	EventJobOffer       = "job_offer"
	EventOfferWithdrawn = "offer_withdrawn"
	EventJobAccepted    = "job_accepted"
	EventJobCancelled   = "job_cancelled"
	EventWorkerLocation = "worker_location"
	EventNotification   = "notification"
	EventError          = "error"
)

// 工人上行事件名稱
const (
	InboundRegister     = "register"
	InboundLocation     = "location"
	InboundAccept       = "accept"
	InboundDecline      = "decline"
	InboundAvailability = "availability"
)

// Channel 推播通道：連線不存在或寫入失敗時回傳 false
type Channel interface {
	Send(connID, event string, payload any) bool
}

// Frame 線上傳輸格式
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame 將 payload 編碼成 Frame
func NewFrame(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("push: encode %s: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// ContractorConn 承包商連線的 ID
func ContractorConn(contractorID string) string {
	return "contractor:" + contractorID
}
