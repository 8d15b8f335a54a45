package entity

import "time"

// EventEntry 某用户在某个活动周期的报名记录，每人每周期至多一条
type EventEntry struct {
	EventID        string    `json:"event_id"`
	UserID         string    `json:"user_id"`
	TicketNumber   int64     `json:"ticket_number"`
	EntryTime      time.Time `json:"entry_time"`
	GoldPaid       int64     `json:"gold_paid"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// EntryRequest 报名请求
type EntryRequest struct {
	EventID        string `json:"eventId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// EntryResponse 事务型报名接口的返回
type EntryResponse struct {
	Success        bool   `json:"success"`
	TicketNumber   int64  `json:"ticketNumber,omitempty"`
	AlreadyEntered bool   `json:"alreadyEntered,omitempty"`
	Error          string `json:"error,omitempty"`
	IsExpired      bool   `json:"isExpired,omitempty"`
}

// 报名失败原因
const (
	EntryErrorInsufficientGold = "insufficient_gold"
	EntryErrorEventExpired     = "event_expired"
	EntryErrorInvalidRequest   = "invalid_request"
	EntryErrorInternal         = "internal_error"
)

// PrizePoolInfo 奖池信息
type PrizePoolInfo struct {
	EventID   string    `json:"eventId"`
	Entrants  int64     `json:"entrants"`
	EntryCost int64     `json:"entryCost"`
	PrizePool int64     `json:"prizePool"`
	EndsAt    time.Time `json:"endsAt"`
}
