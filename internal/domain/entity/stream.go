package entity

import "time"

// StreamSession 语音房会话，由外部协作方维护，这里只读
type StreamSession struct {
	ID           string    `json:"id"`
	HostID       string    `json:"host_id"`
	Title        string    `json:"title,omitempty"`
	Participants []string  `json:"participants"`
	IsActive     bool      `json:"is_active"`
	ViewerCount  int       `json:"viewer_count"`
	LastActivity time.Time `json:"last_activity"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
}

// HasParticipant 用户是否已在房间内
func (s *StreamSession) HasParticipant(userID string) bool {
	for _, p := range s.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// RetryBudget 某个校验目标或命名操作的重试预算，仅在进程内存活
type RetryBudget struct {
	Attempts            int           `json:"attempts"`
	NextDelay           time.Duration `json:"next_delay"`
	CircuitOpen         bool          `json:"circuit_open"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}
