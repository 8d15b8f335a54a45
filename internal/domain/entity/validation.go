package entity

// ValidationReason 会话校验失败原因
type ValidationReason string

const (
	ReasonStreamNotFound     ValidationReason = "stream_not_found"
	ReasonStreamInactive     ValidationReason = "stream_inactive"
	ReasonNoParticipants     ValidationReason = "no_participants"
	ReasonValidationError    ValidationReason = "validation_error"
	ReasonCircuitBreakerOpen ValidationReason = "circuit_breaker_open"
)

// FallbackAction 非错误的分支结果，交给调用方处理本地状态
type FallbackAction string

const (
	FallbackNone             FallbackAction = ""
	FallbackUpdateLocalState FallbackAction = "update_local_state"
	FallbackShowFullMessage  FallbackAction = "show_full_message"
	FallbackClearLocalState  FallbackAction = "clear_local_state"
)

// ValidationResult 会话校验结果
type ValidationResult struct {
	Valid    bool             `json:"valid"`
	Exists   bool             `json:"exists"`
	IsActive bool             `json:"isActive"`
	Reason   ValidationReason `json:"reason,omitempty"`
	Data     *StreamSession   `json:"data,omitempty"`
	Attempts int              `json:"attempts,omitempty"`
}

// OperationCheck 加入/离开前的业务校验
type OperationCheck struct {
	// Proceed 为 true 时调用方继续执行操作
	Proceed        bool              `json:"proceed"`
	FallbackAction FallbackAction    `json:"fallbackAction,omitempty"`
	Result         *ValidationResult `json:"result"`
}
