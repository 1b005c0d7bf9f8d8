package model

import "time"

// CircuitState 熔断器状态
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// CircuitSnapshot 熔断器状态快照
type CircuitSnapshot struct {
	Name             string       `json:"name"`
	State            CircuitState `json:"state"`
	FailureCount     int          `json:"failure_count"`
	SuccessCount     int          `json:"success_count"`
	FailureThreshold int          `json:"failure_threshold"`
	ResetTimeout     int          `json:"reset_timeout"` // 秒
	LastFailure      *time.Time   `json:"last_failure,omitempty"`
	LastStateChange  time.Time    `json:"last_state_change"`
}
