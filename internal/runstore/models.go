package runstore

import (
	"time"

	"github.com/cnap-oss/runsync/internal/event"
)

// Status는 Run의 실행 상태입니다.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusStarting   Status = "starting"
	StatusQueued     Status = "queued"
	StatusPlanning   Status = "planning"
	StatusRunning    Status = "running"
	StatusVerifying  Status = "verifying"
	StatusPaused     Status = "paused"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusReplanning Status = "replanning"
)

// Terminal은 상태가 종료 상태인지 확인합니다.
// 종료 상태에 도달한 Run은 불변이며 이후의 어떤 쓰기도 상태를 바꿀 수 없습니다.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid는 알려진 상태 값인지 확인합니다.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusStarting, StatusQueued, StatusPlanning,
		StatusRunning, StatusVerifying, StatusPaused, StatusCancelling,
		StatusCompleted, StatusFailed, StatusCancelled, StatusReplanning:
		return true
	default:
		return false
	}
}

// Step은 Run 내부의 단일 도구/행동 실행을 나타냅니다. StepIndex가 식별자입니다.
type Step struct {
	StepIndex   int        `json:"step_index"`
	ToolName    string     `json:"tool_name,omitempty"`
	Status      string     `json:"status"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Run은 추적 중인 하나의 백엔드 에이전트 작업입니다.
// MessageID는 클라이언트가 생성하는 상관 키로 생성 시점부터 고정이며,
// RunID는 서버가 발급할 때까지 비어 있습니다.
type Run struct {
	RunID     string             `json:"run_id,omitempty"`
	MessageID string             `json:"message_id"`
	ChatID    string             `json:"chat_id"`
	Status    Status             `json:"status"`
	Steps     []Step             `json:"steps"`
	Events    []event.AgentEvent `json:"events"`
	Summary   string             `json:"summary,omitempty"`
	Error     string             `json:"error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Clone은 Run의 깊은 복사본을 반환합니다.
// Store 외부로 나가는 Run은 항상 복사본이어야 합니다.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Steps = make([]Step, len(r.Steps))
	copy(cp.Steps, r.Steps)
	cp.Events = make([]event.AgentEvent, len(r.Events))
	copy(cp.Events, r.Events)
	return &cp
}

// findStep은 stepIndex로 단계를 찾습니다. 없으면 nil을 반환합니다.
func (r *Run) findStep(stepIndex int) *Step {
	for i := range r.Steps {
		if r.Steps[i].StepIndex == stepIndex {
			return &r.Steps[i]
		}
	}
	return nil
}
