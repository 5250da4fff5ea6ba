package event

import (
	"encoding/json"
	"time"
)

// Kind는 정규화된 이벤트 종류입니다.
// 서버가 보내는 원시 event_type 문자열을 닫힌 집합으로 분류한 결과이며,
// 새 종류를 추가할 때는 Classify의 switch도 함께 갱신해야 합니다.
type Kind int

const (
	// KindObservation은 도구 실행 결과, 진행 상황 등 관찰성 이벤트입니다. (기본값)
	KindObservation Kind = iota
	// KindAction은 도구 호출/단계 시작 등 에이전트의 행동 이벤트입니다.
	KindAction
	// KindError는 실행 실패 이벤트입니다.
	KindError
	// KindThinking은 계획 수립/재계획 등 추론 이벤트입니다.
	KindThinking
	// KindHeartbeat는 연결 유지용 이벤트입니다. 상태에 반영되지 않습니다.
	KindHeartbeat
)

// String은 Kind의 표시용 문자열을 반환합니다.
func (k Kind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindError:
		return "error"
	case KindThinking:
		return "thinking"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "observation"
	}
}

// 서버가 전송하는 원시 event_type 값들입니다.
const (
	TypeTaskStart     = "task_start"
	TypePlanCreated   = "plan_created"
	TypeReplan        = "replan"
	TypeThinking      = "thinking"
	TypeStepStarted   = "step_started"
	TypeStepCompleted = "step_completed"
	TypeStepFailed    = "step_failed"
	TypeToolCall      = "tool_call"
	TypeObservation   = "observation"
	TypeVerification  = "verification"
	TypeDone          = "done"
	TypeError         = "error"
	TypeCancelled     = "cancelled"
	TypeHeartbeat     = "heartbeat"
	TypeContentChunk  = "content_chunk"
)

// RawEvent는 전송 계층이 수신한 원시 이벤트 페이로드입니다.
// SSE 프레임의 data와 폴링 스냅샷의 eventStream 항목이 모두 이 형태로 디코딩됩니다.
type RawEvent struct {
	EventType string          `json:"event_type"`
	Phase     string          `json:"phase,omitempty"`
	StepIndex *int            `json:"step_index,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Output    string          `json:"output,omitempty"`
	Message   string          `json:"message,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Result    string          `json:"result,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Chunk     string          `json:"chunk,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// AgentEvent는 정규화된 이벤트입니다. Run의 eventStream에 순서대로 누적됩니다.
type AgentEvent struct {
	Kind      Kind            `json:"kind"`
	Content   json.RawMessage `json:"content,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Normalize는 원시 이벤트를 AgentEvent로 변환합니다. 순수 함수입니다.
func Normalize(raw *RawEvent) AgentEvent {
	ts := raw.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	content := raw.Content
	if len(content) == 0 && raw.Message != "" {
		// content가 없는 이벤트는 message를 content로 승격
		encoded, err := json.Marshal(raw.Message)
		if err == nil {
			content = encoded
		}
	}

	return AgentEvent{
		Kind:      Classify(raw.EventType),
		Content:   content,
		Timestamp: ts,
	}
}
