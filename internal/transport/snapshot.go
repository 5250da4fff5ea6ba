package transport

import (
	"github.com/cnap-oss/runsync/internal/event"
)

// RunSnapshot은 폴링 채널이 수신하는 Run 전체 스냅샷입니다.
// GET /api/agent/runs/{runId} 응답 형식과 일치합니다.
type RunSnapshot struct {
	Status      string            `json:"status"`
	EventStream []event.RawEvent  `json:"eventStream"`
	Steps       []SnapshotStep    `json:"steps"`
	Summary     string            `json:"summary,omitempty"`
	Result      string            `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// SnapshotStep은 스냅샷에 포함된 단계 상태입니다.
type SnapshotStep struct {
	StepIndex int    `json:"step_index"`
	ToolName  string `json:"tool_name,omitempty"`
	Status    string `json:"status"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Terminal은 스냅샷이 종료 상태를 보고하는지 확인합니다.
func (s *RunSnapshot) Terminal() bool {
	switch s.Status {
	case "completed", "failed", "cancelled":
		return true
	default:
		return false
	}
}

// ExtractSummary는 스냅샷에서 사람이 읽을 수 있는 요약을 추출합니다.
//
// summary 필드가 비어 있을 때의 탐색 순서(result → 마지막 done/observation
// 이벤트의 message)는 API 계약으로 보장되지 않는 추정입니다. 서버가 단일
// 요약 필드를 보장하게 되면 이 함수는 그 필드만 읽도록 축소되어야 합니다.
func (s *RunSnapshot) ExtractSummary() string {
	if s.Summary != "" {
		return s.Summary
	}
	if s.Result != "" {
		return s.Result
	}

	// 마지막 done 또는 observation 이벤트의 message를 뒤에서부터 탐색
	for i := len(s.EventStream) - 1; i >= 0; i-- {
		raw := &s.EventStream[i]
		if raw.EventType != event.TypeDone && raw.EventType != event.TypeObservation {
			continue
		}
		if raw.Summary != "" {
			return raw.Summary
		}
		if raw.Result != "" {
			return raw.Result
		}
		if raw.Message != "" {
			return raw.Message
		}
	}

	return ""
}
