package event

// StepStatus는 단계 상태 문자열입니다. runstore의 단계 상태와 값이 일치해야 합니다.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
)

// StepUpdate는 하나의 이벤트에서 추출한 단계 변경분입니다.
// 비어 있는 필드는 기존 단계 값을 유지해야 합니다. (병합, 전체 교체 아님)
type StepUpdate struct {
	StepIndex int
	Status    string // 비어 있으면 상태 유지
	ToolName  string // 비어 있으면 기존 값 유지
	Output    string
	Error     string
}

// ReduceStep은 이벤트에서 단계 변경분을 추출합니다.
// step_index가 없는 이벤트는 단계와 무관하므로 (nil, false)를 반환합니다.
// 순수 함수이며 I/O가 없습니다.
func ReduceStep(raw *RawEvent) (*StepUpdate, bool) {
	if raw.StepIndex == nil {
		return nil, false
	}

	update := &StepUpdate{
		StepIndex: *raw.StepIndex,
		ToolName:  raw.ToolName,
	}

	switch raw.EventType {
	case TypeStepStarted, TypeToolCall:
		update.Status = StepRunning
	case TypeStepCompleted:
		update.Status = StepSucceeded
		update.Output = raw.Output
	case TypeStepFailed:
		update.Status = StepFailed
		update.Error = raw.Message
	case TypeObservation:
		// 관찰 이벤트는 출력만 보강
		update.Output = raw.Output
	default:
		// 상태 전이 없는 부분 업데이트 (tool_name 등 필드 보강)
	}

	return update, true
}

// IsTerminalStep은 단계 상태가 종료 상태인지 확인합니다.
func IsTerminalStep(status string) bool {
	return status == StepSucceeded || status == StepFailed
}
