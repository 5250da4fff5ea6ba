package event

// Classify는 원시 event_type을 고정 우선순위표에 따라 Kind로 분류합니다.
// 알 수 없는 타입은 관찰 이벤트로 취급합니다.
func Classify(eventType string) Kind {
	switch eventType {
	case TypeToolCall, TypeStepStarted, TypeTaskStart:
		return KindAction
	case TypeError, TypeStepFailed:
		return KindError
	case TypeThinking, TypePlanCreated, TypeReplan:
		return KindThinking
	case TypeHeartbeat:
		return KindHeartbeat
	default:
		return KindObservation
	}
}

// StatusTransition은 이벤트가 유발하는 Run 상태 전이입니다.
type StatusTransition struct {
	// Status는 전이할 상태입니다. (runstore.Status 문자열 값)
	Status string
	// Terminal은 이 전이가 Run을 종료 상태로 만드는지 여부입니다.
	Terminal bool
}

// Run 상태 문자열입니다. runstore.Status와 값이 일치해야 합니다.
// (runstore가 event를 import하므로 역방향 참조를 피하기 위해 문자열로 전달합니다.)
const (
	statusPlanning   = "planning"
	statusRunning    = "running"
	statusVerifying  = "verifying"
	statusCompleted  = "completed"
	statusFailed     = "failed"
	statusCancelled  = "cancelled"
)

// MapStatus는 event_type/phase를 Run 상태 전이로 변환합니다.
// 두 번째 반환값이 false이면 이 이벤트는 상태를 바꾸지 않습니다.
func MapStatus(eventType, phase string) (StatusTransition, bool) {
	// phase가 명시된 경우 우선 적용 (서버가 단계를 직접 알려주는 경우)
	if phase == "verification" {
		return StatusTransition{Status: statusVerifying}, true
	}

	switch eventType {
	case TypeTaskStart:
		return StatusTransition{Status: statusPlanning}, true
	case TypePlanCreated, TypeStepStarted:
		return StatusTransition{Status: statusRunning}, true
	case TypeVerification:
		return StatusTransition{Status: statusVerifying}, true
	case TypeReplan:
		return StatusTransition{Status: statusPlanning}, true
	case TypeDone:
		return StatusTransition{Status: statusCompleted, Terminal: true}, true
	case TypeError:
		return StatusTransition{Status: statusFailed, Terminal: true}, true
	case TypeCancelled:
		return StatusTransition{Status: statusCancelled, Terminal: true}, true
	default:
		return StatusTransition{}, false
	}
}
