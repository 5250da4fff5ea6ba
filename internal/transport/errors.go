package transport

import (
	"errors"
	"fmt"
)

// 기본 에러 타입
var (
	// SSE 관련 에러
	ErrStreamClosed    = errors.New("이벤트 스트림이 닫힘")
	ErrStreamExhausted = errors.New("SSE 재연결 한도 초과")

	// 폴링 관련 에러
	ErrPollExhausted = errors.New("폴링 재시도 한도 초과")

	// 채널 상태 에러
	ErrChannelClosed      = errors.New("채널이 이미 닫힘")
	ErrChannelAlreadyOpen = errors.New("채널이 이미 열려 있음")
)

// ExhaustedFailureMessage는 재시도 한도 초과 시 Run에 기록되는 고정 메시지입니다.
const ExhaustedFailureMessage = "서버와의 연결이 끊어져 실행 상태를 더 이상 추적할 수 없습니다"

// HTTPError는 2xx가 아닌 스냅샷 응답을 나타냅니다.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP 에러 [%d]", e.StatusCode)
}

// NetworkError는 fetch 실패(연결 거부, 타임아웃 등)를 래핑합니다.
type NetworkError struct {
	Op  string // 작업명 (예: "poll", "stream")
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ProtocolError는 파싱할 수 없는 이벤트 페이로드를 나타냅니다.
// 단일 이벤트의 ProtocolError는 로깅 후 건너뛰며 채널을 종료시키지 않습니다.
type ProtocolError struct {
	Data string // 원본 페이로드 (앞부분만)
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// newProtocolError는 페이로드 앞부분만 보존하는 ProtocolError를 생성합니다.
func newProtocolError(data string, err error) *ProtocolError {
	if len(data) > 200 {
		data = data[:200]
	}
	return &ProtocolError{Data: data, Err: err}
}

// IsRetryable는 채널 수준에서 재시도 가능한 에러인지 확인합니다.
// 프로토콜 에러는 재시도해도 같은 결과이므로 재시도 대상이 아닙니다.
func IsRetryable(err error) bool {
	// 종료 이벤트 없이 끝난 스트림은 일시적 연결 손실로 취급
	if errors.Is(err, ErrStreamClosed) {
		return true
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// 5xx와 과부하 응답은 일시적일 수 있음
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}

	var netErr *NetworkError
	return errors.As(err, &netErr)
}
