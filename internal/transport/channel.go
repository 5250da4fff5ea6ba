package transport

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cnap-oss/runsync/internal/event"
)

// ChannelKind는 전송 채널 종류입니다.
type ChannelKind string

const (
	ChannelSSE     ChannelKind = "sse"
	ChannelPolling ChannelKind = "polling"
)

// Channel은 단일 Run에 대한 전송 채널입니다.
//
// SSE와 폴링이 같은 인터페이스를 구현하며, Registry는 채널 종류와 무관하게
// 하나의 전략(Strategy)으로 다룹니다. Open은 백그라운드 수신 루프를 시작한 뒤
// 즉시 반환하고, Close는 수신 루프를 중단하고 진행 중인 요청을 취소합니다.
type Channel interface {
	// Open은 채널을 열고 수신을 시작합니다. 멱등하지 않으며 한 번만 호출됩니다.
	Open(ctx context.Context) error

	// Close는 채널을 닫습니다. 등록된 모든 리스너를 해제한 뒤 연결을 끊고
	// 타이머를 정리합니다. 여러 번 호출해도 안전합니다.
	Close()

	// Kind는 채널 종류를 반환합니다.
	Kind() ChannelKind
}

// Sink는 채널이 수신한 내용을 전달받는 수신자입니다. Registry가 구현합니다.
//
// 모든 콜백은 채널의 수신 고루틴에서 호출됩니다. 취소된 Run의 늦은 콜백이
// 상태를 오염시키지 않도록, 구현은 콜백마다 해당 Run이 아직 추적 중인지
// 먼저 확인해야 합니다.
type Sink interface {
	// OnEvent는 정규화 전의 원시 이벤트 하나를 전달합니다.
	OnEvent(runID string, raw *event.RawEvent)

	// OnTerminal은 폴링 스냅샷에서 종료 상태를 감지했을 때 호출됩니다.
	OnTerminal(runID string, snap *RunSnapshot)

	// OnFallback은 SSE가 재연결 한도를 소진해 폴링으로 전환해야 할 때 호출됩니다.
	OnFallback(runID string)

	// OnExhausted는 재시도 한도 초과로 동기화를 포기할 때 호출됩니다.
	// 구현은 Run을 로컬 실패 상태로 종료해야 합니다.
	OnExhausted(runID string, err error)
}

// Config는 전송 계층 공통 설정입니다.
type Config struct {
	// BaseURL은 에이전트 API 서버 주소입니다.
	BaseURL string
	// AuthToken은 요청에 첨부할 Bearer 토큰입니다. 비어 있으면 생략됩니다.
	AuthToken string
	// HTTPClient는 요청에 사용할 클라이언트입니다. nil이면 기본값을 사용합니다.
	HTTPClient *http.Client

	// MaxReconnectAttempts는 SSE 재연결 최대 횟수입니다. 초과 시 폴링으로 전환합니다.
	MaxReconnectAttempts int
	// Backoff는 SSE 재연결 백오프 설정입니다.
	Backoff BackoffConfig

	// PollInitialInterval은 폴링 시작 주기입니다. 진행이 감지되면 이 값으로 복귀합니다.
	PollInitialInterval time.Duration
	// PollMaxInterval은 폴링 최대 주기입니다.
	PollMaxInterval time.Duration
	// PollBackoffFactor는 진행이 없을 때 주기를 늘리는 계수입니다.
	PollBackoffFactor float64
	// PollMaxRetries는 폴링 연속 실패 허용 횟수입니다. 초과 시 Run을 실패 처리합니다.
	PollMaxRetries int
}

// DefaultConfig는 기본 전송 설정을 반환합니다.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:              strings.TrimSuffix(baseURL, "/"),
		HTTPClient:           &http.Client{},
		MaxReconnectAttempts: 5,
		Backoff:              DefaultBackoffConfig(),
		PollInitialInterval:  2 * time.Second,
		PollMaxInterval:      30 * time.Second,
		PollBackoffFactor:    1.5,
		PollMaxRetries:       5,
	}
}

// httpClient는 설정된 클라이언트 또는 기본 클라이언트를 반환합니다.
func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// authorize는 인증 헤더를 첨부합니다.
func (c Config) authorize(req *http.Request) {
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
}
