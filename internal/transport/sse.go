package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cnap-oss/runsync/internal/event"
	"go.uber.org/zap"
)

// sse 스트림이 전송하는 이름 있는 이벤트 카탈로그입니다.
// 프레임에 event: 라인이 없으면 generic "message"로 처리됩니다.
var sseEventCatalog = map[string]string{
	"task":         event.TypeTaskStart,
	"plan":         event.TypePlanCreated,
	"step":         event.TypeStepStarted,
	"tool":         event.TypeToolCall,
	"observation":  event.TypeObservation,
	"content":      event.TypeContentChunk,
	"verification": event.TypeVerification,
	"error":        event.TypeError,
	"done":         event.TypeDone,
	"cancelled":    event.TypeCancelled,
	"heartbeat":    event.TypeHeartbeat,
}

// SSEChannel은 단일 Run에 대한 푸시 기반 이벤트 스트림 채널입니다.
//
// 연결 실패 시 지터가 섞인 지수 백오프로 재연결하며, 재연결 한도를 소진하면
// Sink에 폴링 전환을 통지하고 스스로 종료합니다. 재연결/종료 전에는 항상
// 등록된 리스너를 먼저 해제합니다. 반복 재연결로 리스너가 누적되는 것은
// 누수로 간주합니다.
type SSEChannel struct {
	runID  string
	cfg    Config
	sink   Sink
	logger *zap.Logger

	mu                sync.Mutex
	handlers          map[string]func(*event.RawEvent)
	reconnectAttempts int
	opened            bool
	closed            bool
	cancel            context.CancelFunc

	done chan struct{}
}

// NewSSEChannel은 새 SSE 채널을 생성합니다.
func NewSSEChannel(runID string, cfg Config, sink Sink, logger *zap.Logger) *SSEChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSEChannel{
		runID:  runID,
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Kind implements Channel.
func (c *SSEChannel) Kind() ChannelKind {
	return ChannelSSE
}

// Open implements Channel.
func (c *SSEChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.opened {
		c.mu.Unlock()
		return ErrChannelAlreadyOpen
	}
	c.opened = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Close implements Channel.
func (c *SSEChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.handlers = nil // 리스너 해제가 연결 종료보다 먼저
	cancel := c.cancel
	opened := c.opened
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if opened {
		<-c.done
	}
}

// run은 수신 루프입니다. 연결 → 수신 → 재연결을 반복합니다.
func (c *SSEChannel) run(ctx context.Context) {
	defer close(c.done)

	for {
		terminal, err := c.connectOnce(ctx)
		c.detachListeners()

		if terminal || ctx.Err() != nil {
			return
		}
		if err == nil {
			// 종료 이벤트 없이 스트림이 끝난 경우도 연결 손실로 취급
			err = ErrStreamClosed
		}

		c.mu.Lock()
		c.reconnectAttempts++
		attempts := c.reconnectAttempts
		c.mu.Unlock()

		if attempts > c.cfg.MaxReconnectAttempts {
			err = fmt.Errorf("%w: %v", ErrStreamExhausted, err)
		}
		// 한도를 소진했거나 재시도 불가능한 에러(프로토콜 오류, 4xx)면
		// 남은 시도를 건너뛰고 곧바로 폴링으로 전환합니다.
		if attempts > c.cfg.MaxReconnectAttempts || !IsRetryable(err) {
			c.logger.Warn("SSE 수신 불가, 폴링으로 전환",
				zap.String("run_id", c.runID),
				zap.Int("attempts", attempts-1),
				zap.Error(err),
			)
			c.sink.OnFallback(c.runID)
			return
		}

		delay := c.cfg.Backoff.Delay(attempts)
		c.logger.Info("SSE 재연결 예약",
			zap.String("run_id", c.runID),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// connectOnce는 한 번의 연결 수명을 처리합니다.
// 종료 이벤트를 수신해 스트림이 정상 종료되면 terminal=true를 반환합니다.
func (c *SSEChannel) connectOnce(ctx context.Context) (terminal bool, err error) {
	c.attachListeners()

	url := fmt.Sprintf("%s/api/agent/runs/%s/events/stream", c.cfg.BaseURL, c.runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, &NetworkError{Op: "stream", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	c.cfg.authorize(req)

	resp, err := c.cfg.httpClient().Do(req)
	if err != nil {
		return false, &NetworkError{Op: "stream", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	// 연결 성공: 재연결 카운터 초기화
	c.mu.Lock()
	c.reconnectAttempts = 0
	c.mu.Unlock()

	c.logger.Info("SSE 스트림 연결됨", zap.String("run_id", c.runID))

	reader := bufio.NewReader(resp.Body)
	eventName := ""
	var dataLines []string

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return false, nil
			}
			return false, &NetworkError{Op: "stream", Err: err}
		}

		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			// 빈 줄 = 프레임 경계
			if len(dataLines) > 0 {
				if c.dispatchFrame(eventName, strings.Join(dataLines, "\n")) {
					return true, nil
				}
			}
			eventName = ""
			dataLines = nil
		case strings.HasPrefix(line, ":"):
			// 주석 (keep-alive)
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// dispatchFrame은 프레임 하나를 핸들러에 전달합니다.
// 종료 이벤트였으면 true를 반환합니다.
func (c *SSEChannel) dispatchFrame(eventName, data string) bool {
	var raw event.RawEvent
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		// 단일 이벤트 파싱 실패는 건너뛸 뿐 채널을 종료시키지 않음
		c.logger.Warn("이벤트 파싱 실패",
			zap.String("run_id", c.runID),
			zap.String("event", eventName),
			zap.Error(newProtocolError(data, err)),
		)
		return false
	}

	// 페이로드에 event_type이 없으면 프레임 이름에서 보충
	if raw.EventType == "" {
		if mapped, ok := sseEventCatalog[eventName]; ok {
			raw.EventType = mapped
		}
	}

	c.mu.Lock()
	handler := c.handlers[c.handlerKey(eventName)]
	c.mu.Unlock()

	if handler == nil {
		// 리스너 해제 이후 도착한 프레임은 버림
		return false
	}
	handler(&raw)

	switch raw.EventType {
	case event.TypeDone, event.TypeError, event.TypeCancelled:
		return true
	default:
		return false
	}
}

// handlerKey는 프레임 이름을 핸들러 키로 변환합니다. 모르는 이름은 generic 처리됩니다.
func (c *SSEChannel) handlerKey(eventName string) string {
	if _, ok := sseEventCatalog[eventName]; ok {
		return eventName
	}
	return "message"
}

// attachListeners는 고정 이벤트 카탈로그의 핸들러를 등록합니다.
// 재연결 시마다 새로 구성되며, 해제 없이 다시 등록되는 일은 없습니다.
func (c *SSEChannel) attachListeners() {
	forward := func(raw *event.RawEvent) {
		c.sink.OnEvent(c.runID, raw)
	}

	handlers := make(map[string]func(*event.RawEvent), len(sseEventCatalog)+1)
	for name := range sseEventCatalog {
		if name == "heartbeat" {
			// keep-alive 전용: 소비하되 상태에 반영하지 않음
			handlers[name] = func(*event.RawEvent) {}
			continue
		}
		handlers[name] = forward
	}
	handlers["message"] = forward

	c.mu.Lock()
	if !c.closed {
		c.handlers = handlers
	}
	c.mu.Unlock()
}

// detachListeners는 등록된 모든 핸들러를 해제합니다.
func (c *SSEChannel) detachListeners() {
	c.mu.Lock()
	c.handlers = nil
	c.mu.Unlock()
}

// ReconnectAttempts는 현재 재연결 시도 횟수를 반환합니다. (테스트/관측용)
func (c *SSEChannel) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}
