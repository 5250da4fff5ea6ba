package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cnap-oss/runsync/internal/event"
	"go.uber.org/zap"
)

// PollingChannel은 단일 Run에 대한 풀 기반 폴백 전송 채널입니다.
//
// 주기마다 취소 가능한 GET 한 번으로 Run 전체 스냅샷을 받아옵니다.
// 진행(이벤트 수 증가)이 감지되면 주기를 초기값으로 되돌려 빠르게 폴링하고,
// 조용하면 상한까지 주기를 늘립니다. 연속 실패가 한도를 넘으면 Run을
// 로컬 실패 상태로 종료시키고 채널을 정리합니다.
type PollingChannel struct {
	runID  string
	cfg    Config
	sink   Sink
	logger *zap.Logger

	mu              sync.Mutex
	opened          bool
	closed          bool
	cancel          context.CancelFunc
	retryCount      int
	currentInterval time.Duration
	lastEventCount  int

	done chan struct{}
}

// NewPollingChannel은 새 폴링 채널을 생성합니다.
func NewPollingChannel(runID string, cfg Config, sink Sink, logger *zap.Logger) *PollingChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollingChannel{
		runID:           runID,
		cfg:             cfg,
		sink:            sink,
		logger:          logger,
		currentInterval: cfg.PollInitialInterval,
		done:            make(chan struct{}),
	}
}

// Kind implements Channel.
func (c *PollingChannel) Kind() ChannelKind {
	return ChannelPolling
}

// SeedEventCount는 델타 전달 기준점을 설정합니다.
// SSE → 폴링 폴백처럼 다른 채널이 이미 이벤트를 적용한 뒤에 생성된
// 채널은 Open 전에 기준점을 넘겨받아야 첫 스냅샷에서 같은 이벤트를
// 다시 전달하지 않습니다.
func (c *PollingChannel) SeedEventCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.lastEventCount {
		c.lastEventCount = n
	}
}

// Open implements Channel.
func (c *PollingChannel) Open(ctx context.Context) error {
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
// 진행 중인 요청을 중단시키고 타이머를 정리합니다. 의도된 취소로 중단된
// 요청은 실패로 집계되지 않습니다.
func (c *PollingChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
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

// run은 폴링 루프입니다.
func (c *PollingChannel) run(ctx context.Context) {
	defer close(c.done)

	c.logger.Info("폴링 시작",
		zap.String("run_id", c.runID),
		zap.Duration("interval", c.cfg.PollInitialInterval),
	)

	for {
		stop := c.pollOnce(ctx)
		if stop || ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		interval := c.currentInterval
		c.mu.Unlock()

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
	}
}

// pollOnce는 한 주기를 처리합니다. 채널을 멈춰야 하면 true를 반환합니다.
func (c *PollingChannel) pollOnce(ctx context.Context) bool {
	snap, err := c.fetchSnapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// 의도된 취소는 실패가 아님
			return true
		}
		return c.recordFailure(err)
	}

	c.mu.Lock()
	c.retryCount = 0
	prevCount := c.lastEventCount
	newCount := len(snap.EventStream)
	progressed := newCount > prevCount
	if progressed {
		c.lastEventCount = newCount
		c.currentInterval = c.cfg.PollInitialInterval
	} else {
		next := time.Duration(float64(c.currentInterval) * c.cfg.PollBackoffFactor)
		if next > c.cfg.PollMaxInterval {
			next = c.cfg.PollMaxInterval
		}
		c.currentInterval = next
	}
	c.mu.Unlock()

	// 이전 주기 이후 도착한 이벤트만 전달 (스냅샷 재적용으로 인한 중복 방지)
	// 종료 이벤트는 OnEvent로 전달하지 않습니다. 이벤트로 Run을 먼저
	// 종료시키면 스냅샷 수준의 요약/오류가 적용될 기회가 사라지므로,
	// 종료 확정은 아래 OnTerminal 한 곳에서만 수행합니다.
	for i := prevCount; i < newCount; i++ {
		raw := snap.EventStream[i]
		if tr, ok := event.MapStatus(raw.EventType, raw.Phase); ok && tr.Terminal {
			continue
		}
		c.sink.OnEvent(c.runID, &raw)
	}

	if snap.Terminal() {
		c.logger.Info("폴링 스냅샷에서 종료 상태 감지",
			zap.String("run_id", c.runID),
			zap.String("status", snap.Status),
		)
		c.sink.OnTerminal(c.runID, snap)
		return true
	}

	return false
}

// recordFailure는 폴링 실패를 집계합니다.
// 한도를 넘었거나 재시도해도 같은 결과인 에러면 Run을 포기합니다.
func (c *PollingChannel) recordFailure(err error) bool {
	c.mu.Lock()
	c.retryCount++
	count := c.retryCount
	c.mu.Unlock()

	if count > c.cfg.PollMaxRetries || !IsRetryable(err) {
		c.logger.Error("폴링 재시도 한도 초과",
			zap.String("run_id", c.runID),
			zap.Int("retries", count-1),
			zap.Error(err),
		)
		c.sink.OnExhausted(c.runID, fmt.Errorf("%w: %v", ErrPollExhausted, err))
		return true
	}

	c.logger.Warn("폴링 실패, 재시도 예정",
		zap.String("run_id", c.runID),
		zap.Int("retry", count),
		zap.Error(err),
	)
	return false
}

// fetchSnapshot은 Run 스냅샷 한 건을 조회합니다.
func (c *PollingChannel) fetchSnapshot(ctx context.Context) (*RunSnapshot, error) {
	url := fmt.Sprintf("%s/api/agent/runs/%s", c.cfg.BaseURL, c.runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{Op: "poll", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	c.cfg.authorize(req)

	resp, err := c.cfg.httpClient().Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "poll", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "poll", Err: err}
	}

	var snap RunSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, newProtocolError(string(body), err)
	}
	return &snap, nil
}

// CurrentInterval은 현재 폴링 주기를 반환합니다. (테스트/관측용)
func (c *PollingChannel) CurrentInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentInterval
}

// RetryCount는 현재 연속 실패 횟수를 반환합니다. (테스트/관측용)
func (c *PollingChannel) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}
