package transport

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig는 재연결 백오프 설정입니다.
type BackoffConfig struct {
	BaseInterval time.Duration // 초기 백오프 시간
	MaxInterval  time.Duration // 최대 백오프 시간
	Multiplier   float64       // 백오프 증가 계수
	JitterWindow time.Duration // 지터 범위 (0 이상 JitterWindow 미만)
}

// DefaultBackoffConfig는 기본 백오프 설정을 반환합니다.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseInterval: 1 * time.Second,
		MaxInterval:  30 * time.Second,
		Multiplier:   2.0,
		JitterWindow: 500 * time.Millisecond,
	}
}

// Delay는 attempt번째(1부터) 재연결까지의 대기 시간을 계산합니다.
//
// delay = min(MaxInterval, BaseInterval * Multiplier^(attempt-1)) + jitter
//
// 지터는 여러 Run이 동시에 끊겼을 때 재연결이 한꺼번에 몰리는 것을
// 분산시킵니다. 결과는 항상 0 이상 MaxInterval 이하입니다.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(c.BaseInterval) * math.Pow(c.Multiplier, float64(attempt-1))
	delay := time.Duration(base)
	if delay > c.MaxInterval || delay < 0 {
		// 오버플로 포함 상한 포화
		delay = c.MaxInterval
	}

	if c.JitterWindow > 0 && delay < c.MaxInterval {
		jitter := time.Duration(rand.Int63n(int64(c.JitterWindow)))
		delay += jitter
		if delay > c.MaxInterval {
			delay = c.MaxInterval
		}
	}

	return delay
}
