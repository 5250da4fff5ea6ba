package registry

import (
	"context"

	"github.com/cnap-oss/runsync/internal/transport"
)

// Instance는 Run 하나에 대한 전송 런타임 핸들입니다.
//
// Registry만 소유하며 절대 영속화되지 않습니다. 재연결 횟수, 폴링 주기,
// 리스너 집합 같은 런타임 필드는 각 채널 구현 내부에 있고, Instance는
// 현재 어떤 채널이 살아 있는지만 추적합니다.
type Instance struct {
	MessageID string
	RunID     string

	// channel은 현재 활성 전송 채널입니다. SSE → 폴링 전환 시 교체됩니다.
	channel transport.Channel
	// usingSSE는 현재 채널이 SSE인지 여부입니다.
	usingSSE bool

	// ctx는 이 Run의 전송 수명 컨텍스트입니다. 채널 교체 시에도 유지됩니다.
	ctx    context.Context
	cancel context.CancelFunc
}

// UsingSSE는 현재 SSE 채널을 사용 중인지 반환합니다.
func (in *Instance) UsingSSE() bool {
	return in.usingSSE
}

// ChannelKind는 현재 채널 종류를 반환합니다.
func (in *Instance) ChannelKind() transport.ChannelKind {
	if in.channel == nil {
		return ""
	}
	return in.channel.Kind()
}
