package registry

import (
	"context"
	"sync"

	"github.com/cnap-oss/runsync/internal/event"
	"github.com/cnap-oss/runsync/internal/runstore"
	"github.com/cnap-oss/runsync/internal/transport"
	"go.uber.org/zap"
)

// Registry는 Run별 전송 인스턴스를 소유하고 채널 선택/전환을 담당합니다.
//
// Run마다 SSE 채널을 먼저 열고, SSE가 재연결 한도를 소진하면 같은 Run의
// 인스턴스를 폴링 채널로 투명하게 교체합니다. Store 인터페이스는 채널
// 종류와 무관하게 동일합니다. 전송 핸들의 유일한 작성자이며, 비즈니스
// 상태는 오직 Store 메서드를 통해서만 변경합니다.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*Instance // runID 키

	store   *runstore.Store
	content *runstore.ContentLog
	cfg     transport.Config
	metrics *Metrics
	logger  *zap.Logger

	// disableSSE가 true이면 처음부터 폴링 채널을 사용합니다.
	// (SSE 미지원 환경 또는 명시적 설정)
	disableSSE bool
}

// RegistryOption은 Registry 옵션입니다.
type RegistryOption func(*Registry)

// WithRegistryLogger는 logger를 설정합니다.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithContentLog는 답변 스트리밍 로그를 주입합니다.
func WithContentLog(cl *runstore.ContentLog) RegistryOption {
	return func(r *Registry) {
		r.content = cl
	}
}

// WithoutSSE는 SSE를 비활성화하고 폴링만 사용합니다.
func WithoutSSE() RegistryOption {
	return func(r *Registry) {
		r.disableSSE = true
	}
}

// NewRegistry는 새 Registry를 생성합니다.
// 전역 싱글톤이 아니라 호출자가 생성해 참조로 전달합니다.
func NewRegistry(store *runstore.Store, cfg transport.Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		instances: make(map[string]*Instance),
		store:     store,
		cfg:       cfg,
		metrics:   &Metrics{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.content == nil {
		r.content = runstore.NewContentLog(r.logger)
	}
	return r
}

// Start는 Run 추적을 시작합니다. 이미 추적 중인 runID면 아무것도 하지 않습니다.
func (r *Registry) Start(ctx context.Context, messageID, runID string) {
	r.mu.Lock()
	if _, tracked := r.instances[runID]; tracked {
		r.mu.Unlock()
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	in := &Instance{
		MessageID: messageID,
		RunID:     runID,
		ctx:       runCtx,
		cancel:    cancel,
	}

	if r.disableSSE {
		in.channel = transport.NewPollingChannel(runID, r.cfg, r, r.logger.Named("polling"))
		in.usingSSE = false
	} else {
		in.channel = transport.NewSSEChannel(runID, r.cfg, r, r.logger.Named("sse"))
		in.usingSSE = true
	}
	r.instances[runID] = in
	channel := in.channel
	r.mu.Unlock()

	// 활성 채널 집합 등록 (UI "실행 중" 표시용)
	r.store.SetPolling(messageID, true)
	r.metrics.IncrementRunsStarted()

	if err := channel.Open(runCtx); err != nil {
		r.logger.Error("채널 열기 실패",
			zap.String("run_id", runID),
			zap.Error(err),
		)
		r.Stop(runID)
		return
	}

	r.logger.Info("Run 추적 시작",
		zap.String("message_id", messageID),
		zap.String("run_id", runID),
		zap.String("channel", string(channel.Kind())),
	)
}

// Stop은 Run의 전송을 해체합니다.
// 채널 Close가 리스너 해제 → 연결 중단 → 타이머 정리를 수행합니다.
// Run의 비즈니스 상태는 변경하지 않습니다.
func (r *Registry) Stop(runID string) {
	r.mu.Lock()
	in, ok := r.instances[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.instances, runID)
	r.mu.Unlock()

	// 락 해제 후 Close. 채널 고루틴의 콜백이 락을 기다리는 동안
	// Close가 고루틴 종료를 기다리면 교착이 됩니다.
	in.channel.Close()
	in.cancel()
	r.store.SetPolling(in.MessageID, false)

	r.logger.Info("Run 추적 종료", zap.String("run_id", runID))
}

// Cancel은 사용자 주도 취소입니다. 전송을 즉시 끊고 Run을 취소 상태로 만듭니다.
func (r *Registry) Cancel(runID string) {
	r.mu.Lock()
	in, ok := r.instances[runID]
	r.mu.Unlock()

	if !ok {
		return
	}

	r.store.UpdateStatus(in.MessageID, runstore.StatusCancelling)
	r.Stop(runID)
	r.store.CancelRun(in.MessageID)
	r.metrics.IncrementRunsCancelled()
}

// CancelAll은 추적 중인 모든 Run을 취소합니다.
// 맵을 순회하며 변경하지 않도록 먼저 스냅샷을 뜹니다.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.instances))
	for runID := range r.instances {
		ids = append(ids, runID)
	}
	r.mu.Unlock()

	for _, runID := range ids {
		r.Cancel(runID)
	}
}

// StopAll은 추적 중인 모든 전송 인스턴스를 해체합니다.
// Cancel과 달리 Run의 비즈니스 상태는 건드리지 않으므로, 프로세스 종료
// 경로에서 호출하면 재시작 후 재수화로 이어갈 수 있습니다.
func (r *Registry) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.instances))
	for runID := range r.instances {
		ids = append(ids, runID)
	}
	r.mu.Unlock()

	for _, runID := range ids {
		r.Stop(runID)
	}
}

// HandleHydratedRun은 재수화 컨트롤러 전용입니다.
// 복원된 Run이 아직 종료되지 않은 경우에만 전송을 다시 엽니다.
func (r *Registry) HandleHydratedRun(ctx context.Context, messageID, runID string, status runstore.Status) {
	if status.Terminal() {
		return
	}
	if runID == "" {
		// 서버 runID가 발급되기 전에 중단된 Run은 재개할 수 없음
		r.logger.Warn("runID 없는 Run은 재수화 불가, 실패 처리",
			zap.String("message_id", messageID),
		)
		r.store.FailRun(messageID, transport.ExhaustedFailureMessage)
		return
	}
	r.metrics.IncrementRunsRehydrated()
	r.Start(ctx, messageID, runID)
}

// IsTracking은 runID가 추적 중인지 반환합니다.
func (r *Registry) IsTracking(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.instances[runID]
	return ok
}

// TrackedCount는 추적 중인 인스턴스 수를 반환합니다.
func (r *Registry) TrackedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// InstanceKind는 runID의 현재 채널 종류를 반환합니다. (테스트/관측용)
func (r *Registry) InstanceKind(runID string) (transport.ChannelKind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.instances[runID]
	if !ok {
		return "", false
	}
	return in.ChannelKind(), true
}

// Metrics는 수집된 지표를 반환합니다.
func (r *Registry) Metrics() *Metrics {
	return r.metrics
}

// ContentLog는 답변 스트리밍 로그를 반환합니다.
func (r *Registry) ContentLog() *runstore.ContentLog {
	return r.content
}

// ======================================
// transport.Sink 구현
// ======================================
//
// 모든 콜백은 채널 고루틴에서 호출됩니다. 취소된 Run의 늦은 콜백이 상태를
// 오염시키지 않도록, 각 콜백은 인스턴스가 아직 등록되어 있는지 먼저 확인합니다.

// OnEvent implements transport.Sink.
func (r *Registry) OnEvent(runID string, raw *event.RawEvent) {
	in, ok := r.lookup(runID)
	if !ok {
		return
	}

	// 답변 본문 청크는 Run 상태가 아니라 ContentLog로 흐릅니다.
	if raw.EventType == event.TypeContentChunk {
		if run := r.store.GetRunByMessageID(in.MessageID); run != nil {
			r.content.AppendContent(run.ChatID, raw.Chunk, raw.Seq)
		}
		return
	}

	applied := r.store.ApplyEvent(in.MessageID, raw)
	if applied {
		r.metrics.IncrementEventsApplied()
	}

	// 이벤트로 종료 상태에 도달했으면 전송을 정리
	run := r.store.GetRunByMessageID(in.MessageID)
	if run != nil && run.Status.Terminal() {
		r.finishRun(in, run)
	}
}

// OnTerminal implements transport.Sink.
// 폴링 스냅샷이 종료 상태를 보고했을 때 Store를 확정합니다.
func (r *Registry) OnTerminal(runID string, snap *transport.RunSnapshot) {
	in, ok := r.lookup(runID)
	if !ok {
		return
	}

	switch snap.Status {
	case string(runstore.StatusCompleted):
		r.store.CompleteRun(in.MessageID, snap.ExtractSummary())
	case string(runstore.StatusFailed):
		errMsg := snap.Error
		if errMsg == "" {
			errMsg = transport.ExhaustedFailureMessage
		}
		r.store.FailRun(in.MessageID, errMsg)
	case string(runstore.StatusCancelled):
		r.store.CancelRun(in.MessageID)
	}

	if run := r.store.GetRunByMessageID(in.MessageID); run != nil {
		r.finishRun(in, run)
	}
}

// OnFallback implements transport.Sink.
// SSE가 한도를 소진했을 때 인스턴스를 폴링 채널로 영구 교체합니다.
func (r *Registry) OnFallback(runID string) {
	r.mu.Lock()
	in, ok := r.instances[runID]
	if !ok || !in.usingSSE {
		r.mu.Unlock()
		return
	}

	// 기존 SSE 채널은 OnFallback 통지 후 스스로 종료합니다.
	polling := transport.NewPollingChannel(runID, r.cfg, r, r.logger.Named("polling"))
	in.channel = polling
	in.usingSSE = false
	runCtx := in.ctx
	messageID := in.MessageID
	r.mu.Unlock()

	// SSE로 이미 적용된 이벤트를 첫 스냅샷에서 다시 전달받지 않도록
	// 델타 기준점을 현재 이벤트 수로 맞춥니다.
	if run := r.store.GetRunByMessageID(messageID); run != nil {
		polling.SeedEventCount(len(run.Events))
	}

	r.metrics.IncrementFallbacks()
	r.logger.Info("전송 채널 전환: SSE → 폴링", zap.String("run_id", runID))

	if err := polling.Open(runCtx); err != nil {
		r.logger.Error("폴링 채널 열기 실패",
			zap.String("run_id", runID),
			zap.Error(err),
		)
	}
}

// OnExhausted implements transport.Sink.
// 재시도 한도 초과: Run을 고정 메시지와 함께 로컬 실패 상태로 종료합니다.
// 비종료 Run은 결국 종료 상태에 도달하거나 명시적으로 취소되며
// 조용히 멈춰 있는 Run은 없습니다.
func (r *Registry) OnExhausted(runID string, err error) {
	in, ok := r.lookup(runID)
	if !ok {
		return
	}

	r.logger.Error("동기화 포기, Run 실패 처리",
		zap.String("run_id", runID),
		zap.Error(err),
	)
	r.store.FailRun(in.MessageID, transport.ExhaustedFailureMessage)

	if run := r.store.GetRunByMessageID(in.MessageID); run != nil {
		r.finishRun(in, run)
	}
}

// lookup은 runID의 인스턴스를 찾습니다.
func (r *Registry) lookup(runID string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.instances[runID]
	return in, ok
}

// finishRun은 종료된 Run의 전송 인스턴스를 정리합니다.
// 채널 고루틴에서 호출되므로 채널 Close를 기다리지 않습니다.
// 채널은 종료 이벤트를 처리한 뒤 스스로 수신 루프를 끝냅니다.
func (r *Registry) finishRun(in *Instance, run *runstore.Run) {
	r.mu.Lock()
	if _, ok := r.instances[in.RunID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.instances, in.RunID)
	r.mu.Unlock()

	in.cancel()
	r.store.SetPolling(in.MessageID, false)

	switch run.Status {
	case runstore.StatusCompleted:
		r.metrics.IncrementRunsCompleted()
		// 완료된 채팅의 스트리밍도 종료 처리 (포커스 외 채팅이면 배지)
		r.content.Complete(run.ChatID)
	case runstore.StatusFailed:
		r.metrics.IncrementRunsFailed()
	}

	r.logger.Info("Run 종료됨",
		zap.String("run_id", in.RunID),
		zap.String("status", string(run.Status)),
	)
}
