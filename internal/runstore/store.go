package runstore

import (
	"context"
	"sync"
	"time"

	"github.com/cnap-oss/runsync/internal/event"
	"go.uber.org/zap"
)

// Persister는 Store 상태의 영속화 계층입니다.
// 비즈니스 상태만 저장되며, 전송 계층의 런타임 필드(소켓, 타이머 등)는 제외됩니다.
type Persister interface {
	// SaveRun은 Run의 현재 상태를 저장하거나 갱신합니다.
	SaveRun(ctx context.Context, run *Run) error

	// DeleteRun은 messageID에 해당하는 Run을 제거합니다.
	DeleteRun(ctx context.Context, messageID string) error

	// DeleteAllRuns는 모든 Run을 제거합니다.
	DeleteAllRuns(ctx context.Context) error

	// SetSkipHydrationUntil은 재수화 차단 마감 시각을 기록합니다.
	SetSkipHydrationUntil(ctx context.Context, until time.Time) error
}

// Subscriber는 Run 상태 변경 구독 콜백입니다. 항상 복사본을 전달받습니다.
type Subscriber func(run *Run)

// StoreOption은 Store 옵션입니다.
type StoreOption func(*Store)

// WithPersister는 영속화 계층을 주입합니다.
func WithPersister(p Persister) StoreOption {
	return func(s *Store) {
		s.persister = p
	}
}

// WithStoreLogger는 logger를 설정합니다.
func WithStoreLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store는 추적 중인 모든 Run의 단일 저장소입니다.
//
// 비즈니스 상태 필드의 유일한 작성자이며, 모든 변경은 Store 메서드를 통해서만
// 이루어집니다. 종료 상태(completed/failed/cancelled)에 도달한 Run에 대한
// 이후의 변경 요청은 조용히 무시됩니다. 지연되거나 중복 도착한 전송 콜백이
// 끝난 Run을 되살리는 것을 막는 핵심 장치입니다.
type Store struct {
	mu sync.Mutex

	// runs는 messageID를 키로 합니다. messageID당 Run은 최대 하나입니다.
	runs map[string]*Run
	// byRunID는 서버 runID → messageID 역방향 색인입니다.
	byRunID map[string]string
	// activePolling은 현재 전송 채널이 살아 있는 Run 집합입니다.
	// Registry만 이 집합을 갱신하며, 재시작 후에는 무조건 초기화됩니다.
	activePolling map[string]bool

	skipHydrationUntil time.Time

	subscribers map[int]Subscriber
	nextSubID   int

	persister Persister
	logger    *zap.Logger
}

// NewStore는 새 Store를 생성합니다.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		runs:          make(map[string]*Run),
		byRunID:       make(map[string]string),
		activePolling: make(map[string]bool),
		subscribers:   make(map[int]Subscriber),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe는 Run 변경 구독을 등록하고 해지용 ID를 반환합니다.
func (s *Store) Subscribe(fn Subscriber) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	return id
}

// Unsubscribe는 구독을 해지합니다.
func (s *Store) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}

// CreateRun은 새 Run을 생성합니다. 서버 runID가 발급되기 전에 호출됩니다.
// 동일 messageID의 Run이 이미 있으면 기존 Run의 복사본을 반환합니다.
func (s *Store) CreateRun(messageID, chatID string) *Run {
	s.mu.Lock()

	if existing, ok := s.runs[messageID]; ok {
		cp := existing.Clone()
		s.mu.Unlock()
		return cp
	}

	run := &Run{
		MessageID: messageID,
		ChatID:    chatID,
		Status:    StatusStarting,
		Steps:     []Step{},
		Events:    []event.AgentEvent{},
		CreatedAt: time.Now().UTC(),
	}
	s.runs[messageID] = run
	cp := run.Clone()
	subs := s.snapshotSubscribersLocked()
	s.persistLocked(run)
	s.mu.Unlock()

	s.notify(subs, cp)
	return cp
}

// SetRunID는 서버가 발급한 runID를 Run에 바인딩합니다.
// Run이 이미 종료 상태이면 바인딩을 거부하고 false를 반환합니다.
func (s *Store) SetRunID(messageID, runID string) bool {
	s.mu.Lock()

	run, ok := s.runs[messageID]
	if !ok || run.Status.Terminal() {
		s.mu.Unlock()
		if ok {
			s.logger.Debug("종료된 Run에 대한 runID 바인딩 무시",
				zap.String("message_id", messageID),
				zap.String("run_id", runID),
			)
		}
		return false
	}

	run.RunID = runID
	s.byRunID[runID] = messageID
	cp := run.Clone()
	subs := s.snapshotSubscribersLocked()
	s.persistLocked(run)
	s.mu.Unlock()

	s.notify(subs, cp)
	return true
}

// UpdateStatus는 Run 상태를 갱신합니다. 종료 상태의 Run은 변경되지 않습니다.
func (s *Store) UpdateStatus(messageID string, status Status) bool {
	s.mu.Lock()

	run, ok := s.runs[messageID]
	if !ok || run.Status.Terminal() {
		s.mu.Unlock()
		return false
	}

	run.Status = status
	cp := run.Clone()
	subs := s.snapshotSubscribersLocked()
	s.persistLocked(run)
	s.mu.Unlock()

	s.notify(subs, cp)
	return true
}

// ApplyEvent는 원시 이벤트 하나를 Run에 반영합니다.
//
// 이벤트 스트림 누적, 단계 업서트, 상태 전이가 한 번의 변경으로 처리됩니다.
// heartbeat는 연결 유지용이므로 상태에 반영되지 않습니다.
// 동일한 단계 이벤트를 두 번 적용해도 결과는 한 번 적용한 것과 같습니다.
func (s *Store) ApplyEvent(messageID string, raw *event.RawEvent) bool {
	if event.Classify(raw.EventType) == event.KindHeartbeat {
		return false
	}

	s.mu.Lock()

	run, ok := s.runs[messageID]
	if !ok || run.Status.Terminal() {
		s.mu.Unlock()
		if ok {
			s.logger.Debug("종료된 Run에 대한 이벤트 무시",
				zap.String("message_id", messageID),
				zap.String("event_type", raw.EventType),
			)
		}
		return false
	}

	run.Events = append(run.Events, event.Normalize(raw))

	if update, ok := event.ReduceStep(raw); ok {
		s.applyStepUpdateLocked(run, update)
	}

	if transition, ok := event.MapStatus(raw.EventType, raw.Phase); ok {
		run.Status = Status(transition.Status)
		if transition.Terminal {
			switch run.Status {
			case StatusCompleted:
				if raw.Summary != "" {
					run.Summary = raw.Summary
				} else if raw.Result != "" {
					run.Summary = raw.Result
				}
			case StatusFailed:
				if raw.Message != "" {
					run.Error = raw.Message
				}
			}
		}
	}

	cp := run.Clone()
	subs := s.snapshotSubscribersLocked()
	s.persistLocked(run)
	s.mu.Unlock()

	s.notify(subs, cp)
	return true
}

// applyStepUpdateLocked는 단계 변경분을 병합합니다. 락을 보유한 상태에서 호출됩니다.
// 비어 있는 필드는 기존 값을 유지합니다. 전체 교체가 아니라 병합이므로
// 부분 업데이트가 도착해도 tool_name 같은 무관한 필드가 보존됩니다.
func (s *Store) applyStepUpdateLocked(run *Run, update *event.StepUpdate) {
	step := run.findStep(update.StepIndex)
	if step == nil {
		run.Steps = append(run.Steps, Step{
			StepIndex: update.StepIndex,
			Status:    event.StepPending,
		})
		step = &run.Steps[len(run.Steps)-1]
	}

	// 종료된 단계를 running으로 되돌리는 이벤트는 순서 꼬임 또는 서버 재시도로
	// 간주하고 무시합니다.
	if event.IsTerminalStep(step.Status) && update.Status == event.StepRunning {
		s.logger.Warn("종료된 단계에 대한 step_started 무시",
			zap.String("message_id", run.MessageID),
			zap.Int("step_index", update.StepIndex),
			zap.String("step_status", step.Status),
		)
		return
	}

	now := time.Now().UTC()
	if update.Status != "" && update.Status != step.Status {
		step.Status = update.Status
		switch update.Status {
		case event.StepRunning:
			if step.StartedAt == nil {
				step.StartedAt = &now
			}
		case event.StepSucceeded, event.StepFailed:
			if step.CompletedAt == nil {
				step.CompletedAt = &now
			}
		}
	}
	if update.ToolName != "" {
		step.ToolName = update.ToolName
	}
	if update.Output != "" {
		step.Output = update.Output
	}
	if update.Error != "" {
		step.Error = update.Error
	}
}

// CompleteRun은 Run을 완료 상태로 종료합니다.
func (s *Store) CompleteRun(messageID, summary string) bool {
	return s.finalize(messageID, StatusCompleted, summary, "")
}

// FailRun은 Run을 실패 상태로 종료합니다.
func (s *Store) FailRun(messageID, errMsg string) bool {
	return s.finalize(messageID, StatusFailed, "", errMsg)
}

// CancelRun은 Run을 취소 상태로 종료합니다. 취소된 Run은 에러를 갖지 않습니다.
func (s *Store) CancelRun(messageID string) bool {
	return s.finalize(messageID, StatusCancelled, "", "")
}

func (s *Store) finalize(messageID string, status Status, summary, errMsg string) bool {
	s.mu.Lock()

	run, ok := s.runs[messageID]
	if !ok || run.Status.Terminal() {
		s.mu.Unlock()
		return false
	}

	run.Status = status
	if summary != "" {
		run.Summary = summary
	}
	if errMsg != "" {
		run.Error = errMsg
	}
	delete(s.activePolling, messageID)
	cp := run.Clone()
	subs := s.snapshotSubscribersLocked()
	s.persistLocked(run)
	s.mu.Unlock()

	s.notify(subs, cp)
	return true
}

// ClearRun은 Run을 Store에서 완전히 제거합니다. (사용자의 "닫기" 등)
func (s *Store) ClearRun(messageID string) {
	s.mu.Lock()

	run, ok := s.runs[messageID]
	if !ok {
		s.mu.Unlock()
		return
	}

	if run.RunID != "" {
		delete(s.byRunID, run.RunID)
	}
	delete(s.runs, messageID)
	delete(s.activePolling, messageID)
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.DeleteRun(context.Background(), messageID); err != nil {
			s.logger.Warn("Run 영속 제거 실패",
				zap.String("message_id", messageID),
				zap.Error(err),
			)
		}
	}
}

// ClearAllRuns는 모든 Run을 제거하고 재수화 차단 시각을 설정합니다.
// (로그아웃 등) 차단 유예 기간 안에 재시작하면 직전에 지운 Run이 되살아나는
// 경쟁을 막습니다.
func (s *Store) ClearAllRuns(grace time.Duration) {
	until := time.Now().Add(grace)

	s.mu.Lock()
	s.runs = make(map[string]*Run)
	s.byRunID = make(map[string]string)
	s.activePolling = make(map[string]bool)
	s.skipHydrationUntil = until
	s.mu.Unlock()

	if s.persister != nil {
		ctx := context.Background()
		if err := s.persister.DeleteAllRuns(ctx); err != nil {
			s.logger.Warn("전체 Run 영속 제거 실패", zap.Error(err))
		}
		if err := s.persister.SetSkipHydrationUntil(ctx, until); err != nil {
			s.logger.Warn("재수화 차단 시각 기록 실패", zap.Error(err))
		}
	}
}

// GetRunByMessageID는 messageID로 Run을 조회합니다.
func (s *Store) GetRunByMessageID(messageID string) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[messageID].Clone()
}

// GetRunByRunID는 서버 runID로 Run을 조회합니다.
func (s *Store) GetRunByRunID(runID string) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	messageID, ok := s.byRunID[runID]
	if !ok {
		return nil
	}
	return s.runs[messageID].Clone()
}

// GetRunByChatID는 chatID에 속한 가장 최근 Run을 반환합니다.
func (s *Store) GetRunByChatID(chatID string) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Run
	for _, run := range s.runs {
		if run.ChatID != chatID {
			continue
		}
		if latest == nil || run.CreatedAt.After(latest.CreatedAt) {
			latest = run
		}
	}
	return latest.Clone()
}

// ListRuns는 모든 Run의 복사본을 반환합니다.
func (s *Store) ListRuns() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run.Clone())
	}
	return runs
}

// ListActive는 종료되지 않은 Run의 복사본을 반환합니다.
func (s *Store) ListActive() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		if !run.Status.Terminal() {
			runs = append(runs, run.Clone())
		}
	}
	return runs
}

// SetPolling은 Run의 전송 채널 활성 여부를 기록합니다. Registry 전용입니다.
func (s *Store) SetPolling(messageID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if active {
		s.activePolling[messageID] = true
	} else {
		delete(s.activePolling, messageID)
	}
}

// IsPolling은 Run의 전송 채널이 살아 있는지 반환합니다. (UI "실행 중" 표시용)
func (s *Store) IsPolling(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activePolling[messageID]
}

// ResetPolling은 활성 채널 집합을 비웁니다.
// 재시작 직후 호출됩니다. 전송 핸들은 프로세스를 넘어 살아남을 수 없습니다.
func (s *Store) ResetPolling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activePolling = make(map[string]bool)
}

// HydrateRun은 영속 저장소에서 복원한 Run을 Store에 주입합니다.
// 재수화 전용이며 영속화를 다시 트리거하지 않습니다.
func (s *Store) HydrateRun(run *Run) {
	if run == nil || run.MessageID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.MessageID]; exists {
		return
	}
	cp := run.Clone()
	s.runs[cp.MessageID] = cp
	if cp.RunID != "" {
		s.byRunID[cp.RunID] = cp.MessageID
	}
}

// SkipHydrationUntil은 재수화 차단 마감 시각을 반환합니다.
func (s *Store) SkipHydrationUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipHydrationUntil
}

// SetSkipHydrationUntil은 재수화 차단 마감 시각을 설정합니다. 재수화 전용입니다.
func (s *Store) SetSkipHydrationUntil(until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipHydrationUntil = until
}

// RunCount는 추적 중인 Run 수를 반환합니다.
func (s *Store) RunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// snapshotSubscribersLocked는 구독자 목록의 스냅샷을 반환합니다.
func (s *Store) snapshotSubscribersLocked() []Subscriber {
	if len(s.subscribers) == 0 {
		return nil
	}
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

// persistLocked는 Run을 영속화합니다. 실패해도 메모리 상태는 유지됩니다.
func (s *Store) persistLocked(run *Run) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveRun(context.Background(), run.Clone()); err != nil {
		s.logger.Warn("Run 영속화 실패",
			zap.String("message_id", run.MessageID),
			zap.Error(err),
		)
	}
}

// notify는 구독자에게 변경을 통지합니다. 락 밖에서 호출됩니다.
func (s *Store) notify(subs []Subscriber, run *Run) {
	for _, fn := range subs {
		fn(run)
	}
}
