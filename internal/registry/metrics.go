package registry

import "sync/atomic"

// Metrics는 동기화 엔진 지표를 수집합니다.
type Metrics struct {
	// Run 지표
	RunsStarted    int64
	RunsCompleted  int64
	RunsFailed     int64
	RunsCancelled  int64
	RunsRehydrated int64

	// 전송 지표
	EventsApplied int64
	Fallbacks     int64
}

// IncrementRunsStarted는 시작된 Run 수를 증가시킵니다.
func (m *Metrics) IncrementRunsStarted() {
	atomic.AddInt64(&m.RunsStarted, 1)
}

// IncrementRunsCompleted는 완료된 Run 수를 증가시킵니다.
func (m *Metrics) IncrementRunsCompleted() {
	atomic.AddInt64(&m.RunsCompleted, 1)
}

// IncrementRunsFailed는 실패한 Run 수를 증가시킵니다.
func (m *Metrics) IncrementRunsFailed() {
	atomic.AddInt64(&m.RunsFailed, 1)
}

// IncrementRunsCancelled는 취소된 Run 수를 증가시킵니다.
func (m *Metrics) IncrementRunsCancelled() {
	atomic.AddInt64(&m.RunsCancelled, 1)
}

// IncrementRunsRehydrated는 재수화로 재개된 Run 수를 증가시킵니다.
func (m *Metrics) IncrementRunsRehydrated() {
	atomic.AddInt64(&m.RunsRehydrated, 1)
}

// IncrementEventsApplied는 Store에 반영된 이벤트 수를 증가시킵니다.
func (m *Metrics) IncrementEventsApplied() {
	atomic.AddInt64(&m.EventsApplied, 1)
}

// IncrementFallbacks는 SSE → 폴링 전환 횟수를 증가시킵니다.
func (m *Metrics) IncrementFallbacks() {
	atomic.AddInt64(&m.Fallbacks, 1)
}

// Snapshot은 지표의 일관된 스냅샷을 반환합니다.
func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		RunsStarted:    atomic.LoadInt64(&m.RunsStarted),
		RunsCompleted:  atomic.LoadInt64(&m.RunsCompleted),
		RunsFailed:     atomic.LoadInt64(&m.RunsFailed),
		RunsCancelled:  atomic.LoadInt64(&m.RunsCancelled),
		RunsRehydrated: atomic.LoadInt64(&m.RunsRehydrated),
		EventsApplied:  atomic.LoadInt64(&m.EventsApplied),
		Fallbacks:      atomic.LoadInt64(&m.Fallbacks),
	}
}
