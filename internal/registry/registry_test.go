package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnap-oss/runsync/internal/event"
	"github.com/cnap-oss/runsync/internal/runstore"
	"github.com/cnap-oss/runsync/internal/testutil"
	"github.com/cnap-oss/runsync/internal/transport"
)

// fastConfig는 테스트용 짧은 재시도 설정을 반환합니다.
func fastConfig(baseURL string) transport.Config {
	cfg := transport.DefaultConfig(baseURL)
	cfg.Backoff = transport.BackoffConfig{
		BaseInterval: 1 * time.Millisecond,
		MaxInterval:  5 * time.Millisecond,
		Multiplier:   2.0,
	}
	cfg.MaxReconnectAttempts = 2
	cfg.PollInitialInterval = 1 * time.Millisecond
	cfg.PollMaxInterval = 10 * time.Millisecond
	cfg.PollMaxRetries = 2
	return cfg
}

func waitStatus(t *testing.T, store *runstore.Store, messageID string, want runstore.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		run := store.GetRunByMessageID(messageID)
		return run != nil && run.Status == want
	}, 5*time.Second, 2*time.Millisecond, "상태 %s 대기 시간 초과", want)
}

func TestRegistry_SSEStreamDrivesRunToCompletion(t *testing.T) {
	server := testutil.NewFakeAgentServer()
	defer server.Close()

	server.SetStream("run-1",
		testutil.SSEFrame{Event: "task", Data: map[string]any{"event_type": event.TypeTaskStart}},
		testutil.SSEFrame{Event: "step", Data: map[string]any{"event_type": event.TypeStepStarted, "step_index": 0, "tool_name": "shell"}},
		testutil.SSEFrame{Event: "step", Data: map[string]any{"event_type": event.TypeStepCompleted, "step_index": 0, "output": "결과"}},
		testutil.SSEFrame{Event: "done", Data: map[string]any{"event_type": event.TypeDone, "summary": "모두 완료"}},
	)

	store := runstore.NewStore()
	reg := NewRegistry(store, fastConfig(server.URL()))

	store.CreateRun("msg-1", "chat-1")
	store.SetRunID("msg-1", "run-1")
	reg.Start(context.Background(), "msg-1", "run-1")

	waitStatus(t, store, "msg-1", runstore.StatusCompleted)

	run := store.GetRunByMessageID("msg-1")
	assert.Equal(t, "모두 완료", run.Summary)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, event.StepSucceeded, run.Steps[0].Status)
	assert.Equal(t, "shell", run.Steps[0].ToolName)

	// 종료 후 인스턴스와 활성 플래그가 정리된다
	assert.Eventually(t, func() bool {
		return !reg.IsTracking("run-1")
	}, 5*time.Second, 2*time.Millisecond)
	assert.False(t, store.IsPolling("msg-1"))

	metrics := reg.Metrics().Snapshot()
	assert.Equal(t, int64(1), metrics.RunsStarted)
	assert.Equal(t, int64(1), metrics.RunsCompleted)
	assert.Equal(t, int64(4), metrics.EventsApplied)
}

func TestRegistry_FallsBackToPollingWhenSSEExhausted(t *testing.T) {
	server := testutil.NewFakeAgentServer()
	defer server.Close()

	// SSE는 항상 실패, 폴링 스냅샷은 곧바로 종료 상태를 보고
	server.FailStream("run-1", 1000)
	server.SetSnapshot("run-1", &transport.RunSnapshot{
		Status: "completed",
		EventStream: []event.RawEvent{
			{EventType: event.TypeTaskStart},
			{EventType: event.TypeDone},
		},
		Summary: "폴링으로 복구됨",
	})

	store := runstore.NewStore()
	reg := NewRegistry(store, fastConfig(server.URL()))

	store.CreateRun("msg-1", "chat-1")
	store.SetRunID("msg-1", "run-1")
	reg.Start(context.Background(), "msg-1", "run-1")

	waitStatus(t, store, "msg-1", runstore.StatusCompleted)

	run := store.GetRunByMessageID("msg-1")
	assert.Equal(t, "폴링으로 복구됨", run.Summary)

	metrics := reg.Metrics().Snapshot()
	assert.Equal(t, int64(1), metrics.Fallbacks)
	// SSE 최초 + 재연결 2회 시도 후 폴백
	assert.Equal(t, 3, server.StreamRequests("run-1"))
	assert.GreaterOrEqual(t, server.SnapshotRequests("run-1"), 1)
}

func TestRegistry_FallbackDoesNotDuplicateAppliedEvents(t *testing.T) {
	server := testutil.NewFakeAgentServer()
	defer server.Close()

	server.FailStream("run-1", 1000)
	server.SetSnapshot("run-1", &transport.RunSnapshot{
		Status: "completed",
		EventStream: []event.RawEvent{
			{EventType: event.TypeTaskStart},
			{EventType: event.TypeStepStarted, StepIndex: intPtr(0)},
			{EventType: event.TypeStepCompleted, StepIndex: intPtr(0), Output: "결과"},
			{EventType: event.TypeDone, Summary: "완료"},
		},
	})

	store := runstore.NewStore()
	reg := NewRegistry(store, fastConfig(server.URL()))

	store.CreateRun("msg-1", "chat-1")
	store.SetRunID("msg-1", "run-1")

	// 폴백 전에 SSE가 이미 앞의 2건을 적용한 상태를 재현
	store.ApplyEvent("msg-1", &event.RawEvent{EventType: event.TypeTaskStart})
	store.ApplyEvent("msg-1", &event.RawEvent{EventType: event.TypeStepStarted, StepIndex: intPtr(0)})

	reg.Start(context.Background(), "msg-1", "run-1")
	waitStatus(t, store, "msg-1", runstore.StatusCompleted)

	// 첫 스냅샷이 이미 적용된 2건을 재전달하면 이벤트 스트림이 배로 늘어난다.
	// 기대: 기존 2건 + 새로 도착한 step_completed 1건 (done은 OnTerminal로 확정)
	run := store.GetRunByMessageID("msg-1")
	require.Len(t, run.Events, 3)
	assert.Equal(t, "완료", run.Summary)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, event.StepSucceeded, run.Steps[0].Status)
}

func TestRegistry_WithoutSSEStartsPollingDirectly(t *testing.T) {
	server := testutil.NewFakeAgentServer()
	defer server.Close()

	server.SetSnapshot("run-1", &transport.RunSnapshot{
		Status:      "completed",
		EventStream: []event.RawEvent{{EventType: event.TypeDone}},
	})

	store := runstore.NewStore()
	reg := NewRegistry(store, fastConfig(server.URL()), WithoutSSE())

	store.CreateRun("msg-1", "chat-1")
	store.SetRunID("msg-1", "run-1")
	reg.Start(context.Background(), "msg-1", "run-1")

	waitStatus(t, store, "msg-1", runstore.StatusCompleted)

	assert.Equal(t, 0, server.StreamRequests("run-1"))
	metrics := reg.Metrics().Snapshot()
	assert.Equal(t, int64(0), metrics.Fallbacks)
}

func TestRegistry_ExhaustedPollingFailsRunLocally(t *testing.T) {
	server := testutil.NewFakeAgentServer()
	defer server.Close()

	// 스냅샷이 등록되지 않았으므로 폴링은 계속 404로 실패한다
	store := runstore.NewStore()
	reg := NewRegistry(store, fastConfig(server.URL()), WithoutSSE())

	store.CreateRun("msg-1", "chat-1")
	store.SetRunID("msg-1", "run-1")
	reg.Start(context.Background(), "msg-1", "run-1")

	waitStatus(t, store, "msg-1", runstore.StatusFailed)

	run := store.GetRunByMessageID("msg-1")
	assert.Equal(t, transport.ExhaustedFailureMessage, run.Error)

	metrics := reg.Metrics().Snapshot()
	assert.Equal(t, int64(1), metrics.RunsFailed)
}

func TestRegistry_ContentChunksFlowToContentLog(t *testing.T) {
	server := testutil.NewFakeAgentServer()
	defer server.Close()

	server.SetStream("run-1",
		testutil.SSEFrame{Event: "content", Data: map[string]any{"event_type": event.TypeContentChunk, "chunk": "Hello", "seq": 0}},
		testutil.SSEFrame{Event: "content", Data: map[string]any{"event_type": event.TypeContentChunk, "chunk": " world", "seq": 1}},
		testutil.SSEFrame{Event: "done", Data: map[string]any{"event_type": event.TypeDone}},
	)

	store := runstore.NewStore()
	content := runstore.NewContentLog(nil)
	reg := NewRegistry(store, fastConfig(server.URL()), WithContentLog(content))

	store.CreateRun("msg-1", "chat-1")
	store.SetRunID("msg-1", "run-1")
	reg.Start(context.Background(), "msg-1", "run-1")

	waitStatus(t, store, "msg-1", runstore.StatusCompleted)

	assert.Equal(t, "Hello world", content.Content("chat-1"))
	assert.Equal(t, int64(1), content.LastSeq("chat-1"))

	// 본문 청크는 Run 이벤트 스트림에 쌓이지 않는다
	run := store.GetRunByMessageID("msg-1")
	assert.Len(t, run.Events, 1)

	// 포커스 밖 채팅이 완료되면 배지가 올라간다
	assert.Eventually(t, func() bool {
		return content.Unread("chat-1")
	}, 5*time.Second, 2*time.Millisecond)
}

func TestRegistry_StartIsIdempotentPerRun(t *testing.T) {
	server := testutil.NewFakeAgentServer()
	defer server.Close()
	server.HoldStream("run-1")

	store := runstore.NewStore()
	reg := NewRegistry(store, fastConfig(server.URL()))

	store.CreateRun("msg-1", "chat-1")
	store.SetRunID("msg-1", "run-1")
	reg.Start(context.Background(), "msg-1", "run-1")
	reg.Start(context.Background(), "msg-1", "run-1")
	reg.Start(context.Background(), "msg-1", "run-1")

	assert.Equal(t, 1, reg.TrackedCount())
	assert.Equal(t, int64(1), reg.Metrics().Snapshot().RunsStarted)

	reg.Stop("run-1")
}

func TestRegistry_CancelTerminatesRun(t *testing.T) {
	server := testutil.NewFakeAgentServer()
	defer server.Close()
	server.HoldStream("run-1")

	store := runstore.NewStore()
	reg := NewRegistry(store, fastConfig(server.URL()))

	store.CreateRun("msg-1", "chat-1")
	store.SetRunID("msg-1", "run-1")
	reg.Start(context.Background(), "msg-1", "run-1")

	reg.Cancel("run-1")

	assert.False(t, reg.IsTracking("run-1"))
	run := store.GetRunByMessageID("msg-1")
	assert.Equal(t, runstore.StatusCancelled, run.Status)
	assert.False(t, store.IsPolling("msg-1"))
	assert.Equal(t, int64(1), reg.Metrics().Snapshot().RunsCancelled)
}

func TestRegistry_CancelAllLeavesNoInstances(t *testing.T) {
	server := testutil.NewFakeAgentServer()
	defer server.Close()

	store := runstore.NewStore()
	reg := NewRegistry(store, fastConfig(server.URL()))

	for i := 1; i <= 3; i++ {
		messageID := fmt.Sprintf("msg-%d", i)
		runID := fmt.Sprintf("run-%d", i)
		server.HoldStream(runID)
		store.CreateRun(messageID, fmt.Sprintf("chat-%d", i))
		store.SetRunID(messageID, runID)
		reg.Start(context.Background(), messageID, runID)
	}
	require.Equal(t, 3, reg.TrackedCount())

	reg.CancelAll()

	assert.Equal(t, 0, reg.TrackedCount())
	for i := 1; i <= 3; i++ {
		run := store.GetRunByMessageID(fmt.Sprintf("msg-%d", i))
		assert.Equal(t, runstore.StatusCancelled, run.Status)
	}
	assert.Equal(t, int64(3), reg.Metrics().Snapshot().RunsCancelled)
	assert.Empty(t, store.ListActive())
}

func TestRegistry_StopAllPreservesBusinessState(t *testing.T) {
	server := testutil.NewFakeAgentServer()
	defer server.Close()

	store := runstore.NewStore()
	reg := NewRegistry(store, fastConfig(server.URL()))

	for i := 1; i <= 2; i++ {
		messageID := fmt.Sprintf("msg-%d", i)
		runID := fmt.Sprintf("run-%d", i)
		server.HoldStream(runID)
		store.CreateRun(messageID, fmt.Sprintf("chat-%d", i))
		store.SetRunID(messageID, runID)
		reg.Start(context.Background(), messageID, runID)
	}
	require.Equal(t, 2, reg.TrackedCount())

	// 종료 경로: 전송만 해체하고 Run은 비종료 상태로 남긴다
	reg.StopAll()

	assert.Equal(t, 0, reg.TrackedCount())
	for i := 1; i <= 2; i++ {
		messageID := fmt.Sprintf("msg-%d", i)
		run := store.GetRunByMessageID(messageID)
		require.NotNil(t, run)
		assert.False(t, run.Status.Terminal())
		assert.False(t, store.IsPolling(messageID))
	}
	assert.Equal(t, int64(0), reg.Metrics().Snapshot().RunsCancelled)
	// 비종료 Run은 그대로 남아 다음 시작 시 재수화 대상이 된다
	assert.Len(t, store.ListActive(), 2)
}

func TestRegistry_LateCallbackAfterCancelIsDropped(t *testing.T) {
	server := testutil.NewFakeAgentServer()
	defer server.Close()
	server.HoldStream("run-1")

	store := runstore.NewStore()
	reg := NewRegistry(store, fastConfig(server.URL()))

	store.CreateRun("msg-1", "chat-1")
	store.SetRunID("msg-1", "run-1")
	reg.Start(context.Background(), "msg-1", "run-1")
	reg.Cancel("run-1")

	// 취소 후 도착한 늦은 콜백은 상태를 오염시키지 않아야 한다
	reg.OnEvent("run-1", &event.RawEvent{EventType: event.TypeStepStarted, StepIndex: intPtr(0)})
	reg.OnTerminal("run-1", &transport.RunSnapshot{Status: "completed", Summary: "늦은 완료"})
	reg.OnExhausted("run-1", transport.ErrPollExhausted)

	run := store.GetRunByMessageID("msg-1")
	assert.Equal(t, runstore.StatusCancelled, run.Status)
	assert.Empty(t, run.Steps)
	assert.Empty(t, run.Summary)
}

func intPtr(i int) *int {
	return &i
}

func TestRegistry_StopIsNoopForUnknownRun(t *testing.T) {
	server := testutil.NewFakeAgentServer()
	defer server.Close()

	store := runstore.NewStore()
	reg := NewRegistry(store, fastConfig(server.URL()))

	// 추적하지 않는 runID에 대한 호출은 모두 무해하다
	reg.Stop("run-x")
	reg.Cancel("run-x")
	reg.OnFallback("run-x")

	assert.Equal(t, 0, reg.TrackedCount())
}
