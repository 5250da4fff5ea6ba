package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnap-oss/runsync/internal/event"
)

func snapshotJSON(t *testing.T, snap *RunSnapshot) []byte {
	t.Helper()
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	return data
}

func TestPollingChannel_ForwardsEventsAndStopsOnTerminal(t *testing.T) {
	running := &RunSnapshot{
		Status: "running",
		EventStream: []event.RawEvent{
			{EventType: event.TypeTaskStart},
			{EventType: event.TypeStepStarted},
		},
	}
	completed := &RunSnapshot{
		Status: "completed",
		EventStream: []event.RawEvent{
			{EventType: event.TypeTaskStart},
			{EventType: event.TypeStepStarted},
			{EventType: event.TypeStepCompleted},
			{EventType: event.TypeDone},
		},
		Summary: "다 했음",
	}

	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/agent/runs/run-1", r.URL.Path)
		if atomic.AddInt32(&polls, 1) == 1 {
			_, _ = w.Write(snapshotJSON(t, running))
			return
		}
		_, _ = w.Write(snapshotJSON(t, completed))
	}))
	defer server.Close()

	sink := newRecordingSink()
	channel := NewPollingChannel("run-1", fastConfig(server.URL), sink, nil)

	require.NoError(t, channel.Open(context.Background()))
	waitSignal(t, sink.terminalCh, "종료 통지 대기 시간 초과")
	channel.Close()

	// 첫 폴링에서 2건, 두 번째 폴링에서 새로 도착한 분량만 전달된다.
	// done 이벤트는 OnEvent 대신 OnTerminal로 확정된다.
	assert.Equal(t, []string{
		event.TypeTaskStart,
		event.TypeStepStarted,
		event.TypeStepCompleted,
	}, sink.eventTypes())

	require.NotNil(t, sink.terminal)
	assert.Equal(t, "completed", sink.terminal.Status)
	assert.Equal(t, "다 했음", sink.terminal.Summary)
	assert.Equal(t, ChannelPolling, channel.Kind())
}

func TestPollingChannel_TerminalEventNotForwardedAsEvent(t *testing.T) {
	// 종료 이벤트가 OnEvent로 먼저 흘러가면 수신자가 Run을 닫아버려
	// 스냅샷 수준의 요약이 적용될 기회가 사라진다. 종료 확정은 OnTerminal
	// 한 곳에서만 이루어져야 한다.
	failed := &RunSnapshot{
		Status: "failed",
		Error:  "서버 측 실패",
		EventStream: []event.RawEvent{
			{EventType: event.TypeTaskStart},
			{EventType: event.TypeError},
		},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(snapshotJSON(t, failed))
	}))
	defer server.Close()

	sink := newRecordingSink()
	channel := NewPollingChannel("run-1", fastConfig(server.URL), sink, nil)

	require.NoError(t, channel.Open(context.Background()))
	waitSignal(t, sink.terminalCh, "종료 통지 대기 시간 초과")
	channel.Close()

	assert.Equal(t, []string{event.TypeTaskStart}, sink.eventTypes())
	require.NotNil(t, sink.terminal)
	assert.Equal(t, "서버 측 실패", sink.terminal.Error)
}

func TestPollingChannel_SeedEventCountSkipsAlreadyAppliedEvents(t *testing.T) {
	completed := &RunSnapshot{
		Status: "completed",
		EventStream: []event.RawEvent{
			{EventType: event.TypeTaskStart},
			{EventType: event.TypeStepStarted},
			{EventType: event.TypeStepCompleted},
			{EventType: event.TypeDone},
		},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(snapshotJSON(t, completed))
	}))
	defer server.Close()

	sink := newRecordingSink()
	channel := NewPollingChannel("run-1", fastConfig(server.URL), sink, nil)
	channel.SeedEventCount(2)

	require.NoError(t, channel.Open(context.Background()))
	waitSignal(t, sink.terminalCh, "종료 통지 대기 시간 초과")
	channel.Close()

	// 기준점 이전의 2건은 다른 채널이 이미 적용했으므로 재전달되지 않는다
	assert.Equal(t, []string{event.TypeStepCompleted}, sink.eventTypes())
}

func TestPollingChannel_AdaptiveInterval(t *testing.T) {
	quiet := &RunSnapshot{
		Status:      "running",
		EventStream: []event.RawEvent{{EventType: event.TypeTaskStart}},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(snapshotJSON(t, quiet))
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.PollInitialInterval = 10 * time.Millisecond
	cfg.PollMaxInterval = 40 * time.Millisecond
	cfg.PollBackoffFactor = 2.0

	sink := newRecordingSink()
	channel := NewPollingChannel("run-1", cfg, sink, nil)

	require.NoError(t, channel.Open(context.Background()))

	// 첫 폴링에서 이벤트 1건이 도착한 뒤로는 진행이 없으므로
	// 주기가 상한까지 늘어난다
	waitEvents(t, sink, 1)
	assert.Eventually(t, func() bool {
		return channel.CurrentInterval() == cfg.PollMaxInterval
	}, 5*time.Second, 5*time.Millisecond)

	channel.Close()
}

func TestPollingChannel_IntervalResetsOnProgress(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&polls, 1)
		// 폴링마다 이벤트가 하나씩 늘어나는 스냅샷
		stream := make([]event.RawEvent, n)
		for i := range stream {
			stream[i] = event.RawEvent{EventType: event.TypeObservation}
		}
		_, _ = w.Write(snapshotJSON(t, &RunSnapshot{Status: "running", EventStream: stream}))
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.PollInitialInterval = 5 * time.Millisecond
	cfg.PollMaxInterval = 50 * time.Millisecond

	sink := newRecordingSink()
	channel := NewPollingChannel("run-1", cfg, sink, nil)

	require.NoError(t, channel.Open(context.Background()))
	waitEvents(t, sink, 3)
	channel.Close()

	// 매 폴링마다 진행이 있었으므로 주기는 초기값에 머문다
	assert.Equal(t, cfg.PollInitialInterval, channel.CurrentInterval())
	assert.Equal(t, 0, channel.RetryCount())
}

func TestPollingChannel_ExhaustedAfterMaxRetries(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&polls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.PollMaxRetries = 2

	sink := newRecordingSink()
	channel := NewPollingChannel("run-1", cfg, sink, nil)

	require.NoError(t, channel.Open(context.Background()))
	waitSignal(t, sink.exhaustedCh, "포기 통지 대기 시간 초과")
	channel.Close()

	// 허용 2회 + 한도 초과 판정 1회 = 3회 시도
	assert.Equal(t, int32(3), atomic.LoadInt32(&polls))
	assert.ErrorIs(t, sink.exhausted, ErrPollExhausted)
}

func TestPollingChannel_NonRetryableErrorAbortsImmediately(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&polls, 1)
		// 404는 재시도해도 같은 결과이므로 한도와 무관하게 즉시 포기한다
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.PollMaxRetries = 10

	sink := newRecordingSink()
	channel := NewPollingChannel("run-1", cfg, sink, nil)

	require.NoError(t, channel.Open(context.Background()))
	waitSignal(t, sink.exhaustedCh, "포기 통지 대기 시간 초과")
	channel.Close()

	assert.Equal(t, int32(1), atomic.LoadInt32(&polls))
	assert.ErrorIs(t, sink.exhausted, ErrPollExhausted)
}

func TestPollingChannel_FailureCountResetsOnSuccess(t *testing.T) {
	var polls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&polls, 1)
		// 실패 2회 → 성공 → 실패 반복이어도 연속 실패 한도에는 걸리지 않는다
		if n%3 != 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(snapshotJSON(t, &RunSnapshot{Status: "running"}))
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.PollMaxRetries = 2

	sink := newRecordingSink()
	channel := NewPollingChannel("run-1", cfg, sink, nil)

	require.NoError(t, channel.Open(context.Background()))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&polls) >= 9
	}, 5*time.Second, time.Millisecond)
	channel.Close()

	select {
	case <-sink.exhaustedCh:
		t.Fatal("성공으로 초기화되는 실패 카운터가 한도에 걸림")
	default:
	}
}

func TestPollingChannel_MalformedSnapshotCountsAsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{스냅샷 아님`))
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.PollMaxRetries = 1

	sink := newRecordingSink()
	channel := NewPollingChannel("run-1", cfg, sink, nil)

	require.NoError(t, channel.Open(context.Background()))
	waitSignal(t, sink.exhaustedCh, "포기 통지 대기 시간 초과")
	channel.Close()

	assert.ErrorIs(t, sink.exhausted, ErrPollExhausted)
}

func TestPollingChannel_CloseCancelsInFlightRequest(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	sink := newRecordingSink()
	channel := NewPollingChannel("run-1", fastConfig(server.URL), sink, nil)

	require.NoError(t, channel.Open(context.Background()))
	<-started

	done := make(chan struct{})
	go func() {
		channel.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close가 진행 중인 요청에 막혀 반환하지 않음")
	}

	// 의도된 취소는 실패로 집계되지 않는다
	select {
	case <-sink.exhaustedCh:
		t.Fatal("취소가 실패로 집계됨")
	default:
	}
}

func TestRunSnapshot_Terminal(t *testing.T) {
	assert.True(t, (&RunSnapshot{Status: "completed"}).Terminal())
	assert.True(t, (&RunSnapshot{Status: "failed"}).Terminal())
	assert.True(t, (&RunSnapshot{Status: "cancelled"}).Terminal())
	assert.False(t, (&RunSnapshot{Status: "running"}).Terminal())
	assert.False(t, (&RunSnapshot{Status: ""}).Terminal())
}

func TestRunSnapshot_ExtractSummary(t *testing.T) {
	// summary가 있으면 그대로
	snap := &RunSnapshot{Summary: "요약", Result: "결과"}
	assert.Equal(t, "요약", snap.ExtractSummary())

	// 없으면 result
	snap = &RunSnapshot{Result: "결과"}
	assert.Equal(t, "결과", snap.ExtractSummary())

	// 둘 다 없으면 마지막 done/observation 이벤트에서 탐색
	snap = &RunSnapshot{
		EventStream: []event.RawEvent{
			{EventType: event.TypeObservation, Message: "이른 관찰"},
			{EventType: event.TypeToolCall, Message: "무시됨"},
			{EventType: event.TypeDone, Message: "마지막 메시지"},
		},
	}
	assert.Equal(t, "마지막 메시지", snap.ExtractSummary())

	// 아무것도 없으면 빈 문자열
	assert.Empty(t, (&RunSnapshot{}).ExtractSummary())
}
