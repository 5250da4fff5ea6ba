package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cnap-oss/runsync/internal/event"
	"github.com/cnap-oss/runsync/internal/runstore"
)

// newTestRepo는 인메모리 SQLite 기반 Repository를 생성합니다.
func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	cfg := DefaultConfig(":memory:")
	cfg.LogLevel = gormlogger.Silent
	// 인메모리 SQLite는 연결마다 별도 DB가 되므로 연결을 하나로 고정
	cfg.MaxIdleConns = 1
	cfg.MaxOpenConns = 1

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	t.Cleanup(func() {
		_ = Close(db)
	})

	repo, err := NewRepository(db)
	require.NoError(t, err)
	return repo
}

func timePtr(ts time.Time) *time.Time {
	return &ts
}

func sampleRun() *runstore.Run {
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(30 * time.Second)
	return &runstore.Run{
		MessageID: "msg-1",
		RunID:     "run-1",
		ChatID:    "chat-1",
		Status:    runstore.StatusRunning,
		Steps: []runstore.Step{
			{StepIndex: 0, ToolName: "shell", Status: event.StepSucceeded, Output: "ok", StartedAt: timePtr(started), CompletedAt: timePtr(completed)},
			{StepIndex: 1, ToolName: "browser", Status: event.StepRunning, StartedAt: timePtr(completed)},
		},
		Events: []event.AgentEvent{
			{Kind: event.KindAction, Timestamp: started},
			{Kind: event.KindObservation, Timestamp: completed},
		},
		CreatedAt: started,
	}
}

func TestRepository_SaveAndLoadRun(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveRun(ctx, sampleRun()))

	runs, err := repo.LoadRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, "msg-1", run.MessageID)
	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, "chat-1", run.ChatID)
	assert.Equal(t, runstore.StatusRunning, run.Status)

	require.Len(t, run.Steps, 2)
	assert.Equal(t, "shell", run.Steps[0].ToolName)
	assert.Equal(t, event.StepSucceeded, run.Steps[0].Status)
	assert.NotNil(t, run.Steps[0].CompletedAt)
	assert.Equal(t, "browser", run.Steps[1].ToolName)
	assert.Nil(t, run.Steps[1].CompletedAt)

	require.Len(t, run.Events, 2)
	assert.Equal(t, event.KindAction, run.Events[0].Kind)
}

func TestRepository_SaveRunIsUpsert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	run := sampleRun()
	require.NoError(t, repo.SaveRun(ctx, run))

	// 같은 messageID로 갱신된 상태 저장
	run.Status = runstore.StatusCompleted
	run.Summary = "최종 요약"
	run.Steps[1].Status = event.StepSucceeded
	run.Steps[1].Output = "browser done"
	require.NoError(t, repo.SaveRun(ctx, run))

	runs, err := repo.LoadRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1) // 중복 행이 생기지 않는다

	got := runs[0]
	assert.Equal(t, runstore.StatusCompleted, got.Status)
	assert.Equal(t, "최종 요약", got.Summary)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, event.StepSucceeded, got.Steps[1].Status)
	assert.Equal(t, "browser done", got.Steps[1].Output)
}

func TestRepository_SaveRunValidation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	assert.Error(t, repo.SaveRun(ctx, nil))
	assert.Error(t, repo.SaveRun(ctx, &runstore.Run{MessageID: ""}))
}

func TestRepository_DeleteRun(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveRun(ctx, sampleRun()))

	other := sampleRun()
	other.MessageID = "msg-2"
	other.RunID = "run-2"
	require.NoError(t, repo.SaveRun(ctx, other))

	require.NoError(t, repo.DeleteRun(ctx, "msg-1"))

	runs, err := repo.LoadRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "msg-2", runs[0].MessageID)

	// 단계도 함께 제거됐는지 확인
	var count int64
	require.NoError(t, repo.DB().Model(&StepRecord{}).Where("message_id = ?", "msg-1").Count(&count).Error)
	assert.Zero(t, count)
}

func TestRepository_DeleteAllRuns(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, id := range []string{"msg-1", "msg-2", "msg-3"} {
		run := sampleRun()
		run.MessageID = id
		run.RunID = "run-" + id
		require.NoError(t, repo.SaveRun(ctx, run))
	}

	require.NoError(t, repo.DeleteAllRuns(ctx))

	runs, err := repo.LoadRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRepository_LoadRunsOrderedByCreation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	newer := sampleRun()
	newer.MessageID = "msg-newer"
	newer.RunID = "run-newer"
	newer.CreatedAt = time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SaveRun(ctx, newer))

	older := sampleRun()
	older.MessageID = "msg-older"
	older.RunID = "run-older"
	older.CreatedAt = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SaveRun(ctx, older))

	runs, err := repo.LoadRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "msg-older", runs[0].MessageID)
	assert.Equal(t, "msg-newer", runs[1].MessageID)
}

func TestRepository_SkipHydrationUntil(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// 기록이 없으면 제로 시각
	until, err := repo.GetSkipHydrationUntil(ctx)
	require.NoError(t, err)
	assert.True(t, until.IsZero())

	want := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SetSkipHydrationUntil(ctx, want))

	until, err = repo.GetSkipHydrationUntil(ctx)
	require.NoError(t, err)
	assert.True(t, want.Equal(until))

	// 단일 레코드 upsert: 다시 기록해도 행이 하나다
	require.NoError(t, repo.SetSkipHydrationUntil(ctx, time.Time{}))
	until, err = repo.GetSkipHydrationUntil(ctx)
	require.NoError(t, err)
	assert.True(t, until.IsZero())

	var count int64
	require.NoError(t, repo.DB().Model(&SyncMeta{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRepository_IntegratesWithStorePersister(t *testing.T) {
	repo := newTestRepo(t)

	store := runstore.NewStore(runstore.WithPersister(repo))
	store.CreateRun("msg-1", "chat-1")
	store.SetRunID("msg-1", "run-1")
	store.CompleteRun("msg-1", "요약")

	runs, err := repo.LoadRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runstore.StatusCompleted, runs[0].Status)
	assert.Equal(t, "요약", runs[0].Summary)

	// ClearRun은 영속 기록도 제거한다
	store.ClearRun("msg-1")
	runs, err = repo.LoadRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
}
