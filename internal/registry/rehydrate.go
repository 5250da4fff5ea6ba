package registry

import (
	"context"
	"time"

	"github.com/cnap-oss/runsync/internal/runstore"
	"go.uber.org/zap"
)

// RunLoader는 재수화에 필요한 영속 상태 조회 인터페이스입니다.
// storage.Repository가 구현합니다.
type RunLoader interface {
	// LoadRuns는 영속화된 모든 Run을 반환합니다.
	LoadRuns(ctx context.Context) ([]*runstore.Run, error)

	// GetSkipHydrationUntil은 재수화 차단 마감 시각을 반환합니다.
	// 기록이 없으면 제로 시각을 반환합니다.
	GetSkipHydrationUntil(ctx context.Context) (time.Time, error)

	// DeleteAllRuns는 영속화된 모든 Run을 제거합니다.
	DeleteAllRuns(ctx context.Context) error

	// SetSkipHydrationUntil은 차단 마감 시각을 기록합니다.
	SetSkipHydrationUntil(ctx context.Context, until time.Time) error
}

// Rehydrator는 재시작 후 영속 상태를 복원하고 전송을 선별 재개합니다.
//
// 시작 시퀀스는 두 단계로 명시됩니다: (1) 영속 상태의 동기 로드,
// (2) 비종료이면서 차단 기간 밖인 Run에 대해서만 전송을 다시 여는 재개.
type Rehydrator struct {
	store    *runstore.Store
	loader   RunLoader
	registry *Registry
	logger   *zap.Logger
}

// NewRehydrator는 새 Rehydrator를 생성합니다.
func NewRehydrator(store *runstore.Store, loader RunLoader, reg *Registry, logger *zap.Logger) *Rehydrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rehydrator{
		store:    store,
		loader:   loader,
		registry: reg,
		logger:   logger,
	}
}

// Rehydrate는 전체 재수화를 수행합니다.
//
//  1. 영속 상태를 동기적으로 로드합니다.
//  2. 활성 채널 집합을 무조건 초기화합니다. 전송 핸들은 재시작을 넘어
//     살아남을 수 없습니다.
//  3. 현재 시각이 skipHydrationUntil 이전이면 영속 Run을 모두 버리고
//     가드를 해제합니다. (취소 직후 재시작 경쟁 보호)
//  4. 그 외에는 비종료 Run마다 Registry를 통해 전송을 재개합니다.
func (rh *Rehydrator) Rehydrate(ctx context.Context) error {
	// (2)를 먼저: 어떤 경로로 끝나든 활성 집합은 깨끗해야 함
	rh.store.ResetPolling()

	skipUntil, err := rh.loader.GetSkipHydrationUntil(ctx)
	if err != nil {
		return err
	}

	if time.Now().Before(skipUntil) {
		rh.logger.Info("재수화 차단 기간, 영속 Run 폐기",
			zap.Time("skip_until", skipUntil),
		)
		if err := rh.loader.DeleteAllRuns(ctx); err != nil {
			return err
		}
		// 가드 해제. 다음 시작부터는 정상 재수화
		if err := rh.loader.SetSkipHydrationUntil(ctx, time.Time{}); err != nil {
			return err
		}
		return nil
	}

	runs, err := rh.loader.LoadRuns(ctx)
	if err != nil {
		return err
	}

	resumed := 0
	for _, run := range runs {
		rh.store.HydrateRun(run)
		if !run.Status.Terminal() {
			rh.registry.HandleHydratedRun(ctx, run.MessageID, run.RunID, run.Status)
			resumed++
		}
	}

	rh.logger.Info("재수화 완료",
		zap.Int("loaded", len(runs)),
		zap.Int("resumed", resumed),
	)
	return nil
}
