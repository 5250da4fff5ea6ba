package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cnap-oss/runsync/internal/event"
	"github.com/cnap-oss/runsync/internal/runstore"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository는 Run 동기화 상태를 위한 영속성 헬퍼를 제공합니다.
// runstore.Persister와 registry.RunLoader를 구현합니다.
type Repository struct {
	db *gorm.DB
}

// NewRepository는 전달된 gorm DB를 이용해 Repository를 생성합니다.
func NewRepository(db *gorm.DB) (*Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: repository requires a non-nil db handle")
	}
	return &Repository{db: db}, nil
}

// DB는 내부 gorm DB 참조를 반환합니다.
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// SaveRun은 Run의 현재 상태를 저장하거나 갱신합니다.
func (r *Repository) SaveRun(ctx context.Context, run *runstore.Run) error {
	if run == nil {
		return fmt.Errorf("storage: nil run payload")
	}
	if run.MessageID == "" {
		return fmt.Errorf("storage: empty messageID")
	}

	events, err := json.Marshal(run.Events)
	if err != nil {
		return fmt.Errorf("storage: failed to encode events: %w", err)
	}

	record := &RunRecord{
		MessageID: run.MessageID,
		RunID:     run.RunID,
		ChatID:    run.ChatID,
		Status:    string(run.Status),
		Summary:   run.Summary,
		Error:     run.Error,
		Events:    string(events),
		CreatedAt: run.CreatedAt,
	}

	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "message_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"run_id", "status", "summary", "error", "events", "updated_at",
			}),
		}).
		Create(record).Error; err != nil {
		return err
	}

	for i := range run.Steps {
		if err := r.upsertStep(ctx, run.MessageID, &run.Steps[i]); err != nil {
			return err
		}
	}
	return nil
}

// upsertStep은 단계를 (message_id, step_index) 기준으로 생성하거나 갱신합니다.
func (r *Repository) upsertStep(ctx context.Context, messageID string, step *runstore.Step) error {
	record := &StepRecord{
		MessageID:   messageID,
		StepIndex:   step.StepIndex,
		ToolName:    step.ToolName,
		Status:      step.Status,
		Output:      step.Output,
		Error:       step.Error,
		StartedAt:   step.StartedAt,
		CompletedAt: step.CompletedAt,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "message_id"}, {Name: "step_index"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"tool_name", "status", "output", "error", "started_at", "completed_at",
			}),
		}).
		Create(record).Error
}

// DeleteRun은 messageID에 해당하는 Run과 단계를 제거합니다.
func (r *Repository) DeleteRun(ctx context.Context, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("storage: empty messageID")
	}
	if err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Delete(&StepRecord{}).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Delete(&RunRecord{}).Error
}

// DeleteAllRuns는 영속화된 모든 Run과 단계를 제거합니다.
func (r *Repository) DeleteAllRuns(ctx context.Context) error {
	if err := r.db.WithContext(ctx).
		Where("1 = 1").
		Delete(&StepRecord{}).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Where("1 = 1").
		Delete(&RunRecord{}).Error
}

// LoadRuns는 영속화된 모든 Run을 복원합니다.
func (r *Repository) LoadRuns(ctx context.Context) ([]*runstore.Run, error) {
	var records []RunRecord
	if err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}

	runs := make([]*runstore.Run, 0, len(records))
	for i := range records {
		run, err := r.toRun(ctx, &records[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// toRun은 레코드를 도메인 Run으로 변환합니다.
func (r *Repository) toRun(ctx context.Context, record *RunRecord) (*runstore.Run, error) {
	var events []event.AgentEvent
	if record.Events != "" {
		if err := json.Unmarshal([]byte(record.Events), &events); err != nil {
			return nil, fmt.Errorf("storage: failed to decode events for %s: %w", record.MessageID, err)
		}
	}

	var stepRecords []StepRecord
	if err := r.db.WithContext(ctx).
		Where("message_id = ?", record.MessageID).
		Order("step_index ASC").
		Find(&stepRecords).Error; err != nil {
		return nil, err
	}

	steps := make([]runstore.Step, 0, len(stepRecords))
	for _, sr := range stepRecords {
		steps = append(steps, runstore.Step{
			StepIndex:   sr.StepIndex,
			ToolName:    sr.ToolName,
			Status:      sr.Status,
			Output:      sr.Output,
			Error:       sr.Error,
			StartedAt:   sr.StartedAt,
			CompletedAt: sr.CompletedAt,
		})
	}

	return &runstore.Run{
		RunID:     record.RunID,
		MessageID: record.MessageID,
		ChatID:    record.ChatID,
		Status:    runstore.Status(record.Status),
		Steps:     steps,
		Events:    events,
		Summary:   record.Summary,
		Error:     record.Error,
		CreatedAt: record.CreatedAt,
	}, nil
}

// SetSkipHydrationUntil은 재수화 차단 마감 시각을 기록합니다.
func (r *Repository) SetSkipHydrationUntil(ctx context.Context, until time.Time) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"skip_hydration_until", "updated_at"}),
		}).
		Create(&SyncMeta{
			ID:                 syncMetaID,
			SkipHydrationUntil: until,
		}).Error
}

// GetSkipHydrationUntil은 재수화 차단 마감 시각을 반환합니다.
// 기록이 없으면 제로 시각을 반환합니다.
func (r *Repository) GetSkipHydrationUntil(ctx context.Context) (time.Time, error) {
	var meta SyncMeta
	err := r.db.WithContext(ctx).
		Where("id = ?", syncMetaID).
		First(&meta).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return meta.SkipHydrationUntil, nil
}
