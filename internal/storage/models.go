package storage

import "time"

// RunRecord는 runs 테이블 레코드입니다. Run의 비즈니스 상태 프로젝션이며,
// 전송 런타임 필드(소켓, 타이머, 재시도 카운터)는 저장되지 않습니다.
type RunRecord struct {
	ID        int64     `gorm:"column:id;type:bigserial;primaryKey"`
	MessageID string    `gorm:"column:message_id;type:varchar(64);not null;uniqueIndex:idx_runs_message_id"`
	RunID     string    `gorm:"column:run_id;type:varchar(64);index:idx_runs_run_id"`
	ChatID    string    `gorm:"column:chat_id;type:varchar(64);not null;index:idx_runs_chat_id"`
	Status    string    `gorm:"column:status;type:varchar(32);not null"`
	Summary   string    `gorm:"column:summary;type:text"`
	Error     string    `gorm:"column:error;type:text"`
	Events    string    `gorm:"column:events;type:text"` // 정규화된 이벤트 스트림 (JSON)
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime"`
}

// TableName은 gorm Tabler 인터페이스를 구현합니다.
func (RunRecord) TableName() string {
	return "runs"
}

// StepRecord는 run_steps 테이블 레코드입니다. (message_id, step_index)가 식별자입니다.
type StepRecord struct {
	ID          int64      `gorm:"column:id;type:bigserial;primaryKey"`
	MessageID   string     `gorm:"column:message_id;type:varchar(64);not null;index:idx_run_steps_message;uniqueIndex:idx_run_steps_msg_step,priority:1"`
	StepIndex   int        `gorm:"column:step_index;type:int;not null;uniqueIndex:idx_run_steps_msg_step,priority:2"`
	ToolName    string     `gorm:"column:tool_name;type:varchar(128)"`
	Status      string     `gorm:"column:status;type:varchar(32);not null"`
	Output      string     `gorm:"column:output;type:text"`
	Error       string     `gorm:"column:error;type:text"`
	StartedAt   *time.Time `gorm:"column:started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null;autoCreateTime"`
}

// TableName은 gorm Tabler 인터페이스를 구현합니다.
func (StepRecord) TableName() string {
	return "run_steps"
}

// SyncMeta는 sync_meta 테이블의 단일 레코드입니다.
// 재수화 차단 마감 시각 등 Run 바깥의 동기화 상태를 보관합니다.
type SyncMeta struct {
	ID                 int64     `gorm:"column:id;type:bigint;primaryKey"`
	SkipHydrationUntil time.Time `gorm:"column:skip_hydration_until"`
	UpdatedAt          time.Time `gorm:"column:updated_at;not null;autoUpdateTime"`
}

// TableName은 gorm Tabler 인터페이스를 구현합니다.
func (SyncMeta) TableName() string {
	return "sync_meta"
}

// syncMetaID는 단일 레코드 테이블의 고정 키입니다.
const syncMetaID = 1
