package storage

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Config는 GORM 데이터베이스 설정 값을 보관합니다.
type Config struct {
	DSN             string
	LogLevel        gormlogger.LogLevel
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	SkipDefaultTxn  bool
	PrepareStmt     bool
}

// DefaultConfig는 기본 데이터베이스 설정을 반환합니다.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		LogLevel:        gormlogger.Warn,
		MaxIdleConns:    5,
		MaxOpenConns:    20,
		ConnMaxLifetime: 30 * time.Minute,
		SkipDefaultTxn:  true,
	}
}

// Open은 DSN 형식에 따라 드라이버를 선택해 데이터베이스를 엽니다.
// postgres:// 또는 postgresql:// 접두사는 PostgreSQL, 그 외에는 SQLite 파일로
// 취급합니다. (로컬 기본값은 SQLite)
func Open(cfg Config) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage: empty DSN")
	}

	var dialector gorm.Dialector
	if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
		dialector = postgres.Open(cfg.DSN)
	} else {
		dialector = sqlite.Open(cfg.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(cfg.LogLevel),
		SkipDefaultTransaction: cfg.SkipDefaultTxn,
		PrepareStmt:            cfg.PrepareStmt,
	})
	if err != nil {
		return nil, fmt.Errorf("데이터베이스 열기 실패: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("데이터베이스 핸들 획득 실패: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// AutoMigrate는 동기화 엔진 테이블을 마이그레이션합니다.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&RunRecord{}, &StepRecord{}, &SyncMeta{})
}

// Close는 데이터베이스 연결을 닫습니다.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
