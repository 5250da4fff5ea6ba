package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cnap-oss/runsync/internal/common"
	"github.com/cnap-oss/runsync/internal/notify"
	"github.com/cnap-oss/runsync/internal/registry"
	"github.com/cnap-oss/runsync/internal/runstore"
	"github.com/cnap-oss/runsync/internal/storage"
	"github.com/cnap-oss/runsync/internal/transport"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// .env 파일이 있으면 환경 변수로 로드 (없어도 동작)
	_ = godotenv.Load()

	if err := common.InitConfig(""); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize config: %v\n", err)
		os.Exit(1)
	}

	// Logger 초기화
	logger, err := common.NewLogger("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rootCmd := &cobra.Command{
		Use:     "runsync",
		Short:   "runsync - Agent Run Synchronization Engine CLI",
		Long:    `runsync keeps local run state synchronized with an agent backend over SSE and polling channels.`,
		Version: fmt.Sprintf("%s (built at %s)", Version, BuildTime),
	}

	// start 명령어
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the run synchronization engine",
		Long:  `Start the engine: rehydrate persisted runs and resume live channels until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(logger)
		},
	}

	// health 명령어
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check application health status",
		Long:  `Check if the application is running and healthy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("OK")
			return nil
		},
	}

	// 명령어 구성
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(buildRunCommands(logger))

	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command execution failed", zap.Error(err))
		os.Exit(1)
	}
}

// runStart는 동기화 엔진을 시작합니다.
// 저장소를 열고, Store와 Registry를 구성하고, 재수화 후 시그널이 올 때까지
// 실행을 유지합니다.
func runStart(logger *zap.Logger) error {
	cfg := common.GetConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("Starting runsync engine",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("server", cfg.Server.BaseURL),
	)

	repo, cleanup, err := initStorage(logger, cfg)
	if err != nil {
		logger.Error("Failed to initialize storage", zap.Error(err))
		return err
	}
	defer cleanup()

	// Context 생성
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown을 위한 signal 처리
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	store := runstore.NewStore(
		runstore.WithPersister(repo),
		runstore.WithStoreLogger(logger),
	)

	// Discord 알림 (토큰이 설정된 경우에만)
	if cfg.Discord.Token != "" && cfg.Discord.ChannelID != "" {
		session, err := notify.OpenSession(cfg.Discord.Token)
		if err != nil {
			logger.Warn("Discord notification disabled", zap.Error(err))
		} else {
			defer session.Close()
			notifier := notify.NewNotifier(logger, session, cfg.Discord.ChannelID)
			store.Subscribe(notifier.OnRunUpdate)
		}
	}

	contentLog := runstore.NewContentLog(logger)
	regOpts := []registry.RegistryOption{
		registry.WithRegistryLogger(logger),
		registry.WithContentLog(contentLog),
	}
	if cfg.Sync.DisableSSE {
		regOpts = append(regOpts, registry.WithoutSSE())
	}
	reg := registry.NewRegistry(store, buildTransportConfig(cfg), regOpts...)

	// 영속화된 Run 재수화
	rehydrator := registry.NewRehydrator(store, repo, reg, logger)
	if err := rehydrator.Rehydrate(ctx); err != nil {
		logger.Error("Rehydration failed", zap.Error(err))
		return err
	}

	logger.Info("Engine is now running",
		zap.Int("tracked_runs", reg.TrackedCount()),
	)

	// 종료 대기
	<-sigChan
	logger.Info("Shutdown signal received")
	cancel()

	// 전송 해체를 기다리되 타임아웃은 상한으로만 사용한다.
	// StopAll은 비즈니스 상태를 건드리지 않으므로 비종료 Run은
	// 다음 시작 시 재수화로 이어진다.
	stopped := make(chan struct{})
	go func() {
		reg.StopAll()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		logger.Warn("Channel teardown timed out")
	}

	metrics := reg.Metrics().Snapshot()
	logger.Info("Engine stopped gracefully",
		zap.Int64("runs_started", metrics.RunsStarted),
		zap.Int64("runs_completed", metrics.RunsCompleted),
		zap.Int64("runs_failed", metrics.RunsFailed),
		zap.Int64("events_applied", metrics.EventsApplied),
	)
	return nil
}

// buildTransportConfig는 Sync 설정을 채널 설정으로 변환합니다.
func buildTransportConfig(cfg *common.Config) transport.Config {
	tc := transport.DefaultConfig(cfg.Server.BaseURL)
	tc.AuthToken = cfg.Server.AuthToken
	if cfg.Sync.MaxReconnectAttempts > 0 {
		tc.MaxReconnectAttempts = cfg.Sync.MaxReconnectAttempts
	}
	if cfg.Sync.ReconnectBase > 0 {
		tc.Backoff.BaseInterval = cfg.Sync.ReconnectBase
	}
	if cfg.Sync.ReconnectMax > 0 {
		tc.Backoff.MaxInterval = cfg.Sync.ReconnectMax
	}
	if cfg.Sync.PollInterval > 0 {
		tc.PollInitialInterval = cfg.Sync.PollInterval
	}
	if cfg.Sync.PollMaxInterval > 0 {
		tc.PollMaxInterval = cfg.Sync.PollMaxInterval
	}
	if cfg.Sync.PollMaxRetries > 0 {
		tc.PollMaxRetries = cfg.Sync.PollMaxRetries
	}
	return tc
}

func initStorage(logger *zap.Logger, cfg *common.Config) (*storage.Repository, func(), error) {
	dsn := cfg.Database.DSN
	if dsn == "" {
		// 파일 설정에 DSN이 없으면 데이터 디렉토리의 SQLite 기본 경로 사용
		dsn = common.GetDatabasePath()
	}
	dbCfg := storage.DefaultConfig(dsn)
	dbCfg.LogLevel = cfg.Database.LogLevel
	if cfg.Database.MaxIdleConns > 0 {
		dbCfg.MaxIdleConns = cfg.Database.MaxIdleConns
	}
	if cfg.Database.MaxOpenConns > 0 {
		dbCfg.MaxOpenConns = cfg.Database.MaxOpenConns
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		dbCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	dbCfg.SkipDefaultTxn = cfg.Database.SkipDefaultTxn

	db, err := storage.Open(dbCfg)
	if err != nil {
		return nil, func() {}, err
	}

	if err := storage.AutoMigrate(db); err != nil {
		_ = storage.Close(db)
		return nil, func() {}, err
	}

	repo, err := storage.NewRepository(db)
	if err != nil {
		_ = storage.Close(db)
		return nil, func() {}, err
	}

	cleanup := func() {
		if err := storage.Close(db); err != nil {
			logger.Warn("Failed to close storage", zap.Error(err))
		}
	}

	return repo, cleanup, nil
}
