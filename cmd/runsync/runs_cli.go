package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/cnap-oss/runsync/internal/common"
	"github.com/cnap-oss/runsync/internal/runstore"
	"github.com/cnap-oss/runsync/internal/storage"
)

func buildRunCommands(logger *zap.Logger) *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Run 관리 명령어",
		Long:  "영속화된 Run의 조회, 취소, 삭제 기능을 제공합니다.",
	}

	// runs list
	runsListCmd := &cobra.Command{
		Use:   "list",
		Short: "Run 목록 조회",
		Long:  "저장된 모든 Run 목록을 조회합니다.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsList(logger)
		},
	}

	// runs show
	runsShowCmd := &cobra.Command{
		Use:   "show <message-id>",
		Short: "Run 상세 정보 조회",
		Long:  "특정 Run의 상태, 스텝, 이벤트 개수를 조회합니다.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsShow(logger, normalizeID(args[0]))
		},
	}

	// runs cancel
	runsCancelCmd := &cobra.Command{
		Use:   "cancel <message-id>",
		Short: "Run 취소",
		Long:  "진행 중인 Run을 취소 상태로 전환합니다.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsCancel(logger, normalizeID(args[0]))
		},
	}

	// runs dismiss
	runsDismissCmd := &cobra.Command{
		Use:   "dismiss <message-id>",
		Short: "Run 기록 삭제",
		Long:  "특정 Run의 저장 기록을 삭제합니다.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsDismiss(logger, normalizeID(args[0]))
		},
	}

	// runs clear
	var clearGrace time.Duration
	runsClearCmd := &cobra.Command{
		Use:   "clear",
		Short: "모든 Run 기록 삭제",
		Long:  "저장된 모든 Run 기록을 삭제하고 재수화 차단 유예 기간을 설정합니다.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsClear(logger, clearGrace)
		},
	}
	runsClearCmd.Flags().DurationVar(&clearGrace, "grace", 10*time.Second, "재수화 차단 유예 기간")

	// runs stats
	runsStatsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Run 통계 조회",
		Long:  "상태별 Run 개수를 집계합니다.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsStats(logger)
		},
	}

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsCancelCmd)
	runsCmd.AddCommand(runsDismissCmd)
	runsCmd.AddCommand(runsClearCmd)
	runsCmd.AddCommand(runsStatsCmd)

	return runsCmd
}

// normalizeID는 터미널에서 붙여넣은 ID를 NFC로 정규화합니다.
// macOS 터미널은 NFD로 분해된 문자열을 전달하는 경우가 있습니다.
func normalizeID(id string) string {
	return norm.NFC.String(id)
}

// newRunStore는 CLI 단일 실행용 Store를 구성하고 저장된 Run을 적재합니다.
func newRunStore(ctx context.Context, logger *zap.Logger) (*runstore.Store, *storage.Repository, func(), error) {
	cfg := common.GetConfig()
	repo, cleanup, err := initStorage(logger, cfg)
	if err != nil {
		return nil, nil, func() {}, err
	}

	store := runstore.NewStore(
		runstore.WithPersister(repo),
		runstore.WithStoreLogger(logger),
	)

	runs, err := repo.LoadRuns(ctx)
	if err != nil {
		cleanup()
		return nil, nil, func() {}, fmt.Errorf("run 적재 실패: %w", err)
	}
	for _, run := range runs {
		store.HydrateRun(run)
	}

	return store, repo, cleanup, nil
}

func runRunsList(logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	store, _, cleanup, err := newRunStore(ctx, logger)
	if err != nil {
		return fmt.Errorf("스토어 초기화 실패: %w", err)
	}
	defer cleanup()

	runs := store.ListRuns()
	if len(runs) == 0 {
		fmt.Println("저장된 Run이 없습니다.")
		return nil
	}

	// 테이블 형식 출력
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "MESSAGE ID\tRUN ID\tSTATUS\tSTEPS\tCREATED")
	_, _ = fmt.Fprintln(w, "----------\t------\t------\t-----\t-------")

	for _, run := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			run.MessageID,
			displayRunID(run.RunID),
			run.Status,
			len(run.Steps),
			run.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()

	return nil
}

func displayRunID(runID string) string {
	if runID == "" {
		return "-"
	}
	return runID
}

func runRunsShow(logger *zap.Logger, messageID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	store, _, cleanup, err := newRunStore(ctx, logger)
	if err != nil {
		return fmt.Errorf("스토어 초기화 실패: %w", err)
	}
	defer cleanup()

	run := store.GetRunByMessageID(messageID)
	if run == nil {
		// run-id로도 조회 허용
		run = store.GetRunByRunID(messageID)
	}
	if run == nil {
		return fmt.Errorf("run을 찾을 수 없습니다: %s", messageID)
	}

	// 상세 정보 출력
	fmt.Printf("=== Run 정보: %s ===\n\n", run.MessageID)
	fmt.Printf("Message ID:  %s\n", run.MessageID)
	fmt.Printf("Run ID:      %s\n", displayRunID(run.RunID))
	fmt.Printf("Chat ID:     %s\n", run.ChatID)
	fmt.Printf("상태:        %s\n", run.Status)
	fmt.Printf("이벤트 수:   %d\n", len(run.Events))
	fmt.Printf("생성일:      %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
	if run.Summary != "" {
		fmt.Printf("결과:        %s\n", truncateString(run.Summary, 200))
	}
	if run.Error != "" {
		fmt.Printf("오류:        %s\n", run.Error)
	}

	if len(run.Steps) > 0 {
		fmt.Printf("\n--- Steps (%d) ---\n", len(run.Steps))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "INDEX\tTOOL\tSTATUS")
		for _, step := range run.Steps {
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\n", step.StepIndex, step.ToolName, step.Status)
		}
		_ = w.Flush()
	}

	return nil
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func runRunsCancel(logger *zap.Logger, messageID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	store, _, cleanup, err := newRunStore(ctx, logger)
	if err != nil {
		return fmt.Errorf("스토어 초기화 실패: %w", err)
	}
	defer cleanup()

	run := store.GetRunByMessageID(messageID)
	if run == nil {
		return fmt.Errorf("run을 찾을 수 없습니다: %s", messageID)
	}
	if run.Status.Terminal() {
		fmt.Printf("⚠ Run '%s'은 이미 종결 상태입니다. (Status: %s)\n", messageID, run.Status)
		return nil
	}

	if !store.CancelRun(messageID) {
		return fmt.Errorf("run 취소 실패: %s", messageID)
	}

	fmt.Printf("✓ Run '%s' 취소 완료\n", messageID)
	return nil
}

func runRunsDismiss(logger *zap.Logger, messageID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	store, _, cleanup, err := newRunStore(ctx, logger)
	if err != nil {
		return fmt.Errorf("스토어 초기화 실패: %w", err)
	}
	defer cleanup()

	if store.GetRunByMessageID(messageID) == nil {
		return fmt.Errorf("run을 찾을 수 없습니다: %s", messageID)
	}

	store.ClearRun(messageID)
	fmt.Printf("✓ Run '%s' 기록 삭제 완료\n", messageID)
	return nil
}

func runRunsClear(logger *zap.Logger, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	store, _, cleanup, err := newRunStore(ctx, logger)
	if err != nil {
		return fmt.Errorf("스토어 초기화 실패: %w", err)
	}
	defer cleanup()

	count := store.RunCount()
	store.ClearAllRuns(grace)

	fmt.Printf("✓ Run 기록 %d건 삭제 완료 (재수화 차단: %s)\n", count, grace)
	return nil
}

func runRunsStats(logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	store, _, cleanup, err := newRunStore(ctx, logger)
	if err != nil {
		return fmt.Errorf("스토어 초기화 실패: %w", err)
	}
	defer cleanup()

	runs := store.ListRuns()
	if len(runs) == 0 {
		fmt.Println("저장된 Run이 없습니다.")
		return nil
	}

	byStatus := make(map[runstore.Status]int)
	totalSteps := 0
	for _, run := range runs {
		byStatus[run.Status]++
		totalSteps += len(run.Steps)
	}

	fmt.Printf("=== Run 통계 ===\n\n")
	fmt.Printf("전체 Run:    %d\n", len(runs))
	fmt.Printf("전체 Steps:  %d\n\n", totalSteps)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATUS\tCOUNT")
	for status, count := range byStatus {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", status, count)
	}
	_ = w.Flush()

	return nil
}
