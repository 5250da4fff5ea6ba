package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cnap-oss/runsync/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendRequest는 새 에이전트 실행 요청입니다.
type SendRequest struct {
	ChatID string `json:"chat_id"`
	// MessageID는 클라이언트 상관 키입니다. 비어 있으면 새로 생성됩니다.
	MessageID string `json:"message_id"`
	Prompt    string `json:"prompt"`
}

// SendResult는 실행 요청 결과입니다.
type SendResult struct {
	MessageID string `json:"message_id"`
	RunID     string `json:"run_id"`
}

// SendMessage는 채팅 전송 플로우입니다.
//
// 서버 runID가 발급되기 전에 Run을 먼저 생성하고, 백엔드 응답의 runID를
// 바인딩한 뒤 추적을 시작합니다. 전송 내부에는 이 이상 관여하지 않습니다.
func (r *Registry) SendMessage(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	// runID 발급 전 Run 생성 (messageID가 생성 시점부터 고정 상관 키)
	r.store.CreateRun(req.MessageID, req.ChatID)

	runID, err := r.submitRun(ctx, req)
	if err != nil {
		r.store.FailRun(req.MessageID, fmt.Sprintf("실행 요청 실패: %v", err))
		return nil, err
	}

	if !r.store.SetRunID(req.MessageID, runID) {
		// 요청 중에 취소된 경우에는 추적을 시작하지 않음
		r.logger.Warn("runID 바인딩 거부됨, 추적 생략",
			zap.String("message_id", req.MessageID),
			zap.String("run_id", runID),
		)
		return &SendResult{MessageID: req.MessageID, RunID: runID}, nil
	}

	r.Start(ctx, req.MessageID, runID)
	return &SendResult{MessageID: req.MessageID, RunID: runID}, nil
}

// submitRun은 백엔드에 실행 생성을 요청하고 발급된 runID를 반환합니다.
func (r *Registry) submitRun(ctx context.Context, req *SendRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("요청 바디 직렬화 실패: %w", err)
	}

	url := r.cfg.BaseURL + "/api/agent/runs"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("요청 생성 실패: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.cfg.AuthToken)
	}

	client := r.cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", &transport.NetworkError{Op: "submit", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &transport.HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("응답 파싱 실패: %w", err)
	}
	if result.RunID == "" {
		return "", fmt.Errorf("서버가 run_id를 반환하지 않음")
	}

	return result.RunID, nil
}
