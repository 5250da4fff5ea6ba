package runstore

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ContentLog는 chatID 단위의 증분 답변 텍스트 로그입니다.
//
// Run의 단계/이벤트 상태와는 별개로, 스트리밍되는 답변 본문만 다룹니다.
// 청크마다 시퀀스 번호가 붙으며 seq > lastSeq인 청크만 수용하고
// 중복/역순 도착한 청크는 아무 효과 없이 거부됩니다. Store와 같은
// "늦은 쓰기 거부" 원칙을 공유하지만 전송 채널 선택 로직은 갖지 않습니다.
type ContentLog struct {
	mu sync.Mutex

	chats   map[string]*chatContent
	focused string // 현재 포커스된 chatID

	logger *zap.Logger
}

// chatContent는 단일 채팅의 누적 본문입니다.
type chatContent struct {
	builder strings.Builder
	lastSeq int64
	unread  bool
}

// NewContentLog는 새 ContentLog를 생성합니다.
func NewContentLog(logger *zap.Logger) *ContentLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContentLog{
		chats:  make(map[string]*chatContent),
		logger: logger,
	}
}

// AppendContent는 청크를 추가합니다. seq가 lastSeq보다 클 때만 수용하며,
// 수용 여부를 반환합니다.
func (cl *ContentLog) AppendContent(chatID, chunk string, seq int64) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	chat, ok := cl.chats[chatID]
	if !ok {
		chat = &chatContent{lastSeq: -1}
		cl.chats[chatID] = chat
	}

	if seq <= chat.lastSeq {
		cl.logger.Debug("중복/역순 청크 거부",
			zap.String("chat_id", chatID),
			zap.Int64("seq", seq),
			zap.Int64("last_seq", chat.lastSeq),
		)
		return false
	}

	chat.builder.WriteString(chunk)
	chat.lastSeq = seq
	return true
}

// Content는 채팅의 누적 본문을 반환합니다.
func (cl *ContentLog) Content(chatID string) string {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	chat, ok := cl.chats[chatID]
	if !ok {
		return ""
	}
	return chat.builder.String()
}

// LastSeq는 채팅의 마지막 수용 시퀀스를 반환합니다. 청크가 없으면 -1입니다.
func (cl *ContentLog) LastSeq(chatID string) int64 {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	chat, ok := cl.chats[chatID]
	if !ok {
		return -1
	}
	return chat.lastSeq
}

// Complete는 채팅의 스트리밍 완료를 표시합니다.
// 포커스되지 않은 채팅에만 읽지 않음 배지를 올립니다.
func (cl *ContentLog) Complete(chatID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	chat, ok := cl.chats[chatID]
	if !ok {
		return
	}

	if cl.focused != chatID {
		chat.unread = true
	}
}

// SetFocused는 현재 포커스된 채팅을 변경하고 해당 채팅의 배지를 내립니다.
func (cl *ContentLog) SetFocused(chatID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.focused = chatID
	if chat, ok := cl.chats[chatID]; ok {
		chat.unread = false
	}
}

// Unread는 채팅에 읽지 않음 배지가 올라가 있는지 반환합니다.
func (cl *ContentLog) Unread(chatID string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	chat, ok := cl.chats[chatID]
	if !ok {
		return false
	}
	return chat.unread
}

// Clear는 채팅의 본문과 배지를 제거합니다.
func (cl *ContentLog) Clear(chatID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.chats, chatID)
}
