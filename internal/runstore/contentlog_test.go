package runstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentLog_AppendInOrder(t *testing.T) {
	cl := NewContentLog(nil)

	assert.True(t, cl.AppendContent("chat-1", "Hello", 0))
	assert.True(t, cl.AppendContent("chat-1", " world", 1))

	assert.Equal(t, "Hello world", cl.Content("chat-1"))
	assert.Equal(t, int64(1), cl.LastSeq("chat-1"))
}

func TestContentLog_RejectsDuplicateAndStale(t *testing.T) {
	cl := NewContentLog(nil)

	cl.AppendContent("chat-1", "Hello", 0)
	cl.AppendContent("chat-1", " world", 1)

	// 중복 재전송
	assert.False(t, cl.AppendContent("chat-1", " world", 1))
	// 역순 도착
	assert.False(t, cl.AppendContent("chat-1", "Hello", 0))

	assert.Equal(t, "Hello world", cl.Content("chat-1"))
	assert.Equal(t, int64(1), cl.LastSeq("chat-1"))
}

func TestContentLog_GapsAreAccepted(t *testing.T) {
	// 시퀀스가 건너뛰어도 증가하기만 하면 수용한다
	cl := NewContentLog(nil)

	assert.True(t, cl.AppendContent("chat-1", "a", 0))
	assert.True(t, cl.AppendContent("chat-1", "c", 5))

	assert.Equal(t, "ac", cl.Content("chat-1"))
	assert.Equal(t, int64(5), cl.LastSeq("chat-1"))
}

func TestContentLog_ChatsAreIndependent(t *testing.T) {
	cl := NewContentLog(nil)

	cl.AppendContent("chat-1", "하나", 0)
	cl.AppendContent("chat-2", "둘", 0)

	assert.Equal(t, "하나", cl.Content("chat-1"))
	assert.Equal(t, "둘", cl.Content("chat-2"))
	assert.Equal(t, int64(-1), cl.LastSeq("chat-3"))
	assert.Empty(t, cl.Content("chat-3"))
}

func TestContentLog_UnreadBadge(t *testing.T) {
	cl := NewContentLog(nil)
	cl.SetFocused("chat-1")

	cl.AppendContent("chat-1", "보는 중", 0)
	cl.AppendContent("chat-2", "딴 데서 완료", 0)

	cl.Complete("chat-1")
	cl.Complete("chat-2")

	// 포커스된 채팅에는 배지가 올라가지 않는다
	assert.False(t, cl.Unread("chat-1"))
	assert.True(t, cl.Unread("chat-2"))

	// 포커스를 옮기면 배지가 내려간다
	cl.SetFocused("chat-2")
	assert.False(t, cl.Unread("chat-2"))
}

func TestContentLog_Clear(t *testing.T) {
	cl := NewContentLog(nil)

	cl.AppendContent("chat-1", "본문", 3)
	cl.Complete("chat-1")
	cl.Clear("chat-1")

	assert.Empty(t, cl.Content("chat-1"))
	assert.Equal(t, int64(-1), cl.LastSeq("chat-1"))
	assert.False(t, cl.Unread("chat-1"))

	// Clear 후에는 시퀀스가 처음부터 다시 시작한다
	assert.True(t, cl.AppendContent("chat-1", "새 본문", 0))
}
