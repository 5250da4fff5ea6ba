package notify

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/cnap-oss/runsync/internal/runstore"
)

// MessageSender는 알림 메시지 전송에 필요한 Discord 세션 기능의 부분집합입니다.
type MessageSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier는 Run이 종결 상태에 도달하면 Discord 채널로 알림을 전송합니다.
// runstore.Store의 Subscriber로 등록되어 상태 변경을 관찰합니다.
type Notifier struct {
	logger    *zap.Logger
	sender    MessageSender
	channelID string

	mu       sync.Mutex
	notified map[string]bool // messageID 별 중복 알림 방지
}

// NewNotifier는 새로운 Notifier를 생성합니다.
func NewNotifier(logger *zap.Logger, sender MessageSender, channelID string) *Notifier {
	return &Notifier{
		logger:    logger.Named("notify"),
		sender:    sender,
		channelID: channelID,
		notified:  make(map[string]bool),
	}
}

// OnRunUpdate는 runstore.Subscriber 시그니처를 따르는 콜백입니다.
// 종결 상태가 아니거나 이미 알림을 보낸 Run은 무시합니다.
func (n *Notifier) OnRunUpdate(run *runstore.Run) {
	if run == nil || !run.Status.Terminal() {
		return
	}

	n.mu.Lock()
	if n.notified[run.MessageID] {
		n.mu.Unlock()
		return
	}
	n.notified[run.MessageID] = true
	n.mu.Unlock()

	embed := buildRunEmbed(run)
	if _, err := n.sender.ChannelMessageSendEmbed(n.channelID, embed); err != nil {
		n.logger.Error("Failed to send run notification",
			zap.String("run_id", run.RunID),
			zap.String("status", string(run.Status)),
			zap.Error(err),
		)
		return
	}

	n.logger.Info("Sent run notification",
		zap.String("run_id", run.RunID),
		zap.String("status", string(run.Status)),
	)
}

// buildRunEmbed는 Run의 최종 상태에 맞는 Embed 메시지를 생성합니다.
func buildRunEmbed(run *runstore.Run) *discordgo.MessageEmbed {
	var embed *discordgo.MessageEmbed

	switch run.Status {
	case runstore.StatusFailed:
		// 실패 시 빨간색
		embed = &discordgo.MessageEmbed{
			Title: "❌ Run 실행 실패",
			Color: 0xff0000,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Run ID", Value: displayID(run.RunID), Inline: true},
				{Name: "Status", Value: string(run.Status), Inline: true},
			},
		}
		if run.Error != "" {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
				Name:  "오류",
				Value: truncateField(run.Error),
			})
		}

	case runstore.StatusCancelled:
		// 취소 시 노란색
		embed = &discordgo.MessageEmbed{
			Title: "⚠️ Run 취소됨",
			Color: 0xffff00,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Run ID", Value: displayID(run.RunID), Inline: true},
				{Name: "Status", Value: string(run.Status), Inline: true},
			},
		}

	default:
		// 성공 시 초록색
		embed = &discordgo.MessageEmbed{
			Title: "✅ Run 실행 완료",
			Color: 0x00ff00,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Run ID", Value: displayID(run.RunID), Inline: true},
				{Name: "Steps", Value: fmt.Sprintf("%d", len(run.Steps)), Inline: true},
			},
		}
		if run.Summary != "" {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
				Name:  "결과",
				Value: truncateField(run.Summary),
			})
		}
	}

	return embed
}

func displayID(runID string) string {
	if runID == "" {
		return "(unknown)"
	}
	return runID
}

// truncateField는 Embed 필드 길이 제한에 맞게 내용을 잘라냅니다.
func truncateField(content string) string {
	if len(content) > 1000 {
		return content[:1000] + "...\n(결과가 너무 길어 잘렸습니다)"
	}
	return content
}
