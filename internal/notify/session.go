package notify

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// OpenSession은 알림 전송용 Discord 세션을 생성하고 연결합니다.
// 이벤트 수신은 필요 없으므로 최소 인텐트만 사용합니다.
func OpenSession(token string) (*discordgo.Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("error creating Discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds

	if err := dg.Open(); err != nil {
		return nil, fmt.Errorf("error opening connection: %w", err)
	}
	return dg, nil
}
