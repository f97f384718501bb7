package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-telegram/bot"

	xerrors "github.com/cmdhema/lootpang-agent-llm/internal/errors"
)

// TelegramSink 把事件转成文本消息发到运维群。
type TelegramSink struct {
	bot    *bot.Bot
	chatID string
}

// NewTelegramSink 创建 Telegram 投递端。
func NewTelegramSink(token, chatID string) (*TelegramSink, error) {
	if strings.TrimSpace(token) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Telegram token 不能为空")
	}
	if strings.TrimSpace(chatID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Telegram chat id 不能为空")
	}
	b, err := bot.New(token)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 Telegram bot 失败")
	}
	return &TelegramSink{bot: b, chatID: chatID}, nil
}

// Deliver 实现 Sink。
func (s *TelegramSink) Deliver(ctx context.Context, event Event) error {
	_, err := s.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: s.chatID,
		Text:   FormatEvent(event),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Telegram 投递失败")
	}
	return nil
}

// FormatEvent 将事件渲染成一条可读消息，字段按键名排序保证稳定。
func FormatEvent(event Event) string {
	var sb strings.Builder
	sb.WriteString("[lootpang] ")
	sb.WriteString(event.Name)

	keys := make([]string, 0, len(event.Fields))
	for k := range event.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("\n%s: %s", k, event.Fields[k]))
	}
	return sb.String()
}
