package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/pitabwire/grantflow/model"
)

// TelegramSender sends messages to Telegram chats for "telegram:<chat id>"
// addresses. The bot client is created on first use because construction
// calls the Telegram API.
type TelegramSender struct {
	token    string
	endpoint string
	client   *http.Client

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramSender creates a sender. endpoint overrides the API endpoint
// format (tgbotapi.APIEndpoint) when non-empty.
func NewTelegramSender(token, endpoint string, client *http.Client) *TelegramSender {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	return &TelegramSender{token: token, endpoint: endpoint, client: client}
}

func (s *TelegramSender) Send(ctx context.Context, msg Message) error {
	chatID, err := strconv.ParseInt(stripScheme(msg.To, "telegram"), 10, 64)
	if err != nil {
		return model.NewPermanentError("telegram", fmt.Errorf("invalid chat id in %q: %w", msg.To, err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	bot, err := s.botAPI()
	if err != nil {
		return model.NewTransientError("telegram", err)
	}

	tgMsg := tgbotapi.NewMessage(chatID, msg.Subject+"\n\n"+msg.Body)
	tgMsg.DisableWebPagePreview = true
	if _, err := bot.Send(tgMsg); err != nil {
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && tgErr.Code >= 400 && tgErr.Code < 500 && tgErr.Code != http.StatusTooManyRequests {
			return model.NewPermanentError("telegram", err)
		}
		return model.NewTransientError("telegram", err)
	}
	return nil
}

func (s *TelegramSender) botAPI() (*tgbotapi.BotAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot != nil {
		return s.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(s.token, s.endpoint, s.client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	s.bot = bot
	return bot, nil
}
