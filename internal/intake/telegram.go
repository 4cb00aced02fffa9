package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/Factory55/telegram-client/internal/log"
	"github.com/Factory55/telegram-client/internal/store"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// TelegramSource drives the intake path from the Telegram long-poll
// updates channel.
type TelegramSource struct {
	bot    *tgbotapi.BotAPI
	intake *Intake
	logger *log.Logger
}

func NewTelegramSource(token string, in *Intake, logger *log.Logger) (*TelegramSource, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	logger.Info("Telegram source connected", zap.String("account", bot.Self.UserName))
	return &TelegramSource{
		bot:    bot,
		intake: in,
		logger: logger,
	}, nil
}

// Run consumes updates until ctx is cancelled. Intake failures are logged
// and polling continues; the feed itself is never the durable state.
func (s *TelegramSource) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := s.bot.GetUpdatesChan(u)

	go func() {
		<-ctx.Done()
		s.bot.StopReceivingUpdates()
	}()

	s.logger.Info("Receiving Telegram updates")
	for update := range updates {
		if update.Message == nil {
			continue
		}
		ev, err := EventFromMessage(update.Message)
		if err != nil {
			s.logger.Error("Failed to convert message", zap.Error(err),
				zap.Int("message_id", update.Message.MessageID))
			continue
		}
		if err := s.intake.Handle(ctx, ev); err != nil {
			if errors.Is(err, store.ErrQueueFull) {
				s.logger.Warn("Dropping message, local queue is full",
					zap.String("key", ev.Key()))
				continue
			}
			s.logger.Error("Failed to queue message", zap.Error(err),
				zap.String("key", ev.Key()))
		}
	}
	s.logger.Info("Telegram source stopped")
}

// EventFromMessage normalizes one Telegram message into the pipeline's
// event shape. The full message is carried through unmodified as Raw.
func EventFromMessage(msg *tgbotapi.Message) (store.Event, error) {
	if msg.Chat == nil {
		return store.Event{}, fmt.Errorf("message %d has no chat", msg.MessageID)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return store.Event{}, fmt.Errorf("marshal raw message: %w", err)
	}

	ev := store.Event{
		ID:        strconv.Itoa(msg.MessageID),
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		ChatTitle: msg.Chat.Title,
		Text:      msg.Text,
		Timestamp: msg.Time(),
		Kind:      store.KindText,
		Raw:       raw,
	}
	if msg.From != nil {
		ev.UserID = strconv.FormatInt(msg.From.ID, 10)
		ev.Username = msg.From.UserName
	}
	if ev.Text == "" {
		ev.Text = msg.Caption
	}

	switch {
	case len(msg.Photo) > 0:
		ev.Kind = store.KindPhoto
		for _, photo := range msg.Photo {
			ev.FileIDs = append(ev.FileIDs, photo.FileID)
		}
	case msg.Document != nil:
		ev.Kind = store.KindDocument
		ev.FileIDs = []string{msg.Document.FileID}
	case msg.Voice != nil:
		ev.Kind = store.KindVoice
		ev.FileIDs = []string{msg.Voice.FileID}
	case msg.Video != nil:
		ev.Kind = store.KindVideo
		ev.FileIDs = []string{msg.Video.FileID}
	}
	return ev, nil
}
