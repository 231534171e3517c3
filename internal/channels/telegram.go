package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/clawrelay/internal/chat"
)

// telegramGroupThread is the fixed thread of a group chat: a group is one
// conversation with the bot.
const telegramGroupThread = "main"

// telegramSender is the slice of tgbotapi.BotAPI used to post and edit.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel implements the Channel interface for Telegram.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	dispatcher Dispatcher
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	sender     telegramSender
	self       tgbotapi.User
}

// NewTelegramChannel creates a new Telegram channel. An empty allowlist
// accepts every user.
func NewTelegramChannel(token string, allowedIDs []int64, dispatcher Dispatcher, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		dispatcher: dispatcher,
		logger:     logger.With("component", "telegram"),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.sender = t.bot
	t.self = t.bot.Self

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				t.handleMessage(update.Message)
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	if msg.From != nil && !t.allowed(msg.From.ID) {
		t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
		return
	}
	in, ok := t.toInbound(msg)
	if !ok {
		return
	}
	if t.dispatcher != nil {
		t.dispatcher.Dispatch(t, in)
	}
}

func (t *TelegramChannel) allowed(userID int64) bool {
	if len(t.allowedIDs) == 0 {
		return true
	}
	_, ok := t.allowedIDs[userID]
	return ok
}

// toInbound normalizes msg. Private chats are direct; in groups the bot
// only answers an @mention or a reply to one of its own messages.
func (t *TelegramChannel) toInbound(msg *tgbotapi.Message) (chat.Inbound, bool) {
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return chat.Inbound{}, false
	}
	text := strings.TrimSpace(msg.Text)
	in := chat.Inbound{
		Platform: t.Name(),
		Kind:     chat.KindMessage,
		Team:     fmt.Sprintf("telegram-%d", t.self.ID),
		Channel:  strconv.FormatInt(msg.Chat.ID, 10),
		User:     strconv.FormatInt(msg.From.ID, 10),
		TS:       strconv.Itoa(msg.MessageID),
		Text:     text,
		FromBot:  msg.From.IsBot,
	}
	if msg.Chat.IsPrivate() {
		in.Direct = true
		return in, text != ""
	}

	mention := ""
	if t.self.UserName != "" {
		mention = "@" + t.self.UserName
	}
	repliedToBot := msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == t.self.ID
	mentioned := mention != "" && strings.Contains(strings.ToLower(text), strings.ToLower(mention))
	if !mentioned && !repliedToBot {
		return chat.Inbound{}, false
	}
	if mentioned {
		in.Text = strings.TrimSpace(removeFold(text, mention))
	}
	in.Kind = chat.KindMention
	in.Mention = true
	in.Thread = telegramGroupThread
	return in, true
}

// removeFold deletes every case-insensitive occurrence of sub from s.
func removeFold(s, sub string) string {
	return regexp.MustCompile(`(?i)`+regexp.QuoteMeta(sub)).ReplaceAllString(s, "")
}

// PostMessage sends text to chat channel. A numeric thread is the message
// being replied to.
func (t *TelegramChannel) PostMessage(_ context.Context, channel, thread, text string) (chat.MessageRef, error) {
	if t.sender == nil {
		return chat.MessageRef{}, errors.New("telegram: not started")
	}
	chatID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return chat.MessageRef{}, fmt.Errorf("telegram chat id %q: %w", channel, err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if replyTo, err := strconv.Atoi(thread); err == nil {
		msg.ReplyToMessageID = replyTo
	}
	sent, err := t.sender.Send(msg)
	if err != nil {
		return chat.MessageRef{}, fmt.Errorf("telegram send: %w", err)
	}
	return chat.MessageRef{Channel: channel, Thread: thread, ID: strconv.Itoa(sent.MessageID)}, nil
}

// UpdateMessage edits an earlier message in place.
func (t *TelegramChannel) UpdateMessage(_ context.Context, ref chat.MessageRef, text string) error {
	if t.sender == nil {
		return errors.New("telegram: not started")
	}
	chatID, err := strconv.ParseInt(ref.Channel, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", ref.Channel, err)
	}
	msgID, err := strconv.Atoi(ref.ID)
	if err != nil {
		return fmt.Errorf("telegram message id %q: %w", ref.ID, err)
	}
	if _, err := t.sender.Send(tgbotapi.NewEditMessageText(chatID, msgID, text)); err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

// DisplayName is unsupported: Telegram mentions already carry the username.
func (t *TelegramChannel) DisplayName(_ context.Context, userID string) (string, error) {
	return "", fmt.Errorf("telegram: no directory lookup for %s", userID)
}
