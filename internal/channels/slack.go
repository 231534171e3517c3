package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/basket/clawrelay/internal/chat"
)

const (
	maxSlackBody     = 1 << 20
	displayNameTTL   = 30 * time.Minute
	slackRetryHeader = "X-Slack-Retry-Num"
)

// DefaultSlackHTTPTimeout caps every Web API call.
const DefaultSlackHTTPTimeout = 30 * time.Second

type SlackConfig struct {
	BotToken      string
	SigningSecret string
	// APIURL overrides the Web API base URL; it must end in "/".
	APIURL      string
	HTTPTimeout time.Duration
	Dispatcher  Dispatcher
	Logger      *slog.Logger
}

type cachedName struct {
	name    string
	fetched time.Time
}

// SlackChannel receives Events API callbacks over HTTP and talks to the Web
// API for posting, editing and user lookups.
type SlackChannel struct {
	api           *slack.Client
	signingSecret string
	dispatcher    Dispatcher
	logger        *slog.Logger

	mu        sync.RWMutex
	botUserID string
	teamID    string
	names     map[string]cachedName
}

func NewSlackChannel(cfg SlackConfig) *SlackChannel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = DefaultSlackHTTPTimeout
	}
	opts := []slack.Option{slack.OptionHTTPClient(&http.Client{Timeout: timeout})}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &SlackChannel{
		api:           slack.New(cfg.BotToken, opts...),
		signingSecret: cfg.SigningSecret,
		dispatcher:    cfg.Dispatcher,
		logger:        logger.With("component", "slack"),
		names:         map[string]cachedName{},
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

// Identify resolves the bot's own user id with auth.test.
func (s *SlackChannel) Identify(ctx context.Context) error {
	resp, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth.test: %w", err)
	}
	s.mu.Lock()
	s.botUserID = resp.UserID
	s.teamID = resp.TeamID
	s.mu.Unlock()
	s.logger.Info("slack bot identified", "bot_user_id", resp.UserID, "team", resp.Team)
	return nil
}

// Start identifies the bot and then waits for ctx; events arrive through
// EventsHandler.
func (s *SlackChannel) Start(ctx context.Context) error {
	if err := s.Identify(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *SlackChannel) BotUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.botUserID
}

// EventsHandler serves the Events API request URL.
func (s *SlackChannel) EventsHandler() http.Handler {
	return http.HandlerFunc(s.serveEvents)
}

func (s *SlackChannel) serveEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSlackBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	sv, err := slack.NewSecretsVerifier(r.Header, s.signingSecret)
	if err != nil {
		s.logger.Warn("slack request rejected", "reason", "missing signature", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := sv.Write(body); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := sv.Ensure(); err != nil {
		s.logger.Warn("slack request rejected", "reason", "bad signature", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		s.logger.Warn("slack event parse failed", "error", err)
		http.Error(w, "bad event", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "bad challenge", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
		return
	case slackevents.CallbackEvent:
	default:
		w.WriteHeader(http.StatusOK)
		return
	}

	// Slack redelivers when the first ack was slow; the original delivery
	// is already being handled.
	if retry := r.Header.Get(slackRetryHeader); retry != "" {
		s.logger.Debug("slack retry dropped", "retry_num", retry, "reason", r.Header.Get("X-Slack-Retry-Reason"))
		w.WriteHeader(http.StatusOK)
		return
	}

	if in, ok := s.toInbound(event); ok && s.dispatcher != nil {
		s.dispatcher.Dispatch(s, in)
	}
	w.WriteHeader(http.StatusOK)
}

// toInbound normalizes an event callback. Unsupported inner events are
// reported as not ok.
func (s *SlackChannel) toInbound(event slackevents.EventsAPIEvent) (chat.Inbound, bool) {
	bot := s.BotUserID()
	team := event.TeamID
	if team == "" {
		s.mu.RLock()
		team = s.teamID
		s.mu.RUnlock()
	}

	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		return chat.Inbound{
			Platform:  s.Name(),
			Kind:      chat.KindMention,
			Team:      team,
			Channel:   ev.Channel,
			User:      ev.User,
			Thread:    ev.ThreadTimeStamp,
			TS:        ev.TimeStamp,
			Text:      ev.Text,
			Direct:    isDirectChannel(ev.Channel, ""),
			Mention:   true,
			BotUserID: bot,
			FromBot:   ev.BotID != "" || (bot != "" && ev.User == bot),
		}, true
	case *slackevents.MessageEvent:
		direct := isDirectChannel(ev.Channel, ev.ChannelType)
		mentioned := bot != "" && strings.Contains(ev.Text, "<@"+bot)
		return chat.Inbound{
			Platform:         s.Name(),
			Kind:             chat.KindMessage,
			Team:             team,
			Channel:          ev.Channel,
			User:             ev.User,
			Thread:           ev.ThreadTimeStamp,
			TS:               ev.TimeStamp,
			Text:             ev.Text,
			Direct:           direct,
			Mention:          mentioned,
			MentionDelivered: mentioned && !direct,
			BotUserID:        bot,
			FromBot:          ev.BotID != "" || (bot != "" && ev.User == bot),
			Subtype:          ev.SubType,
		}, true
	default:
		s.logger.Debug("slack event ignored", "type", event.InnerEvent.Type)
		return chat.Inbound{}, false
	}
}

// isDirectChannel reports a 1:1 conversation. Slack DM channel ids start
// with "D".
func isDirectChannel(channel, channelType string) bool {
	return channelType == "im" || strings.HasPrefix(channel, "D")
}

func (s *SlackChannel) PostMessage(ctx context.Context, channel, thread, text string) (chat.MessageRef, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if thread != "" {
		opts = append(opts, slack.MsgOptionTS(thread))
	}
	ch, ts, err := s.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return chat.MessageRef{}, fmt.Errorf("slack chat.postMessage: %w", err)
	}
	return chat.MessageRef{Channel: ch, Thread: thread, ID: ts}, nil
}

func (s *SlackChannel) UpdateMessage(ctx context.Context, ref chat.MessageRef, text string) error {
	if ref.ID == "" {
		return errors.New("slack chat.update: message ts is required")
	}
	if _, _, _, err := s.api.UpdateMessageContext(ctx, ref.Channel, ref.ID, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("slack chat.update: %w", err)
	}
	return nil
}

// DisplayName resolves a user id with users.info. Names are cached for a
// while since mentions repeat within a thread.
func (s *SlackChannel) DisplayName(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	cached, ok := s.names[userID]
	s.mu.RUnlock()
	if ok && time.Since(cached.fetched) < displayNameTTL {
		return cached.name, nil
	}

	user, err := s.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("slack users.info %s: %w", userID, err)
	}
	name := user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = user.Name
	}
	if name == "" {
		return "", fmt.Errorf("slack users.info %s: no name", userID)
	}

	s.mu.Lock()
	s.names[userID] = cachedName{name: name, fetched: time.Now()}
	s.mu.Unlock()
	return name, nil
}
