package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/tradepipe/pkg/models"
)

const telegramAPI = "https://api.telegram.org"

type TelegramConfig struct {
	BotToken  string        `mapstructure:"bot_token"`
	ChatID    string        `mapstructure:"chat_id"`
	ParseMode string        `mapstructure:"parse_mode"`
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// TelegramSink posts events to a chat via the Bot API. Without a token and
// chat id it degrades to the log sink.
type TelegramSink struct {
	cfg        TelegramConfig
	httpClient *http.Client
	fallback   *LogSink
	logger     *logrus.Logger
}

func NewTelegramSink(cfg TelegramConfig, logger *logrus.Logger) *TelegramSink {
	if cfg.BaseURL == "" {
		cfg.BaseURL = telegramAPI
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &TelegramSink{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		fallback:   NewLogSink(logger),
		logger:     logger,
	}
}

func (s *TelegramSink) Name() string { return "telegram" }

type sendMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

func (s *TelegramSink) Notify(ctx context.Context, event models.Event) error {
	if s.cfg.BotToken == "" || s.cfg.ChatID == "" {
		s.logger.Warn("Telegram token or chat id missing, falling back to log sink")
		return s.fallback.Notify(ctx, event)
	}

	body, err := json.Marshal(sendMessage{
		ChatID:    s.cfg.ChatID,
		Text:      strings.TrimSpace(event.Text()),
		ParseMode: s.cfg.ParseMode,
	})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(s.cfg.BaseURL, "/"), s.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// the url carries the bot token; keep it out of the error
		return fmt.Errorf("telegram sendMessage: %w", unwrapURLError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return fmt.Errorf("telegram sendMessage -> %d: %s", resp.StatusCode, msg)
	}
	return nil
}

func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
