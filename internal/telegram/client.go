// Package telegram delivers alerts and answers chat commands via the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pivotwatch/internal/crossing"
	"pivotwatch/internal/monitor"
	"pivotwatch/internal/pivot"
)

// botAPI is the subset of *tgbotapi.BotAPI the client uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Client handles Telegram notifications.
type Client struct {
	bot            botAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	log            *slog.Logger
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration, logger *slog.Logger) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, chatIDInt, maxRetries, retryDelayBase, logger), nil
}

func newClient(bot botAPI, chatID int64, maxRetries int, retryDelayBase time.Duration, logger *slog.Logger) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:            bot,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		log:            logger,
	}
}

func (c *Client) Name() string { return "telegram" }

// Send delivers an alert. It satisfies notify.Sink.
func (c *Client) Send(ctx context.Context, a crossing.Alert) error {
	return c.sendMarkdownV2(ctx, c.chatID, formatAlert(a))
}

// SendWelcome announces startup with the active settings.
func (c *Client) SendWelcome(ctx context.Context, s monitor.Settings) error {
	return c.sendMarkdownV2(ctx, c.chatID, formatWelcome(s))
}

// SendDigest posts the full level table for the watch list.
func (c *Client) SendDigest(ctx context.Context, symbols []string, loaded map[string]pivot.Levels) error {
	return c.sendMarkdownV2(ctx, c.chatID, formatDigest(symbols, loaded, time.Now()))
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && tgErr.Code == 400 {
			// a rejected message will be rejected again
			break
		}
		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("telegram send cancelled: %w", errors.Join(ctx.Err(), lastErr))
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}
