package telegram

import (
	"context"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pivotwatch/internal/marketdata"
	"pivotwatch/internal/monitor"
	"pivotwatch/internal/pivot"
)

const commandTimeout = 20 * time.Second

// Backend is what chat commands read from.
type Backend interface {
	Settings() monitor.Settings
	Status() monitor.Status
	AllLevels() map[string]pivot.Levels
	EnsureLevels(ctx context.Context, symbol string) (pivot.Levels, error)
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, backend Backend) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(ctx, backend, update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(ctx context.Context, backend Backend, msg *tgbotapi.Message) {
	reply := c.commandReply(ctx, backend, msg.Command(), msg.CommandArguments())
	if reply == "" {
		return
	}
	if err := c.sendMarkdownV2(ctx, msg.Chat.ID, reply); err != nil {
		c.log.Warn("telegram command reply failed",
			slog.String("command", msg.Command()),
			slog.String("err", err.Error()),
		)
	}
}

// commandReply builds the MarkdownV2 reply for a command; "" means ignore.
func (c *Client) commandReply(ctx context.Context, backend Backend, cmd, args string) string {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch cmd {
	case "ping":
		return "Pong"
	case "start", "help":
		return formatWelcome(backend.Settings())
	case "stocks":
		return formatStocks(backend.Settings(), backend.AllLevels())
	case "status":
		return formatStatus(backend.Status(), backend.Settings())
	case "pivots":
		return c.pivotsReply(ctx, backend, args)
	}
	return ""
}

func (c *Client) pivotsReply(ctx context.Context, backend Backend, args string) string {
	if sym := marketdata.NormalizeSymbol(firstField(args)); sym != "" {
		lv, err := backend.EnsureLevels(ctx, sym)
		if err != nil {
			c.log.Warn("pivots lookup failed",
				slog.String("symbol", sym),
				slog.String("err", err.Error()),
			)
			return "❌ " + escapeMarkdownV2("No pivot data available for "+sym+".")
		}
		price, perr := backend.LatestPrice(ctx, sym)
		return formatPivots(sym, lv, price, perr)
	}

	loaded := backend.AllLevels()
	if len(loaded) == 0 {
		return "⏳ *Pivot levels loading*\n" +
			escapeMarkdownV2("No pivot data available yet. Try /pivots TICKER to fetch one.")
	}
	var parts []string
	for _, sym := range backend.Settings().Symbols {
		lv, ok := loaded[sym]
		if !ok {
			continue
		}
		price, perr := backend.LatestPrice(ctx, sym)
		parts = append(parts, formatPivots(sym, lv, price, perr))
	}
	if len(parts) == 0 {
		return "⏳ *Pivot levels loading*"
	}
	return strings.Join(parts, "\n\n")
}

func firstField(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}
