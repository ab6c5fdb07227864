package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pivotwatch/internal/crossing"
	"pivotwatch/internal/monitor"
	"pivotwatch/internal/pivot"
)

func money(v float64) string {
	return escapeMarkdownV2("$" + decimal.NewFromFloat(v).StringFixed(2))
}

func levelIcon(n pivot.LevelName) string {
	switch {
	case n == pivot.Pivot:
		return "🎯"
	case n.IsResistance():
		return "⬆️"
	default:
		return "⬇️"
	}
}

func describe(n pivot.LevelName) string {
	switch {
	case n == pivot.Pivot:
		return "🎯 Price is near the main pivot point"
	case n.IsResistance():
		return fmt.Sprintf("⬆️ Price is approaching resistance level %s", n)
	default:
		return fmt.Sprintf("⬇️ Price is approaching support level %s", n)
	}
}

// formatAlert renders one crossing.
func formatAlert(a crossing.Alert) string {
	var b strings.Builder
	b.WriteString("📊 *Pivot Level Alert*\n\n")
	fmt.Fprintf(&b, "*%s* · *%s* %s\n", escapeMarkdownV2(a.Symbol), escapeMarkdownV2(string(a.Level)), money(a.LevelValue))
	fmt.Fprintf(&b, "Price: *%s*\n", money(a.Price))
	b.WriteString(escapeMarkdownV2(describe(a.Level)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "🕒 %s", escapeMarkdownV2(a.Time.UTC().Format("2006-01-02 15:04:05 MST")))
	return b.String()
}

func formatLevels(lv pivot.Levels) string {
	var b strings.Builder
	for _, name := range pivot.Order {
		v, _ := lv.Value(name)
		fmt.Fprintf(&b, "%s *%s*: %s\n", levelIcon(name), escapeMarkdownV2(string(name)), money(v))
	}
	return b.String()
}

func formatWelcome(s monitor.Settings) string {
	var b strings.Builder
	b.WriteString("👋 *Pivot monitor is online*\n")
	b.WriteString(escapeMarkdownV2("I'm watching pivot levels and will alert on crossings."))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "📊 *Monitoring*: %s\n", escapeMarkdownV2(strings.Join(s.Symbols, ", ")))
	fmt.Fprintf(&b, "🎯 *Threshold*: %s\n", escapeMarkdownV2(fmt.Sprintf("$%g", s.Threshold)))
	fmt.Fprintf(&b, "⏰ *Cooldown*: %s\n", escapeMarkdownV2(s.Cooldown.String()))
	b.WriteString("\nCommands: /stocks /status /pivots /ping")
	return b.String()
}

func formatStocks(s monitor.Settings, loaded map[string]pivot.Levels) string {
	var b strings.Builder
	b.WriteString("📈 *Monitored Stocks*\n\n")
	fmt.Fprintf(&b, "*%s*\n\n", escapeMarkdownV2(strings.Join(s.Symbols, ", ")))
	b.WriteString("⚙️ *Settings*\n")
	fmt.Fprintf(&b, "• Threshold: %s\n", escapeMarkdownV2(fmt.Sprintf("$%g", s.Threshold)))
	fmt.Fprintf(&b, "• Cooldown: %s\n", escapeMarkdownV2(s.Cooldown.String()))
	fmt.Fprintf(&b, "• Timeframe: %s\n", escapeMarkdownV2(s.Timeframe))
	fmt.Fprintf(&b, "• Formula: %s\n\n", escapeMarkdownV2(string(s.Formula)))

	n := 0
	var pivots strings.Builder
	for _, sym := range s.Symbols {
		if lv, ok := loaded[sym]; ok {
			n++
			fmt.Fprintf(&pivots, "*%s*: Pivot %s\n", escapeMarkdownV2(sym), money(lv.Pivot))
		} else {
			fmt.Fprintf(&pivots, "*%s*: Loading%s\n", escapeMarkdownV2(sym), escapeMarkdownV2("..."))
		}
	}
	fmt.Fprintf(&b, "📊 Pivot data: %d/%d loaded\n\n", n, len(s.Symbols))
	b.WriteString(pivots.String())
	return b.String()
}

func formatStatus(st monitor.Status, s monitor.Settings) string {
	var b strings.Builder
	b.WriteString("🤖 *Status*\n\n")
	fmt.Fprintf(&b, "• Stream: *%s*\n", escapeMarkdownV2(st.Feed.State.String()))
	if st.Feed.Attempts > 0 {
		fmt.Fprintf(&b, "• Failed attempts: %d/%d\n", st.Feed.Attempts, st.Feed.MaxAttempts)
	}
	if st.Feed.LastError != "" {
		fmt.Fprintf(&b, "• Last error: `%s`\n", escapeMarkdownV2(st.Feed.LastError))
	}
	fmt.Fprintf(&b, "• Provider: %s\n", escapeMarkdownV2(s.Provider))
	fmt.Fprintf(&b, "• Pivot data: %d/%d\n", st.Loaded, st.Symbols)
	fmt.Fprintf(&b, "• Queue depth: %d\n", st.QueueDepth)
	fmt.Fprintf(&b, "• Uptime: %s\n", escapeMarkdownV2(st.Uptime))
	return b.String()
}

// formatPivots renders one symbol with its current price. priceErr set means
// the price lookup failed and "Unavailable" is shown instead.
func formatPivots(symbol string, lv pivot.Levels, price float64, priceErr error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📈 *%s*\n", escapeMarkdownV2(symbol))
	b.WriteString(formatLevels(lv))
	if priceErr != nil || price <= 0 {
		b.WriteString("\n💰 *Current Price*: Unavailable")
	} else {
		fmt.Fprintf(&b, "\n💰 *Current Price*: %s", money(price))
	}
	return b.String()
}

func formatDigest(symbols []string, loaded map[string]pivot.Levels, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📈 *Daily Pivot Levels Update* %s\n\n", escapeMarkdownV2(at.UTC().Format(time.DateOnly)))
	found := false
	for _, sym := range symbols {
		lv, ok := loaded[sym]
		if !ok {
			continue
		}
		found = true
		fmt.Fprintf(&b, "*%s*\n", escapeMarkdownV2(sym))
		b.WriteString(formatLevels(lv))
		b.WriteString("\n")
	}
	if !found {
		b.WriteString(escapeMarkdownV2("No pivot data available yet."))
	}
	return strings.TrimRight(b.String(), "\n")
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
