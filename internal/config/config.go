package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pivotwatch/internal/marketdata"
	"pivotwatch/internal/pivot"
)

type AlpacaConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	StreamURL string `yaml:"stream_url"`
	Feed      string `yaml:"feed"`
}

type PolygonConfig struct {
	APIKey string `yaml:"api_key"`
}

type StreamConfig struct {
	Channels             []string      `yaml:"channels"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	AuthTimeout          time.Duration `yaml:"auth_timeout"`
}

type DetectorConfig struct {
	Threshold      float64       `yaml:"threshold"`
	Cooldown       time.Duration `yaml:"cooldown"`
	PricePrecision int32         `yaml:"price_precision"`
	Formula        string        `yaml:"formula"`
	Timeframe      string        `yaml:"timeframe"`
}

type PipelineConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	AlertQueueSize int           `yaml:"alert_queue_size"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
}

type ScheduleConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RefreshCheck    time.Duration `yaml:"refresh_check"`
	PruneInterval   time.Duration `yaml:"prune_interval"`
}

type TelegramConfig struct {
	BotToken   string        `yaml:"bot_token"`
	ChatID     string        `yaml:"chat_id"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Welcome    bool          `yaml:"welcome"`
	Digest     bool          `yaml:"digest"`
}

// Enabled reports whether both credentials are present.
func (t TelegramConfig) Enabled() bool { return t.BotToken != "" && t.ChatID != "" }

type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	Provider string   `yaml:"provider"`
	Symbols  []string `yaml:"symbols"`
	LogLevel string   `yaml:"log_level"`

	Alpaca   AlpacaConfig   `yaml:"alpaca"`
	Polygon  PolygonConfig  `yaml:"polygon"`
	Stream   StreamConfig   `yaml:"stream"`
	Detector DetectorConfig `yaml:"detector"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Telegram TelegramConfig `yaml:"telegram"`
	Server   ServerConfig   `yaml:"server"`
}

func defaults() Config {
	return Config{
		Provider: "alpaca",
		Symbols:  []string{"AAPL", "MSFT", "TSLA"},
		LogLevel: "info",
		Alpaca: AlpacaConfig{
			DataURL:   "https://data.alpaca.markets/v2",
			StreamURL: "wss://stream.data.alpaca.markets/v2/iex",
			Feed:      "iex",
		},
		Stream: StreamConfig{
			Channels:             []string{"quotes"},
			MaxReconnectAttempts: 5,
			ReconnectDelay:       30 * time.Second,
			AuthTimeout:          10 * time.Second,
		},
		Detector: DetectorConfig{
			Threshold:      0.01,
			Cooldown:       300 * time.Second,
			PricePrecision: 1,
			Formula:        string(pivot.Classic),
			Timeframe:      "1Day",
		},
		Pipeline: PipelineConfig{
			Workers:        4,
			QueueSize:      256,
			AlertQueueSize: 128,
			SendTimeout:    10 * time.Second,
		},
		Schedule: ScheduleConfig{
			PollInterval:    60 * time.Second,
			RefreshInterval: 24 * time.Hour,
			RefreshCheck:    5 * time.Minute,
			PruneInterval:   10 * time.Minute,
		},
		Telegram: TelegramConfig{
			MaxRetries: 3,
			RetryDelay: time.Second,
			Welcome:    true,
			Digest:     true,
		},
		Server: ServerConfig{Port: 8087},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse yaml: %w", err)
			}
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("ALPACA_API_KEY", &cfg.Alpaca.APIKey)
	str("ALPACA_API_SECRET", &cfg.Alpaca.APISecret)
	str("ALPACA_DATA_URL", &cfg.Alpaca.DataURL)
	str("ALPACA_STREAM_URL", &cfg.Alpaca.StreamURL)
	str("POLYGON_API_KEY", &cfg.Polygon.APIKey)
	str("PIVOT_TIMEFRAME", &cfg.Detector.Timeframe)
	str("TELEGRAM_BOT_TOKEN", &cfg.Telegram.BotToken)
	str("TELEGRAM_CHAT_ID", &cfg.Telegram.ChatID)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("MARKET_DATA_PROVIDER", &cfg.Provider)

	if v := strings.TrimSpace(os.Getenv("STOCKS")); v != "" {
		cfg.Symbols = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(os.Getenv("CROSSING_THRESHOLD")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CROSSING_THRESHOLD: %w", err)
		}
		cfg.Detector.Threshold = f
	}
	if v := strings.TrimSpace(os.Getenv("MAX_RECONNECT_ATTEMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_RECONNECT_ATTEMPTS: %w", err)
		}
		cfg.Stream.MaxReconnectAttempts = n
	}
	for name, dst := range map[string]*time.Duration{
		"ALERT_COOLDOWN":  &cfg.Detector.Cooldown,
		"RECONNECT_DELAY": &cfg.Stream.ReconnectDelay,
		"POLL_INTERVAL":   &cfg.Schedule.PollInterval,
	} {
		if err := seconds(name, dst); err != nil {
			return err
		}
	}
	return nil
}

// seconds reads a duration given in (possibly fractional) seconds.
func seconds(name string, dst *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = time.Duration(secs * float64(time.Second))
	return nil
}

func (cfg *Config) validate() error {
	cfg.Symbols = marketdata.NormalizeSymbols(cfg.Symbols)
	if len(cfg.Symbols) == 0 {
		return errors.New("at least one symbol is required")
	}
	if !(cfg.Detector.Threshold > 0) {
		return errors.New("detector.threshold must be > 0")
	}
	if cfg.Detector.Cooldown < 0 {
		return errors.New("detector.cooldown must be >= 0")
	}
	if cfg.Detector.PricePrecision < 0 || cfg.Detector.PricePrecision > 6 {
		return errors.New("detector.price_precision must be between 0 and 6")
	}
	f, err := pivot.ParseFormula(cfg.Detector.Formula)
	if err != nil {
		return err
	}
	cfg.Detector.Formula = string(f)
	tf, err := marketdata.ParseTimeframe(cfg.Detector.Timeframe)
	if err != nil {
		return fmt.Errorf("detector.timeframe: %w", err)
	}
	cfg.Detector.Timeframe = string(tf)
	if cfg.Stream.MaxReconnectAttempts < 1 {
		return errors.New("stream.max_reconnect_attempts must be >= 1")
	}
	if cfg.Stream.ReconnectDelay < 0 || cfg.Stream.AuthTimeout <= 0 {
		return errors.New("stream delays must be positive")
	}
	if cfg.Schedule.PollInterval <= 0 || cfg.Schedule.RefreshInterval <= 0 || cfg.Schedule.RefreshCheck <= 0 {
		return errors.New("schedule intervals must be positive")
	}
	for i, ch := range cfg.Stream.Channels {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if ch != "quotes" && ch != "trades" {
			return fmt.Errorf(`stream.channels: %q must be "quotes" or "trades"`, ch)
		}
		cfg.Stream.Channels[i] = ch
	}
	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		return errors.New("ALPACA_API_KEY and ALPACA_API_SECRET are required")
	}
	switch strings.ToLower(cfg.Provider) {
	case "alpaca":
		cfg.Provider = "alpaca"
	case "polygon":
		cfg.Provider = "polygon"
		if cfg.Polygon.APIKey == "" {
			return errors.New("POLYGON_API_KEY is required when provider is polygon")
		}
	default:
		return errors.New(`provider must be "alpaca" or "polygon"`)
	}
	if cfg.Telegram.ChatID != "" {
		if _, err := strconv.ParseInt(cfg.Telegram.ChatID, 10, 64); err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID must be numeric: %w", err)
		}
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return errors.New("invalid port")
	}
	return nil
}

func NewLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}
