package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // alert time zones must resolve on minimal images

	"golang.org/x/text/language"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	LLM       LLMConfig
	Assistant AssistantConfig
	PowerBI   PowerBIConfig
	Speech    SpeechConfig
	Messaging MessagingConfig
	Queue     QueueConfig
	Alerts    AlertsConfig
	Scheduler SchedulerConfig
	Prompts   PromptsConfig

	// problems collects values that could not be parsed; Validate reports them.
	problems []error
}

type ServerConfig struct {
	Port       int
	Bind       string
	CronSecret string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string // "text" or "json"
}

type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxTokens   int
}

type AssistantConfig struct {
	MaxToolRounds int
	Exemplars     int
	HistoryTurns  int
}

type PowerBIConfig struct {
	AuthorityURL string
	APIURL       string
	Scope        string
	Timeout      time.Duration
}

type SpeechConfig struct {
	BaseURL  string
	APIKey   string
	TTSModel string
	STTModel string
	Voice    string
	MaxChars int
}

type MessagingConfig struct {
	RatePerSecond float64
	Timeout       time.Duration
}

type QueueConfig struct {
	BatchSize      int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	StaleAfter     time.Duration
	DrainOnReceive bool
}

type AlertsConfig struct {
	Timezone       string
	Locale         string
	CurrencySymbol string
	Concurrency    int
}

type SchedulerConfig struct {
	Enabled bool
}

type PromptsConfig struct {
	Path string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8080,
			Bind: "0.0.0.0",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		LLM: LLMConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "openai/gpt-4o-mini",
			Timeout:     60 * time.Second,
			MaxAttempts: 3,
			BackoffBase: 2 * time.Second,
			BackoffCap:  30 * time.Second,
			MaxTokens:   1024,
		},
		Assistant: AssistantConfig{
			MaxToolRounds: 1,
			Exemplars:     5,
			HistoryTurns:  10,
		},
		PowerBI: PowerBIConfig{
			AuthorityURL: "https://login.microsoftonline.com",
			APIURL:       "https://api.powerbi.com/v1.0/myorg/groups",
			Scope:        "https://analysis.windows.net/powerbi/api/.default",
			Timeout:      30 * time.Second,
		},
		Speech: SpeechConfig{
			BaseURL:  "https://api.openai.com/v1",
			TTSModel: "gpt-4o-mini-tts",
			STTModel: "whisper-1",
			Voice:    "nova",
			MaxChars: 600,
		},
		Messaging: MessagingConfig{
			RatePerSecond: 2,
			Timeout:       30 * time.Second,
		},
		Queue: QueueConfig{
			BatchSize:   10,
			MaxAttempts: 3,
			BackoffBase: time.Minute,
			BackoffCap:  30 * time.Minute,
			StaleAfter:  10 * time.Minute,
		},
		Alerts: AlertsConfig{
			Timezone:       "America/Sao_Paulo",
			Locale:         "pt-BR",
			CurrencySymbol: "R$",
			Concurrency:    4,
		},
		Scheduler: SchedulerConfig{
			Enabled: false,
		},
	}
}

// Load builds the configuration from defaults, the JSON config file and
// INSIGHTLINE_* environment variables, in that order. Secrets are read from
// the environment only. A .env file, if any, must already be loaded into
// the environment by the caller.
func Load() (Config, error) {
	return loadWith(newFileBackend(FilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Validate reports every problem with cfg. The serve command requires the
// model API key and the cron secret; one-shot commands that do not talk to
// the model may skip requireSecrets.
func (c Config) Validate(requireSecrets bool) error {
	errs := append([]error(nil), c.problems...)

	if requireSecrets {
		if c.LLM.APIKey == "" {
			errs = append(errs, missingSecret("llm.api_key"))
		}
		if c.Server.CronSecret == "" {
			errs = append(errs, missingSecret("server.cron_secret"))
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := time.LoadLocation(c.Alerts.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("alerts.timezone %q: %w", c.Alerts.Timezone, err))
	}
	if _, err := language.Parse(c.Alerts.Locale); err != nil {
		errs = append(errs, fmt.Errorf("alerts.locale %q: %w", c.Alerts.Locale, err))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must be at least 1"))
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffCap < c.Queue.BackoffBase {
		errs = append(errs, fmt.Errorf("queue backoff must satisfy 0 < backoff_base <= backoff_cap"))
	}
	if c.LLM.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("llm.max_attempts must be at least 1"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Location returns the alert time zone, falling back to UTC when it does
// not load. Call Validate first to surface that case.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Alerts.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Addr returns the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

func missingSecret(key string) error {
	return fmt.Errorf("missing required config: %s. Set it via environment variable %s", key, envFor(key))
}
