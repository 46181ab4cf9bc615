package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "INSIGHTLINE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.bind", typ: kString, env: "INSIGHTLINE_SERVER_BIND",
		apply:   func(cfg *Config, v any) { cfg.Server.Bind = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Bind },
	},
	{
		key: "server.cron_secret", typ: kString, env: "INSIGHTLINE_CRON_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.CronSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.CronSecret },
	},
	{
		key: "storage.data_dir", typ: kString, env: "INSIGHTLINE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "INSIGHTLINE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "INSIGHTLINE_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "llm.base_url", typ: kString, env: "INSIGHTLINE_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "INSIGHTLINE_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.model", typ: kString, env: "INSIGHTLINE_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "INSIGHTLINE_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "llm.max_attempts", typ: kInt, env: "INSIGHTLINE_LLM_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxAttempts },
	},
	{
		key: "llm.backoff_base", typ: kDuration, env: "INSIGHTLINE_LLM_BACKOFF_BASE",
		apply:   func(cfg *Config, v any) { cfg.LLM.BackoffBase = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.BackoffBase },
	},
	{
		key: "llm.backoff_cap", typ: kDuration, env: "INSIGHTLINE_LLM_BACKOFF_CAP",
		apply:   func(cfg *Config, v any) { cfg.LLM.BackoffCap = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.BackoffCap },
	},
	{
		key: "llm.max_tokens", typ: kInt, env: "INSIGHTLINE_LLM_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxTokens },
	},
	{
		key: "assistant.max_tool_rounds", typ: kInt, env: "INSIGHTLINE_ASSISTANT_MAX_TOOL_ROUNDS",
		apply:   func(cfg *Config, v any) { cfg.Assistant.MaxToolRounds = v.(int) },
		extract: func(cfg Config) any { return cfg.Assistant.MaxToolRounds },
	},
	{
		key: "assistant.exemplars", typ: kInt, env: "INSIGHTLINE_ASSISTANT_EXEMPLARS",
		apply:   func(cfg *Config, v any) { cfg.Assistant.Exemplars = v.(int) },
		extract: func(cfg Config) any { return cfg.Assistant.Exemplars },
	},
	{
		key: "assistant.history_turns", typ: kInt, env: "INSIGHTLINE_ASSISTANT_HISTORY_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Assistant.HistoryTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Assistant.HistoryTurns },
	},
	{
		key: "powerbi.authority_url", typ: kString, env: "INSIGHTLINE_POWERBI_AUTHORITY_URL",
		apply:   func(cfg *Config, v any) { cfg.PowerBI.AuthorityURL = v.(string) },
		extract: func(cfg Config) any { return cfg.PowerBI.AuthorityURL },
	},
	{
		key: "powerbi.api_url", typ: kString, env: "INSIGHTLINE_POWERBI_API_URL",
		apply:   func(cfg *Config, v any) { cfg.PowerBI.APIURL = v.(string) },
		extract: func(cfg Config) any { return cfg.PowerBI.APIURL },
	},
	{
		key: "powerbi.scope", typ: kString, env: "INSIGHTLINE_POWERBI_SCOPE",
		apply:   func(cfg *Config, v any) { cfg.PowerBI.Scope = v.(string) },
		extract: func(cfg Config) any { return cfg.PowerBI.Scope },
	},
	{
		key: "powerbi.timeout", typ: kDuration, env: "INSIGHTLINE_POWERBI_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.PowerBI.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.PowerBI.Timeout },
	},
	{
		key: "speech.base_url", typ: kString, env: "INSIGHTLINE_SPEECH_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Speech.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.BaseURL },
	},
	{
		key: "speech.api_key", typ: kString, env: "INSIGHTLINE_SPEECH_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Speech.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.APIKey },
	},
	{
		key: "speech.tts_model", typ: kString, env: "INSIGHTLINE_SPEECH_TTS_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Speech.TTSModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.TTSModel },
	},
	{
		key: "speech.stt_model", typ: kString, env: "INSIGHTLINE_SPEECH_STT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Speech.STTModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.STTModel },
	},
	{
		key: "speech.voice", typ: kString, env: "INSIGHTLINE_SPEECH_VOICE",
		apply:   func(cfg *Config, v any) { cfg.Speech.Voice = v.(string) },
		extract: func(cfg Config) any { return cfg.Speech.Voice },
	},
	{
		key: "speech.max_chars", typ: kInt, env: "INSIGHTLINE_SPEECH_MAX_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Speech.MaxChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Speech.MaxChars },
	},
	{
		key: "messaging.rate_per_second", typ: kFloat, env: "INSIGHTLINE_MESSAGING_RATE_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Messaging.RatePerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Messaging.RatePerSecond },
	},
	{
		key: "messaging.timeout", typ: kDuration, env: "INSIGHTLINE_MESSAGING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Messaging.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Messaging.Timeout },
	},
	{
		key: "queue.batch_size", typ: kInt, env: "INSIGHTLINE_QUEUE_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Queue.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.BatchSize },
	},
	{
		key: "queue.max_attempts", typ: kInt, env: "INSIGHTLINE_QUEUE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxAttempts },
	},
	{
		key: "queue.backoff_base", typ: kDuration, env: "INSIGHTLINE_QUEUE_BACKOFF_BASE",
		apply:   func(cfg *Config, v any) { cfg.Queue.BackoffBase = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.BackoffBase },
	},
	{
		key: "queue.backoff_cap", typ: kDuration, env: "INSIGHTLINE_QUEUE_BACKOFF_CAP",
		apply:   func(cfg *Config, v any) { cfg.Queue.BackoffCap = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.BackoffCap },
	},
	{
		key: "queue.stale_after", typ: kDuration, env: "INSIGHTLINE_QUEUE_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Queue.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.StaleAfter },
	},
	{
		key: "queue.drain_on_receive", typ: kBool, env: "INSIGHTLINE_QUEUE_DRAIN_ON_RECEIVE",
		apply:   func(cfg *Config, v any) { cfg.Queue.DrainOnReceive = v.(bool) },
		extract: func(cfg Config) any { return cfg.Queue.DrainOnReceive },
	},
	{
		key: "alerts.timezone", typ: kString, env: "INSIGHTLINE_ALERTS_TIMEZONE",
		apply:   func(cfg *Config, v any) { cfg.Alerts.Timezone = v.(string) },
		extract: func(cfg Config) any { return cfg.Alerts.Timezone },
	},
	{
		key: "alerts.locale", typ: kString, env: "INSIGHTLINE_ALERTS_LOCALE",
		apply:   func(cfg *Config, v any) { cfg.Alerts.Locale = v.(string) },
		extract: func(cfg Config) any { return cfg.Alerts.Locale },
	},
	{
		key: "alerts.currency_symbol", typ: kString, env: "INSIGHTLINE_ALERTS_CURRENCY_SYMBOL",
		apply:   func(cfg *Config, v any) { cfg.Alerts.CurrencySymbol = v.(string) },
		extract: func(cfg Config) any { return cfg.Alerts.CurrencySymbol },
	},
	{
		key: "alerts.concurrency", typ: kInt, env: "INSIGHTLINE_ALERTS_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Alerts.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Alerts.Concurrency },
	},
	{
		key: "scheduler.enabled", typ: kBool, env: "INSIGHTLINE_SCHEDULER_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Scheduler.Enabled },
	},
	{
		key: "prompts.path", typ: kString, env: "INSIGHTLINE_PROMPTS_PATH",
		apply:   func(cfg *Config, v any) { cfg.Prompts.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Prompts.Path },
	},
}

func lookup(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func envFor(key string) string {
	s, _ := lookup(key)
	return s.env
}

// parse converts raw to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			cfg.problems = append(cfg.problems, fmt.Errorf("config key %s=%q: %w", s.key, raw, err))
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("could not parse env var, keeping previous value", "env", s.env, "value", raw, "error", err)
			cfg.problems = append(cfg.problems, fmt.Errorf("env var %s=%q: %w", s.env, raw, err))
			continue
		}
		s.apply(cfg, v)
	}
}
