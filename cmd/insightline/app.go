package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/insightline/internal/alert"
	"github.com/kalambet/insightline/internal/assistant"
	"github.com/kalambet/insightline/internal/config"
	"github.com/kalambet/insightline/internal/inbound"
	"github.com/kalambet/insightline/internal/learning"
	"github.com/kalambet/insightline/internal/llm"
	"github.com/kalambet/insightline/internal/messaging"
	"github.com/kalambet/insightline/internal/metrics"
	"github.com/kalambet/insightline/internal/powerbi"
	"github.com/kalambet/insightline/internal/prompts"
	"github.com/kalambet/insightline/internal/queue"
	"github.com/kalambet/insightline/internal/render"
	"github.com/kalambet/insightline/internal/speech"
	"github.com/kalambet/insightline/internal/storage"
)

// app holds the wired components shared by serve and the one-shot commands.
type app struct {
	cfg        config.Config
	store      *storage.Store
	metrics    *metrics.Metrics
	catalog    *prompts.Catalog
	classifier *learning.Classifier
	learning   *learning.Store
	powerbi    *powerbi.Client
	gateway    *messaging.Gateway
	worker     *queue.Worker
	receiver   *inbound.Receiver
	alerts     *alert.Scheduler
}

func newApp(cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	catalog, err := prompts.Load(cfg.Prompts.Path)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		store:   store,
		metrics: metrics.New(),
		catalog: catalog,
	}

	a.classifier = learning.NewClassifier(catalog.Intents)
	a.learning = learning.NewStore(store, a.classifier)

	a.powerbi = powerbi.NewClient(store, powerbi.Options{
		AuthorityURL: cfg.PowerBI.AuthorityURL,
		APIURL:       cfg.PowerBI.APIURL,
		Scope:        cfg.PowerBI.Scope,
		Timeout:      cfg.PowerBI.Timeout,
	})

	a.gateway = messaging.NewGateway(store, messaging.Options{
		RatePerSecond: cfg.Messaging.RatePerSecond,
		Timeout:       cfg.Messaging.Timeout,
	})

	voice := speech.NewClient(speech.Options{
		BaseURL:  cfg.Speech.BaseURL,
		APIKey:   cfg.Speech.APIKey,
		TTSModel: cfg.Speech.TTSModel,
		STTModel: cfg.Speech.STTModel,
		Voice:    cfg.Speech.Voice,
	})
	if !voice.Enabled() {
		slog.Info("speech disabled, audio replies fall back to text", "env", "INSIGHTLINE_SPEECH_API_KEY")
	}

	model := llm.NewClient(llm.Options{
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		Timeout:   cfg.LLM.Timeout,
		MaxTokens: cfg.LLM.MaxTokens,
		Retry: llm.RetryConfig{
			MaxAttempts: cfg.LLM.MaxAttempts,
			BackoffBase: cfg.LLM.BackoffBase,
			MaxBackoff:  cfg.LLM.BackoffCap,
		},
		Metrics: a.metrics,
	})

	loop := assistant.NewLoop(model, a.powerbi, a.learning, assistant.Options{
		MaxToolRounds: cfg.Assistant.MaxToolRounds,
		Catalog:       catalog,
		Metrics:       a.metrics,
	})
	deliverer := assistant.NewDeliverer(a.gateway, voice, cfg.Speech.MaxChars)

	a.worker = queue.NewWorker(store, loop, deliverer, a.gateway, queue.Options{
		BatchSize:       cfg.Queue.BatchSize,
		MaxAttempts:     cfg.Queue.MaxAttempts,
		BackoffBase:     cfg.Queue.BackoffBase,
		BackoffCap:      cfg.Queue.BackoffCap,
		StaleAfter:      cfg.Queue.StaleAfter,
		TerminalApology: catalog.TerminalApology,
		Metrics:         a.metrics,
	})

	formatter := render.NewFormatter(cfg.Alerts.Locale, cfg.Alerts.CurrencySymbol)
	composer := prompts.NewComposer(catalog, prompts.ComposerOptions{
		MaxExemplars: cfg.Assistant.Exemplars,
		Location:     cfg.Location(),
		Formatter:    formatter,
	})

	a.receiver = inbound.NewReceiver(store, a.worker, a.learning, inbound.Options{
		HistoryTurns:   cfg.Assistant.HistoryTurns,
		DrainOnReceive: cfg.Queue.DrainOnReceive,
		Composer:       composer,
		Transcriber:    voice,
		Drainer:        a.worker,
		Metrics:        a.metrics,
	})

	a.alerts = alert.NewScheduler(store, a.powerbi, a.gateway, alert.Options{
		Location:    cfg.Location(),
		Formatter:   formatter,
		Concurrency: cfg.Alerts.Concurrency,
		Metrics:     a.metrics,
	})

	return a, nil
}

func (a *app) metricsHandler() http.Handler {
	return a.metrics.Handler()
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}
