package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/zulandar/parley/internal/classifier"
	"github.com/zulandar/parley/internal/config"
	"github.com/zulandar/parley/internal/lock"
	"github.com/zulandar/parley/internal/logging"
	"github.com/zulandar/parley/internal/mailer"
	"github.com/zulandar/parley/internal/negotiation"
	"github.com/zulandar/parley/internal/notify"
	"github.com/zulandar/parley/internal/notify/discord"
	"github.com/zulandar/parley/internal/notify/slack"
	"github.com/zulandar/parley/internal/trigger"
	"gorm.io/gorm"
)

func newLogger(cfg *config.Config, out io.Writer) (zerolog.Logger, error) {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Out:    out,
	})
}

// buildOrchestrator wires every collaborator named in cfg. The returned
// cleanup releases the lock backend connection.
func buildOrchestrator(ctx context.Context, cfg *config.Config, gormDB *gorm.DB, log zerolog.Logger) (*negotiation.Orchestrator, func(), error) {
	cleanup := func() {}

	cls, err := buildClassifier(cfg, log)
	if err != nil {
		return nil, cleanup, err
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Lock.Backend == "redis" {
		r, err := lock.NewRedis(ctx, lock.RedisOpts{
			Addr:   cfg.Lock.RedisAddr,
			TTL:    cfg.Lock.TTL,
			Prefix: "parley:" + cfg.Brand + ":",
			Logger: logging.Component(log, "lock"),
		})
		if err != nil {
			return nil, cleanup, err
		}
		locker = r
		cleanup = func() { r.Close() }
	}

	var mail mailer.Mailer
	switch cfg.Mailer.Transport {
	case "http":
		m, err := mailer.NewHTTPMailer(mailer.HTTPOpts{
			Endpoint: cfg.Mailer.Endpoint,
			APIKey:   cfg.Mailer.APIKey,
			Logger:   logging.Component(log, "mailer"),
		})
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		mail = m
	default:
		mail = mailer.NewLogMailer(logging.Component(log, "mailer"))
	}

	contracts, payments := buildTriggers(cfg, log)

	notifier, err := buildNotifier(cfg, log)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}

	orch, err := negotiation.New(negotiation.Opts{
		DB:                gormDB,
		Classifier:        cls,
		Mailer:            mail,
		Contracts:         contracts,
		Payments:          payments,
		Notifier:          notifier,
		Locker:            locker,
		Logger:            logging.Component(log, "orchestrator"),
		FromAddress:       cfg.Mailer.From,
		DashboardURL:      cfg.Notify.DashboardURL,
		TolerancePercent:  cfg.Policy.TolerancePercent,
		DisableAutoReply:  cfg.Policy.DisableAutoReply,
		MaxCommitRetries:  cfg.Orchestrator.MaxCommitRetries,
		ClassifierTimeout: cfg.Classifier.Timeout,
		AnalyzingTimeout:  cfg.Orchestrator.AnalyzingTimeout,
		AbandonAfter:      cfg.Orchestrator.AbandonAfter,
		SendTimeout:       cfg.Orchestrator.SendTimeout,
		HistorySize:       cfg.Classifier.History,
		KeyCacheSize:      cfg.Orchestrator.KeyCacheSize,
	})
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return orch, cleanup, nil
}

func buildClassifier(cfg *config.Config, log zerolog.Logger) (classifier.Classifier, error) {
	switch cfg.Classifier.Provider {
	case "static":
		// Without a canned analysis every reply is unparseable and
		// escalates, which is the safe dry-run behavior.
		return classifier.NewStatic(nil), nil
	default:
		model, err := classifier.NewOpenAIModel(classifier.OpenAIOpts{
			Model:   cfg.Classifier.Model,
			APIKey:  cfg.Classifier.APIKey,
			BaseURL: cfg.Classifier.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		return classifier.NewLLMClassifier(classifier.LLMOpts{
			Model:   model,
			Timeout: cfg.Classifier.Timeout,
			Logger:  logging.Component(log, "classifier"),
		})
	}
}

func buildTriggers(cfg *config.Config, log zerolog.Logger) (trigger.ContractTrigger, trigger.PaymentTrigger) {
	t := cfg.Triggers
	if t.ContractURL == "" && t.PaymentURL == "" {
		log.Warn().Msg("no trigger URLs configured; contract and payment requests are recorded in memory only")
		r := trigger.NewRecorder()
		return r, r
	}
	h := trigger.NewHTTP(trigger.HTTPOpts{
		ContractURL: t.ContractURL,
		PaymentURL:  t.PaymentURL,
		APIKey:      t.APIKey,
		Logger:      logging.Component(log, "trigger"),
	})
	return h, h
}

func buildNotifier(cfg *config.Config, log zerolog.Logger) (notify.Notifier, error) {
	n := cfg.Notify
	var multi notify.Multi
	if n.SlackBotToken != "" {
		s, err := slack.New(slack.Opts{
			BotToken:  n.SlackBotToken,
			ChannelID: n.SlackChannel,
			Logger:    logging.Component(log, "slack"),
		})
		if err != nil {
			return nil, fmt.Errorf("notify: %w", err)
		}
		multi = append(multi, s)
	}
	if n.DiscordToken != "" {
		d, err := discord.New(discord.Opts{
			BotToken:  n.DiscordToken,
			ChannelID: n.DiscordChannel,
			Logger:    logging.Component(log, "discord"),
		})
		if err != nil {
			return nil, fmt.Errorf("notify: %w", err)
		}
		multi = append(multi, d)
	}
	if len(multi) == 0 {
		return nil, nil
	}
	return multi, nil
}
