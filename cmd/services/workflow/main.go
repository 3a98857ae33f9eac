package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "github.com/xilidan/meetings/config/workflow"
	"github.com/xilidan/meetings/pkg/gen"
	"github.com/xilidan/meetings/pkg/logger"
	"github.com/xilidan/meetings/services/workflow/clients/chat"
	"github.com/xilidan/meetings/services/workflow/clients/llm"
	"github.com/xilidan/meetings/services/workflow/clients/transcript"
	"github.com/xilidan/meetings/services/workflow/engine"
	"github.com/xilidan/meetings/services/workflow/runlog"
	"github.com/xilidan/meetings/services/workflow/server"
	"github.com/xilidan/meetings/services/workflow/storage"
	"github.com/xilidan/meetings/services/workflow/usecase"
	"github.com/xilidan/meetings/topics"
)

func main() {
	cfg := config.MustLoad()

	log := logger.New(logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		Output:     os.Stderr,
		AddSource:  true,
		JSONFormat: cfg.Log.JSON,
	})

	ctx := logger.WithContext(context.Background(), log)

	rootCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("failed to run()", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	stg, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stg.Close()

	runs, err := openRunLog(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer runs.Close()

	chatClient, err := chat.New(chat.Config{
		APIKey:      cfg.Chat.APIKey,
		APISecret:   cfg.Chat.APISecret,
		BaseURL:     cfg.Chat.BaseURL,
		ChannelType: cfg.Chat.ChannelType,
		Timeout:     cfg.Chat.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create chat client: %w", err)
	}

	llmCfg := llm.Config{
		APIKey:     cfg.OpenAI.APIKey,
		BaseURL:    cfg.OpenAI.BaseURL,
		Model:      cfg.OpenAI.Model,
		Timeout:    cfg.OpenAI.Timeout,
		MaxRetries: cfg.OpenAI.MaxRetries,
	}
	fetcher := transcript.New(transcript.NewPooledHTTPClient(cfg.Transcript.PoolSize, cfg.Transcript.Timeout))

	transcripts := usecase.NewTranscriptPipeline(stg, fetcher, llm.NewSummarizer(llmCfg, usecase.SummarizerPrompt))
	chats := usecase.NewChatPipeline(usecase.ChatConfig{
		HistoryLimit: cfg.Chat.HistoryLimit,
		AvatarURL:    cfg.Chat.AvatarURL,
		AvatarStyle:  cfg.Chat.AvatarStyle,
	}, stg, llm.NewChatClient(llmCfg), chatClient)

	registry := engine.NewRegistry()
	registry.Register(topics.MeetingsProcessing, engine.Typed(transcripts.Run))
	registry.Register(topics.ChatMessageNew, engine.Typed(chats.Run))
	log.Info("workflows registered", slog.Any("events", registry.Events()))

	hub := server.NewHub(log)
	eng := engine.New(registry, runs, engine.Policy{
		MaxAttempts: cfg.Bus.MaxAttempts,
		BaseBackoff: cfg.Bus.BaseBackoff,
		MaxBackoff:  cfg.Bus.MaxBackoff,
	}, engine.WithObserver(hub.Broadcast))

	bus, err := openBus(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	if err := bus.Start(ctx, eng.Dispatch); err != nil {
		return fmt.Errorf("failed to start bus consumer: %w", err)
	}

	go pruneRuns(ctx, runs, cfg.RunLog, log)

	srv := server.New(cfg, server.HandlerDeps{
		Registry:   registry,
		Publisher:  bus,
		Store:      runs,
		Hub:        hub,
		IDs:        gen.RunID(),
		SigningKey: cfg.SigningKey,
	}, log)

	return srv.Start(ctx)
}

func openStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Storage, error) {
	if cfg.Database.Name == "" {
		log.Warn("DB_NAME is empty, using in-memory meeting storage")
		return storage.NewMemory(), nil
	}
	stg, err := storage.Open(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open meeting storage: %w", err)
	}
	log.Info("meeting storage connected", slog.String("host", cfg.Database.Host), slog.String("db", cfg.Database.Name))
	return stg, nil
}

func openRunLog(ctx context.Context, cfg *config.Config, log *slog.Logger) (runlog.Store, error) {
	if cfg.RunLog.URL == "" {
		log.Warn("RUNLOG_DATABASE_URL is empty, step results will not survive a restart")
		return runlog.NewMemory(), nil
	}
	runs, err := runlog.Open(ctx, cfg.RunLog.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	log.Info("run log connected")
	return runs, nil
}

func openBus(ctx context.Context, cfg *config.Config, log *slog.Logger) (engine.Bus, error) {
	if cfg.Bus.Driver == "memory" {
		log.Warn("using in-memory bus, events are lost on restart")
		return engine.NewMemoryBus(cfg.Bus.Workers, cfg.Bus.QueueSize, log), nil
	}
	bus, err := engine.NewJetStream(ctx, engine.JetStreamConfig{
		URL:         cfg.Bus.NatsURL,
		Stream:      cfg.Bus.Stream,
		Consumer:    cfg.Bus.Consumer,
		Workers:     cfg.Bus.Workers,
		QueueSize:   cfg.Bus.QueueSize,
		MaxAttempts: cfg.Bus.MaxAttempts,
		AckWait:     cfg.Bus.AckWait,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open jetstream bus: %w", err)
	}
	return bus, nil
}

func pruneRuns(ctx context.Context, runs runlog.Store, cfg config.RunLogConfig, log *slog.Logger) {
	if cfg.Retention <= 0 || cfg.PruneEvery <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.PruneEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := runs.Prune(ctx, time.Now().Add(-cfg.Retention))
			if err != nil {
				log.Error("failed to prune runs", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				log.Info("pruned completed runs", slog.Int64("count", n))
			}
		}
	}
}
