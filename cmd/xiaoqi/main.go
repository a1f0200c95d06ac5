package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/xiaoqi-ai/xiaoqi/internal/config"
	"github.com/xiaoqi-ai/xiaoqi/internal/health"
	"github.com/xiaoqi-ai/xiaoqi/internal/history"
	"github.com/xiaoqi-ai/xiaoqi/internal/httpapi"
	"github.com/xiaoqi-ai/xiaoqi/internal/model"
	"github.com/xiaoqi-ai/xiaoqi/internal/observability"
	"github.com/xiaoqi-ai/xiaoqi/internal/resolver"
	"github.com/xiaoqi-ai/xiaoqi/internal/source"
	"github.com/xiaoqi-ai/xiaoqi/internal/transcript"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	transcripts, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("transcript store init failed", zap.Error(err))
	}
	defer transcripts.Close()

	var (
		memory   *source.ShortTermMemory
		probers  []health.Prober
		disabled []string
	)
	if cfg.Memory.Enabled {
		memory = source.NewShortTermMemory(cfg.Memory, cfg.MemoryRetrieveLimit, logger)
		probers = append(probers, memory)
	} else {
		disabled = append(disabled, resolver.SourceMemory)
	}

	var knowledge *source.KnowledgeBase
	if cfg.KnowledgeBase.Enabled {
		knowledge = source.NewKnowledgeBase(cfg.KnowledgeBase, cfg.KnowledgeBaseWorkspace, cfg.KnowledgeBaseAPIKey, cfg.KnowledgeBaseMaxRetries, logger)
		probers = append(probers, knowledge)
	} else {
		disabled = append(disabled, resolver.SourceKnowledgeBase)
	}

	var longTerm *source.LongTermMemory
	if cfg.LongTermMemory.Enabled {
		longTerm = source.NewLongTermMemory(cfg.LongTermMemory, cfg.LongTermMemorySessionFile, cfg.LongTermMemoryUsername, cfg.LongTermMemoryPersona, logger)
		probers = append(probers, longTerm)
	} else {
		disabled = append(disabled, resolver.SourceLongTermMemory)
	}

	var backends []resolver.Backend
	primaryGen, err := model.New(cfg.Primary)
	if err != nil {
		logger.Fatal("primary provider init failed", zap.Error(err))
	}
	if primaryGen != nil {
		backends = append(backends, resolver.Backend{
			Generator:   primaryGen,
			Timeout:     cfg.Primary.Timeout,
			Temperature: cfg.Primary.Temperature,
			MaxTokens:   cfg.Primary.MaxTokens,
		})
	}
	secondaryGen, err := model.New(cfg.Secondary)
	if err != nil {
		logger.Fatal("secondary provider init failed", zap.Error(err))
	}
	if secondaryGen != nil {
		backends = append(backends, resolver.Backend{
			Generator:   secondaryGen,
			Timeout:     cfg.Secondary.Timeout,
			Temperature: cfg.Secondary.Temperature,
			MaxTokens:   cfg.Secondary.MaxTokens,
		})
	}

	// The primary backend doubles as the fusion model.
	fuser := resolver.NewFuser(primaryGen, cfg.Primary.Temperature, cfg.Primary.MaxTokens, cfg.Primary.Timeout, logger)

	log := history.NewLog(cfg.HistoryLimit)

	deps := resolver.Deps{
		Backends:       backends,
		Fuser:          fuser,
		History:        log,
		Transcripts:    transcripts,
		Metrics:        metrics,
		Logger:         logger,
		PromptWindow:   cfg.PromptWindow,
		ResolveTimeout: cfg.ResolveTimeout,
	}
	// Assign through guards so a disabled source stays a nil interface.
	if memory != nil {
		deps.Memory = memory
	}
	if knowledge != nil {
		deps.Knowledge = knowledge
	}
	if longTerm != nil {
		deps.LongTerm = longTerm
	}
	res := resolver.New(deps)

	checker := health.NewAggregator(probers, disabled, cfg.ProbeTimeout, logger)

	api := httpapi.New(cfg, res, fuser, checker, log, transcripts, metrics, logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	// Let in-flight memory and transcript writes land before the stores close.
	res.Drain()

	logger.Info("shutdown complete")
}
