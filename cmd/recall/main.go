package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antoniostano/recall/internal/config"
	"github.com/antoniostano/recall/internal/distill"
	"github.com/antoniostano/recall/internal/embed"
	"github.com/antoniostano/recall/internal/httpapi"
	"github.com/antoniostano/recall/internal/llm"
	"github.com/antoniostano/recall/internal/ltm"
	"github.com/antoniostano/recall/internal/observability"
	"github.com/antoniostano/recall/internal/retrieval"
	"github.com/antoniostano/recall/internal/stm"
	"github.com/antoniostano/recall/internal/writeback"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(256)

	embedder, err := embed.New(embed.Config{
		Provider: cfg.EmbedProvider,
		APIKey:   cfg.EmbedAPIKey,
		Model:    cfg.EmbedModel,
		Version:  cfg.EmbedVersion,
		Dim:      cfg.EmbedDim,
	})
	if err != nil {
		log.Fatalf("embedding client init failed: %v", err)
	}
	log.Printf("embedding backend: %s (dim %d)", embedder.Model(), embedder.Dimensions())

	ctx := context.Background()
	localStore, err := ltm.NewStore(ctx, cfg.DatabaseURL, ltm.ScopeLocal, embedder)
	if err != nil {
		log.Fatalf("local memory store init failed: %v", err)
	}
	defer localStore.Close()

	globalStore, err := ltm.NewStore(ctx, cfg.DatabaseURL, ltm.ScopeGlobal, embedder)
	if err != nil {
		log.Fatalf("global memory store init failed: %v", err)
	}
	defer globalStore.Close()

	generator, err := llm.New(llm.Config{
		Provider: cfg.LLMProvider,
		APIKey:   cfg.GeminiAPIKey,
		Model:    cfg.GeminiModel,
	})
	if err != nil {
		log.Fatalf("generator init failed: %v", err)
	}

	stmStore := stm.NewStore(cfg.STMSessionCap, cfg.STMSessionTTL)

	retriever := retrieval.NewOrchestrator(
		stmStore,
		retrieval.Tier{Text: localStore, Embed: localStore},
		retrieval.Tier{Text: globalStore, Embed: globalStore},
		distill.New(generator),
		embedder.Embed,
		retrieval.Config{
			MinSimilarity:   cfg.RetrievalMinSim,
			LocalWeight:     cfg.LocalScoreWeight,
			GlobalWeight:    cfg.GlobalScoreWeight,
			BudgetTokens:    cfg.RetrievalBudgetTokens,
			CandidateWindow: cfg.SearchCandidateWindow,
			PreferLLM:       cfg.DistillUseLLM,
		},
	)

	api := httpapi.New(cfg, stmStore, localStore, globalStore, retriever, generator, writeback.New(generator), metrics, stages)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	stmStore.StartJanitor(runCtx, time.Minute)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
