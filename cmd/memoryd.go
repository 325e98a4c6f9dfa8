package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/memoryd"
)

func memorydCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "memoryd",
		Short: "Run the memory service",
		Long:  "Run the standalone memory service: an HTTP API over sqlite with near-duplicate merging and relevance-plus-recency ranked search.",
		Run: func(cmd *cobra.Command, args []string) {
			runMemoryd()
		},
	}
}

func runMemoryd() {
	setupLogging()
	cfg := loadConfig()

	store, err := memoryd.OpenStore(config.ExpandHome(cfg.Memory.DBPath), memoryd.StoreOptions{
		DedupThreshold: cfg.Memory.DedupThreshold,
		DedupWindow:    cfg.Memory.DedupWindow,
		HalfLifeDays:   cfg.Memory.HalfLifeDays,
		EmbeddingDim:   cfg.Memory.EmbeddingDim,
	})
	if err != nil {
		slog.Error("memory store open failed", "path", cfg.Memory.DBPath, "error", err)
		os.Exit(exitConfig)
	}
	defer store.Close()

	server := memoryd.NewServer(store, cfg.Gateway.Host, cfg.Memory.Port, cfg.Memory.APIKey)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("memory service shutdown", "error", err)
		}
	}()

	if err := server.Start(); err != nil {
		slog.Error("memory service stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
