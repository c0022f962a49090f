package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opencode-mem/opencode-mem/internal/config"
	"github.com/opencode-mem/opencode-mem/internal/db"
	"github.com/opencode-mem/opencode-mem/internal/embedder"
	"github.com/opencode-mem/opencode-mem/internal/hub"
	"github.com/opencode-mem/opencode-mem/internal/ingest"
	"github.com/opencode-mem/opencode-mem/internal/mcpserver"
	"github.com/opencode-mem/opencode-mem/internal/privacy"
	"github.com/opencode-mem/opencode-mem/internal/rank"
	"github.com/opencode-mem/opencode-mem/internal/replicator"
	"github.com/opencode-mem/opencode-mem/internal/search"
	"github.com/opencode-mem/opencode-mem/internal/session"
	"github.com/opencode-mem/opencode-mem/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "opencode-mem",
		Short: "Persistent per-project memory service for coding agents",
		RunE:  runServe,
	}

	f := rootCmd.PersistentFlags()
	f.Int("port", 4747, "HTTP port for the API server")
	f.String("storage-path", "~/.opencode-mem", "directory for the database")
	f.Bool("embedding-enabled", false, "enable the embedding worker")
	f.String("embedding-url", "", "base URL of the embedding provider")
	f.String("embedding-model", "all-MiniLM-L6-v2", "embedding model name")
	f.String("chroma-url", "", "base URL of the external vector store (empty disables replication)")
	f.String("chroma-collection", "opencode-mem", "vector store collection name")
	f.Int("sync-interval", 60, "seconds between vector store sync passes")
	f.Int("ingest-interval-ms", 1000, "milliseconds between ingest queue ticks")
	f.Int("ingest-batch-size", 10, "messages processed per ingest tick")
	f.Int("ingest-max-retries", 3, "retries before an event is dead-lettered")
	f.Int("ingest-retry-delay-ms", 1000, "delay before a failed event becomes visible again")
	f.Bool("strip-private-tags", true, "strip <private>...</private> spans on ingest")
	f.Bool("redact-secrets", true, "redact API keys and tokens on ingest")
	f.Int("context-max-tokens", 2000, "token budget for context injection")
	f.Int("context-max-memories", 10, "maximum memories per context pack")
	f.Bool("search-use-fts", true, "enable the full-text search strategy")
	f.Bool("search-use-semantic", true, "enable the semantic search strategy")
	f.Bool("sse-enabled", true, "enable the SSE event stream")
	f.String("summary-model", "claude-3-5-haiku-latest", "Claude model for summary polishing (empty disables)")

	// Viper keys use underscores so they match the env var suffix after
	// stripping the OPENCODEMEM_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("port", "port")
	bindFlag("storage_path", "storage-path")
	bindFlag("embedding_enabled", "embedding-enabled")
	bindFlag("embedding_url", "embedding-url")
	bindFlag("embedding_model", "embedding-model")
	bindFlag("chroma_url", "chroma-url")
	bindFlag("chroma_collection", "chroma-collection")
	bindFlag("sync_interval", "sync-interval")
	bindFlag("ingest_interval_ms", "ingest-interval-ms")
	bindFlag("ingest_batch_size", "ingest-batch-size")
	bindFlag("ingest_max_retries", "ingest-max-retries")
	bindFlag("ingest_retry_delay_ms", "ingest-retry-delay-ms")
	bindFlag("strip_private_tags", "strip-private-tags")
	bindFlag("redact_secrets", "redact-secrets")
	bindFlag("context_max_tokens", "context-max-tokens")
	bindFlag("context_max_memories", "context-max-memories")
	bindFlag("search_use_fts", "search-use-fts")
	bindFlag("search_use_semantic", "search-use-semantic")
	bindFlag("sse_enabled", "sse-enabled")
	bindFlag("summary_model", "summary-model")

	viper.SetEnvPrefix("OPENCODEMEM")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the memory service (default)",
		RunE:  runServe,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "mcp",
		Short: "Run the MCP stdio server exposing memory tools",
		RunE:  runMCP,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	fmt.Printf("opencode-mem %s starting\n", config.Version)
	fmt.Printf("  Port: %d\n", cfg.Port)
	fmt.Printf("  Storage: %s\n", cfg.StoragePath)
	fmt.Printf("  Embeddings: %t\n", cfg.EmbeddingEnabled)
	fmt.Printf("  Vector store: %s\n", orDisabled(cfg.ChromaURL))
	fmt.Println()

	if err := os.MkdirAll(cfg.StoragePath, 0755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	store, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close() //nolint:errcheck

	events := hub.New()
	filter := &privacy.Filter{
		StripPrivateTags: cfg.StripPrivateTags,
		RedactSecrets:    cfg.RedactSecrets,
	}
	sessions := session.NewService(store, cfg.SummaryModel)

	var embed *embedder.Worker
	if cfg.EmbeddingEnabled && cfg.EmbeddingURL != "" {
		embed = embedder.NewWorker(store,
			embedder.NewClient(cfg.EmbeddingURL, cfg.EmbeddingModel),
			time.Duration(cfg.IngestRetryDelayMs)*time.Millisecond)
		embed.Start()
		defer embed.Stop()
	}

	proc := ingest.New(store, filter, sessions, embed, events, ingest.Config{
		Interval:   time.Duration(cfg.IngestIntervalMs) * time.Millisecond,
		BatchSize:  cfg.IngestBatchSize,
		MaxRetries: cfg.IngestMaxRetries,
		RetryDelay: time.Duration(cfg.IngestRetryDelayMs) * time.Millisecond,
	})
	proc.Start()
	defer proc.Stop()

	var chroma *replicator.Client
	if cfg.ChromaURL != "" {
		chroma = replicator.NewClient(cfg.ChromaURL, cfg.ChromaCollection)
	}
	repl := replicator.New(store, chroma)
	if repl.Enabled() {
		repl.Start()
		defer repl.Stop()
	}

	searcher := search.New(store, embed, rank.New(rank.DefaultWeights))

	server := web.New(&cfg, web.Deps{
		Store:      store,
		Ingest:     proc,
		Search:     searcher,
		Sessions:   sessions,
		Replicator: repl,
		Events:     events,
		Embed:      embed,
	})
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down...", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("web server shutdown: %v", err)
	}
	events.CloseAll()
	return nil
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	if err := os.MkdirAll(cfg.StoragePath, 0755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	store, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close() //nolint:errcheck

	filter := &privacy.Filter{
		StripPrivateTags: cfg.StripPrivateTags,
		RedactSecrets:    cfg.RedactSecrets,
	}
	searcher := search.New(store, nil, rank.New(rank.DefaultWeights))

	return mcpserver.NewServer(store, searcher, filter).Run()
}

func orDisabled(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}
