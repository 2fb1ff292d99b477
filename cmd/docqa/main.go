package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	charmlog "github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"docqa/internal/chunkstore/memory"
	"docqa/internal/chunkstore/qdrant"
	"docqa/internal/chunkstore/sqlite"
	"docqa/internal/config"
	"docqa/internal/domain"
	"docqa/internal/embedding/openai"
	"docqa/internal/llm"
	"docqa/internal/logger"
	"docqa/internal/service"
	"docqa/internal/tui"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	var (
		cfgPath  string
		question string
		grounded bool
		category string
		model    string
	)
	flag.StringVar(&cfgPath, "config", "", "Path to YAML config file (optional; uses ./config.yaml or ~/.config/docqa/config.yaml if not provided)")
	flag.StringVar(&question, "q", "", "Answer one question and exit instead of starting the TUI")
	flag.BoolVar(&grounded, "grounded", false, "Use your own documents as context")
	flag.StringVar(&category, "category", "", "Restrict retrieval to one category (ALL for no restriction)")
	flag.StringVar(&model, "model", "", "Completion model (defaults to pipeline.default_model)")
	flag.Parse()

	var cfg *config.AppConfig
	var err error
	if cfgPath == "" {
		cfg, cfgPath, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		charmlog.Error("failed to load config", "error", err)
		return 1
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.JSON = cfg.Log.JSON
	interactive := question == ""
	if interactive {
		// the TUI owns the terminal
		f, err := os.OpenFile(filepath.Join(os.TempDir(), "docqa.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			logCfg.Output = io.Discard
		} else {
			defer f.Close()
			logCfg.Output = f
		}
	}
	log := logger.New(logCfg)
	log.Debug("config loaded", "path", cfgPath, "store", cfg.ChunkStore.Type)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logger.ContextWithLogger(ctx, log)

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Error("chunk store init failed", "store", cfg.ChunkStore.Type, "error", err)
		return 1
	}
	defer closeStore()

	completer, err := llm.NewClient(llm.Config{
		BaseURL:     cfg.Completer.BaseURL,
		APIKey:      os.Getenv(cfg.Completer.APIKeyEnv),
		Models:      cfg.Models,
		Timeout:     time.Duration(cfg.Completer.TimeoutSecs) * time.Second,
		MaxTokens:   cfg.Completer.MaxTokens,
		Temperature: cfg.Completer.Temperature,
	})
	if err != nil {
		log.Error("completion client init failed", "error", err)
		return 1
	}

	pipeline := service.NewQueryPipeline(store, cfg.ChunkStore.Type, completer,
		service.WithLogger(log),
		service.WithMaxEvidenceChunks(cfg.Pipeline.MaxEvidenceChunks),
		service.WithDefaultModel(domain.ModelSelection(cfg.Pipeline.DefaultModel)),
	)

	if category == "" {
		category = cfg.Pipeline.CategoryFilterDefault
	}

	if !interactive {
		return answerOnce(ctx, pipeline, service.Request{
			Question: question,
			Grounded: grounded,
			Category: category,
			Model:    domain.ModelSelection(model),
		})
	}

	m := tui.New(ctx, pipeline, tui.Options{
		Models:          cfg.Models,
		DefaultModel:    firstNonEmpty(model, cfg.Pipeline.DefaultModel),
		DefaultCategory: category,
		Grounded:        grounded,
	})
	if _, err := tea.NewProgram(m, tea.WithContext(ctx)).Run(); err != nil && ctx.Err() == nil {
		log.Error("tui failed", "error", err)
		return 1
	}
	return 0
}

func buildStore(ctx context.Context, cfg *config.AppConfig) (domain.ChunkSearchProvider, func(), error) {
	noop := func() {}
	switch cfg.ChunkStore.Type {
	case config.StoreMemory, "":
		if cfg.ChunkStore.Memory == nil || cfg.ChunkStore.Memory.Path == "" {
			return memory.NewStorage(), noop, nil
		}
		st, err := memory.LoadFile(cfg.ChunkStore.Memory.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, noop, nil
	case config.StoreSQLite:
		sc := cfg.ChunkStore.SQLite
		st, err := sqlite.Open(sqlite.Config{Path: sc.Path, Table: sc.Table, MaxRetries: sc.MaxRetries})
		if err != nil {
			return nil, nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case config.StoreQdrant:
		qc := cfg.ChunkStore.Qdrant
		emb, err := openai.NewClient(openai.Config{
			BaseURL:    qc.Embedder.BaseURL,
			APIKeyEnv:  qc.Embedder.APIKeyEnv,
			Model:      qc.Embedder.Model,
			Timeout:    time.Duration(qc.Embedder.TimeoutSecs) * time.Second,
			MaxRetries: qc.Embedder.MaxRetries,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("embedder: %w", err)
		}
		var apiKey string
		if qc.APIKeyEnv != "" {
			apiKey = os.Getenv(qc.APIKeyEnv)
		}
		st, err := qdrant.NewStorage(qdrant.Config{
			URL:        qc.URL,
			APIKey:     apiKey,
			Collection: qc.Collection,
			Timeout:    time.Duration(qc.TimeoutSecs) * time.Second,
			MaxRetries: qc.MaxRetries,
		}, emb)
		if err != nil {
			return nil, nil, err
		}
		return st, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown chunk store: %s", cfg.ChunkStore.Type)
	}
}

func answerOnce(ctx context.Context, p *service.QueryPipeline, req service.Request) int {
	res, err := p.Answer(ctx, req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Println(res.AnswerText)
	if res.Grounded {
		fmt.Println()
		if len(res.Sources) == 0 {
			fmt.Println("Related documents: none")
		} else {
			fmt.Println("Related documents:")
			fmt.Println("  - " + strings.Join(res.Sources, "\n  - "))
		}
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
