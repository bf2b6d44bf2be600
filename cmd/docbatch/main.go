package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/docbatch/internal/batch"
	"github.com/zombor/docbatch/internal/extraction"
	"github.com/zombor/docbatch/internal/splitting"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("docbatch")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		dbPath        = fs.StringLong("db", "docbatch.db", "Batch archive file path")
		providerType  = fs.StringLong("provider", "gemini", "Model provider: 'gemini' or 'ollama'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, bakllava, qwen2-vl)")
		chunkSize     = fs.IntLong("chunk-size", 3, "PDF pages bundled per model request")
		workers       = fs.IntLong("workers", 3, "Concurrent model requests")
		retries       = fs.IntLong("retries", 3, "Attempts per unit before giving up")
		backoff       = fs.DurationLong("backoff", 10*time.Second, "Base backoff after a rate-limit response, scaled by attempt number")
		textLayer     = fs.BoolLong("text-layer", "Send a PDF chunk's embedded text instead of the pages when it yields enough characters")
		textThreshold = fs.IntLong("text-threshold", 50, "Minimum characters of embedded text before skipping the vision call")
		placeholder   = fs.StringLong("placeholder", batch.DefaultPlaceholder, "Product name used for documents with no line items")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("DOCBATCH"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// Initialize batch archive
	slog.Info("Initializing batch archive...")
	db, err := batch.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize batch archive", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize model provider based on type. A missing credential or an
	// unknown provider is fatal before any processing begins.
	var provider extraction.Provider
	switch *providerType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini provider...", "model", *geminiModel)
		provider, err = extraction.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama provider...", "url", *ollamaURL, "model", *ollamaModel)
		provider, err = extraction.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid provider type", "type", *providerType, "valid", "gemini or ollama")
		os.Exit(1)
	}

	extractor := extraction.NewClient(provider, extraction.Config{
		Retries: *retries,
		Backoff: *backoff,
	})

	// Initialize service
	service := batch.NewService(
		func(opts splitting.Options) batch.Splitter { return splitting.NewSplitter(opts) },
		extractor,
		db,
		batch.Config{
			Workers: *workers,
			SplitOptions: splitting.Options{
				ChunkSize:     *chunkSize,
				TextLayer:     *textLayer,
				TextThreshold: *textThreshold,
			},
			Placeholder: *placeholder,
		},
	)
	defer service.Close()

	// Initialize server
	basicAuth := batch.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := batch.NewServer(service, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
