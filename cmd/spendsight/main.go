package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"go.etcd.io/bbolt"

	"github.com/zombor/spendsight/internal/auth"
	"github.com/zombor/spendsight/internal/receipt"
	"github.com/zombor/spendsight/internal/scanning"
	"github.com/zombor/spendsight/internal/server"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

type config struct {
	port        int
	publicURL   string
	maxUploadMB int
	logLevel    string
	logFormat   string

	dbPath      string
	postgresDSN string

	storagePath string
	s3Endpoint  string
	s3AccessKey string
	s3SecretKey string
	s3Bucket    string
	s3UseSSL    bool
	s3PublicURL string

	scanner     string
	geminiKey   string
	geminiModel string
	ollamaURL   string
	ollamaModel string
	openaiURL   string
	openaiKey   string
	openaiModel string
	aiTimeout   time.Duration

	sessionSecret string
	sessionTTL    time.Duration
	redisAddr     string
	redisPassword string

	smtpHost string
	smtpPort int
	smtpUser string
	smtpPass string
	smtpFrom string

	showVersion bool
}

// parseConfig reads flags, SPENDSIGHT_* environment variables and an
// optional --config file, in that order of precedence
func parseConfig(args []string) (*config, *ff.FlagSet, error) {
	fs := ff.NewFlagSet("spendsight")
	var cfg config

	fs.IntVar(&cfg.port, 0, "port", 8080, "HTTP server port")
	fs.StringVar(&cfg.publicURL, 0, "public-url", "http://localhost:8080", "Externally reachable base URL of this server")
	fs.IntVar(&cfg.maxUploadMB, 0, "max-upload-mb", 50, "Maximum upload size in MB")
	fs.StringVar(&cfg.logLevel, 0, "log-level", "info", "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.logFormat, 0, "log-format", "text", "Log format: text or json")

	fs.StringVar(&cfg.dbPath, 0, "db", "spendsight.db", "Database file path (users, and receipts unless --postgres-dsn is set)")
	fs.StringVar(&cfg.postgresDSN, 0, "postgres-dsn", "", "Store receipts in Postgres (optional)")

	fs.StringVar(&cfg.storagePath, 0, "storage", "./receipts", "Storage directory path for local images")
	fs.StringVar(&cfg.s3Endpoint, 0, "s3-endpoint", "", "S3-compatible endpoint; enables object storage when set")
	fs.StringVar(&cfg.s3AccessKey, 0, "s3-access-key", "", "S3 access key")
	fs.StringVar(&cfg.s3SecretKey, 0, "s3-secret-key", "", "S3 secret key")
	fs.StringVar(&cfg.s3Bucket, 0, "s3-bucket", "spendsight", "S3 bucket")
	fs.BoolVar(&cfg.s3UseSSL, 0, "s3-use-ssl", "Use TLS for the S3 endpoint")
	fs.StringVar(&cfg.s3PublicURL, 0, "s3-public-url", "", "Public base URL for stored images (optional)")

	fs.StringVar(&cfg.scanner, 0, "scanner", "gemini", "Scanner type: 'gemini', 'ollama' or 'openai'")
	fs.StringVar(&cfg.geminiKey, 0, "gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
	fs.StringVar(&cfg.geminiModel, 0, "gemini-model", "gemini-2.5-pro", "Google Gemini model name")
	fs.StringVar(&cfg.ollamaURL, 0, "ollama-url", "http://localhost:11434", "Ollama API base URL")
	fs.StringVar(&cfg.ollamaModel, 0, "ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, bakllava, qwen2-vl)")
	fs.StringVar(&cfg.openaiURL, 0, "openai-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
	fs.StringVar(&cfg.openaiKey, 0, "openai-key", "", "OpenAI-compatible API key")
	fs.StringVar(&cfg.openaiModel, 0, "openai-model", "gpt-4o-mini", "OpenAI-compatible model name")
	fs.DurationVar(&cfg.aiTimeout, 0, "ai-timeout", receipt.DefaultAITimeout, "Maximum time to wait for the AI provider")

	fs.StringVar(&cfg.sessionSecret, 0, "session-secret", "", "Secret used to sign session tokens (at least 16 characters)")
	fs.DurationVar(&cfg.sessionTTL, 0, "session-ttl", 24*time.Hour, "Session lifetime")
	fs.StringVar(&cfg.redisAddr, 0, "redis-addr", "", "Redis address for sign-out revocations (optional)")
	fs.StringVar(&cfg.redisPassword, 0, "redis-password", "", "Redis password")

	fs.StringVar(&cfg.smtpHost, 0, "smtp-host", "", "SMTP host for confirmation mail; mail is logged when unset")
	fs.IntVar(&cfg.smtpPort, 0, "smtp-port", 587, "SMTP port")
	fs.StringVar(&cfg.smtpUser, 0, "smtp-user", "", "SMTP username")
	fs.StringVar(&cfg.smtpPass, 0, "smtp-pass", "", "SMTP password")
	fs.StringVar(&cfg.smtpFrom, 0, "smtp-from", "", "Sender address (defaults to the SMTP username)")

	fs.BoolVar(&cfg.showVersion, 0, "version", "Show version information")
	_ = fs.StringLong("config", "", "Config file (optional)")

	err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("SPENDSIGHT"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	)
	if err != nil {
		return nil, fs, err
	}
	return &cfg, fs, nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	cfg, fs, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if cfg.showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logger, err := newLogger(cfg.logLevel, cfg.logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Initializing database...", "path", cfg.dbPath)
	bolt, err := receipt.OpenBolt(cfg.dbPath)
	if err != nil {
		return err
	}
	defer bolt.Close()

	db, err := openReceiptDB(cfg, bolt)
	if err != nil {
		return fmt.Errorf("initializing receipt store: %w", err)
	}
	if cfg.postgresDSN != "" {
		defer db.Close()
	}

	scanner, err := openScanner(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing scanner: %w", err)
	}
	defer scanner.Close()

	store, files, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	identity, closeIdentity, err := openIdentity(ctx, cfg, bolt)
	if err != nil {
		return fmt.Errorf("initializing identity: %w", err)
	}
	defer closeIdentity()

	receiptService := receipt.NewService(db, scanner, store, receipt.NewFeed(0), receipt.Options{AITimeout: cfg.aiTimeout})

	handler := server.NewServer(receiptService, identity, server.Options{
		Files:          files,
		MaxUploadBytes: int64(cfg.maxUploadMB) << 20,
		Version:        version,
	})

	httpServer := newHTTPServer(fmt.Sprintf(":%d", cfg.port), server.LogRequests(handler))

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", httpServer.Addr), "public_url", cfg.publicURL, "version", version)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server did not shut down cleanly", "error", err)
	}
	receiptService.Wait()
	return nil
}

// newHTTPServer builds a server whose request contexts are cancelled when
// Shutdown starts, so open event streams end instead of holding it up.
func newHTTPServer(addr string, handler http.Handler) *http.Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return baseCtx
		},
	}
	srv.RegisterOnShutdown(cancel)
	return srv
}

// openReceiptDB uses Postgres when a DSN is configured and the shared bolt
// file otherwise
func openReceiptDB(cfg *config, bolt *bbolt.DB) (receipt.DB, error) {
	if cfg.postgresDSN != "" {
		slog.Info("Using Postgres for receipts")
		return receipt.NewGormDB(cfg.postgresDSN)
	}
	return receipt.NewBoltDB(bolt)
}

// openStorage returns the object store and, for local storage, the source
// the server uses to serve /files/
func openStorage(cfg *config) (receipt.Storage, server.FileSource, error) {
	if cfg.s3Endpoint != "" {
		slog.Info("Initializing S3 storage...", "endpoint", cfg.s3Endpoint, "bucket", cfg.s3Bucket)
		store, err := receipt.NewMinioStorage(receipt.MinioConfig{
			Endpoint:  cfg.s3Endpoint,
			AccessKey: cfg.s3AccessKey,
			SecretKey: cfg.s3SecretKey,
			Bucket:    cfg.s3Bucket,
			UseSSL:    cfg.s3UseSSL,
			PublicURL: cfg.s3PublicURL,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}

	slog.Info("Initializing storage...", "path", cfg.storagePath)
	store, err := receipt.NewLocalStorage(cfg.storagePath, cfg.publicURL)
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}

func openScanner(ctx context.Context, cfg *config) (scanning.Scanner, error) {
	switch cfg.scanner {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini scanner...", "model", cfg.geminiModel)
		return scanning.NewGemini(ctx, apiKey, cfg.geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		return scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
	case "openai":
		slog.Info("Initializing OpenAI-compatible scanner...", "url", cfg.openaiURL, "model", cfg.openaiModel)
		return scanning.NewOpenAICompat(cfg.openaiURL, cfg.openaiKey, cfg.openaiModel)
	default:
		return nil, fmt.Errorf("invalid scanner type %q: valid types are gemini, ollama or openai", cfg.scanner)
	}
}

// openIdentity wires the user store, sessions and mailer. The returned func
// releases the revocation store.
func openIdentity(ctx context.Context, cfg *config, bolt *bbolt.DB) (*auth.Service, func(), error) {
	users, err := auth.NewBoltUserStore(bolt)
	if err != nil {
		return nil, nil, err
	}

	var revoker auth.Revoker = auth.NewMemoryRevoker()
	closeRevoker := func() {}
	if cfg.redisAddr != "" {
		redisRevoker := auth.NewRedisRevoker(cfg.redisAddr, cfg.redisPassword)
		if err := redisRevoker.Ping(ctx); err != nil {
			redisRevoker.Close()
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		slog.Info("Using Redis for session revocation", "addr", cfg.redisAddr)
		revoker = redisRevoker
		closeRevoker = func() { redisRevoker.Close() }
	}

	sessions, err := auth.NewSessions(cfg.sessionSecret, cfg.sessionTTL, revoker)
	if err != nil {
		closeRevoker()
		return nil, nil, err
	}

	var mailer auth.Mailer = auth.LogMailer{}
	if cfg.smtpHost != "" {
		mailer = auth.NewSMTPMailer(auth.SMTPConfig{
			Host:     cfg.smtpHost,
			Port:     cfg.smtpPort,
			Username: cfg.smtpUser,
			Password: cfg.smtpPass,
			From:     cfg.smtpFrom,
		})
	} else {
		slog.Warn("SMTP is not configured; confirmation links will only be logged")
	}

	confirmURL := strings.TrimRight(cfg.publicURL, "/") + "/api/auth/confirm"
	return auth.NewService(users, sessions, mailer, confirmURL), closeRevoker, nil
}
