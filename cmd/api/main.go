package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/sales-assistant/backend/internal/analysis/leadtrigger"
	"github.com/zhouzirui/sales-assistant/backend/internal/config"
	"github.com/zhouzirui/sales-assistant/backend/internal/deferred"
	"github.com/zhouzirui/sales-assistant/backend/internal/handler"
	"github.com/zhouzirui/sales-assistant/backend/internal/integrations/paramstore"
	"github.com/zhouzirui/sales-assistant/backend/internal/integrations/supabase"
	"github.com/zhouzirui/sales-assistant/backend/internal/repository"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/ai"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/chat"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/identity"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/knowledge"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/persist"
	"github.com/zhouzirui/sales-assistant/backend/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Debug("no .env file loaded, using process environment", "error", envErr)
	}

	// ---- AWS clients, only when a cloud backend is in use ----
	var clients *awsClients
	if cfg.Secrets.Enabled() || cfg.Store.Backend == config.StoreDynamoDB {
		clients, err = loadAWS(ctx)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
	}

	if cfg.Secrets.Enabled() {
		secrets, err := paramstore.New(clients.ssm)
		if err != nil {
			logger.Error("failed to create parameter store client", "error", err)
			os.Exit(1)
		}
		if err := cfg.ApplySecrets(ctx, secrets); err != nil {
			logger.Error("failed to load secrets", "error", err)
			os.Exit(1)
		}
	}

	store := openStore(cfg.Store, clients, logger)

	// ---- Deferred writes ----
	var scheduler deferred.Scheduler
	var queue *deferred.Queue
	if cfg.Persist.DeferredMode == config.DeferredInline {
		scheduler = deferred.NewInline(cfg.Persist.Timeout, logger)
	} else {
		queue = deferred.NewQueue(cfg.Persist.Timeout, logger)
		scheduler = queue
	}

	var sidecar *persist.Sidecar
	if store != nil {
		sidecar = persist.NewSidecar(store, scheduler, cfg.Persist.MaxChars, cfg.Persist.RetryChars, logger)
	}

	// ---- Model provider ----
	var aiService *ai.Service
	if cfg.AI.Enabled() {
		aiService, err = ai.NewService(ctx, cfg.AI, logger)
		if err != nil {
			logger.Warn("failed to initialize AI service, chat will return CONFIG_ERROR", "error", err)
			aiService = nil
		} else {
			logger.Info("AI service initialized", "model", cfg.AI.Model)
		}
	} else {
		logger.Warn("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	// ---- Knowledge retrieval ----
	var index *knowledge.SQLiteIndex
	var knowledgeSvc *knowledge.Service
	if cfg.Knowledge.Enabled && store != nil {
		index, err = knowledge.NewSQLiteIndex(cfg.Knowledge.DBPath)
		if err != nil {
			logger.Warn("failed to open knowledge index, retrieval disabled", "path", cfg.Knowledge.DBPath, "error", err)
		} else {
			knowledgeSvc = knowledge.NewService(store, index, cfg.AI.KnowledgeTopK, logger)
		}
	}

	// ---- Identity ----
	var exchanger identity.Exchanger
	if cfg.Auth.Enabled() {
		client, err := supabase.NewClient(cfg.Auth.SupabaseURL, cfg.Auth.ServiceRoleKey)
		if err != nil {
			logger.Error("failed to create auth client", "error", err)
			os.Exit(1)
		}
		exchanger = client
	} else {
		logger.Warn("auth provider not configured, bearer tokens will be ignored")
	}
	resolver := identity.NewResolver(exchanger, cfg.Auth.DefaultOwnerID, cfg.Auth.CacheTTL, logger)

	vocab := leadtrigger.DefaultVocabulary()
	if cfg.Chat.VocabularyFile != "" {
		vocab, err = leadtrigger.LoadVocabulary(cfg.Chat.VocabularyFile)
		if err != nil {
			logger.Error("failed to load trigger vocabulary", "path", cfg.Chat.VocabularyFile, "error", err)
			os.Exit(1)
		}
	}

	chatService := chat.NewService(chat.Deps{
		AI:           aiService,
		Identity:     resolver,
		Sessions:     session.NewService(store, logger),
		Knowledge:    knowledgeSvc,
		Persist:      sidecar,
		Detector:     leadtrigger.NewDetector(vocab),
		FallbackText: cfg.Chat.FallbackText,
		GatedText:    cfg.Chat.GatedText,
		Logger:       logger,
	})

	router := handler.NewRouter(handler.Services{
		Chat:      chatService,
		Identity:  resolver,
		Knowledge: knowledgeSvc,
		Store:     store,
		MaxBody:   cfg.Chat.MaxBodyBytes,
		Logger:    logger,

		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("sales assistant backend listening", "addr", srv.Addr, "store", cfg.Store.Backend, "deferred", scheduler.Mode())
	if err := runServer(ctx, srv); err != nil {
		logger.Error("server error", "error", err)
	}

	// 关停顺序：先停止接收请求，再等待延迟写入，最后关闭存储
	if queue != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Persist.DrainTimeout)
		if err := queue.Drain(drainCtx); err != nil {
			logger.Warn("deferred writes did not finish", "pending", queue.Pending(), "error", err)
		}
		cancel()
	}
	if index != nil {
		if err := index.Close(); err != nil {
			logger.Warn("close knowledge index failed", "error", err)
		}
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Warn("close store failed", "error", err)
		}
	}
}

type awsClients struct {
	ssm    *awsssm.Client
	dynamo *awsdynamodb.Client
}

func loadAWS(ctx context.Context) (*awsClients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &awsClients{
		ssm:    awsssm.NewFromConfig(cfg),
		dynamo: awsdynamodb.NewFromConfig(cfg),
	}, nil
}

// openStore returns nil when the backend is disabled or fails to open; the chat
// core then runs without persistence and owner routes answer 500.
func openStore(cfg config.StoreConfig, clients *awsClients, logger *slog.Logger) repository.Store {
	switch cfg.Backend {
	case config.StoreSQLite:
		store, err := repository.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			logger.Error("failed to open sqlite store, persistence disabled", "path", cfg.SQLitePath, "error", err)
			return nil
		}
		return store
	case config.StoreDynamoDB:
		store, err := repository.NewDynamoStore(clients.dynamo, cfg.DynamoDBTable)
		if err != nil {
			logger.Error("failed to create dynamodb store, persistence disabled", "table", cfg.DynamoDBTable, "error", err)
			return nil
		}
		return store
	default:
		logger.Warn("store disabled, conversations will not be persisted")
		return nil
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
