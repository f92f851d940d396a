// Package main runs a development backend speaking the chat stream protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clay-studio/studio-chat/internal/config"
	"github.com/clay-studio/studio-chat/internal/handler"
	"github.com/clay-studio/studio-chat/internal/llm"
	natsclient "github.com/clay-studio/studio-chat/internal/nats"
	"github.com/clay-studio/studio-chat/internal/service"
	"github.com/clay-studio/studio-chat/pkg/logger"
	"github.com/clay-studio/studio-chat/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting development server")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "studio-chat-devserver", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	checks := map[string]handler.ReadinessCheck{}

	// Transcripts go to JetStream when NATS is configured, memory otherwise.
	var store service.TranscriptStore = service.NewMemoryStore()
	if cfg.NATSURL != "" {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		streamManager := natsclient.NewStreamManager(natsClient)
		if err := streamManager.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		store = streamManager

		checks["nats"] = func(ctx context.Context) error {
			if !natsClient.IsConnected() {
				return errors.New("NATS not connected")
			}
			return streamManager.RefreshMetrics(ctx)
		}
	}

	llmClient := newLLMClient(cfg, log)
	log.Info("using model provider",
		zap.String("provider", llmClient.Name()),
		zap.String("store", store.Name()),
	)

	chatSvc := service.NewChatService(store, llmClient, cfg.DefaultModel, log)

	router := handler.NewRouter(handler.RouterConfig{
		Chat:              handler.NewChatHandler(chatSvc, log),
		Health:            handler.NewHealthHandler(checks, log),
		Logger:            log,
		JWTSecret:         cfg.JWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// newLLMClient picks the configured provider, falling back to the echo
// provider when no key is available.
func newLLMClient(cfg *config.Config, log *logger.Logger) llm.Client {
	var (
		client llm.Client
		err    error
	)

	switch {
	case cfg.DefaultLLM == string(llm.ProviderOpenAI) && cfg.OpenAIAPIKey != "":
		client, err = llm.NewClient(llm.ProviderOpenAI, cfg.OpenAIAPIKey)
	case cfg.AnthropicAPIKey != "":
		client, err = llm.NewClient(llm.ProviderAnthropic, cfg.AnthropicAPIKey)
	case cfg.OpenAIAPIKey != "":
		client, err = llm.NewClient(llm.ProviderOpenAI, cfg.OpenAIAPIKey)
	default:
		return llm.NewEchoClient()
	}

	if err != nil {
		log.Warn("failed to create model client, using echo provider", zap.Error(err))
		return llm.NewEchoClient()
	}
	return client
}
