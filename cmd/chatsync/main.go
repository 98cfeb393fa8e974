// Package main is the entry point for the chat sync agent.
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

	"github.com/amora-app/chatsync/internal/api"
	"github.com/amora-app/chatsync/internal/auth"
	"github.com/amora-app/chatsync/internal/config"
	"github.com/amora-app/chatsync/internal/conversations"
	"github.com/amora-app/chatsync/internal/handler"
	"github.com/amora-app/chatsync/internal/matches"
	"github.com/amora-app/chatsync/internal/notify"
	"github.com/amora-app/chatsync/internal/realtime"
	"github.com/amora-app/chatsync/internal/service"
	"github.com/amora-app/chatsync/pkg/logger"
	"github.com/amora-app/chatsync/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting chat sync agent",
		zap.String("api", cfg.APIBaseURL),
		zap.String("hub_transport", cfg.HubTransport),
	)

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chatsync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Identity and backend clients
	provider := auth.NewProvider()
	apiClient := api.NewClient(api.Config{
		BaseURL: cfg.APIBaseURL,
		Timeout: cfg.HTTPTimeout,
	}, provider, log)

	dialer, err := newDialer(cfg, log)
	if err != nil {
		log.Error("invalid hub configuration", zap.Error(err))
		os.Exit(1)
	}
	hub := realtime.NewClient(dialer, provider, realtime.Options{
		InvokeTimeout:        cfg.InvokeTimeout,
		ReconnectInitial:     cfg.ReconnectInitial,
		ReconnectMaxInterval: cfg.ReconnectMaxInterval,
		ReconnectMaxElapsed:  cfg.ReconnectMaxElapsed,
	}, log)

	// Initialize caches and services
	convs := conversations.New(apiClient, provider, log)
	defer convs.Close()
	matchCache := matches.New(apiClient, convs, provider, log)
	defer matchCache.Close()
	badge := notify.NewAggregator(convs, matchCache, provider)
	defer badge.Close()

	chatSvc := service.New(service.Config{
		Identity:      provider,
		Transport:     hub,
		History:       apiClient,
		Profiles:      apiClient,
		Conversations: convs,
		Matches:       matchCache,
		PageSize:      cfg.HistoryPageSize,
		Log:           log,
	})
	defer chatSvc.Close()

	if cfg.AccessToken != "" {
		id, err := chatSvc.Login(ctx, cfg.AccessToken)
		if err != nil {
			log.Warn("startup login failed", zap.Error(err))
		} else {
			log.Info("logged in from ACCESS_TOKEN", zap.String("user_id", id.UserID))
		}
	}

	// Initialize handlers
	handlers := handler.Handlers{
		Health:        handler.NewHealthHandler(chatSvc),
		Session:       handler.NewSessionHandler(chatSvc, log),
		Conversations: handler.NewConversationHandler(convs, chatSvc, log),
		Messages:      handler.NewMessageHandler(chatSvc, log),
		Matches:       handler.NewMatchHandler(matchCache, badge, log),
		Stream:        handler.NewStreamHandler(chatSvc, convs, matchCache, badge, log),
	}

	r := handler.NewRouter(handlers, handler.RouterConfig{
		Identity:          chatSvc,
		AllowedOrigins:    cfg.BridgeAllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Log:               log,
	})

	// Create HTTP server. No write timeout: the event stream is long lived.
	server := &http.Server{
		Addr:        "127.0.0.1:" + cfg.BridgePort,
		Handler:     r,
		ReadTimeout: cfg.ServerReadTimeout,
		IdleTimeout: 120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("bridge listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	chatSvc.Logout(shutdownCtx)

	log.Info("agent stopped")
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	if cfg.Environment == "development" {
		return logger.NewDevelopment()
	}
	return logger.New(cfg.LogLevel)
}

func newDialer(cfg *config.Config, log *logger.Logger) (realtime.Dialer, error) {
	switch cfg.HubTransport {
	case config.TransportWebsocket:
		return &realtime.WebsocketDialer{
			URL: cfg.HubURL,
			Log: log,
		}, nil
	case config.TransportNATS:
		return &realtime.NATSDialer{
			URL:                 cfg.NATSURL,
			SubjectPrefix:       cfg.NATSSubjectPrefix,
			CAFile:              cfg.NATSCAFile,
			CertFile:            cfg.NATSCertFile,
			KeyFile:             cfg.NATSKeyFile,
			ReconnectWait:       cfg.ReconnectInitial,
			ReconnectMaxElapsed: cfg.ReconnectMaxElapsed,
			Log:                 log,
		}, nil
	default:
		return nil, fmt.Errorf("unknown hub transport %q", cfg.HubTransport)
	}
}
