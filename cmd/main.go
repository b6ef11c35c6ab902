package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fablemind/fablemind-backend/internal/data/repos"
	httpx "github.com/fablemind/fablemind-backend/internal/http"
	"github.com/fablemind/fablemind-backend/internal/http/handlers"
	"github.com/fablemind/fablemind-backend/internal/http/middleware"
	"github.com/fablemind/fablemind-backend/internal/modules/auth"
	"github.com/fablemind/fablemind-backend/internal/modules/chat"
	"github.com/fablemind/fablemind-backend/internal/platform/cliproxy"
	"github.com/fablemind/fablemind-backend/internal/platform/embed"
	"github.com/fablemind/fablemind-backend/internal/platform/envutil"
	"github.com/fablemind/fablemind-backend/internal/platform/llm"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
	"github.com/fablemind/fablemind-backend/internal/platform/vecstore"
)

func main() {
	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Vector store
	storeCfg, err := vecstore.ResolveConfigFromEnv()
	if err != nil {
		log.Fatal("Invalid vector store config", "error", err)
	}
	store, err := vecstore.Open(log, storeCfg)
	if err != nil {
		log.Fatal("Could not open vector store", "error", err)
	}
	defer store.Close()

	// Repos
	metaRepo, err := repos.NewChatMetaRepo(log)
	if err != nil {
		log.Fatal("Could not init ChatMetaRepo", "error", err)
	}
	userRepo, err := repos.NewUserRepo(log)
	if err != nil {
		log.Fatal("Could not init UserRepo", "error", err)
	}

	// Platform services
	dispatcher := llm.NewDispatcher(log)
	embedService := embed.NewService(log, dispatcher)
	supervisor := cliproxy.NewSupervisor(log)
	supervisor.StartReaper()

	// Modules
	authService, err := auth.NewService(log, userRepo)
	if err != nil {
		log.Fatal("Could not init AuthService", "error", err)
	}
	chatService := chat.NewService(log, store, metaRepo, embedService, dispatcher, supervisor)

	// Handlers and middleware
	authHandler := handlers.NewAuthHandler(authService)
	chatHandler := handlers.NewChatHandler(log, chatService)
	memoriesHandler := handlers.NewMemoriesHandler(log, chatService)
	cliProxyHandler := handlers.NewCLIProxyHandler(log, supervisor)
	healthHandler := handlers.NewHealthHandler()
	authMiddleware := middleware.NewAuthMiddleware(log, authService)

	server := httpx.NewServer(httpx.RouterConfig{
		Log:             log,
		AuthHandler:     authHandler,
		AuthMiddleware:  authMiddleware,
		ChatHandler:     chatHandler,
		MemoriesHandler: memoriesHandler,
		CLIProxyHandler: cliProxyHandler,
		HealthHandler:   healthHandler,
	})

	port := envutil.String("PORT", "8080")
	errCh := make(chan error, 1)
	go func() {
		log.Info("Server listening", "port", port)
		errCh <- server.Run(":" + port)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("Server failed", "error", err)
		}
	case sig := <-quit:
		log.Info("Shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown failed", "error", err)
	}
	supervisor.Shutdown(shutdownCtx)
}
