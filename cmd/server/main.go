package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/civiclens/civiclens/internal/api"
	"github.com/civiclens/civiclens/internal/auth"
	"github.com/civiclens/civiclens/internal/config"
	"github.com/civiclens/civiclens/internal/core"
	"github.com/civiclens/civiclens/internal/extract"
	"github.com/civiclens/civiclens/internal/store"
	"github.com/civiclens/civiclens/internal/workflow"
)

func main() {
	issueToken := flag.String("issue-token", "", `print a session token for "subject,email" signed with JWT_SECRET and exit`)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	if *issueToken != "" {
		if err := printToken(cfg, *issueToken); err != nil {
			slog.Error("failed to issue token", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func printToken(cfg *config.Config, arg string) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	subject, email, ok := strings.Cut(arg, ",")
	if !ok || subject == "" || email == "" {
		return fmt.Errorf("expected \"subject,email\", got %q", arg)
	}
	token, err := auth.GenerateJWT(cfg.JWTSecret, auth.Identity{Subject: subject, Email: email}, 24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.UsesMongo() {
		slog.Info("using MongoDB store", "database", cfg.MongoDatabase)
		return store.NewMongoStore(ctx, cfg.DatabaseURL, cfg.MongoDatabase)
	}
	slog.Info("using SQLite store", "path", cfg.DatabaseURL)
	return store.NewSQLiteStore(cfg.DatabaseURL)
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	dbStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer dbStore.Close()

	params, err := config.LoadAIParams(cfg.AIParamsFile)
	if err != nil {
		return err
	}
	modelName := cfg.GeminiModel
	if modelName == "" {
		modelName = params.Model
	}
	gemini, err := core.NewGeminiBackend(ctx, cfg.GeminiAPIKey, modelName)
	if err != nil {
		return fmt.Errorf("initialize model client: %w", err)
	}
	defer gemini.Close()

	// Keep the interface nil when there is no secondary model.
	var (
		secondary        *core.SecondaryBackend
		secondaryBackend core.Backend
	)
	if cfg.SecondaryModelURL != "" {
		secondary = core.NewSecondaryBackend(cfg.SecondaryModelURL, cfg.SecondaryModelAPIKey, cfg.SecondaryModelEnabled)
		secondaryBackend = secondary
		slog.Info("secondary model configured", "url", cfg.SecondaryModelURL, "preferred", cfg.SecondaryModelEnabled)
	}
	gateway := core.NewGateway(gemini, secondaryBackend, cfg.SecondaryModelEnabled)

	tokens, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTPublicKey, cfg.JWTIssuer)
	if err != nil {
		return err
	}
	var webhooks *auth.WebhookVerifier
	if cfg.WebhookSecret != "" {
		if webhooks, err = auth.NewWebhookVerifier(cfg.WebhookSecret); err != nil {
			return err
		}
	} else {
		slog.Warn("IDP_WEBHOOK_SECRET not set, identity webhooks are disabled")
	}

	workflows := workflow.New(cfg.WorkflowURL, cfg.WorkflowAuth, cfg.WorkflowNamespace)
	if !workflows.Configured() {
		slog.Warn("WORKFLOW_AUTH not set, workflow triggers are disabled")
	}

	handler := api.NewAPIHandler(api.Services{
		Config:    cfg,
		Store:     dbStore,
		Chats:     core.NewChatService(dbStore, extract.New(dbStore, nil), gateway, params),
		Files:     core.NewFileService(dbStore),
		AI:        core.NewAIService(gemini, gateway, secondary, params),
		Workflows: workflows,
		Tokens:    tokens,
		Webhooks:  webhooks,
	})

	serverAddr := ":" + cfg.HTTPPort
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No write timeout: streamed answers stay open for as long as the model talks.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", serverAddr, err)
	case <-quit:
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	slog.Info("server exited gracefully")
	return nil
}
