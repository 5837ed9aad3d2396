package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mealplanagent"
	"mealplanagent/app"
	"mealplanagent/ingress"
	"mealplanagent/ingress/httpapi"
)

func main() {
	seedUser := flag.String("seed-user", "local-user", "user added to the demo household; empty disables seeding")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Failed to load .env: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to decode: %s", err)
	}
	if cfg.Ingress.JWTSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}

	if mealplanagent.OtelEnabled() {
		_, _, otelShutdown, err := mealplanagent.InitOtel(ctx)
		if err != nil {
			slog.Error("SETUP: Failed to initialize OpenTelemetry", "error", err)
			return
		}
		defer func() {
			if err := otelShutdown(context.Background()); err != nil {
				slog.Error("SETUP: Failed to shutdown OpenTelemetry", "error", err)
			}
		}()
	}

	a, err := app.Build(ctx, cfg, app.Options{
		Logger:     mealplanagent.NewStdoutIterationLogger(),
		SeedUserID: *seedUser,
	})
	if err != nil {
		slog.Error("SETUP: Failed to build application", "error", err)
		return
	}
	defer a.Close()

	auth := ingress.NewAuthenticator(cfg.Ingress.JWTSecret)
	if *seedUser != "" {
		if tok, err := auth.Mint(*seedUser, 24*time.Hour); err == nil {
			slog.Info("SETUP: Demo token minted", "user_id", *seedUser, "household_id", app.DemoHouseholdID, "token", tok)
		}
	}

	srv := &http.Server{
		Addr:              cfg.Ingress.ListenAddr,
		Handler:           httpapi.NewRouter(a.Ingress, auth, cfg.Ingress.WorkerSecret),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("SETUP: Listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("SETUP: Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("SETUP: Shutdown failed", "error", err)
	}
	slog.Info("SETUP: Waiting for running jobs")
	a.Local.Wait()
}
