// Command callbridge runs the call bridge gateway: the carrier webhook, the
// call sockets and the conversation lifecycle REST surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/andino-labs/callbridge/internal/dotenv"
	"github.com/andino-labs/callbridge/pkg/agent"
	"github.com/andino-labs/callbridge/pkg/gateway/config"
	gatewayserver "github.com/andino-labs/callbridge/pkg/gateway/server"
	"github.com/andino-labs/callbridge/pkg/session"
	"github.com/andino-labs/callbridge/pkg/telco"
	"github.com/andino-labs/callbridge/pkg/transcript"
)

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func buildRepository(ctx context.Context, cfg config.Config) (transcript.Repository, func(), error) {
	switch cfg.Storage {
	case config.StoragePostgres:
		repo, err := transcript.NewPGRepository(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres repository: %w", err)
		}
		return repo, repo.Close, nil
	default:
		repo, err := transcript.NewFSRepository(cfg.StorageDir)
		if err != nil {
			return nil, nil, fmt.Errorf("fs repository: %w", err)
		}
		return repo, func() {}, nil
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	directory := agent.NewDirectory()
	if cfg.AgentConfigFile != "" {
		if err := directory.LoadFile(cfg.AgentConfigFile); err != nil {
			return fmt.Errorf("agent config: %w", err)
		}
	}

	repo, closeRepo, err := buildRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	// Ended sessions leave the registry; persist their final shape so status
	// queries keep answering after the call.
	archiver := session.ArchiverFunc(func(s session.CallSession) {
		conv := &transcript.Conversation{
			ConversationID: s.ConversationID,
			AgentID:        s.AgentID,
			AgentName:      s.AgentName,
			CallerPhone:    s.CallerPhone,
			CallerName:     s.CallerName,
			Language:       s.Language,
			CountryCode:    s.CountryCode,
			StartTime:      s.StartTime,
			EndTime:        s.EndTime,
			Status:         string(s.Status),
			Metadata:       s.CustomContext,
		}
		if existing, err := repo.FindByID(context.Background(), s.ConversationID); err == nil {
			// The recorder already archived the transcript; keep its entries.
			conv.Entries = existing.Entries
			if existing.Status != "" && existing.Status != "active" {
				conv.Status = existing.Status
			}
		}
		if err := repo.Save(context.Background(), conv); err != nil {
			logger.Error("archive session", "conversation_id", s.ConversationID, "error", err)
		}
	})
	registry := session.NewRegistry(directory, archiver, logger)

	var telcoClient *telco.Client
	if cfg.CarrierConfigured() {
		telcoClient, err = telco.New(telco.Config{
			AccountSID: cfg.CarrierAccountSID,
			AuthToken:  cfg.CarrierAuthToken,
			FromNumber: cfg.CarrierFromNumber,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("carrier client: %w", err)
		}
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if cfg.AgentConfigFile != "" {
		if err := directory.Watch(watchCtx, cfg.AgentConfigFile, logger); err != nil {
			logger.Warn("agent config watch unavailable", "error", err)
		}
	}

	gw := gatewayserver.New(cfg, directory, registry, repo, telcoClient, logger)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"storage", string(cfg.Storage),
		"carrier_enabled", telcoClient != nil)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String(), "active_bridges", gw.Bridges().Count())
	}

	// Let in-flight calls finish within the grace period, then cut them.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.Bridges().Wait(waitCtx) {
		n := gw.Bridges().CancelAll()
		logger.Warn("grace period elapsed, canceling bridges", "canceled", n)
		gw.Bridges().Wait(context.Background())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}

	if err := run(ctx, logger); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr))
}
