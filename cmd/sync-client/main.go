package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"aim-chat/ui-sync-client/internal/config"
	"aim-chat/ui-sync-client/internal/connection"
	"aim-chat/ui-sync-client/internal/platform/privacylog"
	"aim-chat/ui-sync-client/internal/push"
	"aim-chat/ui-sync-client/internal/sender"
	"aim-chat/ui-sync-client/internal/session"

	"golang.org/x/time/rate"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	endpoint := flag.String("endpoint", "", "Sync endpoint URL override")
	sessionID := flag.String("session", "", "Session id override")
	transport := flag.String("transport", "", "Push transport override: go-waku | mock")
	flag.Parse()
	if *showVersion {
		fmt.Printf("sync-client version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *endpoint != "" {
		_ = os.Setenv("AIM_SYNC_ENDPOINT", *endpoint)
	}
	if *sessionID != "" {
		_ = os.Setenv("AIM_SYNC_SESSION_ID", *sessionID)
	}
	if *transport != "" {
		_ = os.Setenv("AIM_NETWORK_TRANSPORT", *transport)
	}

	logger := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, nil)))
	slog.SetDefault(logger)

	cfg := config.LoadFromPath(*configPath)
	if cfg.Sync.Endpoint == "" {
		logger.Error("sync endpoint is required (flag -endpoint, config, or AIM_SYNC_ENDPOINT)")
		os.Exit(1)
	}
	if cfg.Sync.SessionID == "" {
		logger.Error("session id is required (flag -session, config, or AIM_SYNC_SESSION_ID)")
		os.Exit(1)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sync-client failed", "reason", err.Error())
		os.Exit(1)
	}
	logger.Info("sync-client stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var resume *session.Store
	var err error
	switch {
	case cfg.Sync.ResumePath == "":
		resume = session.NewStore()
	case cfg.Sync.ResumePassphrase != "":
		resume, err = session.NewEncryptedPersistentStore(cfg.Sync.ResumePath, cfg.Sync.ResumePassphrase)
	default:
		resume, err = session.NewPersistentStore(cfg.Sync.ResumePath)
	}
	if err != nil {
		return fmt.Errorf("resume store: %w", err)
	}
	if snap, ok := resume.Current(); ok && snap.SessionID == cfg.Sync.SessionID {
		logger.Info("resume snapshot found",
			"session_id", snap.SessionID, "last_seen_sync_id", snap.LastSeenSyncID)
	}

	var conn *connection.Connection

	snd := sender.New(sender.Config{
		Endpoint:   cfg.Sync.Endpoint,
		CsrfToken:  func() string { return conn.CsrfToken() },
		OnResponse: func(wrapped string) { conn.HandleWirePayload(wrapped) },
		ResyncRate: rate.Limit(cfg.Sync.ResyncPerMinute / 60),
		Logger:     logger,
	})

	conn = connection.New(connection.Options{
		SessionID:          cfg.Sync.SessionID,
		Outgoing:           snd,
		Resume:             resume,
		ForceReleaseBudget: cfg.Sync.ForceReleaseBudget,
		Logger:             logger,
	})

	node := push.NewNode(cfg.Network)
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("push channel: %w", err)
	}
	defer func() { _ = node.Stop(context.Background()) }()

	node.SetSession(cfg.Sync.SessionID)
	if err := node.Subscribe(func(env push.Envelope) {
		conn.HandleWirePayload(string(env.Payload))
	}); err != nil {
		return fmt.Errorf("push subscribe: %w", err)
	}

	logger.Info("sync-client running",
		"session_id", cfg.Sync.SessionID, "transport", cfg.Network.Transport)

	<-ctx.Done()
	snd.Wait()
	return nil
}
