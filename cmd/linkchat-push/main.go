// Command linkchat-push merges one push notification into the profile's
// store. It runs when the platform wakes the app for a push while no
// daemon is running, so it opens the store directly; sqlite serializes its
// write against a daemon that starts meanwhile.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/linkchat/internal/bus"
	"github.com/matheus3301/linkchat/internal/client"
	"github.com/matheus3301/linkchat/internal/config"
	"github.com/matheus3301/linkchat/internal/contacts"
	"github.com/matheus3301/linkchat/internal/delivery"
	"github.com/matheus3301/linkchat/internal/lock"
	"github.com/matheus3301/linkchat/internal/logging"
	"github.com/matheus3301/linkchat/internal/profile"
	"github.com/matheus3301/linkchat/internal/store"
	intsync "github.com/matheus3301/linkchat/internal/sync"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: read payload: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := run(ctx, name, payload); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, name string, payload []byte) error {
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return err
	}
	logger, err := logging.New(profile.PushLogPath(name), name, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// A running daemon owns the active views, so let it merge.
	if delivered(ctx, name, payload, logger) {
		return nil
	}

	if err := profile.EnsureDir(name); err != nil {
		return err
	}
	db, err := store.Open(profile.DBPath(name))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		return err
	}

	b := bus.New()
	engine := intsync.NewEngine(db, b, logger)
	contacts.NewBook(db, engine, b, logger)

	h := delivery.NewPushHandler(engine, nil, logger)
	conv, err := h.Handle(ctx, payload)
	if err != nil {
		return err
	}
	logger.Info("push stored",
		zap.String("link_key", conv.Contact.LinkKey),
		zap.Int("messages", len(conv.Messages)),
		zap.Int("unread", conv.UnreadCount))
	return nil
}

func delivered(ctx context.Context, name string, payload []byte, logger *zap.Logger) bool {
	pid, running, err := lock.Holder(profile.Dir(name))
	if err != nil || !running {
		return false
	}
	c, err := client.New(profile.SocketPath(name))
	if err != nil {
		return false
	}
	defer func() { _ = c.Close() }()

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.DeliverPush(callCtx, payload); err != nil {
		logger.Warn("daemon did not take the push, storing directly", zap.Error(err))
		return false
	}
	logger.Info("push handed to daemon", zap.Int("daemon_pid", pid))
	return true
}
