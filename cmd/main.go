package main

import (
	"context"
	"flag"
	logg "log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Jolteous/JahaanVote/internal/config"
	"github.com/Jolteous/JahaanVote/internal/session"
	"github.com/Jolteous/JahaanVote/internal/store"
	"github.com/Jolteous/JahaanVote/pkg/logger"
	rdb "github.com/Jolteous/JahaanVote/pkg/redis"
	tnt "github.com/Jolteous/JahaanVote/pkg/tarantool"
)

// Headless session client: joins the shared session under the given name,
// logs every republished snapshot, and leaves cleanly on SIGINT/SIGTERM.
func main() {
	name := flag.String("name", "", "display name to join the session with")
	flag.Parse()

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	cfg, err := config.New()
	if err != nil {
		logg.Fatalf("failed to load config: %s", err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		logg.Fatalf("failed to initalize logger: %s", err)
	}

	conn, err := tnt.New(cfg.Tarantool)
	if err != nil {
		logg.Fatalf("failed to connect to Tarantool: %s", err)
	}
	client, err := rdb.New(ctx, cfg.Redis)
	if err != nil {
		logg.Fatalf("failed to connect to Redis: %s", err)
	}

	st := store.NewTarantoolStore(conn, client, cfg.SessionID, log)

	sess, err := session.Login(ctx, st, *name, session.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		LiveWindow:        cfg.LiveWindow,
		RosterDebounce:    cfg.RosterDebounce,
		ReactionCooldown:  cfg.ReactionCooldown,
	}, log)
	if err != nil {
		logg.Fatalf("failed to join session: %s", err)
	}

	go func() {
		for snap := range sess.Updates() {
			active := ""
			if snap.ActivePoll != nil {
				active = snap.ActivePoll.Question
			}
			log.Info("session state",
				zap.String("active_poll", active),
				zap.Int("previous_polls", len(snap.PreviousPolls)),
				zap.Int("live_participants", len(snap.Roster)),
				zap.Int("messages", len(snap.Messages)),
				zap.Int("removal_state", int(snap.Removal)))
		}
	}()

	<-ctx.Done()
	sess.Close()
	conn.CloseGraceful()
	if err := client.Close(); err != nil {
		log.Error("failed to close Redis client", zap.Error(err))
	}
	logg.Println("session client stopped")
}
