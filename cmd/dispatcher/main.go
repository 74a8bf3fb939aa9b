package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lifestream/lifestream-backend/internal/data/repos/idempotency"
	"github.com/lifestream/lifestream-backend/internal/data/repos/jobs"
	"github.com/lifestream/lifestream-backend/internal/db"
	"github.com/lifestream/lifestream-backend/internal/dispatcher"
	"github.com/lifestream/lifestream-backend/internal/platform/envutil"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
	"github.com/lifestream/lifestream-backend/internal/platform/redisq"
	"github.com/lifestream/lifestream-backend/internal/platform/tasks"
)

func main() {
	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := pg.DB()

	consumer, _ := os.Hostname()
	if consumer == "" {
		consumer = "dispatcher"
	}
	queue, err := redisq.NewQueue(log, consumer)
	if err != nil {
		log.Fatal("Queue init failed", "error", err)
	}
	defer queue.Close()

	launcher, err := tasks.NewProcessLauncher(log)
	if err != nil {
		log.Fatal("Launcher init failed", "error", err)
	}

	d := dispatcher.New(log, queue, jobs.NewTable(thePG), idempotency.NewTable(thePG), launcher)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Dispatcher stopped", "error", err)
		os.Exit(1)
	}
	log.Info("Dispatcher shut down")
}
