package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"attendance/internal/attendance"
	"attendance/internal/config"
	"attendance/internal/queue"
	"attendance/internal/store"
)

// Worker consumes scan events from the queue and persists the audit
// trail, keeping the scan request path free of audit writes.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	var repo attendance.Repository
	if cfg.StoreBackend == "memory" {
		repo = store.NewMemory()
	} else {
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect failed: %v", err)
		}
		defer db.Close()
		pg := store.NewPostgres(db.Client)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("migrate failed: %v", err)
		}
		repo = pg
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:scans")
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("audit worker started, waiting for scan events...")
	for msg := range messages {
		if msg.Type != "scan" {
			continue
		}

		var audit attendance.ScanAudit
		if err := json.Unmarshal(msg.Body, &audit); err != nil {
			log.Printf("bad scan event: %v", err)
			continue
		}
		if audit.ID == "" {
			audit.ID = uuid.NewString()
		}

		if err := repo.InsertScanAudit(ctx, audit); err != nil {
			log.Printf("audit insert failed for session %s: %v", audit.SessionID, err)
			continue
		}
		log.Printf("audited %s scan for session %s", audit.Outcome, audit.SessionID)
	}

	log.Println("worker stopped")
}
