package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/reach-scheduler/internal/api"
	"github.com/ignite/reach-scheduler/internal/config"
	"github.com/ignite/reach-scheduler/internal/queue"
	"github.com/ignite/reach-scheduler/internal/scheduler"
	"github.com/ignite/reach-scheduler/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("[Server] Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[Server] Invalid configuration: %v", err)
	}

	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Server] %v", err)
	}
	defer db.Close()

	st := store.NewStore(db)
	ctx := context.Background()
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("[Server] Schema bootstrap failed: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
	})
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("[Server] Redis connection failed: %v", err)
	}

	q := queue.New(redisClient, queue.DefaultNamespace)
	sched := scheduler.New(st, q,
		int64(cfg.Limits.MinDelayBetweenEmailsMS),
		cfg.Limits.MaxEmailsPerHourPerSender)

	handlers := api.NewHandlers(sched, st, q)
	router := api.SetupRoutes(handlers)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("[Server] Listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Server] %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("[Server] Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] Shutdown error: %v", err)
	}
	log.Println("[Server] Stopped")
}
