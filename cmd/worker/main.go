package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/reach-scheduler/internal/config"
	"github.com/ignite/reach-scheduler/internal/mailer"
	"github.com/ignite/reach-scheduler/internal/maintenance"
	"github.com/ignite/reach-scheduler/internal/queue"
	"github.com/ignite/reach-scheduler/internal/ratelimit"
	"github.com/ignite/reach-scheduler/internal/store"
	"github.com/ignite/reach-scheduler/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("[Worker] Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[Worker] Invalid configuration: %v", err)
	}

	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Worker] %v", err)
	}
	defer db.Close()

	st := store.NewStore(db)
	ctx := context.Background()
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("[Worker] Schema bootstrap failed: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
	})
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("[Worker] Redis connection failed: %v", err)
	}

	q := queue.New(redisClient, queue.DefaultNamespace)
	limiter := ratelimit.NewLimiter(redisClient,
		cfg.Limits.MaxEmailsPerHour,
		cfg.Limits.MaxEmailsPerHourPerSender)

	var sender mailer.MailSender
	if cfg.SMTP.Host != "" {
		sender = mailer.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port,
			cfg.SMTP.Username, cfg.SMTP.Password,
			cfg.SMTP.FromEmail, cfg.SMTP.FromName)
		log.Printf("[Worker] Using SMTP transport %s:%d", cfg.SMTP.Host, cfg.SMTP.Port)
	} else {
		sender = mailer.NewConsoleSender()
		log.Println("[Worker] No SMTP host configured, using console transport")
	}

	// Reservations left behind by a previous run are recovered before the
	// pool starts so no dispatch rests in limbo after a restart.
	if n, err := q.RequeueStuck(ctx, 0); err != nil {
		log.Printf("[Worker] Startup recovery error: %v", err)
	} else if n > 0 {
		log.Printf("[Worker] Recovered %d tasks from previous run", n)
	}

	pool := worker.NewPool(q, st, limiter, sender, worker.Config{
		Concurrency: cfg.Worker.Concurrency,
		MinDelay:    cfg.Limits.MinDelay(),
	})
	if err := pool.Start(); err != nil {
		log.Fatalf("[Worker] %v", err)
	}

	runner := maintenance.New(q, st)
	if err := runner.Start(); err != nil {
		log.Fatalf("[Worker] Maintenance start failed: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("[Worker] Shutting down...")
	runner.Stop()
	pool.Stop()
	log.Println("[Worker] Stopped")
}
