package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatch/internal/config"
	"github.com/ignite/dispatch/internal/domain"
	"github.com/ignite/dispatch/internal/queue"
	"github.com/ignite/dispatch/internal/ratelimit"
	"github.com/ignite/dispatch/internal/repository/postgres"
	"github.com/ignite/dispatch/internal/sender"
	"github.com/ignite/dispatch/internal/service/campaign"
	"github.com/ignite/dispatch/internal/worker"
)

func main() {
	log.Println("Starting dispatch worker...")

	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("ping database: %v", err)
	}
	log.Println("Connected to database")

	policy := queue.Policy{
		MaxAttempts: cfg.Engine.MaxAttempts,
		Base:        cfg.Engine.BackoffBase(),
		Max:         cfg.Engine.BackoffMax(),
	}
	store := queue.NewPostgresStore(db, policy)
	repo := postgres.NewCampaignRepo(db)

	// Shared limiter when Redis is configured; per-process otherwise.
	var limiters worker.LimiterFactory
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("ping redis: %v", err)
		}
		log.Println("Connected to redis, using distributed rate limiter")
		limiters = func(campaignID string, rate int) ratelimit.Limiter {
			return ratelimit.NewRedisLimiter(rdb, campaignID, rate)
		}
	} else {
		log.Println("No REDIS_URL, using in-process rate limiter")
		limiters = func(_ string, rate int) ratelimit.Limiter {
			return ratelimit.NewLocalLimiter(rate)
		}
	}

	var transport sender.Sender
	if cfg.SES.AccessKey != "" {
		transport, err = sender.NewSESSender(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)
		if err != nil {
			log.Fatalf("init ses: %v", err)
		}
		log.Printf("Using SES transport in %s", cfg.SES.Region)
	} else {
		transport = sender.NewLogSender()
		log.Println("No SES credentials, using log-only transport")
	}

	render := &worker.Renderer{TrackingBaseURL: cfg.Tracking.BaseURL}
	poolCfg := worker.Config{
		NumWorkers:   cfg.Engine.NumWorkers,
		BatchSize:    cfg.Engine.BatchSize,
		PollInterval: cfg.Engine.PollInterval(),
	}

	var svc *campaign.Service
	manager := worker.NewManager(store, repo, transport, render, limiters, poolCfg,
		func(ctx context.Context, campaignID string) error {
			return svc.CompleteIfDrained(ctx, campaignID)
		})
	svc = campaign.NewService(repo, store, manager, int(cfg.Engine.MaxQueueDepth))

	ctx, stop := context.WithCancel(context.Background())
	manager.Start(ctx)

	recovery := queue.NewRecoveryWorker(store, cfg.Engine.RecoveryInterval(), cfg.Engine.LeaseTimeout())
	recovery.Start(ctx)

	// Pick up campaigns in sending state, including ones that were
	// mid-flight when the previous process died.
	go adoptLoop(ctx, repo, manager)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down worker...")

	stop()
	recovery.Stop()
	manager.Stop()
	log.Println("worker stopped")
}

// adoptLoop starts pools for campaigns that are in sending state but have
// no pool in this process.
func adoptLoop(ctx context.Context, repo *postgres.CampaignRepo, manager *worker.Manager) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		campaigns, err := repo.List(ctx, campaign.ListFilter{Status: string(domain.CampaignSending), Limit: 200})
		if err != nil {
			log.Printf("[Worker] list sending campaigns: %v", err)
			continue
		}
		for i := range campaigns {
			c := campaigns[i]
			if !manager.Running(c.ID) {
				log.Printf("[Worker] adopting campaign %s (%s)", c.ID, c.Name)
				manager.StartCampaign(ctx, &c)
			}
		}
	}
}
