package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fitpulse/campaign-engine/internal/api"
	"github.com/fitpulse/campaign-engine/internal/campaign"
	"github.com/fitpulse/campaign-engine/internal/config"
	"github.com/fitpulse/campaign-engine/internal/db"
	"github.com/fitpulse/campaign-engine/internal/dispatch"
	"github.com/fitpulse/campaign-engine/internal/enrollment"
	"github.com/fitpulse/campaign-engine/internal/intake"
	"github.com/fitpulse/campaign-engine/internal/pkg/logger"
	"github.com/fitpulse/campaign-engine/internal/schedule"
	"github.com/fitpulse/campaign-engine/internal/stats"
	"github.com/fitpulse/campaign-engine/internal/template"
	"github.com/fitpulse/campaign-engine/internal/tracking"
	"github.com/fitpulse/campaign-engine/internal/transport"
	"github.com/fitpulse/campaign-engine/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}

	log.Println("Starting campaign engine server...")

	database, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("Failed to ping Redis: %v", err)
	}
	log.Println("Connected to Redis")

	tp, err := transport.New(cfg.Transport)
	if err != nil {
		log.Fatalf("Failed to initialize mail transport: %v", err)
	}
	log.Printf("Mail transport: %s", tp.Name())

	queue := schedule.NewQueue(redisClient)
	campaigns := campaign.NewStore(database, time.Duration(cfg.Engine.CampaignCacheTTLSec)*time.Second)
	enrollments := enrollment.NewStore(database)
	tracker := enrollment.NewTracker(enrollments, queue)
	renderer := template.NewRenderer(database)
	aggregator := stats.NewAggregator(database)
	eventIntake := intake.NewIntake(campaigns, tracker)
	processor := tracking.NewProcessor(tracker, aggregator)

	dispatcher := dispatch.NewDispatcher(tracker, campaigns, renderer, tp, aggregator, dispatch.Config{
		FromName:   cfg.Transport.FromName,
		FromEmail:  cfg.Transport.FromEmail,
		MaxRetries: cfg.Engine.SendMaxRetries,
	})

	pool := worker.NewPool(queue, dispatcher, enrollments, campaigns, redisClient,
		cfg.Engine.Workers, time.Duration(cfg.Engine.PollIntervalSeconds)*time.Second, cfg.Engine.PollBatchSize)
	if err := pool.Start(); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}

	handlers := api.NewHandlers(eventIntake, processor, tracker, campaigns, aggregator, queue, pool, database, redisClient)
	server := api.NewServer(handlers)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil {
			log.Printf("HTTP server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	pool.Stop()
	log.Println("Shutdown complete")
}
