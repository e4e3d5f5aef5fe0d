package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/kiwi/retrieval/internal/bootstrap"
	"github.com/OFFIS-RIT/kiwi/retrieval/internal/config"
	"github.com/OFFIS-RIT/kiwi/retrieval/internal/queue"
	"github.com/OFFIS-RIT/kiwi/retrieval/internal/server"
	mid "github.com/OFFIS-RIT/kiwi/retrieval/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/retrieval/internal/util"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"

	_ "github.com/lib/pq"
)

func main() {
	migrate := flag.Bool("migrate", false, "apply database migrations before serving")
	flag.Parse()

	util.LoadEnv()

	cfg, err := config.Load()
	if err != nil {
		bootstrap.InitLogger(&config.Config{Debug: util.GetEnvBool("DEBUG", false)}, "server")
		logger.Fatal("Invalid configuration", "err", err)
	}
	if *migrate {
		cfg.Migrate = true
	}
	bootstrap.InitLogger(cfg, "server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize retrieval engine", "err", err)
	}
	defer app.Close()

	// Invalidations are fanned out to workers only when a broker is configured.
	var publisher mid.Invalidations
	if util.GetEnv("RABBITMQ_HOST") != "" {
		conn, err := queue.Init(ctx)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", "err", err)
		}
		defer conn.Close()

		ch, err := conn.Channel()
		if err != nil {
			logger.Fatal("Failed to open channel", "err", err)
		}
		defer ch.Close()

		if err := queue.SetupQueues(ch, queue.Queues); err != nil {
			logger.Fatal("Failed to declare queues", "err", err)
		}
		publisher = queue.NewPublisher(ch)
	}

	err = server.Init(ctx, app, publisher)

	m := app.AI.GetMetrics()
	logger.Info(
		"AI usage",
		"input_tokens", m.InputTokens,
		"output_tokens", m.OutputTokens,
		"total_tokens", m.TotalTokens,
		"generation_calls", m.GenerationCalls,
		"embedding_calls", m.EmbeddingCalls,
		"tokens_per_second", m.TokenPerSecond,
	)

	if err != nil {
		logger.Error("Server stopped", "err", err)
		return
	}
	logger.Info("Shutdown complete")
}
