package main

import (
	"context"
	"errors"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/redis"
	"github.com/wb-go/wbf/zlog"

	"github.com/jkalala/bloodlink/internal/api/handlers/inbound"
	requesthandler "github.com/jkalala/bloodlink/internal/api/handlers/request"
	"github.com/jkalala/bloodlink/internal/api/router"
	"github.com/jkalala/bloodlink/internal/api/server"
	"github.com/jkalala/bloodlink/internal/config"
	"github.com/jkalala/bloodlink/internal/dispatch"
	"github.com/jkalala/bloodlink/internal/intake"
	"github.com/jkalala/bloodlink/internal/lifecycle"
	"github.com/jkalala/bloodlink/internal/matcher"
	requestmsg "github.com/jkalala/bloodlink/internal/rabbitmq/handlers/request"
	"github.com/jkalala/bloodlink/internal/rabbitmq/queue"
	requestrepo "github.com/jkalala/bloodlink/internal/repository/request"
	userrepo "github.com/jkalala/bloodlink/internal/repository/user"
	"github.com/jkalala/bloodlink/internal/service/emergency"
	"github.com/jkalala/bloodlink/internal/worker"
	"github.com/jkalala/bloodlink/pkg/sms"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zlog.Init()
	cfg := config.Must()
	val := validator.New()

	conn, err := rabbitmq.Connect(cfg.RabbitMQ.URL(), cfg.RabbitMQ.Retries, cfg.RabbitMQ.Pause)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to rabbitmq")
	}

	ch, err := conn.Channel()
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to open channel")
	}

	q, err := queue.NewRequestEventQueue(ch)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to create request event queue")
	}

	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	requests := requestrepo.NewRepository(db)
	users := userrepo.NewRepository(db)

	dbNum, err := strconv.Atoi(cfg.Redis.Database)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to parse redis database")
	}

	rdb := redis.New(cfg.Redis.Address, cfg.Redis.Password, dbNum)
	if err = rdb.Ping(ctx).Err(); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	smsClient := sms.NewClient(
		cfg.Twilio.AccountSID,
		cfg.Twilio.AuthToken,
		cfg.Twilio.From,
		cfg.Twilio.Timeout,
	)

	m := matcher.New(users)
	d := dispatch.New(requests, smsClient, cfg.Dispatch.MaxInFlight, cfg.Dispatch.CASRetries)
	l := lifecycle.New(requests, cfg.Dispatch.CASRetries)
	in := intake.New(users, requests, l, d)

	service := emergency.New(
		requests, users, m, d, l, in, q, rdb,
		cfg.Matching.RadiusMeters, cfg.Dispatch.CASRetries,
	)

	requestHandler := requesthandler.NewHandler(service, val, cfg)
	inboundHandler := inbound.NewHandler(service)
	messageHandler := requestmsg.NewHandler(service)

	pipeline := worker.NewPipeline(q, messageHandler, service)
	go pipeline.Run(ctx, cfg.Retry, cfg.Workers.Count)

	sweeper := worker.NewSweeper(users, d, cfg.Matching.SweepInterval)
	go sweeper.Run(ctx)

	r := router.New(requestHandler, inboundHandler)
	s := server.New(cfg.Server.HTTPPort, r)

	go func() {
		if err := s.ListenAndServe(); err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	zlog.Logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}

	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	if err := db.Master.Close(); err != nil {
		zlog.Logger.Printf("failed to close master DB: %v", err)
	}

	for i, s := range db.Slaves {
		if err := s.Close(); err != nil {
			zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
		}
	}

	if err := ch.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close RabbitMQ channel")
	}

	if err := conn.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close RabbitMQ connection")
	}
}
