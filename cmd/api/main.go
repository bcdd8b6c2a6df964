package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rakadewa/go-stock-reserve/internal/config"
	"github.com/rakadewa/go-stock-reserve/internal/httpx"
	kafkax "github.com/rakadewa/go-stock-reserve/internal/kafka"
	"github.com/rakadewa/go-stock-reserve/internal/logging"
	"github.com/rakadewa/go-stock-reserve/internal/orders"
	"github.com/rakadewa/go-stock-reserve/internal/postgres"
	"github.com/rakadewa/go-stock-reserve/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logging.Setup(cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, int32(cfg.PGMaxConns))
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Producers run past ctx cancellation so in-flight requests can still
	// publish; Close after the server stops flushes and exits the loops.
	prodCreated := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCreated, 1024)
	prodCreated.Start(context.Background())
	prodCancelled := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderCancelled, 256)
	prodCancelled.Start(context.Background())

	router := httpx.NewRouter()
	oh := &httpx.OrdersHandler{
		Store:          &orders.Repo{DB: db},
		Producer:       prodCreated,
		CancelProducer: prodCancelled,
		Cache:          &redisx.StatusCache{R: rdb},
		Service:        cfg.ServiceName,
	}
	oh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited")
	}

	log.Info().Msg("shutting down")
	prodCreated.Close()
	prodCancelled.Close()
	prodCreated.WaitClosed()
	prodCancelled.WaitClosed()
}
