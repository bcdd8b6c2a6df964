package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/rakadewa/go-stock-reserve/internal/config"
	"github.com/rakadewa/go-stock-reserve/internal/inventory"
	kafkax "github.com/rakadewa/go-stock-reserve/internal/kafka"
	"github.com/rakadewa/go-stock-reserve/internal/logging"
	"github.com/rakadewa/go-stock-reserve/internal/orders"
	"github.com/rakadewa/go-stock-reserve/internal/postgres"
	"github.com/rakadewa/go-stock-reserve/internal/redisx"
	"github.com/rakadewa/go-stock-reserve/internal/reservation"
	"github.com/rakadewa/go-stock-reserve/internal/stock"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logging.Setup(cfg.ServiceName + "-inventory")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, int32(cfg.PGMaxConns))
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Producers outlive ctx so handlers draining the last messages can still
	// publish; Close below flushes and exits the loops.
	pOK := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicStockReserved, 1024)
	pOK.Start(context.Background())
	pRJ := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicStockRejected, 1024)
	pRJ.Start(context.Background())

	svc := &inventory.Service{
		Reserver: &reservation.Coordinator{
			Ledger:      reservation.PostgresLedger{Ledger: &stock.Ledger{DB: db}},
			MaxAttempts: cfg.ReserveMaxAttempts,
			Backoff:     cfg.ReserveBackoff,
		},
		Store:          &orders.Repo{DB: db},
		Dedup:          &redisx.Deduper{R: rdb, Service: "inventory"},
		ProducerOK:     pOK,
		ProducerReject: pRJ,
		ServiceName:    cfg.ServiceName + "-inventory",
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.InventoryGroup, orders.TopicOrderCreated, cfg.InventoryWorkers)

	log.Info().
		Str("group", cfg.InventoryGroup).
		Str("topic", orders.TopicOrderCreated).
		Int("workers", cfg.InventoryWorkers).
		Msg("inventory consumer starting")
	if err := cons.Start(ctx, svc.HandleOrderCreated); err != nil {
		log.Error().Err(err).Msg("consumer exit")
	}

	log.Info().Msg("shutting down consumer")
	stop()
	time.Sleep(500 * time.Millisecond)
	pOK.Close()
	pRJ.Close()
	pOK.WaitClosed()
	pRJ.WaitClosed()
}
