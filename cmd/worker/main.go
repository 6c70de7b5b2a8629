package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nprasetio/go-checkout-orders/internal/audit"
	"github.com/nprasetio/go-checkout-orders/internal/cart"
	"github.com/nprasetio/go-checkout-orders/internal/checkout"
	"github.com/nprasetio/go-checkout-orders/internal/config"
	kafkax "github.com/nprasetio/go-checkout-orders/internal/kafka"
	"github.com/nprasetio/go-checkout-orders/internal/notify"
	"github.com/nprasetio/go-checkout-orders/internal/orders"
	"github.com/nprasetio/go-checkout-orders/internal/postgres"
	"github.com/nprasetio/go-checkout-orders/internal/redisx"
	"github.com/nprasetio/go-checkout-orders/internal/users"
)

func main() {
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// one producer per downstream topic
	pCreate := kafkax.NewProducer(cfg.KafkaBrokers, checkout.TopicCreate, 1024, log)
	pCreate.Start(ctx)
	pDeduct := kafkax.NewProducer(cfg.KafkaBrokers, checkout.TopicDeduct, 1024, log)
	pDeduct.Start(ctx)
	pConfirm := kafkax.NewProducer(cfg.KafkaBrokers, checkout.TopicConfirm, 1024, log)
	pConfirm.Start(ctx)

	broker := &notify.RedisBroker{RDB: rdb, Log: log}
	publisher := &notify.Publisher{Broker: broker, Log: log}

	runner := &checkout.Runner{
		Pipeline: &checkout.Pipeline{
			Carts:  &cart.Store{DB: db},
			Orders: &orders.Repo{DB: db},
			Users:  &users.Directory{DB: db},
			Notify: publisher,
			Log:    log,
		},
		RDB:       rdb,
		Retry:     checkout.RetryPolicy{MaxRetries: cfg.MaxRetries, Base: cfg.RetryBase},
		Service:   cfg.ServiceName + "-worker",
		Notify:    publisher,
		Audit:     &audit.Recorder{DB: db, Log: log},
		Log:       log,
		ToCreate:  pCreate,
		ToDeduct:  pDeduct,
		ToConfirm: pConfirm,
	}

	stages := []struct {
		topic   string
		handler kafkax.Handler
	}{
		{checkout.TopicValidate, runner.HandleValidate},
		{checkout.TopicCreate, runner.HandleCreate},
		{checkout.TopicDeduct, runner.HandleDeduct},
		{checkout.TopicConfirm, runner.HandleConfirm},
	}
	for _, st := range stages {
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup, st.topic, cfg.StageWorkers, log)
		go func(topic string, h kafkax.Handler) {
			log.Info("consumer started",
				zap.String("topic", topic),
				zap.String("group", cfg.ConsumerGroup),
				zap.Int("workers", cfg.StageWorkers))
			if err := cons.Start(ctx, h); err != nil {
				log.Error("consumer exit", zap.String("topic", topic), zap.Error(err))
				cancel()
			}
		}(st.topic, st.handler)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting down worker")
	cancel()
	time.Sleep(500 * time.Millisecond)

	for _, p := range []*kafkax.Producer{pCreate, pDeduct, pConfirm} {
		p.Close()
	}
	for _, p := range []*kafkax.Producer{pCreate, pDeduct, pConfirm} {
		p.WaitClosed()
	}
}
