package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nprasetio/go-checkout-orders/internal/auth"
	"github.com/nprasetio/go-checkout-orders/internal/cart"
	"github.com/nprasetio/go-checkout-orders/internal/checkout"
	"github.com/nprasetio/go-checkout-orders/internal/config"
	"github.com/nprasetio/go-checkout-orders/internal/httpx"
	kafkax "github.com/nprasetio/go-checkout-orders/internal/kafka"
	"github.com/nprasetio/go-checkout-orders/internal/notify"
	"github.com/nprasetio/go-checkout-orders/internal/orders"
	"github.com/nprasetio/go-checkout-orders/internal/postgres"
	"github.com/nprasetio/go-checkout-orders/internal/redisx"
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

	prod := kafkax.NewProducer(cfg.KafkaBrokers, checkout.TopicValidate, 1024, log)
	prod.Start(ctx)

	broker := &notify.RedisBroker{RDB: rdb, Log: log}
	publisher := &notify.Publisher{Broker: broker, Log: log}
	repo := &orders.Repo{DB: db}

	router := httpx.NewRouter()
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware([]byte(cfg.JWTSecret)))
		r.Use(httpx.RequestTimeout())

		(&httpx.CheckoutHandler{
			Carts:    &cart.Store{DB: db},
			Producer: prod,
			Redis:    rdb,
			Service:  cfg.ServiceName,
			Log:      log,
		}).Register(r)

		(&httpx.OrdersHandler{
			Repo:   repo,
			Redis:  rdb,
			Notify: publisher,
			Log:    log,
		}).Register(r)
	})
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware([]byte(cfg.JWTSecret)))
		(&httpx.StreamHandler{Repo: repo, Broker: broker, Log: log}).Register(r)
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	_ = srv.Shutdown(shCtx)
	prod.Close()
	cancel()
	prod.WaitClosed()
}
