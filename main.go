package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChienAnTu/Bookhive/config"
	"github.com/ChienAnTu/Bookhive/events"
	"github.com/ChienAnTu/Bookhive/models"
	"github.com/ChienAnTu/Bookhive/payments"
	"github.com/ChienAnTu/Bookhive/routes"
	"github.com/ChienAnTu/Bookhive/scheduler"
	"github.com/ChienAnTu/Bookhive/services"
	"github.com/ChienAnTu/Bookhive/shipping"
	"github.com/ChienAnTu/Bookhive/utils"
	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	db, err := config.ConnectDatabase(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}

	// migrate
	if err := models.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	if err := utils.SeedDefaults(db, cfg.SeedAdminEmail, cfg.SeedAdminPassword); err != nil {
		log.Fatal().Err(err).Msg("seeding failed")
	}
	utils.ConfigureTokens(cfg.JWTSecret, cfg.AccessTokenTTL)

	proc, err := newProcessor(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("payment processor")
	}
	pub, err := events.New(events.Options{
		Backend:   cfg.EventsBackend,
		RabbitURL: cfg.RabbitURL,
		Exchange:  cfg.EventsExchange,
		Brokers:   cfg.KafkaBrokers,
		Topic:     cfg.KafkaTopic,
	})
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.EventsBackend).Msg("event publisher")
	}
	quoter := shipping.NewAusPost(cfg.AusPostBaseURL, cfg.AusPostAPIKey, cfg.ShippingTimeout, cfg.ShippingCacheTTL)

	orders := services.NewOrderService(db, pub)
	paymentSvc := services.NewPaymentService(db, proc, orders, pub, cfg.Currency)
	complaints := services.NewComplaintService(db, pub)
	sweep := services.NewSweepService(db, orders, complaints, paymentSvc, pub)

	sched := scheduler.New(db, sweep)
	if err := sched.Start(cfg.SweepSpec); err != nil {
		log.Fatal().Err(err).Msg("scheduler")
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := routes.SetupRouter(routes.Deps{
		DB:             db,
		Books:          services.NewBookService(db),
		Cart:           services.NewCartService(db),
		Checkouts:      services.NewCheckoutService(db, quoter),
		Orders:         orders,
		Payments:       paymentSvc,
		Complaints:     complaints,
		Sweep:          sched,
		Quoter:         quoter,
		RefreshTTL:     cfg.RefreshTokenTTL,
		SecureCookies:  cfg.Production(),
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	handler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(r)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	sched.Stop(ctx)
	if err := pub.Close(); err != nil {
		log.Error().Err(err).Msg("closing event publisher")
	}
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !cfg.Production() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func newProcessor(cfg config.Config) (payments.Processor, error) {
	switch cfg.PaymentProvider {
	case "stripe":
		if cfg.StripeSecretKey == "" {
			return nil, errors.New("STRIPE_SECRET_KEY is required for the stripe provider")
		}
		return payments.NewStripe(cfg.StripeSecretKey, cfg.StripeWebhookSecret), nil
	case "mock":
		fake := payments.NewFake()
		fake.AutoSucceed = true
		if cfg.StripeWebhookSecret != "" {
			fake.Secret = cfg.StripeWebhookSecret
		}
		log.Warn().Msg("using the mock payment processor; charges always succeed")
		return fake, nil
	}
	return nil, fmt.Errorf("unknown PAYMENT_PROVIDER %q", cfg.PaymentProvider)
}
