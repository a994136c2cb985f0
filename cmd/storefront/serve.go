package main

import (
	"context"
	"os/signal"
	"storefront-checkout/internal/config"
	"storefront-checkout/internal/database"
	"storefront-checkout/internal/events"
	"storefront-checkout/internal/idempotency"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/logger"
	"storefront-checkout/internal/repo"
	"storefront-checkout/internal/server"
	"storefront-checkout/internal/service"
	"storefront-checkout/internal/worker"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type serveOptions struct {
	migrate bool
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the checkout HTTP API, confirmation watchers and reconciliation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.migrate, "migrate", false, "apply the schema before serving")
	return cmd
}

func serve(ctx context.Context, opts *serveOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Env)
	if err != nil {
		return err
	}
	defer log.Sync()

	var publisher events.Publisher = events.Nop{}
	if cfg.ProviderSecretID != "" || cfg.PaymentTopicARN != "" {
		awsCfg, err := config.LoadAWS(ctx)
		if err != nil {
			return err
		}
		if err := cfg.ApplyProviderSecret(ctx, secretsmanager.NewFromConfig(awsCfg)); err != nil {
			return err
		}
		if cfg.PaymentTopicARN != "" {
			publisher = events.NewSNSPublisher(sns.NewFromConfig(awsCfg), cfg.PaymentTopicARN)
		}
	}

	db, err := database.Open(ctx, cfg.DSN())
	if err != nil {
		return err
	}
	defer db.Close()
	if opts.migrate {
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}
	}

	var guard idempotency.Guard = idempotency.NewMemoryGuard(cfg.IdempotencyTTL)
	if cfg.RedisURL != "" {
		client, err := idempotency.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		guard = idempotency.NewRedisGuard(client, cfg.IdempotencyTTL)
	}

	sandbox := payment.NewSandboxGateway()
	var (
		mpesa    service.MobileMoneyProvider    = sandbox
		card     service.CardProvider           = sandbox
		hosted   service.HostedCheckoutProvider = sandbox
		charges  worker.CardStatusQuerier       = sandbox
		webhooks server.WebhookVerifier
	)
	if cfg.MpesaEnabled() {
		mpesa = payment.NewMpesaClient(payment.MpesaConfig{
			BaseURL:        cfg.MpesaBaseURL,
			ConsumerKey:    cfg.MpesaConsumerKey,
			ConsumerSecret: cfg.MpesaConsumerSecret,
			Shortcode:      cfg.MpesaShortcode,
			Passkey:        cfg.MpesaPasskey,
			CallbackURL:    cfg.MpesaCallbackURL,
		})
	} else {
		log.Warn("mpesa credentials missing, using the sandbox gateway")
		sandbox.AutoComplete = cfg.PollInterval * 2
	}
	if cfg.StripeEnabled() {
		stripeGtw := payment.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookKey, nil)
		card, hosted, charges, webhooks = stripeGtw, stripeGtw, stripeGtw, stripeGtw
	} else {
		log.Warn("stripe key missing, using the sandbox gateway for cards and hosted checkout")
	}

	orderRepo := repo.NewOrderRepo(db)
	paymentRepo := repo.NewPaymentRepo(db)

	settlement := service.NewSettlementService(paymentRepo, publisher, log)
	dispatcher := service.NewDispatcher(paymentRepo, settlement, mpesa, card, hosted, service.DispatcherConfig{
		Currency:    cfg.Currency,
		FrontendURL: cfg.FrontendURL,
	}, log)

	registry := worker.NewRegistry(
		worker.NewConfirmationWatcher(orderRepo, mpesa, settlement),
		worker.PollPolicy{
			Initial:    cfg.PollInterval,
			Multiplier: 1.5,
			Max:        cfg.PollMaxInterval,
			MaxElapsed: cfg.PollMaxElapsed,
		},
		log.Named("watcher"),
	)
	defer registry.Close()

	checkout := service.NewCheckoutService(
		service.NewOrderService(orderRepo, guard, log),
		orderRepo,
		paymentRepo,
		dispatcher,
		registry,
		log,
	)

	reconciler := worker.NewReconciliationWorker(paymentRepo, mpesa, charges, settlement, worker.ReconcileConfig{
		Interval:     cfg.ReconcileEvery,
		After:        cfg.ReconcileAfter,
		AbandonAfter: cfg.AbandonAfter,
	}, log.Named("reconcile"))
	go reconciler.Run(ctx)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.NewRouter(&server.Handler{
		Checkout:   checkout,
		Settlement: settlement,
		Webhooks:   webhooks,
		DB:         database.New(db, log),
		Logger:     log,
	}, server.RouterConfig{
		AllowedOrigins:   server.SplitOrigins(cfg.AllowedOrigins),
		CheckoutRatePerM: cfg.CheckoutRatePerM,
	})

	log.Info("storefront checkout starting",
		zap.String("env", cfg.Env),
		zap.Bool("mpesa", cfg.MpesaEnabled()),
		zap.Bool("stripe", cfg.StripeEnabled()),
	)
	return server.New(cfg.Port, router, log).Run(ctx)
}
