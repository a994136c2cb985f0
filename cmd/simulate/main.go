package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"storefront-checkout/internal/config"
	"storefront-checkout/internal/database"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/events"
	"storefront-checkout/internal/idempotency"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/repo"
	"storefront-checkout/internal/service"
	"storefront-checkout/internal/worker"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var catalog = []domain.CartLine{
	{ProductID: "kitenge-01", ProductName: "Kitenge Dress", UnitPrice: 4500},
	{ProductID: "kikoi-07", ProductName: "Kikoi Wrap", UnitPrice: 3300},
	{ProductID: "sandal-03", ProductName: "Maasai Beaded Sandals", UnitPrice: 2800},
	{ProductID: "basket-11", ProductName: "Kiondo Basket", UnitPrice: 1950},
}

var phones = []string{"0712345678", "0722000111", "0110234567", "0799990000"}

func main() {
	orders := flag.Int("orders", 20, "number of checkouts to run")
	successRate := flag.Float64("success-rate", 0.8, "chance a customer approves the STK prompt")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	db, err := database.Open(ctx, cfg.DSN())
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		log.Fatal(err)
	}

	gateway := payment.NewSandboxGateway()
	gateway.SuccessRate = *successRate
	gateway.AutoComplete = 300 * time.Millisecond
	gateway.Lag = 50 * time.Millisecond

	orderRepo := repo.NewOrderRepo(db)
	paymentRepo := repo.NewPaymentRepo(db)
	settlement := service.NewSettlementService(paymentRepo, events.Nop{}, logger)
	dispatcher := service.NewDispatcher(paymentRepo, settlement, gateway, gateway, gateway,
		service.DispatcherConfig{Currency: cfg.Currency, FrontendURL: cfg.FrontendURL}, logger)

	registry := worker.NewRegistry(
		worker.NewConfirmationWatcher(orderRepo, gateway, settlement),
		worker.PollPolicy{Initial: 100 * time.Millisecond, Multiplier: 1.5, Max: time.Second, MaxElapsed: 5 * time.Second},
		logger,
	)
	defer registry.Close()

	checkout := service.NewCheckoutService(
		service.NewOrderService(orderRepo, idempotency.NewMemoryGuard(time.Minute), logger),
		orderRepo, paymentRepo, dispatcher, registry, logger,
	)

	fmt.Printf("--- STARTING SIMULATION (%d CHECKOUTS) ---\n", *orders)
	var placed []uuid.UUID
	for i := 0; i < *orders; i++ {
		req := randomCheckout()
		fmt.Printf("[%d] %s checkout ... ", i+1, req.PaymentMethod)

		out, err := checkout.Checkout(ctx, req)
		switch {
		case out == nil:
			fmt.Printf("REJECTED: %s\n", domain.UserMessage(err))
			continue
		case err != nil:
			fmt.Printf("DISPATCH FAILED: %s\n", domain.UserMessage(err))
		case !out.Result.Success:
			fmt.Printf("DECLINED: %s\n", out.Result.Error)
		default:
			fmt.Printf("%s\n", out.State)
		}
		placed = append(placed, out.OrderID)
	}

	// let the simulated customers answer and the watchers catch up
	time.Sleep(3 * time.Second)

	fmt.Println("--- FINAL STATE ---")
	tally := map[domain.WatchState]int{}
	for _, id := range placed {
		view, err := checkout.PaymentStatus(ctx, id)
		if err != nil {
			fmt.Printf("%s: %v\n", id, err)
			continue
		}
		tally[view.State]++
		fmt.Printf("%s  payment=%-7s state=%s\n", id, view.PaymentStatus, view.State)
	}
	for state, n := range tally {
		fmt.Printf("%-22s %d\n", state, n)
	}
}

func randomCheckout() *domain.CheckoutRequest {
	var cart []domain.CartLine
	for _, i := range rand.Perm(len(catalog))[:1+rand.IntN(3)] {
		line := catalog[i]
		line.Quantity = 1 + rand.IntN(2)
		cart = append(cart, line)
	}

	req := &domain.CheckoutRequest{
		IdempotencyKey: uuid.NewString(),
		UserID:         uuid.New(),
		Cart:           cart,
		Shipping: domain.ShippingForm{
			FirstName: "Wanjiru", LastName: "Kamau", Email: "wanjiru@example.com", Phone: "0712345678",
			Address: "Tom Mboya Street 5", City: "Nairobi", PostalCode: "00100",
		},
		AcceptedTerms: true,
	}

	switch n := rand.IntN(10); {
	case n < 6:
		req.PaymentMethod = domain.MethodMpesa
		req.MpesaPhone = phones[rand.IntN(len(phones))]
	case n < 9:
		req.PaymentMethod = domain.MethodCard
		number := "4242424242424242"
		if rand.IntN(4) == 0 {
			number = payment.SandboxDeclinedCard
		}
		req.Card = &domain.CardDetails{
			Number: number, Expiry: time.Now().AddDate(2, 0, 0).Format("01/06"), CVC: "123", CardholderName: "Wanjiru Kamau",
			Billing: domain.BillingAddress{Line1: "Tom Mboya Street 5", City: "Nairobi", PostalCode: "00100", Country: "KE"},
		}
	default:
		req.PaymentMethod = domain.MethodHostedCheckout
	}
	return req
}
