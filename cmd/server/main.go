package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/exotic-travel-booking/itinerary-engine/internal/agents"
	"github.com/exotic-travel-booking/itinerary-engine/internal/api"
	"github.com/exotic-travel-booking/itinerary-engine/internal/booking"
	"github.com/exotic-travel-booking/itinerary-engine/internal/cache"
	"github.com/exotic-travel-booking/itinerary-engine/internal/changeengine"
	"github.com/exotic-travel-booking/itinerary-engine/internal/chatrouter"
	"github.com/exotic-travel-booking/itinerary-engine/internal/config"
	"github.com/exotic-travel-booking/itinerary-engine/internal/docstore"
	"github.com/exotic-travel-booking/itinerary-engine/internal/eventbus"
	"github.com/exotic-travel-booking/itinerary-engine/internal/idempotency"
	"github.com/exotic-travel-booking/itinerary-engine/internal/llm/providers"
	"github.com/exotic-travel-booking/itinerary-engine/internal/middleware"
	"github.com/exotic-travel-booking/itinerary-engine/internal/orchestrator"
	"github.com/exotic-travel-booking/itinerary-engine/internal/payment"
	"github.com/exotic-travel-booking/itinerary-engine/internal/places"
	"github.com/exotic-travel-booking/itinerary-engine/pkg/observability"
)

func main() {
	// The only subcommand is "serve", which is also the default.
	if len(os.Args) > 1 && os.Args[1] != "serve" {
		log.Fatalf("usage: %s [serve]", os.Args[0])
	}

	fmt.Println("🚀 Starting Itinerary Engine")
	fmt.Println("============================")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ failed to load config: %v", err)
	}

	cleanup, err := observability.InitTracing("itinerary-engine", cfg.Environment)
	if err != nil {
		log.Fatalf("❌ failed to initialize tracing: %v", err)
	}
	defer cleanup()

	// 1. Document store. In-memory for now; docstore.Store is the seam a
	// durable backend would sit behind.
	store := docstore.NewMemoryStore()
	fmt.Println("✅ document store initialized")

	// 2. Event bus
	bus := eventbus.New(
		eventbus.WithBufferSize(cfg.Eventbus.BufferSize),
		eventbus.WithIdleWindow(cfg.Eventbus.IdleWindow),
	)
	fmt.Println("✅ event bus initialized")

	// 3. Idempotency cache, backed by Redis when reachable and falling back
	// to an in-memory store for local runs without one.
	idemStore, err := cache.NewCache(cache.Config{
		Host: cfg.Redis.Host, Port: cfg.Redis.Port, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
	})
	var idemCache *idempotency.Cache
	if err != nil {
		log.Printf("⚠️  Redis not available, idempotency cache running in-memory: %v", err)
		idemCache = idempotency.New(idempotency.NewMemoryStore())
	} else {
		fmt.Println("✅ Redis idempotency cache connected")
		idemCache = idempotency.New(idemStore)
	}

	// 4. Model provider, falling back to the deterministic mock when the
	// configured provider can't be reached.
	llmConfig := &providers.LLMConfig{
		Provider:    cfg.Model.Provider,
		APIKey:      cfg.Model.APIKey,
		BaseURL:     cfg.Model.BaseURL,
		Model:       cfg.Model.Model,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
		Timeout:     cfg.Model.Timeout,
		RetryConfig: providers.DefaultRetryConfig(),
	}
	provider, err := providers.NewProviderFactory().CreateProvider(llmConfig)
	if err != nil {
		log.Printf("⚠️  model provider %q unavailable, falling back to mock: %v", cfg.Model.Provider, err)
		provider = providers.NewMockProvider(llmConfig)
	}
	provider = providers.NewThrottledProvider(provider, providers.NewThrottle(5, 10))
	fmt.Println("✅ model provider initialized")

	// 5. Places provider, rate-limited against the configured budget.
	placesProvider := places.NewThrottled(places.NewMock(), cfg.Places.RequestsPerSecond, cfg.Places.Burst)
	fmt.Println("✅ places provider initialized")

	// 6. Change Engine
	engine := changeengine.New(store, bus, idemCache)
	fmt.Println("✅ change engine initialized")

	// 7. Agents
	registry := agents.NewRegistry()
	registry.Register(agents.NewSkeletonAgent(store, engine, provider, bus))
	registry.Register(agents.NewActivityAgent(store, engine, provider, bus))
	registry.Register(agents.NewMealAgent(store, engine, provider, bus))
	registry.Register(agents.NewTransportAgent(store, engine, provider, bus))
	registry.Register(agents.NewCostAgent(store, engine, bus))
	registry.Register(agents.NewEnrichmentAgent(store, engine, placesProvider, bus))
	registry.Register(agents.NewPlannerAgent(store, engine, provider, bus))
	registry.Register(agents.NewEditorAgent(store, engine, provider, bus))
	registry.Register(agents.NewExplainerAgent(store, provider, bus))
	registry.Register(agents.NewBookingAgent(store, engine, booking.NewMock(), payment.NewMock(), bus))
	fmt.Println("✅ agents registered")

	// 8. Chat Router and Orchestrator
	router := chatrouter.New(registry, engine, store, provider)
	orch := orchestrator.New(store, bus, registry, router)
	fmt.Println("✅ orchestrator wired")

	// 9. Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Itinerary Engine",
		ServerHeader: "itinerary-engine",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	})

	app.Use(middleware.Recovery())
	app.Use(middleware.RequestID())
	app.Use(middleware.CORS())
	app.Use(middleware.Logging())
	app.Use(middleware.Tracing())

	handler := api.NewHandler(store, engine, orch, bus)
	api.SetupRoutes(app, handler)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"message": "Itinerary Engine API", "status": "running"})
	})
	fmt.Println("✅ routes configured")

	go func() {
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			log.Fatalf("❌ server failed to start: %v", err)
		}
	}()
	fmt.Printf("🌐 server listening on port %d\n", cfg.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("\n🛑 shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("❌ server forced to shutdown: %v", err)
	}
	fmt.Println("✅ shutdown complete")
}
