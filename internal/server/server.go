// Package server assembles the weather API: the fiber edge, the payment gate
// and the grpc-gateway mux serving the forecast.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	x402 "github.com/becomeliminal/x402-router"
	"github.com/becomeliminal/x402-router/evm"
	"github.com/becomeliminal/x402-router/facilitator"
	"github.com/becomeliminal/x402-router/internal/config"
	"github.com/becomeliminal/x402-router/internal/weather"
	"github.com/becomeliminal/x402-router/ledger"
	"github.com/becomeliminal/x402-router/router"
)

// WeatherRoute is the gated route key.
const WeatherRoute = "GET /api/weather"

// Default and maximum page sizes of the ops endpoint.
const (
	defaultFailureLimit = 50
	maxFailureLimit     = 500
)

// GateOptions are the collaborators of the payment gate.
type GateOptions struct {
	Facilitator x402.Facilitator
	ChainState  x402.ChainState
	Reporter    x402.SettlementReporter
	Logger      *slog.Logger
}

// NewGate builds the resource server protecting the weather route. The route
// is paid through the settlement router with the plain transfer hook.
func NewGate(cfg config.Server, opts GateOptions) (*x402.ResourceServer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	network := cfg.Chain.Network()

	registry := x402.NewRegistry()
	if err := registry.Register(network, evm.NewExactScheme(evm.WithAsset(network, cfg.Asset))); err != nil {
		return nil, err
	}

	hookData, err := router.EncodeTransferHook()
	if err != nil {
		return nil, err
	}

	settlement := router.New(
		router.AddressBook{
			network: {Router: cfg.SettlementRouter, TransferHook: cfg.TransferHook},
		},
		opts.Facilitator,
		router.WithQuoterFactory(func(url string) router.FeeQuoter {
			return facilitator.NewClient(url, facilitator.WithTimeout(cfg.FacilitatorTimeout), facilitator.WithLogger(opts.Logger))
		}),
	)

	return x402.NewResourceServer(x402.Config{
		Registry:    registry,
		Facilitator: opts.Facilitator,
		Routes: map[string]x402.RouteConfig{
			WeatherRoute: {
				Accepts: []x402.PaymentOption{{
					Scheme:  evm.SchemeExact,
					Network: network,
					PayTo:   cfg.PayTo,
					Price:   cfg.Price,
					Asset:   cfg.Asset.Address,
				}},
				Description: "London 7-day weather forecast",
				MimeType:    "application/json",
				Settlement: &x402.SettlementConfig{
					HookData:       hookData,
					FacilitatorFee: cfg.FacilitatorFee,
				},
			},
		},
		Extensions:         []x402.RequirementsExtension{settlement},
		ChainState:         opts.ChainState,
		FacilitatorTimeout: cfg.FacilitatorTimeout,
		SettleTimeout:      cfg.SettleTimeout,
		Reporter:           opts.Reporter,
		Logger:             opts.Logger,
	})
}

// Deps are the parts the edge app serves.
type Deps struct {
	Gate    *x402.ResourceServer
	Ledger  ledger.Store
	Weather *weather.Handler
	Logger  *slog.Logger
}

// New builds the fiber app. Payment headers pass CORS in both directions.
func New(deps Deps) (*fiber.App, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.NewMemoryStore(ledger.DefaultCapacity)
	}

	mux := runtime.NewServeMux(x402.WithPaymentMetadata())
	if err := mux.HandlePath(http.MethodGet, "/api/weather", deps.Weather.Serve); err != nil {
		return nil, fmt.Errorf("failed to register weather route: %w", err)
	}

	app := fiber.New(fiber.Config{
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: strings.Join([]string{
			"Origin", "Content-Type", "Accept",
			x402.HeaderPaymentSignature, x402.HeaderPaymentSignatureLegacy,
		}, ","),
		ExposeHeaders: strings.Join([]string{
			x402.HeaderPaymentRequired, x402.HeaderPaymentResponse,
		}, ","),
	}))

	app.Get("/health", healthCheck)
	app.Get("/ops/settlements/failed", failedSettlements(deps.Ledger, deps.Logger))
	app.All("/api/*", adaptor.HTTPHandler(deps.Gate.Middleware(mux)))

	return app, nil
}

func healthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"message": "Service is running",
	})
}

func failedSettlements(store ledger.Store, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", defaultFailureLimit)
		if limit <= 0 || limit > maxFailureLimit {
			limit = maxFailureLimit
		}

		failures, err := store.Recent(c.UserContext(), limit)
		if err != nil {
			logger.Error("failed to read settlement ledger", "error", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to read settlement failures",
			})
		}

		return c.JSON(fiber.Map{
			"count":    len(failures),
			"failures": failures,
		})
	}
}
