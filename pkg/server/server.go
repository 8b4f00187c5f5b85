// Package server assembles the paygate HTTP service: the payment-gated
// resource, the ledger read endpoints, and the middleware chain that ties
// the access coordinator to the x402 facilitator.
package server

import (
	"math/big"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/x402-foundation/paygate/pkg/access"
	"github.com/x402-foundation/paygate/pkg/facilitatorclient"
	"github.com/x402-foundation/paygate/pkg/ledger"
	"github.com/x402-foundation/paygate/pkg/types"

	paygin "github.com/x402-foundation/paygate/pkg/gin"
)

// Config carries everything the service needs at construction time.
type Config struct {
	// PayTo is the address receiving payments.
	PayTo string
	// PriceUSD is the decimal denominated price of the gated resource.
	PriceUSD *big.Float
	// Network is the payment network (base, base-sepolia, bsc, bsc-testnet).
	Network string
	// FacilitatorURL points at the payment verification gateway.
	FacilitatorURL string
	// GrantTTL is the free-access window after settlement.
	GrantTTL time.Duration
	// Allowance is the concurrent-request window after an in-flight mark.
	Allowance time.Duration
	// ReadRPS and ReadBurst rate-limit the public read endpoints.
	ReadRPS   float64
	ReadBurst int

	Logger *log.Logger
}

// Server is the assembled paygate service.
type Server struct {
	engine      *gin.Engine
	store       *access.Store
	coordinator *access.Coordinator
	listener    *access.Listener
	ledger      *ledger.Ledger
	logger      *log.Logger
}

// New builds the service around an opened ledger.
func New(cfg Config, led *ledger.Ledger) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.PriceUSD == nil {
		cfg.PriceUSD = big.NewFloat(0.001)
	}
	if cfg.Network == "" {
		cfg.Network = "base-sepolia"
	}
	if cfg.FacilitatorURL == "" {
		cfg.FacilitatorURL = facilitatorclient.DefaultFacilitatorURL
	}
	if cfg.GrantTTL <= 0 {
		cfg.GrantTTL = access.DefaultGrantTTL
	}
	if cfg.Allowance <= 0 {
		cfg.Allowance = access.DefaultConcurrencyAllowance
	}
	if cfg.ReadRPS <= 0 {
		cfg.ReadRPS = 5
	}
	if cfg.ReadBurst <= 0 {
		cfg.ReadBurst = 10
	}

	store := access.NewStore()
	coordinator := access.NewCoordinator(store,
		access.WithConcurrencyAllowance(cfg.Allowance))
	listener := access.NewListener(store, led,
		access.WithGrantTTL(cfg.GrantTTL),
		access.WithListenerLogger(cfg.Logger))

	s := &Server{
		engine:      gin.New(),
		store:       store,
		coordinator: coordinator,
		listener:    listener,
		ledger:      led,
		logger:      cfg.Logger,
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(paygin.RequestIDMiddleware())
	s.engine.Use(paygin.RequestLogMiddleware(cfg.Logger))

	s.engine.GET("/healthz", s.healthzHandler)

	s.engine.GET("/weather",
		paygin.AccessMiddleware(coordinator),
		paygin.PaymentMiddleware(cfg.PriceUSD, cfg.PayTo,
			paygin.WithDescription("Get current weather data for any location"),
			paygin.WithMimeType("application/json"),
			paygin.WithNetwork(cfg.Network),
			paygin.WithFacilitatorConfig(&types.FacilitatorConfig{URL: cfg.FacilitatorURL}),
			paygin.WithSettlementListener(listener),
			paygin.WithLogger(cfg.Logger),
		),
		s.weatherHandler,
	)

	readLimit := paygin.RateLimitMiddleware(cfg.ReadRPS, cfg.ReadBurst)
	s.engine.GET("/payments", readLimit, s.paymentsHandler)
	s.engine.GET("/payment-status", readLimit, s.paymentStatusHandler)

	return s
}

// Handler exposes the service as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Store exposes the access state store so the caller can start its janitor.
func (s *Server) Store() *access.Store {
	return s.store
}

func (s *Server) healthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) weatherHandler(c *gin.Context) {
	resp := gin.H{
		"report": gin.H{
			"weather":     "sunny",
			"temperature": 70,
		},
	}
	if free, remaining := paygin.FreeAccessFromContext(c); free {
		resp["freeAccess"] = true
		resp["remainingSeconds"] = remaining
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) paymentsHandler(c *gin.Context) {
	payments := s.ledger.All()
	c.JSON(http.StatusOK, gin.H{
		"totalPayments": len(payments),
		"payments":      payments,
	})
}

func (s *Server) paymentStatusHandler(c *gin.Context) {
	identity := paygin.IdentityFromContext(c)
	paid, remaining := s.coordinator.Status(identity, time.Now())
	c.JSON(http.StatusOK, gin.H{
		"ipAddress":        identity,
		"paid":             paid,
		"remainingSeconds": remaining,
	})
}
