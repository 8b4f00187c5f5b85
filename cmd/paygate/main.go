package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ethereum/go-ethereum/common"

	"github.com/x402-foundation/paygate/pkg/ledger"
	"github.com/x402-foundation/paygate/pkg/server"
)

type config struct {
	addr           string
	payTo          string
	priceUSD       *big.Float
	network        string
	facilitatorURL string
	paymentsFile   string
	grantTTL       time.Duration
	allowance      time.Duration
}

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "paygate",
	})

	cfg, err := readConfig()
	if err != nil {
		logger.Fatal("config error", "err", err)
	}

	led, err := ledger.Open(cfg.paymentsFile, ledger.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to open payment ledger", "path", cfg.paymentsFile, "err", err)
	}
	defer led.Close()

	srv := server.New(server.Config{
		PayTo:          cfg.payTo,
		PriceUSD:       cfg.priceUSD,
		Network:        cfg.network,
		FacilitatorURL: cfg.facilitatorURL,
		GrantTTL:       cfg.grantTTL,
		Allowance:      cfg.allowance,
		Logger:         logger,
	}, led)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	srv.Store().StartJanitor(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	logger.Info("paygate server running",
		"addr", cfg.addr,
		"network", cfg.network,
		"facilitator", cfg.facilitatorURL,
		"payments", led.Count(),
		"file", cfg.paymentsFile)

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", "err", err)
	}
	logger.Info("paygate server stopped")
}

func readConfig() (config, error) {
	cfg := config{
		addr:           envOr("PAYGATE_ADDR", ":4021"),
		payTo:          envOr("PAYGATE_PAY_TO", "0x376b7271dD22D14D82Ef594324ea14e7670ed5b2"),
		network:        envOr("PAYGATE_NETWORK", "base-sepolia"),
		facilitatorURL: envOr("PAYGATE_FACILITATOR_URL", "https://x402.org/facilitator"),
		paymentsFile:   envOr("PAYGATE_PAYMENTS_FILE", "payments.json"),
	}

	if !common.IsHexAddress(cfg.payTo) {
		return cfg, fmt.Errorf("PAYGATE_PAY_TO is not a valid address: %s", cfg.payTo)
	}

	price := envOr("PAYGATE_PRICE_USD", "0.001")
	priceUSD, ok := new(big.Float).SetString(price)
	if !ok || priceUSD.Sign() <= 0 {
		return cfg, fmt.Errorf("PAYGATE_PRICE_USD is not a positive decimal: %s", price)
	}
	cfg.priceUSD = priceUSD

	var err error
	if cfg.grantTTL, err = envDuration("PAYGATE_GRANT_TTL"); err != nil {
		return cfg, err
	}
	if cfg.allowance, err = envDuration("PAYGATE_ALLOWANCE"); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envDuration reads a duration env var, accepting Go duration syntax or a
// bare number of seconds. Zero means "use the default".
func envDuration(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid duration: %s", key, v)
	}
	return d, nil
}
