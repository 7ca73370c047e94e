// Command paywall-demo serves a paywalled API backed by an in-memory ledger.
// Settlements are pushed to waiting clients over STOMP on WebSocket.
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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	paywall "github.com/lnpaywall/paywall/go"
	"github.com/lnpaywall/paywall/go/channel/stomp"
	paywallhttp "github.com/lnpaywall/paywall/go/http"
	"github.com/lnpaywall/paywall/go/logger"
	paywallgin "github.com/lnpaywall/paywall/go/pkg/gin"
)

// SettlePath settles an invoice by preimage hash in place of a lightning node
const SettlePath = "/paywall/dev/settle"

func main() {
	// Load config from environment variables / .env file
	_ = godotenv.Load(".env")
	cfg := &Config{}
	if err := envconfig.Process("PAYWALL_DEMO", cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger.Init(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		logger.Logger.Fatal().Err(err).Msg("Server failed")
	}
}

func serve(ctx context.Context, cfg *Config) error {
	broker := stomp.NewBroker()
	ledger := newLedger(cfg, broker)
	if cfg.AutoSettle {
		go ledger.AutoSettle(ctx, broker)
		logger.Logger.Info().Msg("Auto settle enabled, invoices are paid once a client listens")
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(cfg, ledger, broker),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Logger.Info().Str("addr", cfg.Addr).Msg("Paywall demo listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newLedger(cfg *Config, broker *stomp.Broker) *paywallgin.Ledger {
	return paywallgin.NewLedger(
		paywallgin.WithSettlementValidity(cfg.SettlementValidity),
		paywallgin.WithValidFromDelay(cfg.ValidFromDelay),
		paywallgin.WithPublisher(func(queue string, s *paywall.Settlement) {
			n, err := broker.PublishJSON(queue, s)
			if err != nil {
				logger.Logger.Error().Err(err).Str("queue", queue).Msg("Failed to publish settlement")
				return
			}
			logger.Logger.Debug().Str("queue", queue).Int("subscribers", n).Msg("Published settlement")
		}),
	)
}

func newRouter(cfg *Config, ledger *paywallgin.Ledger, broker *stomp.Broker) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	paywallgin.RegisterSettlementRoutes(router, ledger, broker)
	router.POST(SettlePath, ledger.SettleHandler())

	paywalled := paywallgin.PaywallMiddleware(cfg.Price(), ledger, ledger,
		paywallgin.WithDescription("Quote of the day"),
		paywallgin.WithPayPerRequest(cfg.PayPerRequest),
		paywallgin.WithInvoiceExpiry(cfg.InvoiceExpiry),
		paywallgin.WithPaywallConfig(&paywallhttp.PaywallConfig{
			AppName: cfg.AppName,
			Unit:    paywall.UnitSat,
		}),
	)
	router.GET("/api/quote", paywalled, func(c *gin.Context) {
		settlement, _ := paywallgin.SettlementFromContext(c)
		c.JSON(http.StatusOK, gin.H{
			"quote":        "stay humble, stack sats",
			"preImageHash": settlement.PreImageHash,
		})
	})
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request")
	}
}
