// Package app wires every component (C3-C13) into a running process: one
// warehouse connection, one bounded HTTP pool, the two caches, the result
// and raw-data stores, the callback transport, the handler registry, the
// runner, and the two HTTP servers (queue delivery, admin). Grounded on the
// teacher's cmd/job-queue-system/main.go construction order, pulled into a
// package of its own so main can stay a thin flag-and-signal shell.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Userport-ai/enrichment-worker/internal/adminapi"
	"github.com/Userport-ai/enrichment-worker/internal/aicache"
	"github.com/Userport-ai/enrichment-worker/internal/apicache"
	"github.com/Userport-ai/enrichment-worker/internal/callback"
	"github.com/Userport-ai/enrichment-worker/internal/config"
	"github.com/Userport-ai/enrichment-worker/internal/handlers/accountenhance"
	"github.com/Userport-ai/enrichment-worker/internal/handlers/leadresearch"
	"github.com/Userport-ai/enrichment-worker/internal/httppool"
	"github.com/Userport-ai/enrichment-worker/internal/queueapi"
	"github.com/Userport-ai/enrichment-worker/internal/rawdata"
	"github.com/Userport-ai/enrichment-worker/internal/registry"
	"github.com/Userport-ai/enrichment-worker/internal/resultstore"
	"github.com/Userport-ai/enrichment-worker/internal/retry"
	"github.com/Userport-ai/enrichment-worker/internal/runner"
	"github.com/Userport-ai/enrichment-worker/internal/warehouse"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// App holds every long-lived component built from a loaded Config.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	wh   *warehouse.Client
	pool *httppool.Pool

	queueHTTP *http.Server
	adminHTTP *http.Server
}

// Build constructs the full dependency graph but does not start listening;
// call Start for that. logger must already be set up (see
// internal/telemetry.NewLogger).
func Build(cfg *config.Config, logger *zap.Logger) (*App, error) {
	wh, err := warehouse.New(warehouse.Config{
		DSN:             cfg.Warehouse.DSN,
		Database:        cfg.Warehouse.Database,
		MaxOpenConns:    cfg.Warehouse.MaxOpenConns,
		MaxIdleConns:    cfg.Warehouse.MaxIdleConns,
		ConnMaxLifetime: cfg.Warehouse.ConnMaxLifetime,
		MaxBatchRows:    cfg.Warehouse.MaxBatchRows,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("app: open warehouse: %w", err)
	}

	pool := httppool.New(cfg.HTTPPool.MaxConnections, cfg.HTTPPool.PerHost, cfg.HTTPPool.Timeout)

	results := resultstore.New(wh)
	raw := rawdata.New(wh)
	apiCache := apicache.New(wh)
	aiCache := aicache.New(wh)

	signer := callback.NewSigner(cfg.Callback.SigningIssuer, cfg.Callback.SigningSecret, cfg.Callback.TokenTTL)
	deliverer, err := callback.New(callback.Config{
		ReceiverURL: cfg.Callback.URL,
		Pool:        pool,
		Signer:      signer,
		RetryPolicy: retry.Policy{
			MaxAttempts: cfg.Callback.RetryAttempts,
			Base:        cfg.Callback.RetryBase,
			Cap:         cfg.Callback.RetryCap,
			Jitter:      0.2,
		},
	})
	if err != nil {
		wh.Close()
		return nil, fmt.Errorf("app: build callback transport: %w", err)
	}

	accountHandler := accountenhance.New(&accountenhance.HTTPProvider{
		BaseURL: cfg.Provider.BaseURL,
		Pool:    pool,
	}, apiCache)

	anthropicClient := anthropic.NewClient(option.WithAPIKey(cfg.Anthropic.APIKey))
	leadHandler := leadresearch.New(leadresearch.NewAnthropicModel(anthropicClient), aiCache)

	reg, err := registry.New(accountHandler, leadHandler)
	if err != nil {
		wh.Close()
		return nil, fmt.Errorf("app: build registry: %w", err)
	}

	run := runner.New(reg, results, raw, deliverer)

	queueapi.SetDefaultDeadline(cfg.Server.DefaultTaskDeadline)
	verifier := queueapi.NewVerifier(cfg.Queue.Issuer, cfg.Queue.Audience, cfg.Queue.Secret)
	queueSrv := queueapi.New(run, verifier, logger)

	adminHandlers := adminapi.NewHandlers(wh, run)
	adminSrv := adminapi.New(adminHandlers, logger)

	return &App{
		cfg:    cfg,
		logger: logger,
		wh:     wh,
		pool:   pool,
		queueHTTP: &http.Server{
			Addr:    cfg.Server.QueueAddr,
			Handler: queueSrv.Router(),
		},
		adminHTTP: &http.Server{
			Addr:    cfg.Server.AdminAddr,
			Handler: adminSrv.Router(),
		},
	}, nil
}

// Start begins serving the queue delivery and admin endpoints. Errors from
// either listener (other than a clean Shutdown) are sent to errCh.
func (a *App) Start(errCh chan<- error) {
	go func() {
		if err := a.queueHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("queue server: %w", err)
		}
	}()
	go func() {
		if err := a.adminHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()
}

// Readiness reports whether the warehouse connection is usable, wired into
// telemetry.StartHTTPServer's /readyz probe.
func (a *App) Readiness(ctx context.Context) error {
	rows, err := a.wh.Query(ctx, "SELECT 1")
	if err != nil {
		return err
	}
	return rows.Close()
}

// Shutdown drains in-flight deliveries (P7): stop accepting new HTTP
// connections first, let the bounded HTTP pool finish outstanding callback
// and provider requests, then close the warehouse connection last so any
// in-flight write started before shutdown still lands.
func (a *App) Shutdown(ctx context.Context, grace time.Duration) error {
	_ = a.queueHTTP.Shutdown(ctx)
	_ = a.adminHTTP.Shutdown(ctx)
	a.pool.Shutdown(ctx, grace)
	return a.wh.Close()
}
