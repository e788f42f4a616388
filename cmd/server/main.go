// Command server is the deltabridge entrypoint: it loads configuration,
// wires every component (C1-C9), and serves the HTTP surface until
// signalled to shut down. Exit codes: 0 normal shutdown, 1 unrecoverable
// startup error, 2 invalid configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"deltabridge/internal/broker"
	"deltabridge/internal/config"
	"deltabridge/internal/deltastore"
	"deltabridge/internal/dispatcher"
	"deltabridge/internal/engine"
	"deltabridge/internal/httpapi"
	"deltabridge/internal/notifier"
	"deltabridge/internal/obslog"
	"deltabridge/internal/polling"
	"deltabridge/internal/query"
	"deltabridge/internal/selector"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(2)
	}

	log := obslog.New(cfg.Logging)
	entry := logrus.NewEntry(log)

	store, err := deltastore.New(cfg.DBPath, obslog.Component(log, "deltastore"))
	if err != nil {
		entry.WithError(err).Error("failed to open delta store")
		os.Exit(1)
	}
	defer store.Close()

	notifChannels := make(map[string]string)
	for _, a := range cfg.Accounts {
		if a.NotifierChannel != "" {
			notifChannels[a.NotifierChannel] = os.Getenv(a.NotifierChannel + "_WEBHOOK_URL")
		}
	}
	notif := notifier.New(notifChannels, obslog.Component(log, "notifier"))

	gateways := make(map[string]broker.Gateway)
	selectors := make(map[string]*selector.Selector)
	engines := make(map[string]*engine.Engine)
	var pollingAccounts []polling.AccountResources

	for _, acct := range cfg.EnabledAccounts() {
		gwLog := obslog.Component(log, "broker").WithField("account", acct.Name)

		var gw broker.Gateway
		if cfg.MockMode {
			gw = broker.NewMockGateway(gwLog)
		} else {
			apiKey := os.Getenv(acct.BrokerCredentialsRef + "_API_KEY")
			apiSecret := os.Getenv(acct.BrokerCredentialsRef + "_API_SECRET")
			if apiKey == "" || apiSecret == "" {
				entry.WithField("account", acct.Name).Error("missing broker credentials for enabled account")
				os.Exit(2)
			}
			gw = broker.NewAlpacaGateway(apiKey, apiSecret, "https://paper-api.alpaca.markets", "https://data.alpaca.markets", gwLog)
		}
		gateways[acct.Name] = gw

		selectors[acct.Name] = selector.New(gw, cfg.ContractSelection, cfg.SpreadRatioThreshold, cfg.SpreadTickMultipleThreshold, obslog.Component(log, "selector").WithField("account", acct.Name))

		eng := engine.New(acct.Name, gw, store, notif, engine.Config{
			StepInterval:         cfg.ProgressiveStepInterval,
			MaxSteps:             cfg.ProgressiveMaxSteps,
			EnableMarketFallback: cfg.EnableMarketFallback,
			MaxPlaceRetries:      cfg.MaxPlaceRetries,
			SpreadHoldBudget:     cfg.SpreadHoldBudget,
			ForceProgress:        cfg.ForceProgress,
			SpreadRatioThreshold: cfg.SpreadRatioThreshold,
			SpreadTickThreshold:  cfg.SpreadTickMultipleThreshold,
			GatewayCallTimeout:   cfg.GatewayCallTimeout,
			NotifierChannel:      acct.NotifierChannel,
		}, obslog.Component(log, "engine"))
		engines[acct.Name] = eng

		pollingAccounts = append(pollingAccounts, polling.AccountResources{
			AccountID: acct.Name,
			Gateway:   gw,
			Engine:    eng,
		})
	}

	dsp := dispatcher.New(cfg, selectors, gateways, store, notif, func(accountID string) (*engine.Engine, bool) {
		e, ok := engines[accountID]
		return e, ok
	}, obslog.Component(log, "dispatcher"))

	pollingMgr := polling.New(polling.Config{
		PositionInterval:     cfg.PositionPollingInterval,
		OrderInterval:        cfg.OrderPollingInterval,
		MaxConsecutiveErrors: cfg.MaxPollingErrors,
		DeltaChangeThreshold: cfg.DeltaChangeThreshold,
		TickGracePeriod:      5 * time.Second,
	}, pollingAccounts, store, notif, obslog.Component(log, "polling"))

	qs := query.New(store, pollingMgr, gateways)

	server := httpapi.New(cfg, dsp, qs, pollingMgr, version, obslog.Component(log, "httpapi"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, eng := range engines {
		go eng.Run(ctx)
	}
	for name, eng := range engines {
		go pumpOrderUpdates(ctx, gateways[name], eng, name, obslog.Component(log, "broker").WithField("account", name))
	}
	if cfg.AutoStartPolling {
		go pollingMgr.Run(ctx)
	}
	go retentionPruneLoop(ctx, store, cfg.DeltaRetentionDays, obslog.Component(log, "deltastore"))

	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: server.Handler()}
	go func() {
		entry.WithField("port", cfg.Port).Info("deltabridge listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Error("http server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	entry.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Warn("http server did not shut down cleanly within grace period")
	}

	entry.Info("shutdown complete")
}

// pumpOrderUpdates subscribes to the gateway's push-based order stream for
// one account and forwards every update into the engine, so a fill is
// observed as soon as the broker reports it instead of waiting for the
// engine's own step timer.
func pumpOrderUpdates(ctx context.Context, gw broker.Gateway, eng *engine.Engine, accountID string, log *logrus.Entry) {
	updates, err := gw.OrderUpdates(ctx, accountID)
	if err != nil {
		log.WithError(err).Warn("failed to subscribe to order update stream, falling back to polling only")
		return
	}
	for u := range updates {
		eng.PushOrderUpdate(u)
	}
}

func retentionPruneLoop(ctx context.Context, store *deltastore.Store, retentionDays int, log *logrus.Entry) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PruneOlderThan(retentionDays)
			if err != nil {
				log.WithError(err).Warn("delta record retention prune failed")
				continue
			}
			if n > 0 {
				log.WithField("pruned", n).Info("pruned aged delta records")
			}
		}
	}
}
