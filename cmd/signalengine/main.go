// Command signalengine runs the real-time perpetual-futures signal
// engine described in SPEC_FULL.md. Grounded on the teacher's
// cmd/cryptorun/main.go cobra wiring, trimmed to this engine's three
// subcommands.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sawpanic/signalengine/internal/arbitrate"
	"github.com/sawpanic/signalengine/internal/clocksync"
	"github.com/sawpanic/signalengine/internal/config"
	enginelog "github.com/sawpanic/signalengine/internal/log"
	"github.com/sawpanic/signalengine/internal/metrics"
	"github.com/sawpanic/signalengine/internal/notify"
	"github.com/sawpanic/signalengine/internal/pipeline"
	"github.com/sawpanic/signalengine/internal/provider"
	"github.com/sawpanic/signalengine/internal/risk"
	"github.com/sawpanic/signalengine/internal/store"
	"github.com/sawpanic/signalengine/internal/strategy"
	"github.com/sawpanic/signalengine/internal/transport/restclient"
	"github.com/sawpanic/signalengine/internal/transport/wsstream"
)

const (
	appName = "signalengine"
	version = "v0.1.0"
)

func main() {
	var configPath string
	var logLevel string
	var humanLog bool

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Real-time crypto perpetual-futures signal engine.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(configPath, logLevel, humanLog)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the engine's YAML config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "zerolog level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&humanLog, "human-log", false, "pretty-print logs instead of JSON")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the driver loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(configPath, logLevel, humanLog)
		},
	}

	healthcheckCmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "One-shot config/state sanity check; does not start the loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, healthcheckCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runHealthcheck loads the config and risk state and reports whether
// both parse cleanly, per SPEC_FULL.md §1's `signalengine healthcheck`.
func runHealthcheck(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return err
	}
	if _, err := risk.New(risk.Config{
		MaxDailyLossUSDT:        cfg.Risk.MaxDailyLossUSDT,
		MaxCardsPerDay:          cfg.Risk.MaxCardsPerDay,
		CooldownAfterTriggerMin: cfg.Risk.CooldownAfterTriggerMinutes,
		KillSwitch:              cfg.Risk.KillSwitch,
		StatePath:               cfg.Risk.RiskStatePath,
		PnLCSVPath:              cfg.Risk.PnLCSVPath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "risk state: %v\n", err)
		return err
	}
	fmt.Println("ok")
	return nil
}

func runLoop(configPath, logLevel string, humanLog bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := enginelog.Setup(logLevel, humanLog)
	logger.Info().Str("version", version).Msg("signalengine starting")

	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)

	riskEngine, err := risk.New(risk.Config{
		MaxDailyLossUSDT:        cfg.Risk.MaxDailyLossUSDT,
		MaxCardsPerDay:          cfg.Risk.MaxCardsPerDay,
		CooldownAfterTriggerMin: cfg.Risk.CooldownAfterTriggerMinutes,
		KillSwitch:              cfg.Risk.KillSwitch,
		StatePath:               cfg.Risk.RiskStatePath,
		PnLCSVPath:              cfg.Risk.PnLCSVPath,
	})
	if err != nil {
		return fmt.Errorf("init risk engine: %w", err)
	}

	restClient := restclient.New("https://api.example-venue.invalid")
	clock := clocksync.New(clocksync.Config{
		MaxClockErrorMs:   cfg.Clock.MaxClockErrorMs,
		RefreshSec:        cfg.Clock.ServerTimeRefreshSec,
		DegradedRetrySec:  cfg.Clock.ServerTimeDegradedRetrySec,
		RefreshCooldownMs: cfg.Clock.ClockRefreshCooldownMs,
		DegradedTTLMs:     cfg.Clock.ClockDegradedTTLMs,
	}, restClient, nil).WithMetrics(metricsReg)

	st := store.New(cfg.Universe.Symbols, store.Options{})

	wsURL := "wss://stream.example-venue.invalid/ws"
	streamClient := wsstream.New(wsURL, logger)

	preferredMode := store.ModeREST
	if cfg.Source.DataSourcePreferred == "ws" {
		preferredMode = store.ModeWS
	}

	sm := provider.New(provider.Config{
		Symbols:                 cfg.Universe.Symbols,
		KlineLimit:              cfg.Universe.KlineLimit,
		StateSyncKlines:         cfg.Universe.StateSyncKlines,
		PreferredMode:           preferredMode,
		StaleSeconds:            int64(cfg.Source.StaleSeconds),
		KlineStaleMs:            cfg.Source.KlineStaleMs,
		WSBackoffMinSeconds:     int64(cfg.Source.WSBackoffMinSeconds),
		WSBackoffMaxSeconds:     int64(cfg.Source.WSBackoffMaxSeconds),
		WSRecoverGoodTicks:      cfg.Source.WSRecoverGoodTicks,
		RESTPricePollSeconds:    int64(cfg.Source.RESTPricePollSeconds),
		RESTKlinePollSeconds:    int64(cfg.Source.RESTKlinePollSeconds),
		PremiumIndexPollSeconds: int64(cfg.Source.PremiumIndexPollSeconds),
		FundingPollSeconds:      int64(cfg.Source.FundingPollSeconds),
		OIPollSeconds:           int64(cfg.Source.OIPollSeconds),
		HealthLogInterval:       time.Minute,
	}, st, restClient, streamClient, clock, nil, logger).WithMetrics(metricsReg)

	svc := pipeline.New(pipeline.Config{
		Symbols:        cfg.Universe.Symbols,
		FundingStaleMs: 180_000,
		OIStaleSeconds: 60,
		Arbitrator: arbitrate.Config{
			DedupeWindowSeconds: cfg.Arbitrator.DedupeWindowSeconds,
			EntrySimilarPct:     cfg.Arbitrator.EntrySimilarPct,
			StopSimilarPct:      cfg.Arbitrator.StopSimilarPct,
		},
		Strategies: pipeline.StrategyConfigs{
			VolBreakout: strategy.VolBreakoutConfig{
				Shared:          sharedFromConfig(cfg),
				Priority:        cfg.Strategy.Priority.VolBreakout,
				ReturnThreshold: cfg.Strategy.ReturnThreshold,
				SpikeMultiplier: cfg.Strategy.ATRSpikeMultiplier,
			},
			FundingOiSkew: strategy.FundingOiSkewConfig{
				Shared:         sharedFromConfig(cfg),
				Priority:       cfg.Strategy.Priority.FundingOiSkew,
				FundingExtreme: cfg.Strategy.FundingExtreme,
				OIZThreshold:   cfg.Strategy.OIZScoreThreshold,
			},
			LiquidationFollow: strategy.LiquidationFollowConfig{
				Shared:           sharedFromConfig(cfg),
				Priority:         cfg.Strategy.Priority.LiquidationFollow,
				OIDeltaThreshold: cfg.Strategy.OIDeltaPctThreshold,
			},
			FakeBreakoutReversal: strategy.FakeBreakoutReversalConfig{
				Shared:         sharedFromConfig(cfg),
				Priority:       cfg.Strategy.Priority.FakeBreakoutReversal,
				SweepPct:       cfg.Strategy.SweepPct,
				WickBodyRatio:  cfg.Strategy.WickBodyRatio,
				StopBufferATR:  cfg.Strategy.StopBufferATR,
				MinATRPct:      cfg.Strategy.MinATRPct,
				MaxKlineAgeSec: 90,
			},
		},
	}, st, clock, riskEngine, notify.DisabledNotifier{}, notify.DisabledPostback{}, logger).WithMetrics(metricsReg)

	ready := &atomic.Bool{}
	httpSrv := startObservabilityServer(cfg.MetricsAddr, reg, ready)
	defer httpSrv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sm.Start(ctx)
	ready.Store(true)

	ticker := time.NewTicker(time.Duration(cfg.Universe.PollSeconds) * time.Second)
	defer ticker.Stop()

	logger.Info().Msg("driver loop started")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			return nil
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error().Interface("panic", r).Msg("tick panicked, continuing")
					}
				}()
				sm.Refresh(ctx)
				svc.RunTick(ctx)
			}()
		}
	}
}

func sharedFromConfig(cfg *config.Config) strategy.Shared {
	return strategy.Shared{
		LeverageSuggest: cfg.Strategy.LeverageSuggest,
		MaxRiskUSDT:     cfg.Strategy.MaxRiskUSDT,
		TTLMinutes:      cfg.Strategy.TTLMinutes,
	}
}

// startObservabilityServer exposes /healthz and /metrics per
// SPEC_FULL.md §1's "Observability surface" addition. Errors binding
// the listener are logged but never fatal to the driver loop.
func startObservabilityServer(addr string, reg *prometheus.Registry, ready *atomic.Bool) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "starting")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "observability server: %v\n", err)
		}
	}()
	return srv
}
