package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Fantasim/ckbtc-minter/internal/bitcoin"
	"github.com/Fantasim/ckbtc-minter/internal/config"
	"github.com/Fantasim/ckbtc-minter/internal/eventlog"
	"github.com/Fantasim/ckbtc-minter/internal/heartbeat"
	"github.com/Fantasim/ckbtc-minter/internal/logging"
	"github.com/Fantasim/ckbtc-minter/internal/models"
	"github.com/Fantasim/ckbtc-minter/internal/signer"
	"github.com/Fantasim/ckbtc-minter/internal/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir, cfg.Network)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	slog.Info("minter starting",
		"port", cfg.Port,
		"dbPath", cfg.DBPath,
		"ecdsaKeyName", cfg.ECDSAKeyName,
		"minConfirmations", cfg.MinConfirmations,
		"batchMinPending", cfg.BatchMinPending,
		"batchMaxSize", cfg.BatchMaxSize,
	)

	network := models.Network(cfg.Network)
	if !network.Valid() {
		slog.Error("invalid network in config", "network", cfg.Network)
		os.Exit(1)
	}

	heartbeatInterval, err := time.ParseDuration(cfg.HeartbeatInterval)
	if err != nil {
		slog.Error("invalid heartbeat interval", "value", cfg.HeartbeatInterval, "error", err)
		os.Exit(1)
	}

	recorder, err := eventlog.NewSQLiteRecorder(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open event log", "error", err)
		os.Exit(1)
	}
	defer recorder.Close()

	slog.Info("event log ready", "path", cfg.DBPath)

	innerState := state.New(network, cfg.MinConfirmations, cfg.ECDSAKeyName)

	events, err := recorder.LoadAll(context.Background())
	if err != nil {
		slog.Error("failed to load event log for replay", "error", err)
		os.Exit(1)
	}
	eventlog.Replay(innerState, events)
	slog.Info("replayed event log", "events", len(events))

	guardedState := state.NewGuarded(innerState)

	facade := bitcoin.NewHTTPFacade(&http.Client{Timeout: config.FacadeRequestTimeout}, cfg.BitcoinAPIURLs)

	oracle := buildOracle(cfg)

	driver := &heartbeat.Driver{
		State:        guardedState,
		Facade:       facade,
		Oracle:       oracle,
		Recorder:     recorder,
		BatchMinSize: cfg.BatchMinPending,
		BatchMaxSize: cfg.BatchMaxSize,
		Now:          func() int64 { return time.Now().UnixNano() },
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"status":  "ok",
				"network": cfg.Network,
			},
		})
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("minter HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	tickerCtx, cancelTicker := context.WithCancel(context.Background())
	guard := &heartbeat.Guard{}
	go runHeartbeat(tickerCtx, driver, guard, heartbeatInterval)

	sig := <-done
	slog.Info("shutdown signal received", "signal", sig)

	cancelTicker()

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("minter stopped")
}

// runHeartbeat ticks the settlement engine on a fixed interval until ctx is
// cancelled. The heartbeat.Guard already prevents overlapping ticks, so a
// slow tick simply causes the next tick to be skipped rather than queueing.
func runHeartbeat(ctx context.Context, driver *heartbeat.Driver, guard *heartbeat.Guard, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			driver.Tick(ctx, guard)
		}
	}
}

// buildOracle selects the signing oracle implementation: a remote
// threshold-ECDSA service when MINTER_ORACLE_URL is configured, otherwise
// the local mnemonic-backed development oracle.
func buildOracle(cfg *config.Config) signer.Oracle {
	if cfg.OracleURL != "" {
		slog.Info("using HTTP signing oracle", "url", cfg.OracleURL)
		return &signer.HTTPOracle{
			Client:  &http.Client{Timeout: config.FacadeRequestTimeout},
			BaseURL: cfg.OracleURL,
		}
	}
	slog.Warn("using local mnemonic signing oracle, not suitable for production", "mnemonicFile", cfg.MnemonicFile)
	return &signer.LocalOracle{MnemonicFile: cfg.MnemonicFile}
}
