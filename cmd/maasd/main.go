// Command maasd wires the coordination core's components together and
// serves the ops HTTP/WS surface. It advances the tick clock by one every
// second; agent behavior is not driven here and is left to an external
// harness that calls the Coordinator's in-process API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperlicked/pkg/config"
	"github.com/uhyunpark/hyperlicked/pkg/coordinator"
	"github.com/uhyunpark/hyperlicked/pkg/ledger"
	"github.com/uhyunpark/hyperlicked/pkg/logging"
	"github.com/uhyunpark/hyperlicked/pkg/maas"
	"github.com/uhyunpark/hyperlicked/pkg/market"
	"github.com/uhyunpark/hyperlicked/pkg/opsapi"
)

func main() {
	manifestPath := flag.String("manifest", "manifest.yaml", "deployment manifest path")
	dotenvPath := flag.String("dotenv", ".env", "local .env for secret resolution")
	apiAddr := flag.String("api-addr", ":8080", "ops HTTP/WS listen address")
	logFile := flag.String("log-file", "", "optional file to tee structured logs to")
	flag.Parse()

	manifest, err := config.Load(*manifestPath, *dotenvPath)
	if err != nil {
		log.Fatalf("load manifest: %v", err)
	}

	rawLogger, err := buildLogger(*logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer rawLogger.Sync()
	sugar := rawLogger.Sugar()
	sugar.Infow("logger_initialized", "log_file", *logFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := ledger.Dial(ctx, manifest.RPCUrl, manifest.SigningKey)
	if err != nil {
		sugar.Fatalw("ledger_dial_failed", "err", err)
	}

	ledgerClient, err := ledger.Connect(ctx, ledger.Config{
		RPCUrl:             manifest.RPCUrl,
		ChainID:            manifest.ChainID,
		SigningKeyHex:      manifest.SigningKey,
		GasPolicy:          ledger.GasPolicy(manifest.GasPolicy),
		GasLimit:           manifest.GasLimit,
		MaxBatchSize:       manifest.MaxBatchSize,
		ConfirmationBlocks: manifest.ConfirmationBlocks,
		Retry: ledger.RetryPolicy{
			MaxAttempts:   manifest.Retry.MaxAttempts,
			InitialDelay:  manifest.InitialDelay(),
			BackoffFactor: manifest.Retry.BackoffFactor,
		},
		StorePath: "data/ledger-state",
	}, transport, sugar)
	if err != nil {
		sugar.Fatalw("ledger_connect_failed", "err", err)
	}
	defer ledgerClient.Shutdown()

	store := market.New(sugar)
	coord := coordinator.New(store, ledgerClient, sugar)
	defer coord.Shutdown()

	ops := opsapi.New(coord, sugar)
	go func() {
		if err := ops.Start(*apiAddr); err != nil {
			sugar.Fatalw("ops_api_failed", "err", err)
		}
	}()

	sugar.Infow("maasd_started", "apiAddr", *apiAddr, "rpcUrl", manifest.RPCUrl)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	var tick maas.Tick
	for {
		select {
		case <-ctx.Done():
			sugar.Info("maasd_shutting_down")
			return
		case <-ticker.C:
			tick++
			if err := coord.Tick(tick); err != nil {
				sugar.Warnw("tick_failed", "tick", tick, "err", err)
			}
		}
	}
}

func buildLogger(path string) (*zap.Logger, error) {
	if path == "" {
		return logging.New()
	}
	return logging.NewWithFile(path)
}
