// main.go - Confidential staking daemon.
//
// stakingd assembles the encrypted-computation enclave, the confidential
// ledger and the staking vault in one process and serves them over HTTP.
//
// Usage:
//   stakingd -config config.json
//
// On first start the daemon generates the Groth16 proving and verifying
// keys under key_dir; later starts reload them. Ledger and vault state is
// snapshotted to state_dir periodically and on shutdown.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cipherstake "github.com/yukinakamura601/CipherStake"
	"github.com/yukinakamura601/CipherStake/internal/fhe"
	"github.com/yukinakamura601/CipherStake/internal/ledger"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "config.json", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "stakingd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	config, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("config validate: %w", err)
	}

	log, logCloser, err := NewLogger(config.LogLevel, config.LogFile)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	audit, auditCloser, err := NewAuditLogger(config.AuditLogPath)
	if err != nil {
		return err
	}
	if auditCloser != nil {
		defer auditCloser.Close()
	}

	for _, dir := range []string{config.KeyDir, config.StateDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	log.Info().Str("version", version).Msg("starting stakingd")
	log.Info().Str("key_dir", config.KeyDir).Msg("setting up proof system and enclave")

	opts := cipherstake.Options{
		KeyDir:       config.KeyDir,
		VaultAccount: ledger.Account(config.VaultAccount),
		Logger:       log,
	}
	if config.BGVProfile == "test" {
		log.Warn().Msg("running with the insecure test encryption profile")
		opts.Params = fhe.TestParametersLiteral()
	}

	setupStart := time.Now()
	system, err := cipherstake.NewSystem(opts)
	if err != nil {
		return fmt.Errorf("system setup: %w", err)
	}
	log.Info().Dur("elapsed", time.Since(setupStart)).Msg("system ready")

	// Restore the previous snapshot, if any.
	if _, err := os.Stat(filepath.Join(config.StateDir, "ledger.json")); err == nil {
		if err := system.LoadState(config.StateDir); err != nil {
			return fmt.Errorf("state restore: %w", err)
		}
		log.Info().Str("state_dir", config.StateDir).Msg("restored state snapshot")
	}

	metrics := NewMetricsCollector()
	health := NewHealthChecker(version)
	health.RegisterComponent("enclave", func() error {
		h, err := system.Enclave.ConstantFromPlaintext(0)
		if err != nil {
			return err
		}
		if !system.Enclave.IsInitialized(h) {
			return errors.New("enclave returned an uninitialized handle")
		}
		return nil
	})
	health.RegisterComponent("state_dir", func() error {
		probe := filepath.Join(config.StateDir, ".probe")
		if err := os.WriteFile(probe, nil, 0644); err != nil {
			return err
		}
		return os.Remove(probe)
	})

	limiter := NewAccountRateLimiter(
		config.RateLimitTokens,
		config.RateLimitRefill,
		time.Duration(config.RateLimitPeriodSec)*time.Second,
	)
	server := NewServer(system, log, audit, metrics, health, limiter)

	httpServer := &http.Server{
		Addr:         config.ListenAddr,
		Handler:      server.Routes(),
		ReadTimeout:  time.Duration(config.TimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(config.TimeoutSeconds) * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Periodic state snapshots.
	go func() {
		ticker := time.NewTicker(time.Duration(config.SnapshotEverySec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := system.SaveState(config.StateDir); err != nil {
					log.Error().Err(err).Msg("state snapshot failed")
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", config.ListenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := system.SaveState(config.StateDir); err != nil {
		return fmt.Errorf("final state snapshot: %w", err)
	}
	log.Info().Msg("stakingd stopped")
	return nil
}
