package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/allsmog/zkid-go/pkg/api"
	"github.com/allsmog/zkid-go/pkg/biometric"
	"github.com/allsmog/zkid-go/pkg/config"
	"github.com/allsmog/zkid-go/pkg/crypto/curve"
	"github.com/allsmog/zkid-go/pkg/envelope"
	"github.com/allsmog/zkid-go/pkg/identity"
	"github.com/allsmog/zkid-go/pkg/jwt"
	"github.com/allsmog/zkid-go/pkg/ledger"
	"github.com/allsmog/zkid-go/pkg/replay"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the identity HTTP service",
	RunE:  runServe,
}

var serveFlags struct {
	listen       string
	curve        string
	ledgerDriver string
	ledgerPath   string
	biometricURL string
	directLogin  bool
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&serveFlags.listen, "listen", "l", "", "override listen address")
	f.StringVar(&serveFlags.curve, "curve", "", "curve (secp256k1|ristretto255)")
	f.StringVar(&serveFlags.ledgerDriver, "ledger", "", "ledger driver (memory|sqlite)")
	f.StringVar(&serveFlags.ledgerPath, "ledger-path", "", "sqlite ledger file")
	f.StringVar(&serveFlags.biometricURL, "biometric-url", "", "face embedding service URL")
	f.BoolVar(&serveFlags.directLogin, "allow-direct-login", false, "enable the single-call login endpoint")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	override(&cfg.Server.Listen, serveFlags.listen)
	override(&cfg.Curve, serveFlags.curve)
	override(&cfg.Ledger.Driver, serveFlags.ledgerDriver)
	override(&cfg.Ledger.Path, serveFlags.ledgerPath)
	override(&cfg.Biometric.URL, serveFlags.biometricURL)
	if cmd.Flags().Changed("allow-direct-login") {
		cfg.AllowDirectLogin = serveFlags.directLogin
	}
	if logLevel == "" {
		if err := setLogLevel(cfg.LogLevel); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	crv, err := curve.FromName(cfg.Curve)
	if err != nil {
		return err
	}
	log.Infof("Using curve: %s", crv.Name())

	led, err := openLedger(cfg.Ledger)
	if err != nil {
		return err
	}
	defer led.Close()

	bio, err := newBiometric(cfg.Biometric)
	if err != nil {
		return err
	}

	if err := waitReady(ctx, cfg.Biometric.StartupWait, map[string]identity.Pinger{
		"ledger":    led,
		"biometric": bio,
	}); err != nil {
		return err
	}

	sealer, err := envelope.NewSealer(cfg.Envelope.KDF)
	if err != nil {
		return err
	}

	var signer *jwt.ES256Signer
	if cfg.Token.Enabled {
		if err := ensureSigningKey(cfg.Token); err != nil {
			return err
		}
		signer, err = jwt.NewES256SignerFromFile(cfg.Token.KeyFile, cfg.Token.KeyConfig)
		if err != nil {
			return fmt.Errorf("failed to create JWT signer: %w", err)
		}
		if signer.Issuer() != cfg.Token.Issuer {
			log.Warnf("Key config issuer %q overrides configured issuer %q", signer.Issuer(), cfg.Token.Issuer)
		}
		log.Infof("Loaded JWT signer with algorithm: %s", signer.Algorithm())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := identity.NewMetrics(reg)
	if err != nil {
		return err
	}

	replayStore := replay.NewMemoryStore(cfg.Replay.TTL, cfg.Replay.SweepInterval)
	defer replayStore.Close()

	deps := identity.Dependencies{
		Curve:     crv,
		Ledger:    led,
		Biometric: bio,
		Sealer:    sealer,
		Replay:    replayStore,
		Metrics:   metrics,
		Config: identity.Config{
			QRSize:           cfg.Envelope.QRSize,
			TokenAudience:    cfg.Token.Audience,
			TokenTTL:         cfg.Token.TTL,
			PairwiseSubject:  cfg.Token.Pairwise,
			AllowDirectLogin: cfg.AllowDirectLogin,
		},
	}
	apiCfg := api.Config{
		Audience:       cfg.Token.Audience,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		RequestTimeout: cfg.Server.RequestTimeout,
		RateLimit:      cfg.Server.RateLimit,
		TrustProxy:     cfg.Server.TrustProxy,
	}
	if cfg.Server.Metrics {
		apiCfg.Gatherer = reg
	}

	var tokenSigner jwt.TokenSigner
	if signer != nil {
		deps.Signer = signer
		tokenSigner = signer
		apiCfg.Issuer = signer.Issuer()
	}

	svc, err := identity.NewService(deps)
	if err != nil {
		return err
	}
	if cfg.AllowDirectLogin {
		log.Warn("Direct login is enabled: the server derives user secrets on /login/direct")
	}

	router, limiter := api.NewHandlers(svc, tokenSigner, apiCfg).Router()
	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("Server starting on %s", cfg.Server.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if limiter != nil {
		g.Go(func() error {
			limiter.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openLedger(cfg config.LedgerConfig) (ledger.Ledger, error) {
	switch cfg.Driver {
	case config.LedgerMemory:
		log.Warn("Using in-memory ledger: identities are lost on restart")
		return ledger.NewMemoryLedger(), nil
	case config.LedgerSQLite:
		if err := mkdirFor(cfg.Path); err != nil {
			return nil, err
		}
		l, err := ledger.NewSQLiteLedger(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
		log.Infof("Opened SQLite ledger at %s", cfg.Path)
		return l, nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

// biometricService is a biometric.Service that can report its health.
type biometricService interface {
	biometric.Service
	identity.Pinger
}

func newBiometric(cfg config.BiometricConfig) (biometricService, error) {
	client, err := biometric.NewClient(cfg.URL, biometric.WithTimeout(cfg.Timeout))
	if err != nil {
		return nil, err
	}
	if !cfg.LocalCompare {
		return client, nil
	}
	log.Infof("Comparing embeddings locally, threshold %.2f", cfg.Threshold)
	return biometric.Combine(client, biometric.NewCosineComparer(cfg.Threshold)).(biometricService), nil
}

// waitReady pings every collaborator with exponential backoff until all
// answer or maxWait elapses.
func waitReady(ctx context.Context, maxWait time.Duration, deps map[string]identity.Pinger) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(250*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(maxWait),
	), ctx)

	for name, p := range deps {
		err := backoff.RetryNotify(func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return p.Ping(pingCtx)
		}, b, func(err error, next time.Duration) {
			log.Warnf("%s not ready, retrying in %v: %v", name, next.Round(time.Millisecond), err)
		})
		if err != nil {
			return fmt.Errorf("%s unavailable: %w", name, err)
		}
		b.Reset()
		log.Infof("%s ready", name)
	}
	return nil
}

// ensureSigningKey generates the token key files when the key is missing.
func ensureSigningKey(tc config.TokenConfig) error {
	if !tc.Enabled {
		return nil
	}
	if _, err := os.Stat(tc.KeyFile); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	log.Infof("Key file %s does not exist, generating new key...", tc.KeyFile)
	if err := mkdirFor(tc.KeyFile, tc.KeyConfig); err != nil {
		return err
	}
	if err := jwt.GenerateKeyPairFiles(tc.KeyID, tc.Issuer, tc.KeyFile, tc.KeyConfig); err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}
	log.Infof("Generated new key pair: %s, %s", tc.KeyFile, tc.KeyConfig)
	return nil
}

func mkdirFor(paths ...string) error {
	for _, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return err
		}
	}
	return nil
}
