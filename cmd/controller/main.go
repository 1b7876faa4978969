package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/angariumd/hcmp/internal/auth"
	"github.com/angariumd/hcmp/internal/config"
	"github.com/angariumd/hcmp/internal/controller"
	"github.com/angariumd/hcmp/internal/db"
	"github.com/angariumd/hcmp/internal/events"
	"github.com/angariumd/hcmp/internal/history"
	"github.com/angariumd/hcmp/internal/logging"
	"github.com/angariumd/hcmp/internal/metrics"
	"github.com/angariumd/hcmp/internal/models"
	"github.com/angariumd/hcmp/internal/pool"
	"github.com/angariumd/hcmp/internal/provision"
	"github.com/angariumd/hcmp/internal/pubsub"
	"github.com/angariumd/hcmp/internal/runner"
	"github.com/angariumd/hcmp/internal/sealed"
	"github.com/angariumd/hcmp/internal/telemetry"
	"github.com/angariumd/hcmp/internal/terminal"
)

const shutdownGrace = 10 * time.Second

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "hcmp-controller",
		Short:        "H-CMP provisioning controller",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/controller.yaml", "path to controller config")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, live channels and provisioning workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configPath)
		},
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the schema and seed users and the machine pool, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return seedOnly(cmd.Context(), configPath, cmd.OutOrStdout())
		},
	}

	var recipients []string
	sealCmd := &cobra.Command{
		Use:   "seal [value]",
		Short: "Encrypt a config secret for the given age recipients",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := sealed.Seal([]byte(args[0]), recipients)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	sealCmd.Flags().StringSliceVarP(&recipients, "recipient", "r", nil, "age recipient public key (repeatable)")
	sealCmd.MarkFlagRequired("recipient")

	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an age identity for sealing config secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, recipient, err := sealed.GenerateKeypair()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# public key: %s\n%s\n", recipient, identity)
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, seedCmd, sealCmd, keygenCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openAndSeed(ctx context.Context, cfg *config.ControllerConfig, logger *zap.Logger) (*db.DB, *auth.Authenticator, *pool.Pool, error) {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening db: %w", err)
	}
	if err := database.Init(); err != nil {
		database.Close()
		return nil, nil, nil, fmt.Errorf("initializing db: %w", err)
	}

	users := make([]models.User, len(cfg.Users))
	tokens := make([]string, len(cfg.Users))
	for i, u := range cfg.Users {
		users[i] = models.User{ID: u.ID, Name: u.Name, Role: models.Role(u.Role)}
		tokens[i] = u.Token
	}
	authenticator := auth.NewAuthenticator(database, logger)
	if err := authenticator.SeedUsers(ctx, users, tokens); err != nil {
		database.Close()
		return nil, nil, nil, err
	}

	machines := make([]models.Machine, len(cfg.Pool))
	for i, m := range cfg.Pool {
		machines[i] = models.Machine{Address: m.Address, Name: m.Name}
	}
	p := pool.New(database, logger)
	added, err := p.Seed(ctx, machines)
	if err != nil {
		database.Close()
		return nil, nil, nil, fmt.Errorf("seeding pool: %w", err)
	}
	logger.Info("database ready",
		zap.String("path", cfg.DBPath),
		zap.Int("users", len(users)),
		zap.Int("machines_added", added))

	return database, authenticator, p, nil
}

func seedOnly(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := config.LoadControllerConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	database, _, _, err := openAndSeed(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Fprintf(out, "seeded %d users and %d pool machines into %s\n", len(cfg.Users), len(cfg.Pool), cfg.DBPath)
	return nil
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.LoadControllerConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	shutdownTracing, err := telemetry.Setup(cfg.Tracing.Enabled, os.Stderr)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	resolver, err := sealed.NewResolver(cfg.Secrets.IdentityFile)
	if err != nil {
		return err
	}
	vcenterPassword, err := resolver.Resolve(cfg.VCenter.Password)
	if err != nil {
		return fmt.Errorf("resolving vcenter password: %w", err)
	}

	database, authenticator, p, err := openAndSeed(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var transport pubsub.Transport
	if cfg.NATSURL != "" {
		transport, err = pubsub.NewNATS(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		logger.Info("event transport: nats", zap.String("url", cfg.NATSURL))
	} else {
		transport = pubsub.NewMemory()
		logger.Info("event transport: in-process")
	}
	defer transport.Close()

	bus := events.NewBus(transport, logger, events.WithPollInterval(cfg.RelayPollInterval), events.WithMetrics(m))
	defer bus.Close()

	h := history.New(database)
	launcher := runner.NewAnsible(cfg.AnsibleBinary, cfg.LogDir, logger)
	orch := provision.New(p, h, bus, launcher, provision.Config{
		PlaybookDir: cfg.PlaybookDir,
		Playbook:    cfg.Playbook,
		RunAs:       cfg.RunAs,
		VCenter: provision.VCenter{
			Hostname: cfg.VCenter.Hostname,
			Username: cfg.VCenter.Username,
			Password: vcenterPassword,
		},
	}, m, logger)

	proxy := terminal.New(terminal.NewSSHDialer(cfg.Terminal.DialTimeout), logger,
		terminal.WithPollInterval(cfg.Terminal.PollInterval),
		terminal.WithMetrics(m))

	server := controller.NewServer(p, h, orch, bus, proxy, authenticator, logger)

	apiServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metrics.RegisterHandler(metricsMux, reg)
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("controller listening", zap.String("addr", cfg.Addr), zap.Bool("tls", cfg.CertPath != ""))
		var err error
		if cfg.CertPath != "" && cfg.KeyPath != "" {
			err = apiServer.ListenAndServeTLS(cfg.CertPath, cfg.KeyPath)
		} else {
			err = apiServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	apiServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)

	// Running playbooks are stopped and their jobs settled as failed.
	orch.Shutdown()
	logger.Info("controller stopped")
	return runErr
}
