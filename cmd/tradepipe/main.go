package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gregtusar/tradepipe/api"
	"github.com/gregtusar/tradepipe/internal/config"
	"github.com/gregtusar/tradepipe/pkg/broker"
	"github.com/gregtusar/tradepipe/pkg/models"
	"github.com/gregtusar/tradepipe/pkg/pipeline"
	"github.com/gregtusar/tradepipe/pkg/store"
	"github.com/gregtusar/tradepipe/pkg/stream"
	"github.com/gregtusar/tradepipe/pkg/trader"
)

var (
	cfgFile string
	output  string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tradepipe",
		Short: "Lock-guarded trade execution pipeline",
		Long:  `Runs snapshot, signal, gating, execution and ledger stages against a durable position ledger, in PAPER or LIVE mode`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// a missing .env is normal
			_ = godotenv.Load()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")

	rootCmd.AddCommand(runCmd(), positionsCmd(), reconcileCmd(), serveCmd(), watchCmd(), tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration, configures the logger and opens the store.
func setup(ctx context.Context) (*config.Config, store.Store, error) {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := store.OpenPostgres(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	default:
		st, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	}
}

func printResult(v interface{}) error {
	switch output {
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}

func runCmd() *cobra.Command {
	var req pipeline.Request
	var threshold, sizeCap float64

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, st, err := setup(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if cmd.Flags().Changed("threshold") {
				req.Threshold = &threshold
			}
			if cmd.Flags().Changed("size-cap") {
				req.SizeCap = &sizeCap
			}

			coord, err := pipeline.Build(cfg, st, logger)
			if err != nil {
				return err
			}
			res, runErr := coord.Run(ctx, req)
			if err := printResult(res); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&req.RunKey, "key", "", "run lock key (default from run.key)")
	cmd.Flags().StringSliceVar(&req.Symbols, "symbols", nil, "symbols to trade (default from symbols)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "signal threshold")
	cmd.Flags().Float64Var(&sizeCap, "size-cap", 0, "maximum intent size")
	cmd.Flags().StringVar(&req.Window, "window", "", "trading window, e.g. 22:00-02:00 UTC")
	return cmd
}

func positionsCmd() *cobra.Command {
	var mode string
	var value bool

	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Print ledger positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, st, err := setup(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if mode == "" {
				mode = cfg.Mode
			}
			m, err := models.ParseMode(mode)
			if err != nil {
				return err
			}

			coord, err := pipeline.Build(cfg, st, logger)
			if err != nil {
				return err
			}
			if value {
				val, err := coord.Valuate(ctx, m)
				if err != nil {
					return err
				}
				return printResult(val)
			}
			positions, err := coord.Ledger().GetAll(ctx, m)
			if err != nil {
				return err
			}
			return printResult(map[string]interface{}{"mode": m, "positions": positions})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "PAPER or LIVE (default from mode)")
	cmd.Flags().BoolVar(&value, "value", false, "mark positions to market with a fresh snapshot")
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Apply confirmed LIVE orders to the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, st, err := setup(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if cfg.Broker.APIKey == "" {
				return fmt.Errorf("reconcile needs broker.api_key or ONETRADING_API_KEY")
			}
			client := pipeline.NewOneTradingClient(cfg)
			exec := broker.NewOneTradingExecutor(client, logger, cfg.Broker.Concurrency, cfg.Broker.Timeout)

			coord, err := pipeline.Build(cfg, st, logger)
			if err != nil {
				return err
			}
			res, err := pipeline.NewReconciler(exec, st, coord.Ledger(), logger).Reconcile(ctx)
			if res != nil {
				if perr := printResult(res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, st, err := setup(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			coord, err := pipeline.Build(cfg, st, logger)
			if err != nil {
				return err
			}

			var reconciler trader.Reconciler
			if coord.Mode() == models.ModeLive {
				client := pipeline.NewOneTradingClient(cfg)
				exec := broker.NewOneTradingExecutor(client, logger, cfg.Broker.Concurrency, cfg.Broker.Timeout)
				reconciler = pipeline.NewReconciler(exec, st, coord.Ledger(), logger)
			}
			scheduled := trader.New(coord, reconciler, cfg.Run.Interval, cfg.Run.ReconcileInterval, logger)
			if err := scheduled.Start(ctx); err != nil {
				return err
			}
			defer scheduled.Stop()

			server := api.NewServer(coord, logger, strconv.Itoa(cfg.Server.Port), cfg.Server.AuthSecret)
			logger.WithField("mode", coord.Mode()).Info("tradepipe is serving. Press Ctrl+C to stop.")
			if err := server.Start(ctx); err != nil {
				return err
			}
			logger.Info("tradepipe stopped")
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	var url, token string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print run results streamed by a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger = logrus.New()
			logger.SetFormatter(&logrus.JSONFormatter{})
			logger.SetOutput(os.Stderr)

			client := stream.NewClient(url, token, logger)
			client.RegisterHandler(stream.TypeRun, func(msg stream.Message) error {
				var res pipeline.RunResult
				if err := json.Unmarshal(msg.Data, &res); err != nil {
					return err
				}
				return printResult(res)
			})
			if err := client.Connect(ctx); err != nil {
				return err
			}
			defer client.Close()

			select {
			case <-ctx.Done():
			case <-client.Done():
				return fmt.Errorf("stream closed by server")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/api/stream", "stream endpoint")
	cmd.Flags().StringVar(&token, "token", os.Getenv("TRADEPIPE_TOKEN"), "bearer token")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with server.auth_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cfg.Server.AuthSecret == "" {
				return fmt.Errorf("server.auth_secret is not set")
			}
			tok, err := api.IssueToken(cfg.Server.AuthSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
