package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dealflow/api"
	"dealflow/app"
	"dealflow/auth"
	"dealflow/config"
	"dealflow/db"
	"dealflow/logging"
	"dealflow/memstore"
	"dealflow/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "dealflow",
		Short:         "Agreement and settlement orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "optional YAML config file")

	load := func() (*config.Config, *slog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		log := logging.New(cfg.Log.Level)
		slog.SetDefault(log)
		return cfg, log, nil
	}

	root.AddCommand(serveCmd(load), migrateCmd(load), reconcileCmd(load), tokenCmd(load))
	return root
}

type loader func() (*config.Config, *slog.Logger, error)

func serveCmd(load loader) *cobra.Command {
	var memory bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, closeStorage, err := openStorage(ctx, cfg, memory, log)
			if err != nil {
				return err
			}
			defer closeStorage()

			providers, err := app.NewProviders(cfg, log)
			if err != nil {
				return err
			}
			a := app.Build(cfg, st, providers, log)

			verifier, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
			if err != nil {
				return fmt.Errorf("auth: %w", err)
			}
			srv := api.NewServer(a.Engine, verifier, api.Options{
				ESignWebhookSecret:     cfg.ESign.WebhookSecret,
				CustodianWebhookSecret: cfg.Custodian.WebhookSecret,
				AllowedOrigins:         cfg.HTTP.AllowedOrigins,
			}, log).HTTPServer(cfg.HTTP.Addr)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.RunWorkers(gctx)
			})
			g.Go(func() error {
				log.Info("http server listening", "addr", cfg.HTTP.Addr, "memory", memory)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&memory, "memory", false, "keep all state in memory instead of PostgreSQL")
	return cmd
}

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			pool, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.Migrate(cmd.Context(), pool, migrations.Files); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
}

func reconcileCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one catch-up sweep against the providers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			st, closeStorage, err := openStorage(cmd.Context(), cfg, false, log)
			if err != nil {
				return err
			}
			defer closeStorage()
			providers, err := app.NewProviders(cfg, log)
			if err != nil {
				return err
			}
			a := app.Build(cfg, st, providers, log)
			n, err := a.Sweeper.RunOnce(cmd.Context())
			log.Info("reconcile sweep finished", "reconciled", n)
			return err
		},
	}
}

func tokenCmd(load loader) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for a user (development)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			svc, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			token, err := svc.IssueToken(args[0], auth.Kind(kind))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(auth.KindInvestor), "account kind (investor or agent)")
	return cmd
}

func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	return pool, nil
}

func openStorage(ctx context.Context, cfg *config.Config, memory bool, log *slog.Logger) (app.Storage, func(), error) {
	if memory {
		log.Warn("using in-memory storage; state is lost on exit")
		return app.MemoryStorage(memstore.New()), func() {}, nil
	}
	pool, err := connect(ctx, cfg)
	if err != nil {
		return app.Storage{}, nil, err
	}
	return app.PostgresStorage(pool), pool.Close, nil
}
