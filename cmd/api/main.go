package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/gpustack-ui/chat-auth-service/internal/config"
	"github.com/gpustack-ui/chat-auth-service/internal/database"
	"github.com/gpustack-ui/chat-auth-service/internal/di"
	"github.com/gpustack-ui/chat-auth-service/internal/observability"
	"github.com/gpustack-ui/chat-auth-service/internal/repository"
	"github.com/gpustack-ui/chat-auth-service/internal/service"
	"github.com/gpustack-ui/chat-auth-service/internal/tools/common"
)

// Set via ldflags at build time.
var version = "dev"

type globalOptions struct {
	configFile string
	envFile    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:          "chat-auth",
		Short:        "Authentication and session service for the GPUStack chat backend",
		SilenceUsage: true,
		Version:      version,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML config file (overrides $CONFIG_FILE)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration")
	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newCleanupCommand(opts),
		newCreateUserCommand(opts),
	)
	return root
}

func loadConfig(opts *globalOptions) (*config.Config, error) {
	if err := common.LoadEnvFile(opts.envFile); err != nil {
		return nil, err
	}
	if opts.configFile != "" {
		if err := os.Setenv("CONFIG_FILE", opts.configFile); err != nil {
			return nil, err
		}
	}
	return config.Load()
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			lp, err := observability.InitLogs(ctx, cfg)
			if err != nil {
				return err
			}
			logger := observability.NewLogger(os.Stdout, cfg, lp)
			slog.SetDefault(logger)

			runtime, err := observability.InitRuntime(ctx, cfg, logger, lp)
			if err != nil {
				return err
			}
			a, err := di.InitializeApp(ctx, cfg, logger, runtime)
			if err != nil {
				_ = runtime.Shutdown(context.Background())
				return fmt.Errorf("initialize app: %w", err)
			}
			logger.Info("starting chat auth service", "addr", cfg.HTTPAddr, "env", cfg.AppEnv, "version", version)
			return a.Run(ctx)
		},
	}
}

func newMigrateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(opts, func(_ *config.Config, _ *gorm.DB, logger *slog.Logger) error {
				logger.Info("schema up to date")
				return nil
			})
		},
	}
}

func newCleanupCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-sessions",
		Short: "Delete expired sessions once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(opts, func(cfg *config.Config, db *gorm.DB, logger *slog.Logger) error {
				janitor, err := service.NewSessionJanitor(repository.NewSessionRepository(db), cfg.SessionCleanupSchedule, logger)
				if err != nil {
					return err
				}
				deleted, err := janitor.RunOnce(cmd.Context(), "cli")
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired sessions\n", deleted)
				return nil
			})
		},
	}
}

func newCreateUserCommand(opts *globalOptions) *cobra.Command {
	var (
		in    service.CreateUserInput
		email string
	)
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a local account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.Password == "" {
				in.Password = os.Getenv("CREATE_USER_PASSWORD")
			}
			if in.Password == "" {
				return errors.New("--password or $CREATE_USER_PASSWORD is required")
			}
			if email != "" {
				in.Email = &email
			}
			return withDatabase(opts, func(cfg *config.Config, db *gorm.DB, logger *slog.Logger) error {
				users := service.NewUserService(repository.NewUserRepository(db), repository.NewPreferenceRepository(db), nil, cfg.MinPasswordLength, logger)
				user, err := users.Create(cmd.Context(), in)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created user %s (id %d, admin=%t)\n", user.Username, user.ID, user.IsAdmin)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Username, "username", "", "login name")
	cmd.Flags().StringVar(&in.Password, "password", "", "initial password (default $CREATE_USER_PASSWORD)")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&in.FullName, "full-name", "", "display name")
	cmd.Flags().BoolVar(&in.IsAdmin, "admin", false, "grant the admin flag")
	cmd.Flags().BoolVar(&in.MustChangePassword, "must-change-password", true, "force a password change on first login")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func withDatabase(opts *globalOptions, fn func(*config.Config, *gorm.DB, *slog.Logger) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(os.Stderr, cfg, nil)
	db, err := database.Open(cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()
	if err := database.Migrate(db); err != nil {
		return err
	}
	return fn(cfg, db, logger)
}
