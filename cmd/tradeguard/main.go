package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tradeguard/internal/app"
	"tradeguard/internal/config"
	"tradeguard/internal/logger"
	statushttp "tradeguard/internal/transport/http/status"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

type rootFlags struct {
	configPath string
	apiAddr    string
	timeout    time.Duration
}

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "tradeguard",
		Short:        "Broker account reconciliation and drawdown guard",
		SilenceUsage: true,
	}
	defaultCfg := os.Getenv(config.EnvPrefix + "_CONFIG")
	if defaultCfg == "" {
		defaultCfg = "configs/config.yaml"
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", defaultCfg, "config file")
	root.PersistentFlags().StringVar(&flags.apiAddr, "api", "", "status API address (defaults to app.http_addr)")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "status API request timeout")

	root.AddCommand(
		newRunCmd(flags),
		newStatusCmd(flags),
		newResetBreakerCmd(flags),
		newResetPeakCmd(flags),
	)
	return root
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation scheduler and status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			closer, err := setupLogOutput(cfg.App)
			if err != nil {
				return fmt.Errorf("init log file: %w", err)
			}
			if closer != nil {
				defer closer.Close()
			}
			logger.SetLevel(cfg.App.LogLevel)
			logger.Infof("✓ config loaded (env=%s, accounts=%s)", cfg.App.Env, cfg.App.AccountsPath)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.NewApp(cfg)
			if err != nil {
				return fmt.Errorf("init app: %w", err)
			}
			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run: %w", err)
			}
			return nil
		},
	}
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [user_id]",
		Short: "Show the status board, or one user's detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			if len(args) == 1 {
				detail, err := client.UserStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), detail)
			}
			status, err := client.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func newResetBreakerCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-breaker <user_id>",
		Short: "Close a user's circuit breaker and sync on the next tick",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			us, err := client.ResetBreaker(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), us)
		},
	}
}

func newResetPeakCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-peak <user_id>",
		Short: "Set a user's peak equity to the last synced equity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			res, err := client.ResetPeak(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

// client resolves the API address from --api, falling back to the
// config file's app.http_addr.
func (f *rootFlags) client() (*statushttp.Client, error) {
	addr := strings.TrimSpace(f.apiAddr)
	if addr == "" {
		cfg, err := config.Load(f.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w (or pass --api)", err)
		}
		addr = cfg.App.HTTPAddr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return statushttp.NewClient(addr)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// setupLogOutput tees logs to a rotated file when app.log_path is set.
func setupLogOutput(cfg config.AppConfig) (io.Closer, error) {
	trimmed := strings.TrimSpace(cfg.LogPath)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file := &lumberjack.Logger{
		Filename:   trimmed,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   true,
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
