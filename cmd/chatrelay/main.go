package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatrelay/internal/config"
	"chatrelay/internal/logging"
	"chatrelay/internal/persistence"
	"chatrelay/internal/server"
)

type options struct {
	configPath string
	host       string
	port       string
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "chatrelay",
		Short:        "Multi-channel line-based chat relay",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the configuration file")
	cmd.Flags().StringVar(&opts.host, "host", "", "listen host (overrides config and CHAT_HOST)")
	cmd.Flags().StringVarP(&opts.port, "port", "p", "", "listen port (overrides config and CHAT_PORT)")
	return cmd
}

// loadConfig layers command-line flags over the file and environment.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.port != "" {
		cfg.Server.Port = opts.port
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	var store persistence.Store
	if cfg.Storage.SQLitePath != "" {
		sqlite, err := persistence.New(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer sqlite.Close()
		store = sqlite
	}

	srv := server.New(cfg, store, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	if cfg.Server.WebPort != "" {
		ws := server.NewWebServer(srv, logger)
		g.Go(func() error {
			return ws.Start(net.JoinHostPort(cfg.Server.Host, cfg.Server.WebPort))
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Chat.ShutdownTimeout)
			defer cancel()
			return ws.Shutdown(shutdownCtx)
		})
	}

	logger.Info("chat relay started",
		zap.String("addr", cfg.Addr()),
		zap.String("web_port", cfg.Server.WebPort),
	)
	if err := g.Wait(); err != nil {
		logger.Error("chat relay stopped", zap.Error(err))
		return err
	}
	logger.Info("chat relay stopped")
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
