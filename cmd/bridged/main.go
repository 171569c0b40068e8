// Command bridged runs the bridge daemon: it listens on the configured
// transport and drives the editor-side collaborators from agent commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/godotai/bridge"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "bridged",
		Short:         "Protocol bridge daemon for agent-driven editor control",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile := v.GetString("config"); cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read config: %w", err)
				}
			}
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "config file path")
	flags.String("transport", "tcp", "transport type: tcp, unix, ws, in-process")
	flags.String("listen", "127.0.0.1:9080", "listen address or socket path")
	flags.String("codec", "json", "message encoding: json or msgpack")
	flags.Int("max-sessions", 0, "maximum concurrent sessions (0 = default)")
	flags.Duration("idle-timeout", 0, "close sessions idle past this duration (0 = default)")
	flags.StringSlice("allowed-root", nil, "path prefixes commands may reference")
	flags.Int("max-retries", 0, "retry ceiling per command lineage (0 = default)")
	flags.Duration("run-timeout", 0, "scene run wait ceiling (0 = default)")
	flags.Bool("debug", false, "enable debug logging")

	v.BindPFlags(flags)
	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

func run(v *viper.Viper) error {
	log, err := newLogger(v.GetBool("debug"))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	srv, err := bridge.NewServer(bridge.ServerConfig{
		Transport:    v.GetString("transport"),
		Addr:         v.GetString("listen"),
		Codec:        v.GetString("codec"),
		MaxSessions:  v.GetInt("max-sessions"),
		IdleTimeout:  v.GetDuration("idle-timeout"),
		AllowedRoots: v.GetStringSlice("allowed-root"),
		MaxRetries:   v.GetInt("max-retries"),
		RunTimeout:   v.GetDuration("run-timeout"),
		Logger:       log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("bridge starting",
			zap.String("transport", v.GetString("transport")),
			zap.String("addr", v.GetString("listen")),
			zap.String("codec", v.GetString("codec")))
		err := srv.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("bridge exited with error", zap.Error(err))
		return err
	}
	log.Info("bridge stopped")
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
