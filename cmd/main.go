package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meterlink/internal/app"
	"meterlink/internal/config"
	"meterlink/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

var configFile string

var rootCmd = &cobra.Command{
	Use:           "meterlink",
	Short:         "Keep a metering device connected and push its files to the server",
	Long:          `A device agent that keeps a liveness connection to the management server and uploads measurement exports and images with bounded concurrency, retry and progress reporting.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (YAML)")

	// Server and device flags
	pf.String("server", "", "Management server URL")
	pf.String("device-id", "", "Device id")
	pf.String("device-name", "", "Device display name")
	pf.String("hardware-key", "", "Hardware key (see keygen)")

	// Connection flags
	pf.String("mode", "", "Liveness mode (polling/stream)")
	pf.Duration("heartbeat-interval", 0, "Time between liveness probes")
	pf.Duration("probe-timeout", 0, "Timeout for one liveness probe")

	// Upload flags
	pf.String("backend", "", "Upload backend (api/s3)")
	pf.Int("concurrency", 0, "Maximum concurrent uploads")
	pf.Int("retries", 0, "Maximum attempts per file")

	pf.String("history", "", "Upload history database file")
	pf.String("metrics-listen", "", "Address for the /metrics endpoint (empty disables)")
	pf.String("log-level", "", "Log level (debug/info/warn/error)")

	rootCmd.AddCommand(keygenCmd, registerCmd, connectCmd, uploadCmd, historyCmd, statusCmd)
}

// setup loads the configuration and builds the logger for a command
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, zap.AtomicLevel, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, zap.AtomicLevel{}, fmt.Errorf("failed to load config: %w", err)
	}

	log, level, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, level, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// closeSession shuts the session down within shutdownTimeout
func closeSession(s *app.Session, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		log.Error("Error closing session", zap.Error(err))
	}
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this device with the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, _, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		session, err := app.New(cfg, log)
		if err != nil {
			return err
		}
		defer closeSession(session, log)

		ctx, cancel := signalContext(log)
		defer cancel()

		if err := session.Register(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Device %s registered\n", cfg.Device.ID)
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Stay connected and send liveness probes until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, level, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		session, err := app.New(cfg, log, app.WithLevel(level))
		if err != nil {
			return err
		}
		defer closeSession(session, log)

		ctx, cancel := signalContext(log)
		defer cancel()

		if err := session.Connect(ctx); err != nil {
			return err
		}

		if configFile != "" {
			go func() {
				if err := config.Watch(ctx, configFile, cmd.Flags(), log, session.ApplyConfig); err != nil {
					log.Warn("Config watch stopped", zap.Error(err))
				}
			}()
		}

		out := cmd.OutOrStdout()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-session.Events():
				if !ok {
					return nil
				}
				switch ev.Kind {
				case app.EventConnected:
					fmt.Fprintln(out, "connected")
				case app.EventDisconnected:
					fmt.Fprintln(out, "disconnected")
				case app.EventError:
					fmt.Fprintf(out, "connection problem (%s): %v\n", session.State(), ev.Err)
				}
			}
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <value>",
	Short: "Set the device status string on the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, _, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		session, err := app.New(cfg, log)
		if err != nil {
			return err
		}
		defer closeSession(session, log)

		ctx, cancel := signalContext(log)
		defer cancel()

		msg, err := session.SetStatus(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
