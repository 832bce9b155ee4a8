// Command tunnelc is the tunnel client (spec.md §4.H Client Proxier): it
// dials a tunneld server, registers a local port, and relays inbound
// requests to a local HTTP service.
//
// The command surface (tunnel/config/status subcommands) mirrors
// original_source/client.py's argparse subparser tree, rebuilt on
// github.com/spf13/cobra the way the rest of this module's stack is built
// on the libraries its teacher and pack reach for rather than stdlib flag
// parsing (SPEC_FULL.md §4).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/websoft9/tunneld/internal/config"
	"github.com/websoft9/tunneld/internal/tunnelclient"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tunnelc",
		Short: "Expose a local HTTP server through a tunneld server",
	}
	root.AddCommand(newTunnelCmd(), newConfigCmd(), newStatusCmd())
	return root
}

func newTunnelCmd() *cobra.Command {
	var serverURL string
	var liveStatus bool

	cmd := &cobra.Command{
		Use:   "tunnel <local-port>",
		Short: "Start a tunnel exposing the given local port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var localPort int
			if _, err := fmt.Sscanf(args[0], "%d", &localPort); err != nil || localPort <= 0 || localPort > 65535 {
				return fmt.Errorf("invalid local port %q", args[0])
			}

			cfg := config.LoadClient()
			if fc, err := loadFileConfig(); err == nil {
				if fc.ServerURL != "" {
					cfg.ServerURL = fc.ServerURL
				}
				if fc.AuthToken != "" {
					cfg.AuthToken = fc.AuthToken
				}
			}
			if serverURL != "" {
				cfg.ServerURL = serverURL
			}

			logger := newClientLogger()
			client := tunnelclient.New(cfg, localPort, logger)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sig
				logger.Info().Msg("tunnel stopped by user")
				cancel()
			}()

			if liveStatus {
				stopStatus := logStatusPeriodically(ctx, client, logger)
				defer stopStatus()
			}

			return client.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "tunnel server WebSocket URL (overrides config/env)")
	cmd.Flags().BoolVar(&liveStatus, "live", false, "periodically log tunnel status while running")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var apiKey string
	cmd := &cobra.Command{
		Use:   "config <server-url>",
		Short: "Persist the default tunnel server URL (and optional API key)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, err := loadFileConfig()
			if err != nil {
				return err
			}
			fc.ServerURL = args[0]
			if apiKey != "" {
				fc.AuthToken = apiKey
			}
			if err := saveFileConfig(fc); err != nil {
				return err
			}
			fmt.Printf("server configured: %s\n", fc.ServerURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", "", "bearer token sent as Authorization on connect")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted client configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, err := loadFileConfig()
			if err != nil {
				return err
			}
			cfg := config.LoadClient()
			if fc.ServerURL != "" {
				cfg.ServerURL = fc.ServerURL
			}
			fmt.Printf("server_url:             %s\n", cfg.ServerURL)
			if fc.AuthToken != "" {
				fmt.Println("auth_token:             ***set***")
			} else {
				fmt.Println("auth_token:             not set")
			}
			fmt.Printf("request_timeout:        %ds\n", cfg.RequestTimeoutSeconds)
			fmt.Printf("heartbeat_interval:     %ds\n", cfg.HeartbeatInterval)
			fmt.Printf("reconnect_delay:        %ds\n", cfg.ReconnectDelaySeconds)
			fmt.Printf("max_reconnect_attempts: %d\n", cfg.MaxReconnectAttempts)
			return nil
		},
	}
}

func newClientLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// logStatusPeriodically logs a structured status line once a second,
// replacing original_source/client.py's rich.Live status table — a
// terminal-rendering concern this module does not reintroduce (spec.md
// Non-goals exclude terminal rendering; SPEC_FULL.md §7 item 2 substitutes
// a plain log line).
func logStatusPeriodically(ctx context.Context, client *tunnelclient.Client, logger zerolog.Logger) func() {
	ticker := time.NewTicker(time.Second)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st := client.Stats()
				logger.Info().
					Bool("connected", st.Connected).
					Int("public_port", st.PublicPort).
					Str("server_id", st.ServerID).
					Int64("requests_handled", st.RequestsHandled).
					Int64("bytes_transferred", st.BytesTransferred).
					Float64("avg_response_time_ms", st.AvgResponseTimeMs).
					Msg("tunnel status")
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
