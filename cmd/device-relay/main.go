package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"device-relay/interfaces/go/client"
	"device-relay/internal/app"
	cfgpkg "device-relay/internal/infrastructure/config"
	obs "device-relay/internal/infrastructure/observability"
)

func main() {
	var configPath string
	rootCmd := &cobra.Command{
		Use:           "device-relay",
		Short:         "Live screens, recordings and events for attached devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (default $"+cfgpkg.ConfigPathEnv+")")

	load := func(cmd *cobra.Command) (cfgpkg.Config, error) {
		cfg, err := cfgpkg.Load(configPath)
		if err != nil {
			return cfg, err
		}
		if v, _ := cmd.Flags().GetString("log-level"); v != "" {
			cfg.LogLevel = v
		}
		return cfg, nil
	}

	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the HTTP server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("addr"); v != "" {
				cfg.Addr = v
			}
			if v, _ := cmd.Flags().GetString("storage"); v != "" {
				cfg.Storage = v
			}
			if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
				cfg.DataDir = v
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := obs.NewLogger(cfg.LogLevel, cfg.DevMode)
			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.Serve(gctx) })
			g.Go(func() error { return a.WatchDevices(gctx, cfg.BridgeCacheTTL) })
			if err := g.Wait(); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			logger.Info().Msg("device-relay stopped")
			return nil
		},
	}
	serveCmd.Flags().String("addr", "", "listen address (overrides ADDR)")
	serveCmd.Flags().String("log-level", "", "debug|info|warn|error")
	serveCmd.Flags().String("storage", "", "screenshot storage: memory|pebble")
	serveCmd.Flags().String("data-dir", "", "pebble data directory")
	rootCmd.AddCommand(serveCmd)

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List attached devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPLATFORM\tSTATE\tNAME")

			if remote, _ := cmd.Flags().GetString("remote"); remote != "" {
				devs, err := client.New(remote).ListDevices(ctx)
				if err != nil {
					return err
				}
				for _, d := range devs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.Platform, d.State, d.Name)
				}
				return tw.Flush()
			}

			a, err := localApp(cmd, load)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			for _, d := range a.Service.ListDevices(ctx) {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.Platform, d.State, d.Name)
			}
			return tw.Flush()
		},
	}
	devicesCmd.Flags().String("remote", "", "query a running server instead, e.g. http://localhost:9092")
	devicesCmd.Flags().String("log-level", "", "debug|info|warn|error")
	rootCmd.AddCommand(devicesCmd)

	captureCmd := &cobra.Command{
		Use:   "capture <device-id>",
		Short: "Save a single screenshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			var data []byte
			if remote, _ := cmd.Flags().GetString("remote"); remote != "" {
				b, err := client.New(remote).Screenshot(ctx, args[0])
				if err != nil {
					return err
				}
				data = b
			} else {
				a, err := localApp(cmd, load)
				if err != nil {
					return err
				}
				defer func() { _ = a.Close() }()
				b, err := a.Service.Capture(ctx, args[0], "")
				if err != nil {
					return fmt.Errorf("capture %s: %w", args[0], err)
				}
				data = b
			}
			out, _ := cmd.Flags().GetString("output")
			if out == "" || out == "-" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	captureCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	captureCmd.Flags().String("remote", "", "capture through a running server")
	captureCmd.Flags().String("log-level", "", "debug|info|warn|error")
	rootCmd.AddCommand(captureCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), obs.VersionString())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// localApp builds an in-process relay for one-shot commands. Logs go to
// warn level unless asked otherwise so they do not mix with the output.
func localApp(cmd *cobra.Command, load func(*cobra.Command) (cfgpkg.Config, error)) (*app.App, error) {
	cfg, err := load(cmd)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("log-level"); v == "" {
		cfg.LogLevel = "warn"
	}
	// one-shot commands never need persistent screenshots
	cfg.Storage = cfgpkg.StorageMemory
	return app.New(cfg, obs.NewLogger(cfg.LogLevel, true))
}
