package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joshband/copy-that/internal/analyzers"
	"github.com/joshband/copy-that/internal/config"
	"github.com/joshband/copy-that/internal/extractors"
	"github.com/joshband/copy-that/internal/interfaces"
	"github.com/joshband/copy-that/internal/progress"
	"github.com/joshband/copy-that/internal/providers"
	"github.com/joshband/copy-that/internal/storage"
	"github.com/joshband/copy-that/internal/subsystems"
	"github.com/joshband/copy-that/internal/types"
	"github.com/joshband/copy-that/internal/web"
)

var (
	configPath      string
	envFiles        []string
	extractorNames  []string
	outputPath      string
	pprofAddr       string
	shutdownTimeout time.Duration

	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:           "copythat",
		Short:         "Extract design tokens from reference images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath, envFiles...)
			if err != nil {
				return err
			}
			cfg = loaded
			setupLogging(cfg.Logging)
			return nil
		},
	}

	extractCmd = &cobra.Command{
		Use:   "extract <image...>",
		Short: "Run one batch over the given images and print the token graph",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runExtract,
	}

	serveCmd = &cobra.Command{
		Use:   "serve-progress [image...]",
		Short: "Serve the progress stream and stored batches, optionally running a batch",
		RunE:  runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "env files loaded before COPYTHAT_* overrides")
	rootCmd.PersistentFlags().StringSliceVarP(&extractorNames, "extractor", "e", nil, "extractors to run (default all)")

	extractCmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the batch JSON here instead of stdout")

	serveCmd.Flags().StringVar(&pprofAddr, "pprof", "", "serve pprof endpoints on this address")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "graceful shutdown timeout")

	rootCmd.AddCommand(extractCmd, serveCmd)
}

// app bundles the components shared by every command
type app struct {
	registry  *prometheus.Registry
	store     storage.SnapshotStore
	subsystem *subsystems.TokenSubsystem
	selected  []interfaces.Extractor
}

func newApp(ctx context.Context, publisher progress.Publisher) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	logger := types.NewStandardLogger("copythat")
	pool := providers.NewPool(cfg.ToPoolConfig(),
		providers.WithMetrics(providers.NewMetrics(reg)),
		providers.WithLogger(logger.WithOperation("providers")),
	)
	for _, kind := range cfg.EnabledKinds() {
		if _, err := pool.Provider(ctx, kind); err != nil {
			return nil, err
		}
	}

	registry, err := extractors.NewRegistry()
	if err != nil {
		return nil, err
	}
	selected, err := registry.Select(extractorNames...)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}

	opts := []subsystems.Option{
		subsystems.WithStore(store),
		subsystems.WithMetrics(analyzers.NewMetrics(reg)),
		subsystems.WithLogger(logger),
	}
	if publisher != nil {
		opts = append(opts, subsystems.WithProgress(publisher))
	}
	sub, err := subsystems.NewTokenSubsystem(subsystems.TokenConfigFrom(cfg), pool, opts...)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		registry:  reg,
		store:     store,
		subsystem: sub,
		selected:  selected,
	}, nil
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	images, err := loadImages(ctx, args)
	if err != nil {
		return err
	}

	rt, err := newApp(ctx, nil)
	if err != nil {
		return err
	}
	defer rt.store.Close()

	result, err := rt.subsystem.Run(ctx, images, rt.selected)
	if result == nil {
		return err
	}
	if err != nil {
		slog.ErrorContext(ctx, "Batch finished with errors", "batch_id", result.BatchID, "error", err)
	}
	for _, d := range result.Diagnostics {
		slog.WarnContext(ctx, "Diagnostic", "diagnostic", d.String())
	}

	var out io.Writer = cmd.OutOrStdout()
	if outputPath != "" {
		f, ferr := os.Create(outputPath)
		if ferr != nil {
			return fmt.Errorf("create output: %w", ferr)
		}
		defer f.Close()
		out = f
	}
	return writeResult(out, result)
}

func writeResult(w io.Writer, result *subsystems.BatchResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode batch result: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	images, err := loadImages(ctx, args)
	if err != nil {
		return err
	}

	broadcaster := progress.NewBroadcaster(256)
	rt, err := newApp(ctx, broadcaster)
	if err != nil {
		return err
	}
	defer rt.store.Close()

	webSubsystem, err := subsystems.NewWebSubsystem(ctx, &subsystems.WebSubsystemConfig{Server: cfg.Server}, broadcaster,
		web.WithSnapshots(rt.store),
		web.WithHealth(rt.subsystem),
		web.WithMetricsGatherer(rt.registry),
	)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := webSubsystem.Start(); err != nil {
			return err
		}
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return webSubsystem.Stop(shutdownCtx)
	})

	if pprofAddr != "" {
		pprofServer := &http.Server{Addr: pprofAddr}
		eg.Go(func() error {
			slog.InfoContext(ctx, "Starting pprof server", "addr", pprofAddr)
			if err := pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return pprofServer.Shutdown(shutdownCtx)
		})
	}

	if len(images) > 0 {
		eg.Go(func() error {
			result, err := rt.subsystem.Run(ctx, images, rt.selected)
			if result != nil {
				slog.InfoContext(ctx, "Batch complete",
					"batch_id", result.BatchID,
					"tokens", len(result.Records),
					"diagnostics", len(result.Diagnostics),
					"duration", result.Duration)
			}
			// a failed save is logged and the server keeps running
			if err != nil {
				slog.ErrorContext(ctx, "Batch persistence failed", "error", err)
			}
			return nil
		})
	}

	slog.InfoContext(ctx, "Progress server ready", "addr", cfg.Server.Addr(), "images", len(images))
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.InfoContext(ctx, "Shutdown complete")
	return nil
}
