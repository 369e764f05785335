package commands

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/reflow-iac/reflow/pkg/document"
	"github.com/reflow-iac/reflow/pkg/engine"
	"github.com/reflow-iac/reflow/pkg/telemetry"
)

func newReconcileCommand() *cobra.Command {
	var (
		interval      time.Duration
		retryInterval time.Duration
		parallelism   int
		watch         bool
		readBack      bool
		metricsListen string
		traceExporter string
		traceEndpoint string
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run the reconciliation loop",
		Long: `Continuously reconcile the resource document: one cycle immediately,
then on every interval tick, document change (with --watch) or forced
trigger.

Cycles never overlap. After a fatal failure the loop halts until the
document changes; partial cycles retry on the shorter retry interval.`,
		Example: `  # Reconcile every five minutes
  reflow reconcile

  # React to document edits and expose metrics
  reflow reconcile --watch --metrics-listen :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			reg, err := newProviderRegistry()
			if err != nil {
				return err
			}

			var recorder engine.Recorder
			if metricsListen != "" {
				metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
					Enabled:       true,
					ListenAddress: metricsListen,
					Path:          "/metrics",
					Namespace:     "reflow",
				})
				if err != nil {
					return err
				}
				if err := metrics.StartMetricsServer(); err != nil {
					return err
				}
				recorder = metrics
			}

			var tracer engine.Tracer
			if traceExporter != "" {
				t, err := telemetry.NewTracer(telemetry.TracingConfig{
					Enabled:       true,
					Exporter:      traceExporter,
					Endpoint:      traceEndpoint,
					SamplingRate:  1.0,
					ExportTimeout: 10 * time.Second,
					Insecure:      true,
				}, "reflow", cmd.Root().Version, "")
				if err != nil {
					return err
				}
				defer func() {
					if err := t.Shutdown(context.WithoutCancel(ctx)); err != nil {
						log.Warn().Err(err).Msg("trace shutdown failed")
					}
				}()
				tracer = t
			}

			executor := engine.NewExecutor(reg, store, engine.ExecutorOptions{
				MaxParallel: parallelism,
				Logger:      log.Logger,
				Recorder:    recorder,
				Tracer:      tracer,
			})

			mode := engine.RefreshTrustState
			if readBack {
				mode = engine.RefreshReadBack
			}

			source := newDocumentSource()
			rec := engine.NewReconciler(source, store, reg, executor, engine.ReconcilerOptions{
				Interval:      interval,
				RetryInterval: retryInterval,
				RefreshMode:   mode,
				Logger:        log.Logger,
				Recorder:      recorder,
				Tracer:        tracer,
			})

			if watch {
				go func() {
					err := document.Watch(ctx, source.Path(), log.Logger, rec.Trigger)
					if err != nil && !errors.Is(err, context.Canceled) {
						log.Error().Err(err).Msg("document watch stopped")
					}
				}()
			}

			log.Info().
				Dur("interval", interval).
				Bool("watch", watch).
				Str("refresh_mode", string(mode)).
				Msg("starting reconciliation loop")

			err = rec.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 5*time.Minute, "interval between cycles")
	cmd.Flags().DurationVar(&retryInterval, "retry-interval", 30*time.Second, "interval after a partial cycle")
	cmd.Flags().IntVar(&parallelism, "parallelism", 4, "max parallel operations per stage")
	cmd.Flags().BoolVar(&watch, "watch", false, "trigger a cycle when the document changes")
	cmd.Flags().BoolVar(&readBack, "read-back", false, "refresh provider outputs before diffing")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "expose Prometheus metrics on this address")
	cmd.Flags().StringVar(&traceExporter, "trace-exporter", "", "trace exporter (otlp, stdout, none)")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", "", "OTLP collector endpoint for --trace-exporter=otlp")

	return cmd
}
