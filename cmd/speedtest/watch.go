package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure"
	"github.com/DrC0ns0le/net-speedtest/internal/metrics"
	"github.com/DrC0ns0le/net-speedtest/internal/progress"
	"github.com/cespare/xxhash"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run measurements periodically and export them as Prometheus metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, err := newEngine(cfg, logger)
		if err != nil {
			return err
		}
		exporter := metrics.NewExporter()
		pub, err := newPublisher(cfg, exporter, logger)
		if err != nil {
			return err
		}
		defer pub.Close()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return metrics.NewServer(cfg.Metrics.Listen, exporter, logger).Serve(gctx)
		})
		g.Go(func() error {
			watch(gctx, eng, pub, exporter)
			return nil
		})
		return g.Wait()
	},
}

// stagger spreads the first run of hosts sharing a config across the
// stagger window.
func stagger(window time.Duration) time.Duration {
	host, _ := os.Hostname()
	key := fmt.Sprintf("host=%s, servers=%v", host, cfg.Servers)
	h := xxhash.Sum64String(key)
	return time.Duration(float64(window) * (float64(h) / (1 << 64)))
}

func watch(ctx context.Context, eng *engine, pub *publisher, exporter *metrics.Exporter) {
	delay := stagger(cfg.Watch.Stagger.Duration())
	logger.Infof("first run in %s, then every %s", delay.Round(time.Millisecond), cfg.Watch.Interval.Duration())

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	sink := progress.NewLogSink(logger, 5*time.Second)
	doMeasure := func() {
		rep, err := eng.orchestrator.Run(ctx, eng.plan(), sink)
		switch {
		case errors.Is(err, measure.ErrNoData):
			logger.Errorf("run %s collected no data", rep.ID)
			exporter.Failed()
		case err != nil:
			logger.Warnf("run %s interrupted: %v", rep.ID, err)
		default:
			pub.Publish(ctx, rep.Record(eng.protocols))
		}
	}

	ticker := time.NewTicker(cfg.Watch.Interval.Duration())
	defer ticker.Stop()

	doMeasure()
	for {
		select {
		case <-ticker.C:
			doMeasure()
		case <-ctx.Done():
			logger.Info("stopping periodic measurements")
			return
		}
	}
}
