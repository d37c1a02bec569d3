package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/progress"
	"github.com/DrC0ns0le/net-speedtest/internal/report"
	"github.com/spf13/cobra"
)

var noProgress bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one measurement against the configured servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, err := newEngine(cfg, logger)
		if err != nil {
			return err
		}
		pub, err := newPublisher(cfg, nil, logger)
		if err != nil {
			return err
		}
		defer pub.Close()

		var sink progress.Sink = progress.NewLogSink(logger, time.Second)
		var bars *progress.Bars
		if !noProgress {
			bars = progress.NewBars(os.Stdout)
			bars.Start()
			sink = progress.Multi{sink, bars}
		}

		rep, err := eng.orchestrator.Run(ctx, eng.plan(), sink)
		if bars != nil {
			bars.Stop()
		}

		report.Passes(os.Stdout, rep.Passes)
		report.Results(os.Stdout, rep.Results, eng.protocols)
		if err != nil {
			return err
		}

		if !rep.Valid {
			logger.Warnf("missing results: %s", strings.Join(rep.Missing, ", "))
		}
		pub.Publish(ctx, rep.Record(eng.protocols))
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable progress bars")
}
