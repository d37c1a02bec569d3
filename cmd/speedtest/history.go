package main

import (
	"os"

	"github.com/DrC0ns0le/net-speedtest/internal/export"
	"github.com/DrC0ns0le/net-speedtest/internal/report"
	"github.com/DrC0ns0le/net-speedtest/internal/results"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyExport bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded runs and their running aggregate",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := results.OpenHistory(cfg.Output.History)
		if err != nil {
			return err
		}
		defer h.Close()

		records, err := h.Recent(historyLimit)
		if err != nil {
			return err
		}
		report.History(os.Stdout, records)

		aggregate, err := h.Aggregate()
		if err != nil {
			return err
		}
		protocols, err := cfg.ParsedProtocols()
		if err != nil {
			return err
		}
		report.Results(os.Stdout, aggregate, protocols)

		if !historyExport {
			return nil
		}
		if !cfg.Elastic.Enabled() {
			return errors.New("--export needs elastic.addresses in the config")
		}
		es, err := export.NewElastic(cfg.Elastic, logger)
		if err != nil {
			return err
		}
		latest, err := es.LatestID(cmd.Context())
		if err != nil {
			return err
		}
		// records are newest first; stop at the newest run already indexed
		pending := records
		for i, r := range records {
			if r.ID == latest {
				pending = records[:i]
				break
			}
		}
		n, err := es.Backfill(cmd.Context(), pending)
		if err != nil {
			return err
		}
		logger.Infof("indexed %d runs into %s", n, cfg.Elastic.Index)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "runs to show")
	historyCmd.Flags().BoolVar(&historyExport, "export", false, "bulk index the shown runs into Elasticsearch")
}
