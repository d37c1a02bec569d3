package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/bandwidth"
	"github.com/spf13/cobra"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a measurement server answering TCP, UDP and echo probes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		addr := cfg.Serve.Listen
		if serveListen != "" {
			addr = serveListen
		}
		return bandwidth.NewServer(addr, logger).Serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "listen address (default from config)")
}
