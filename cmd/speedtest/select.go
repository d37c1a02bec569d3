package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/DrC0ns0le/net-speedtest/internal/measure"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/DrC0ns0le/net-speedtest/internal/report"
	"github.com/DrC0ns0le/net-speedtest/internal/system/netctl"
	"github.com/spf13/cobra"
)

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Probe the configured servers and show which would be used",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, err := newEngine(cfg, logger)
		if err != nil {
			return err
		}

		var passes []measure.RoleReport
		for _, role := range target.Directions {
			for _, p := range eng.protocols {
				rr := measure.RoleReport{Role: role, Protocol: p, State: measure.ServerSelected}
				sel, err := eng.selector.SelectBest(ctx, cfg.Servers.Pool(role), p)
				if err != nil {
					rr.State = measure.RoleSkipped
					rr.Err = err
				} else {
					rr.Selection = &sel
					logRoute(ctx, sel.Server)
				}
				passes = append(passes, rr)
			}
		}
		report.Passes(os.Stdout, passes)
		return ctx.Err()
	},
}

// logRoute reports the interface the kernel would use to reach server.
func logRoute(ctx context.Context, server target.Server) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, server.Host)
	if err != nil || len(addrs) == 0 {
		logger.Debugf("resolve %s: %v", server.Host, err)
		return
	}
	route, err := netctl.RouteTo(addrs[0].IP)
	if err != nil {
		logger.Debugf("route to %s: %v", server.Host, err)
		return
	}
	logger.Infof("%s reached via %s from %s", server, route.Interface, route.Source)
}
