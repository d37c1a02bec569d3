package latency

import (
	"context"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/pkg/errors"
	probing "github.com/prometheus-community/pro-bing"
)

// pingICMP sends a single echo request.
func (c *Client) pingICMP(ctx context.Context, server target.Server) (time.Duration, error) {
	pinger, err := probing.NewPinger(server.Host)
	if err != nil {
		return 0, errors.Wrapf(ErrUnreachable, "icmp resolve %s: %v", server.Host, err)
	}
	if c.SourceIP != nil {
		pinger.Source = c.SourceIP.String()
	}
	pinger.SetPrivileged(c.Privileged)
	pinger.Timeout = c.timeout()
	pinger.Count = 1

	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, errors.Wrapf(ErrUnreachable, "icmp echo %s: %v", server.Host, err)
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, errors.Wrapf(ErrUnreachable, "icmp echo %s: no reply", server.Host)
	}

	return stats.AvgRtt, nil
}
