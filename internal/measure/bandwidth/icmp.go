package bandwidth

import (
	"context"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/latency"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/pkg/errors"
	probing "github.com/prometheus-community/pro-bing"
)

// icmpTransport moves the payload as echo request/reply pairs. Both
// directions carry the same volume, so direction only names the result.
type icmpTransport struct {
	opts Options
}

func (t *icmpTransport) Transfer(ctx context.Context, server target.Server, direction target.Direction, size int64, count Counter) (Transfer, error) {
	total := packets(size, t.opts.PacketSize)
	if total == 0 {
		return Transfer{}, nil
	}

	pinger, err := probing.NewPinger(server.Host)
	if err != nil {
		return Transfer{}, errors.Wrapf(latency.ErrUnreachable, "icmp resolve %s: %v", server.Host, err)
	}
	if t.opts.SourceIP != nil {
		pinger.Source = t.opts.SourceIP.String()
	}
	pinger.SetPrivileged(t.opts.Privileged)
	pinger.RecordRtts = false
	pinger.Size = t.opts.PacketSize
	pinger.Count = int(total)
	pinger.Interval = time.Duration(float64(t.opts.PacketSize*8) / t.opts.RateBps * float64(time.Second))
	pinger.Timeout = time.Duration(total)*pinger.Interval + t.opts.IdleTimeout

	size64 := int64(t.opts.PacketSize)
	pinger.OnRecv = func(*probing.Packet) {
		count(size64)
	}

	startTime := time.Now()
	if err := pinger.RunWithContext(ctx); err != nil {
		return Transfer{}, errors.Wrapf(err, "icmp transfer %s", server.Host)
	}
	elapsed := time.Since(startTime)

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return Transfer{}, errors.Wrapf(latency.ErrUnreachable, "icmp transfer %s: no replies", server.Host)
	}

	var lost uint64
	if stats.PacketsSent > stats.PacketsRecv {
		lost = uint64(stats.PacketsSent - stats.PacketsRecv)
	}

	return Transfer{
		Bytes:     int64(stats.PacketsRecv) * size64,
		Elapsed:   elapsed,
		Datagrams: uint64(stats.PacketsSent),
		Lost:      lost,
	}, nil
}
