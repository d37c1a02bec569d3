package latency

import (
	"context"
	"net"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/pkg/errors"
)

// pingTCP measures connection setup time to the server port.
func (c *Client) pingTCP(ctx context.Context, server target.Server) (time.Duration, error) {
	dialer := &net.Dialer{
		Timeout: c.timeout(),
	}
	if c.SourceIP != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: c.SourceIP}
	}

	startTime := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", server.Address())
	if err != nil {
		return 0, errors.Wrapf(ErrUnreachable, "tcp connect %s: %v", server.Address(), err)
	}
	latency := time.Since(startTime)
	conn.Close()

	return latency, nil
}
