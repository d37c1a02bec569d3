package latency

import (
	"context"
	"net"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/pkg/errors"
)

// pingUDP sends an empty datagram and waits for any reply. Servers that do
// not echo simply time out, which is reported as unreachable.
func (c *Client) pingUDP(ctx context.Context, server target.Server) (time.Duration, error) {
	dialer := &net.Dialer{
		Timeout: c.timeout(),
	}
	if c.SourceIP != nil {
		dialer.LocalAddr = &net.UDPAddr{IP: c.SourceIP}
	}

	conn, err := dialer.DialContext(ctx, "udp", server.Address())
	if err != nil {
		return 0, errors.Wrapf(ErrUnreachable, "udp dial %s: %v", server.Address(), err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	buffer := make([]byte, 64)
	startTime := time.Now()
	if _, err := conn.Write(nil); err != nil {
		return 0, errors.Wrapf(ErrUnreachable, "udp send %s: %v", server.Address(), err)
	}
	if _, err := conn.Read(buffer); err != nil {
		return 0, errors.Wrapf(ErrUnreachable, "udp reply %s: %v", server.Address(), err)
	}

	return time.Since(startTime), nil
}
