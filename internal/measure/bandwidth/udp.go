package bandwidth

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/latency"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/pkg/errors"
)

// UDP datagram types. An empty datagram is a latency probe and is echoed.
const (
	udpRequest byte = 'r'
	udpData    byte = 'd'
	udpEnd     byte = 'e'

	udpRequestSize = 21
	finalPrefix    = "FINAL|"

	maxRequestRetries = 3
	maxEndRetries     = 5
	endRetryDelay     = 500 * time.Millisecond
)

type udpTransport struct {
	opts Options
}

func (t *udpTransport) Transfer(ctx context.Context, server target.Server, direction target.Direction, size int64, count Counter) (Transfer, error) {
	dialer := &net.Dialer{Timeout: t.opts.DialTimeout}
	if t.opts.SourceIP != nil {
		dialer.LocalAddr = &net.UDPAddr{IP: t.opts.SourceIP}
	}
	conn, err := dialer.DialContext(ctx, "udp", server.Address())
	if err != nil {
		return Transfer{}, errors.Wrapf(latency.ErrUnreachable, "udp dial %s: %v", server.Address(), err)
	}
	defer conn.Close()
	defer cancelOnDone(ctx, conn)()

	if direction == target.Upload {
		return t.upload(ctx, conn, size, count)
	}
	return t.download(ctx, conn, size, count)
}

func encodeRequest(size int64, packetSize int, rateBps float64) []byte {
	buf := make([]byte, udpRequestSize)
	buf[0] = udpRequest
	binary.BigEndian.PutUint64(buf[1:9], uint64(size))
	binary.BigEndian.PutUint32(buf[9:13], uint32(packetSize))
	binary.BigEndian.PutUint64(buf[13:21], math.Float64bits(rateBps))
	return buf
}

func decodeRequest(buf []byte) (size int64, packetSize int, rateBps float64, err error) {
	if len(buf) < udpRequestSize || buf[0] != udpRequest {
		return 0, 0, 0, errors.New("malformed request")
	}
	size = int64(binary.BigEndian.Uint64(buf[1:9]))
	packetSize = int(binary.BigEndian.Uint32(buf[9:13]))
	rateBps = math.Float64frombits(binary.BigEndian.Uint64(buf[13:21]))
	return size, packetSize, rateBps, nil
}

func encodeEnd(packets uint64) []byte {
	buf := make([]byte, udpHeaderSize)
	buf[0] = udpEnd
	binary.BigEndian.PutUint32(buf[1:5], uint32(packets))
	return buf
}

func formatFinal(packets uint64, bytes int64, elapsed time.Duration) string {
	return finalPrefix + strconv.FormatUint(packets, 10) + "|" +
		strconv.FormatInt(bytes, 10) + "|" +
		strconv.FormatInt(elapsed.Microseconds(), 10)
}

func parseFinal(msg string) (packets uint64, bytes int64, elapsed time.Duration, err error) {
	parts := strings.Split(msg, "|")
	if len(parts) != 4 || parts[0] != "FINAL" {
		return 0, 0, 0, errors.Errorf("invalid final stat string %q", msg)
	}
	if packets, err = strconv.ParseUint(parts[1], 10, 64); err != nil {
		return 0, 0, 0, errors.Wrap(err, "parse packets")
	}
	if bytes, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
		return 0, 0, 0, errors.Wrap(err, "parse bytes")
	}
	micros, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "parse duration")
	}
	return packets, bytes, time.Duration(micros) * time.Microsecond, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// download asks the server to pace size bytes towards us and counts what arrives.
func (t *udpTransport) download(ctx context.Context, conn net.Conn, size int64, count Counter) (Transfer, error) {
	request := encodeRequest(size, t.opts.PacketSize, t.opts.RateBps)
	buffer := make([]byte, 64<<10)

	var (
		received   uint64
		bytes      int64
		serverSent uint64
		lastData   time.Time
		requests   int
	)

	startTime := time.Now()
	if _, err := conn.Write(request); err != nil {
		return Transfer{}, errors.Wrapf(latency.ErrUnreachable, "send request: %v", err)
	}
	requests++

loop:
	for {
		_ = conn.SetReadDeadline(time.Now().Add(t.opts.IdleTimeout))
		n, err := conn.Read(buffer)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return Transfer{}, ctx.Err()
			case received == 0 && isTimeout(err) && requests < maxRequestRetries:
				if _, err := conn.Write(request); err != nil {
					return Transfer{}, errors.Wrapf(latency.ErrUnreachable, "send request: %v", err)
				}
				requests++
				continue
			case received == 0:
				return Transfer{}, errors.Wrapf(latency.ErrUnreachable, "no data after %d requests: %v", requests, err)
			}
			// the server went quiet before its end marker arrived
			break loop
		}
		if n == 0 {
			continue
		}

		switch buffer[0] {
		case udpData:
			received++
			bytes += int64(n)
			lastData = time.Now()
			count(int64(n))
		case udpEnd:
			if n >= udpHeaderSize {
				serverSent = uint64(binary.BigEndian.Uint32(buffer[1:5]))
			}
			break loop
		}
	}

	sent := packets(size, t.opts.PacketSize)
	if serverSent > 0 {
		sent = serverSent
	}
	var lost uint64
	if sent > received {
		lost = sent - received
	}
	var elapsed time.Duration
	if !lastData.IsZero() {
		elapsed = lastData.Sub(startTime)
	}

	return Transfer{
		Bytes:     bytes,
		Elapsed:   elapsed,
		Datagrams: sent,
		Lost:      lost,
	}, nil
}

// upload paces size bytes of datagrams to the server then waits for its final stats.
func (t *udpTransport) upload(ctx context.Context, conn net.Conn, size int64, count Counter) (Transfer, error) {
	lim := newLimiter(t.opts.RateBps)
	total := packets(size, t.opts.PacketSize)
	buffer := make([]byte, t.opts.PacketSize)
	buffer[0] = udpData
	for i := udpHeaderSize; i < len(buffer); i++ {
		buffer[i] = byte(i)
	}

	var sent int64
	startTime := time.Now()
	for seq := uint64(0); seq < total; seq++ {
		n := t.opts.PacketSize
		if remaining := size - sent; remaining < int64(n) {
			n = int(remaining)
		}
		if n < udpHeaderSize {
			n = udpHeaderSize
		}
		if err := lim.wait(ctx, n); err != nil {
			return Transfer{}, err
		}
		binary.BigEndian.PutUint32(buffer[1:5], uint32(seq))
		if _, err := conn.Write(buffer[:n]); err != nil {
			return Transfer{}, errors.Wrapf(err, "send datagram %d", seq)
		}
		sent += int64(n)
		count(int64(n))
	}
	clientElapsed := time.Since(startTime)

	packetsRecv, bytesRecv, serverElapsed, err := t.endOfTest(ctx, conn, total)
	if err != nil {
		return Transfer{}, err
	}

	elapsed := serverElapsed
	if elapsed <= 0 {
		elapsed = clientElapsed
	}
	var lost uint64
	if total > packetsRecv {
		lost = total - packetsRecv
	}

	return Transfer{
		Bytes:     bytesRecv,
		Elapsed:   elapsed,
		Datagrams: total,
		Lost:      lost,
	}, nil
}

// endOfTest repeats the end marker until the server answers with its stats.
func (t *udpTransport) endOfTest(ctx context.Context, conn net.Conn, total uint64) (uint64, int64, time.Duration, error) {
	end := encodeEnd(total)
	reply := make([]byte, 256)

	for retry := 0; retry < maxEndRetries; retry++ {
		if _, err := conn.Write(end); err != nil {
			return 0, 0, 0, errors.Wrap(err, "send end of test")
		}

		_ = conn.SetReadDeadline(time.Now().Add(endRetryDelay))
		for {
			n, err := conn.Read(reply)
			if err != nil {
				if ctx.Err() != nil {
					return 0, 0, 0, ctx.Err()
				}
				break
			}
			if msg := string(reply[:n]); strings.HasPrefix(msg, finalPrefix) {
				return parseFinal(msg)
			}
		}
	}

	return 0, 0, 0, errors.Errorf("no final stats after %d attempts", maxEndRetries)
}
