package bandwidth

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/latency"
	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/pkg/errors"
)

type tcpTransport struct {
	opts Options
}

func (t *tcpTransport) Transfer(ctx context.Context, server target.Server, direction target.Direction, size int64, count Counter) (Transfer, error) {
	dialer := &net.Dialer{Timeout: t.opts.DialTimeout}
	if t.opts.SourceIP != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: t.opts.SourceIP}
	}
	conn, err := dialer.DialContext(ctx, "tcp", server.Address())
	if err != nil {
		return Transfer{}, errors.Wrapf(latency.ErrUnreachable, "tcp connect %s: %v", server.Address(), err)
	}
	defer conn.Close()
	defer cancelOnDone(ctx, conn)()

	op := opDownload
	if direction == target.Upload {
		op = opUpload
	}
	if _, err := conn.Write(encodeTCPHeader(op, size)); err != nil {
		return Transfer{}, errors.Wrap(err, "send request")
	}

	var result Transfer
	if direction == target.Upload {
		result, err = t.upload(conn, size, count)
	} else {
		result, err = t.download(conn, size, count)
	}
	if err != nil {
		return result, err
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		result.Retransmits = retransmits(tcpConn)
	}
	return result, nil
}

func (t *tcpTransport) download(conn net.Conn, size int64, count Counter) (Transfer, error) {
	buffer := make([]byte, tcpBufferSize)
	var received int64

	startTime := time.Now()
	for received < size {
		_ = conn.SetReadDeadline(time.Now().Add(t.opts.IdleTimeout))
		want := int64(len(buffer))
		if remaining := size - received; remaining < want {
			want = remaining
		}
		n, err := conn.Read(buffer[:want])
		if n > 0 {
			received += int64(n)
			count(int64(n))
		}
		if err != nil {
			return Transfer{Bytes: received, Elapsed: time.Since(startTime)},
				errors.Wrapf(err, "download interrupted after %d of %d bytes", received, size)
		}
	}

	return Transfer{Bytes: received, Elapsed: time.Since(startTime)}, nil
}

func (t *tcpTransport) upload(conn net.Conn, size int64, count Counter) (Transfer, error) {
	buffer := make([]byte, tcpBufferSize)
	var sent int64

	startTime := time.Now()
	for sent < size {
		_ = conn.SetWriteDeadline(time.Now().Add(t.opts.IdleTimeout))
		chunk := buffer
		if remaining := size - sent; remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		n, err := conn.Write(chunk)
		if n > 0 {
			sent += int64(n)
			count(int64(n))
		}
		if err != nil {
			return Transfer{}, errors.Wrapf(err, "upload interrupted after %d of %d bytes", sent, size)
		}
	}

	// The server acknowledges with the number of bytes it received.
	ack := make([]byte, 8)
	_ = conn.SetReadDeadline(time.Now().Add(t.opts.IdleTimeout))
	if _, err := io.ReadFull(conn, ack); err != nil {
		return Transfer{}, errors.Wrap(err, "read upload acknowledgement")
	}
	elapsed := time.Since(startTime)

	received := int64(binary.BigEndian.Uint64(ack))
	if received != sent {
		return Transfer{}, errors.Errorf("server received %d of %d bytes", received, sent)
	}

	return Transfer{Bytes: received, Elapsed: elapsed}, nil
}
