package bandwidth

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/DrC0ns0le/net-speedtest/pkg/logging"
	"github.com/pkg/errors"
)

const (
	channelBufferSize = 256
	sessionTimeout    = 10 * time.Second
	endMarkers        = 3
)

// Server answers latency probes and serves TCP and UDP transfers on the
// same port.
type Server struct {
	addr   string
	logger logging.Logger

	tcp net.Listener
	udp *net.UDPConn

	// upload sessions by client address
	clients map[string]chan datagram
	// client addresses with a download in flight
	downloads map[string]struct{}
	mu        sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type datagram struct {
	kind byte
	size int
	at   time.Time
}

// uploadStats is what the server tracks per upload session.
type uploadStats struct {
	packets   uint64
	bytes     int64
	startTime time.Time
	last      time.Time
}

func NewServer(addr string, logger logging.Logger) *Server {
	return &Server{
		addr:      addr,
		logger:    logger.With("component", "server"),
		clients:   make(map[string]chan datagram),
		downloads: make(map[string]struct{}),
		stopCh:    make(chan struct{}),
	}
}

// Start opens the TCP and UDP listeners and serves them in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen tcp %s", s.addr)
	}
	// bind UDP to the port TCP actually got, so ":0" works
	udpAddr, err := net.ResolveUDPAddr("udp", ln.Addr().String())
	if err != nil {
		ln.Close()
		return errors.Wrap(err, "resolve udp address")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		ln.Close()
		return errors.Wrapf(err, "listen udp %s", udpAddr)
	}

	s.tcp = ln
	s.udp = conn

	s.wg.Add(2)
	go s.acceptLoop()
	go s.packetLoop()

	s.logger.Infof("measurement server listening on %s (tcp+udp)", ln.Addr())
	return nil
}

// Serve runs the server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() net.Addr {
	return s.tcp.Addr()
}

func (s *Server) Stop() {
	select {
	case <-s.stopCh:
		return
	default:
	}
	close(s.stopCh)
	s.tcp.Close()
	s.udp.Close()
	s.wg.Wait()
	s.logger.Infof("measurement server stopped")
}

func (s *Server) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			if s.stopping() {
				return
			}
			s.logger.Errorf("error accepting: %v", err)
			continue
		}
		go s.handleTCP(conn)
	}
}

func (s *Server) handleTCP(conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With("protocol", "tcp", "client", conn.RemoteAddr().String())

	header := make([]byte, tcpHeaderSize)
	_ = conn.SetReadDeadline(time.Now().Add(DefaultIdleTimeout))
	if _, err := io.ReadFull(conn, header); err != nil {
		// plain connect probes close without a request
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	size := int64(binary.BigEndian.Uint64(header[1:]))
	if size < 0 || size > MaxTransferSize {
		logger.Warnf("rejecting transfer of %d bytes", size)
		return
	}

	switch header[0] {
	case opDownload:
		buffer := make([]byte, tcpBufferSize)
		var sent int64
		for sent < size {
			chunk := buffer
			if remaining := size - sent; remaining < int64(len(chunk)) {
				chunk = chunk[:remaining]
			}
			_ = conn.SetWriteDeadline(time.Now().Add(DefaultIdleTimeout))
			n, err := conn.Write(chunk)
			sent += int64(n)
			if err != nil {
				logger.Debugf("download aborted after %d bytes: %v", sent, err)
				return
			}
		}
		logger.Debugf("served download of %d bytes", sent)

	case opUpload:
		_ = conn.SetReadDeadline(time.Now().Add(sessionTimeout))
		received, err := io.CopyN(io.Discard, deadlineReader{conn}, size)
		if err != nil {
			logger.Debugf("upload aborted after %d bytes: %v", received, err)
			return
		}
		ack := make([]byte, 8)
		binary.BigEndian.PutUint64(ack, uint64(received))
		if _, err := conn.Write(ack); err != nil {
			logger.Debugf("error acknowledging upload: %v", err)
			return
		}
		logger.Debugf("received upload of %d bytes", received)

	default:
		logger.Warnf("unknown operation %q", header[0])
	}
}

// deadlineReader extends the read deadline on every read so only idle
// connections time out.
type deadlineReader struct {
	conn net.Conn
}

func (r deadlineReader) Read(p []byte) (int, error) {
	_ = r.conn.SetReadDeadline(time.Now().Add(DefaultIdleTimeout))
	return r.conn.Read(p)
}

func (s *Server) packetLoop() {
	defer s.wg.Done()
	buffer := make([]byte, 64<<10)
	for {
		n, remoteAddr, err := s.udp.ReadFromUDP(buffer)
		if err != nil {
			if s.stopping() {
				return
			}
			s.logger.Errorf("error reading: %v", err)
			continue
		}

		if n == 0 {
			s.sendMessage(remoteAddr, nil)
			continue
		}

		switch buffer[0] {
		case udpRequest:
			size, packetSize, rate, err := decodeRequest(buffer[:n])
			if err != nil {
				s.logger.Warnf("bad request from %s: %v", remoteAddr, err)
				continue
			}
			s.startDownload(remoteAddr, size, packetSize, rate)

		case udpData, udpEnd:
			if n < udpHeaderSize {
				s.logger.Warnf("received packet too small from %s", remoteAddr)
				continue
			}
			s.dispatch(remoteAddr, datagram{
				kind: buffer[0],
				size: n,
				at:   time.Now(),
			})
		}
	}
}

// dispatch hands an upload datagram to the worker for its client, starting
// one if needed.
func (s *Server) dispatch(addr *net.UDPAddr, d datagram) {
	key := addr.String()

	s.mu.Lock()
	receiveChan, exists := s.clients[key]
	if !exists {
		receiveChan = make(chan datagram, channelBufferSize)
		s.clients[key] = receiveChan
	}
	s.mu.Unlock()

	if !exists {
		go s.clientWorker(addr, receiveChan)
	}

	select {
	case receiveChan <- d:
	default:
		// worker is behind; the datagram counts as lost
	}
}

func (s *Server) clientWorker(addr *net.UDPAddr, receiveChan chan datagram) {
	logger := s.logger.With("protocol", "udp", "client", addr.String())
	stats := &uploadStats{}
	timeout := time.NewTimer(sessionTimeout)
	defer timeout.Stop()

	cleanup := func() {
		s.mu.Lock()
		delete(s.clients, addr.String())
		s.mu.Unlock()
	}
	defer cleanup()

	for {
		select {
		case <-s.stopCh:
			return
		case <-timeout.C:
			logger.Warnf("upload timed out after %d packets", stats.packets)
			return
		case d := <-receiveChan:
			if d.kind == udpData {
				if stats.packets == 0 {
					stats.startTime = d.at
				}
				stats.packets++
				stats.bytes += int64(d.size)
				stats.last = d.at
				timeout.Reset(sessionTimeout)
				continue
			}

			// end of test; answer every retry until the client goes quiet
			s.sendFinalStats(addr, stats)
			logger.Debugf("upload complete, %d packets, %d bytes", stats.packets, stats.bytes)
			s.drainRetries(addr, stats, receiveChan)
			return
		}
	}
}

func (s *Server) drainRetries(addr *net.UDPAddr, stats *uploadStats, receiveChan chan datagram) {
	linger := time.NewTimer(2 * endRetryDelay)
	defer linger.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-linger.C:
			return
		case d := <-receiveChan:
			if d.kind == udpEnd {
				s.sendFinalStats(addr, stats)
				linger.Reset(2 * endRetryDelay)
			}
		}
	}
}

func (s *Server) sendFinalStats(addr *net.UDPAddr, stats *uploadStats) {
	var elapsed time.Duration
	if stats.packets > 0 {
		elapsed = stats.last.Sub(stats.startTime)
	}
	s.sendMessage(addr, []byte(formatFinal(stats.packets, stats.bytes, elapsed)))
}

func (s *Server) startDownload(addr *net.UDPAddr, size int64, packetSize int, rate float64) {
	key := addr.String()
	s.mu.Lock()
	if _, busy := s.downloads[key]; busy {
		s.mu.Unlock()
		return
	}
	s.downloads[key] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.downloads, key)
			s.mu.Unlock()
		}()
		s.serveDownload(addr, size, packetSize, rate)
	}()
}

func (s *Server) serveDownload(addr *net.UDPAddr, size int64, packetSize int, rate float64) {
	logger := s.logger.With("protocol", "udp", "client", addr.String())
	if size < 0 || size > MaxTransferSize {
		logger.Warnf("rejecting transfer of %d bytes", size)
		return
	}
	if packetSize < minPacketSize || packetSize > 65000 {
		packetSize = DefaultPacketSize
	}
	if rate <= 0 {
		rate = DefaultUDPRate
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	lim := newLimiter(rate)
	buffer := make([]byte, packetSize)
	buffer[0] = udpData

	var sent int64
	var seq uint64
	for sent < size {
		n := packetSize
		if remaining := size - sent; remaining < int64(n) {
			n = int(remaining)
		}
		if n < udpHeaderSize {
			n = udpHeaderSize
		}
		if err := lim.wait(ctx, n); err != nil {
			return
		}
		binary.BigEndian.PutUint32(buffer[1:5], uint32(seq))
		if _, err := s.udp.WriteToUDP(buffer[:n], addr); err != nil {
			logger.Debugf("download aborted after %d bytes: %v", sent, err)
			return
		}
		sent += int64(n)
		seq++
	}

	end := encodeEnd(seq)
	for i := 0; i < endMarkers; i++ {
		s.sendMessage(addr, end)
	}
	logger.Debugf("served download of %d bytes in %d packets", sent, seq)
}

func (s *Server) sendMessage(addr *net.UDPAddr, message []byte) {
	if _, err := s.udp.WriteToUDP(message, addr); err != nil {
		s.logger.Errorf("error sending message to %s: %v", addr, err)
	}
}
