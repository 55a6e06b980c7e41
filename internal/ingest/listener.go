package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/epimore/gmv-stream/internal/logging"
	"github.com/epimore/gmv-stream/internal/rtpdata"
)

const (
	udpReadBufferSize = 2048
	tcpReadChunkSize  = 2048
)

// Listener owns the UDP socket and TCP acceptor for one configured port,
// framing bytes into RTP packets and handing them to a Router. Grounded on
// pkg/rtsp/client.go's dial/deadline-handling shape and pkg/api/server.go's
// Start/Stop lifecycle.
type Listener struct {
	port   int
	router *Router
	log    *logging.Logger

	wg sync.WaitGroup

	mu       sync.Mutex
	udpConn  *net.UDPConn
	tcpConn  *net.TCPListener
	stopping bool
}

// NewListener builds a Listener bound to the given port, not yet started.
func NewListener(port int, router *Router, log *logging.Logger) *Listener {
	return &Listener{port: port, router: router, log: log}
}

// Start binds both the UDP socket and TCP acceptor and begins serving until
// ctx is cancelled or Stop is called. Bind errors are fatal at startup, per
// spec.md §4.A.
func (l *Listener) Start(ctx context.Context) error {
	udpAddr := &net.UDPAddr{IP: net.IPv4zero, Port: l.port}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("ingest: listen udp :%d: %w", l.port, err)
	}

	tcpConn, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4zero, Port: l.port})
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("ingest: listen tcp :%d: %w", l.port, err)
	}

	l.mu.Lock()
	l.udpConn = udpConn
	l.tcpConn = tcpConn
	l.mu.Unlock()

	l.wg.Add(2)
	go l.serveUDP(ctx)
	go l.serveTCP(ctx)

	go func() {
		<-ctx.Done()
		l.Stop()
	}()

	return nil
}

// Stop closes both listening sockets, unblocking the serve loops.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return
	}
	l.stopping = true
	if l.udpConn != nil {
		l.udpConn.Close()
	}
	if l.tcpConn != nil {
		l.tcpConn.Close()
	}
	l.mu.Unlock()
}

// Wait blocks until both serve loops have exited.
func (l *Listener) Wait() {
	l.wg.Wait()
}

func (l *Listener) serveUDP(ctx context.Context) {
	defer l.wg.Done()
	buf := make([]byte, udpReadBufferSize)
	for {
		n, addr, err := l.udpConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warn("udp read error", "error", err)
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		l.router.HandlePacket(raw, rtpdata.TransportUDP, addr.String())
	}
}

func (l *Listener) serveTCP(ctx context.Context) {
	defer l.wg.Done()
	for {
		conn, err := l.tcpConn.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warn("tcp accept error", "error", err)
			continue
		}

		l.wg.Add(1)
		go l.serveConn(ctx, conn)
	}
}

// serveConn reads chunks off one TCP connection and feeds them to a
// per-connection Splitter, routing every complete frame it yields.
func (l *Listener) serveConn(ctx context.Context, conn *net.TCPConn) {
	defer l.wg.Done()
	defer conn.Close()

	origin := conn.RemoteAddr().String()
	splitter := NewSplitter()
	buf := make([]byte, tcpReadChunkSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, ferr := splitter.Feed(buf[:n])
			for _, frame := range frames {
				l.router.HandlePacket(frame, rtpdata.TransportTCP, origin)
			}
			if ferr != nil {
				l.log.DebugRTP("closing malformed tcp rtp connection", "origin", origin, "error", ferr)
				return
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				l.log.DebugRTP("tcp connection read error", "origin", origin, "error", err)
			}
			return
		}
	}
}
