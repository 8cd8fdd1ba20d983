// Package connect implements the CONNECT command's blocking-I/O tail:
// dialing the destination from the next address of an outbound pool and
// relaying bytes once the handshake completes. It is the
// server.RequestHandler the non-blocking protocol core hands off to
// once a Request has parsed successfully — from that point on the
// connection is plain net.Conn and ordinary goroutine-per-connection
// I/O, the way the teacher's proxy.go always worked.
package connect

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ealireza/socks5d/internal/ipv6"
	"github.com/ealireza/socks5d/internal/socks5"
)

// DialTimeout bounds the outbound dial; KeepAlive is the keepalive period
// the dialer sets on the outbound connection. The relay has no deadline.
const (
	DialTimeout = 15 * time.Second
	KeepAlive   = 30 * time.Second
)

// bufPool holds 32 KiB relay buffers. On Linux, io.CopyBuffer between two
// *net.TCPConn uses splice(2) and leaves the borrowed buffer unused; it
// exists as the portable fallback, exactly as in the teacher's proxy.go.
var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 32*1024)
		return &buf
	},
}

// Handler bridges a pool of outbound IPv6 source addresses to
// server.RequestHandler. One Handler is shared by every listener that
// should dial out from the same address pool.
type Handler struct {
	Sources *ipv6.Pool
	Log     *logrus.Entry
}

// NewHandler builds a Handler dialing out from sources in round robin.
func NewHandler(sources *ipv6.Pool, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{Sources: sources, Log: log}
}

// Handle is a server.RequestHandler: it executes a parsed CONNECT
// request to completion (dial, reply, relay) and always closes conn
// before returning, whatever the outcome.
func (h *Handler) Handle(conn net.Conn, req *socks5.Request) {
	defer conn.Close()
	log := h.Log.WithField("peer", conn.RemoteAddr())

	if req.Cmd != socks5.CmdConnect {
		log.WithField("cmd", req.Cmd).Warn("rejecting unsupported command")
		writeReply(conn, socks5.RepCommandNotSupported, nil, 0)
		return
	}

	outboundIP := h.Sources.Next()
	target := net.JoinHostPort(req.DestAddr, strconv.Itoa(int(req.DestPort)))

	dialer := net.Dialer{
		LocalAddr: &net.TCPAddr{IP: outboundIP},
		Timeout:   DialTimeout,
		KeepAlive: KeepAlive,
		Control:   setSocketOptions,
	}

	remote, err := dialer.Dial("tcp", target)
	if err != nil {
		rep := mapDialError(err)
		log.WithError(err).WithField("target", target).Info("outbound dial failed")
		writeReply(conn, rep, nil, 0)
		return
	}
	defer remote.Close()

	boundAddr, _ := remote.LocalAddr().(*net.TCPAddr)
	var boundIP net.IP
	var boundPort uint16
	if boundAddr != nil {
		boundIP = boundAddr.IP
		boundPort = uint16(boundAddr.Port)
	}
	writeReply(conn, socks5.RepSucceeded, boundIP, boundPort)

	log.WithFields(logrus.Fields{"target": target, "source": outboundIP}).Debug("relay starting")
	relay(conn, remote)
}

func writeReply(conn net.Conn, rep byte, bindIP net.IP, bindPort uint16) {
	conn.Write(socks5.EncodeReply(rep, bindIP, bindPort))
}

// mapDialError turns a dial failure into the closest RFC 1928 reply
// code, grounded on the same syscall.Errno checks the teacher's
// proxy.go made inline in handleConnection.
func mapDialError(err error) byte {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return socks5.RepConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return socks5.RepNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return socks5.RepHostUnreachable
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return socks5.RepHostUnreachable
		}
		return socks5.RepGeneralFailure
	}
}

// relay copies data bidirectionally between the SOCKS5 client and the
// dialed remote until both directions are done.
func relay(client, remote net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		copyAndClose(remote, client, "upstream")
	}()
	go func() {
		defer wg.Done()
		copyAndClose(client, remote, "downstream")
	}()

	wg.Wait()
}

// copyAndClose copies from src to dst, then half-closes dst's write
// side and src's read side so the peer sees EOF promptly instead of
// waiting for the whole connection to tear down.
func copyAndClose(dst, src net.Conn, direction string) {
	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)

	n, err := io.CopyBuffer(dst, src, *bufp)
	metrics.add(direction, n)
	if err != nil {
		return
	}

	if tc, ok := dst.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	if tc, ok := src.(*net.TCPConn); ok {
		tc.CloseRead()
	}
}
