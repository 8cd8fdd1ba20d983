// Package server implements the SOCKS5 protocol core spec.md describes:
// a non-blocking listener, a registry of in-flight Clients keyed by fd,
// and the per-client state machine that advances them. It depends only
// on internal/netpoll's Notifier interface for readiness, never on a
// concrete epoll implementation, and only on internal/socks5 for wire
// parsing — it has no upstream-dialing or relay logic of its own (that
// is internal/connect, wired in through RequestHandler).
package server

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ealireza/socks5d/internal/netpoll"
)

// handshakeTimeout bounds how long a connection may sit in any
// pre-handoff phase before SweepDeadlines tears it down. Matches the
// teacher's handleConnection deadline
// (client.SetDeadline(time.Now().Add(10 * time.Second))), reimplemented
// as an externally-driven sweep rather than a per-socket SO_RCVTIMEO
// style deadline so the non-blocking core itself stays timeout-free.
const handshakeTimeout = 10 * time.Second

// Server is the singleton spec.md §3 describes: one listener, one
// registry, one poller. Every method here is meant to be called from a
// single goroutine (the poll loop) — see spec.md §5.
type Server struct {
	listenFD int
	poller   netpoll.Notifier
	registry map[int]*Client
	aliases  map[int]*Client

	onRequest RequestHandler
	metrics   *metricSet
	log       *logrus.Entry

	backlog int
}

// Config is the minimal listener configuration Server needs; the fuller
// YAML-driven configuration lives in internal/config and is translated
// into this by cmd/socks5d.
type Config struct {
	ListenAddr string
	Backlog    int
	Log        *logrus.Entry
}

// New constructs a non-blocking, SO_REUSEADDR TCP listener bound to
// cfg.ListenAddr, per spec.md §4.1's construct(cfg). It does not
// subscribe the listener to readiness or call listen(2) — the embedder
// (cmd/socks5d) does both, matching spec.md's "does not subscribe the
// listener to readiness (the embedder does so)".
func New(cfg Config, poller netpoll.Notifier) (*Server, error) {
	fd, err := listenerSocket(cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = 1024
	}
	return &Server{
		listenFD: fd,
		poller:   poller,
		registry: make(map[int]*Client),
		aliases:  make(map[int]*Client),
		metrics:  newMetricSet(),
		log:      log,
		backlog:  backlog,
	}, nil
}

func listenerSocket(addr string) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, fmt.Errorf("server: resolve %q: %w", addr, err)
	}

	family := unix.AF_INET
	if tcpAddr.IP == nil || tcpAddr.IP.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("server: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("server: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("server: set nonblocking: %w", err)
	}

	if family == unix.AF_INET {
		var sa unix.SockaddrInet4
		sa.Port = tcpAddr.Port
		if tcpAddr.IP != nil {
			copy(sa.Addr[:], tcpAddr.IP.To4())
		}
		if err := unix.Bind(fd, &sa); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("server: bind %s: %w", addr, err)
		}
	} else {
		var sa unix.SockaddrInet6
		sa.Port = tcpAddr.Port
		if tcpAddr.IP != nil {
			copy(sa.Addr[:], tcpAddr.IP.To16())
		}
		if err := unix.Bind(fd, &sa); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("server: bind %s: %w", addr, err)
		}
	}

	return fd, nil
}

// Register adds this Server's Prometheus collectors to reg. Safe to
// call once per Server before the poll loop starts.
func (s *Server) Register(reg prometheus.Registerer) error {
	return s.metrics.Register(reg)
}

// SetRequestHandler wires the extension point invoked once a client's
// request parses successfully (spec.md §9). Must be called before the
// first ProcessIOEvents call.
func (s *Server) SetRequestHandler(h RequestHandler) {
	s.onRequest = h
}

// ListenFD exposes the raw listener fd so the embedder can register it
// with the poller before the first ProcessIOEvents call — spec.md keeps listener
// readiness subscription outside the core's construct().
func (s *Server) ListenFD() int {
	return s.listenFD
}

// Listen issues listen(2) on the listener socket, spec.md §4.1's
// begin_listening(backlog).
func (s *Server) Listen() error {
	if err := unix.Listen(s.listenFD, s.backlog); err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// ProcessIOEvents routes a batch of readiness notifications to the
// listener or to clients, per spec.md §4.1. Every notification in the
// batch is attempted even if an earlier one failed (best-effort
// semantics); all per-notification errors are joined and returned,
// resolving the batch-error-accumulation bug spec.md §9 flags in the
// original source.
func (s *Server) ProcessIOEvents(events []netpoll.Event) error {
	var errs []error
	for _, ev := range events {
		if err := s.dispatch(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) dispatch(ev netpoll.Event) error {
	if ev.Events == 0 {
		return fmt.Errorf("server: notification for fd %d has neither readable nor writable set", ev.FD)
	}

	if ev.FD == s.listenFD {
		if ev.Events&netpoll.Readable != 0 {
			return s.acceptDrain()
		}
		return nil
	}

	if c, ok := s.registry[ev.FD]; ok {
		if ev.Events&netpoll.Readable != 0 {
			c.onReadable()
		}
		// Re-check the registry rather than c's own fields: teardown
		// recycles *Client through the pool, so a stale c.phase read
		// here could observe a pointer already handed to an unrelated
		// connection.
		if ev.Events&netpoll.Writable != 0 {
			if _, stillLive := s.registry[ev.FD]; stillLive {
				c.onWritable()
			}
		}
		return nil
	}

	if c, ok := s.aliases[ev.FD]; ok {
		if ev.Events&netpoll.Writable != 0 {
			c.onWritable()
		}
		return nil
	}

	return fmt.Errorf("server: notification for unknown fd %d", ev.FD)
}

func (s *Server) register(c *Client) error {
	if _, exists := s.registry[c.fd]; exists {
		return fmt.Errorf("server: fd %d already registered", c.fd)
	}
	s.registry[c.fd] = c
	return nil
}

func (s *Server) deregister(fd int) {
	delete(s.registry, fd)
}

func (s *Server) registerAlias(fd int, c *Client) {
	s.aliases[fd] = c
}

func (s *Server) deregisterAlias(fd int) {
	delete(s.aliases, fd)
}

// ActiveConnections reports the current registry size, for metrics/tests.
func (s *Server) ActiveConnections() int {
	return len(s.registry)
}

// Close tears down every live client (spec.md §5's "when the outer loop
// decides to stop... iterating the registry and destroying each Client")
// and closes the listener.
func (s *Server) Close() error {
	for _, c := range s.registry {
		c.teardown(nil)
	}
	for fd := range s.aliases {
		delete(s.aliases, fd)
	}
	_ = s.poller.UnsubscribeAll(s.listenFD)
	return unix.Close(s.listenFD)
}

// SweepDeadlines tears down any connection that has spent longer than
// handshakeTimeout without completing its handshake (i.e. without
// reaching PhaseHandlingRequest, at which point it is no longer
// Server's problem). cmd/socks5d calls this periodically from a
// ticker; internal/server never calls it itself, keeping the core loop
// itself timeout-free per spec.md.
func (s *Server) SweepDeadlines(now time.Time) {
	var stale []int
	for fd, c := range s.registry {
		if now.Sub(c.acceptedAt) > handshakeTimeout {
			stale = append(stale, fd)
		}
	}
	for _, fd := range stale {
		if c, ok := s.registry[fd]; ok {
			c.teardown(errHandshakeTimeout)
		}
	}
}

func (s *Server) logTeardown(fd int, peer net.Addr, reason error) {
	entry := s.log.WithFields(logrus.Fields{"fd": fd, "peer": peer})
	if reason == nil {
		entry.Debug("connection closed")
		return
	}
	entry.WithError(reason).Info("connection torn down")
}
