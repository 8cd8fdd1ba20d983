package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ealireza/socks5d/internal/netpoll"
	"github.com/ealireza/socks5d/internal/socks5"
)

// Client is the per-connection record spec.md §3 describes: the accepted
// socket, its phase, and the bounded recv/send buffers. A *Client is
// created by the acceptor and lives in Server's registry until teardown
// or handoff.
type Client struct {
	fd         int
	peerAddr   net.Addr
	phase      Phase
	direction  Direction
	acceptedAt time.Time

	recvBuf [bufSize]byte
	recvd   int

	sendBuf [bufSize]byte
	sent    int
	toSend  int

	current socks5.Message

	writeSub   bool
	writeSubFD int

	srv *Server
}

// Per-connection teardown/parse errors. Not exported: callers outside
// this package only ever see these via logging, per spec.md §7 ("the
// server has no user-visible channel beyond socket closure").
var (
	errPeerEOF          = errors.New("server: peer EOF mid-handshake")
	errBufferExhausted  = errors.New("server: recv buffer exhausted before handshake completed")
	errNoAcceptableAuth = errors.New("server: no acceptable authentication method offered")
	errNoRequestHandler = errors.New("server: no request handler wired")
	errHandshakeTimeout = errors.New("server: handshake deadline exceeded")
)

func newClient(srv *Server, fd int, peerAddr net.Addr) *Client {
	c := acquireClient()
	c.srv = srv
	c.fd = fd
	c.peerAddr = peerAddr
	c.phase = PhaseWantGreeting
	c.direction = DirReceiving
	c.acceptedAt = time.Now()
	return c
}

// onReadable drives the advance-as-far-as-possible loop after a readable
// notification. Per spec.md §4.2, a single event may cause several
// transitions; the loop re-enters the phase switch until a phase whose
// only progress requires more readiness is reached.
func (c *Client) onReadable() {
	c.advance(netpoll.Readable)
}

// onWritable is the writable-notification counterpart.
func (c *Client) onWritable() {
	c.advance(netpoll.Writable)
}

func (c *Client) advance(evt netpoll.EventMask) {
	for {
		var res stepResult
		switch c.phase {
		case PhaseWantGreeting:
			res = c.stepWantGreeting(evt)
		case PhaseWantSendMethodChoice:
			res = c.stepWantSendMethodChoice()
		case PhaseSendingMethodChoice:
			res = c.stepSendingMethodChoice(evt)
		case PhaseWantRequest:
			res = c.stepWantRequest(evt)
		case PhaseHandlingRequest:
			res = c.stepHandlingRequest()
		default:
			return
		}
		switch res {
		case stepContinue:
			continue
		case stepParked, stepDone:
			return
		}
	}
}

// recvWhatMay repeatedly recv(2)s into buf until it is full, the peer
// closes (n==0, eof=true), EAGAIN (parked), or a hard error. Mirrors
// spec.md §4.4 and the source's client_recv accumulate-until-EAGAIN loop.
func recvWhatMay(fd int, buf []byte) (n int, eof bool, err error) {
	for n < len(buf) {
		r, rerr := unix.Read(fd, buf[n:])
		if rerr != nil {
			if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
				return n, false, nil
			}
			if rerr == unix.EINTR {
				continue
			}
			return n, false, fmt.Errorf("recv: %w", rerr)
		}
		if r == 0 {
			return n, true, nil
		}
		n += r
	}
	return n, false, nil
}

// sendWhatMay drains buf via send(2), returning on completion, send==0,
// EAGAIN (wouldBlock), or a hard error.
func sendWhatMay(fd int, buf []byte) (n int, wouldBlock bool, err error) {
	for n < len(buf) {
		w, werr := unix.Write(fd, buf[n:])
		if werr != nil {
			if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
				return n, true, nil
			}
			if werr == unix.EINTR {
				continue
			}
			return n, false, fmt.Errorf("send: %w", werr)
		}
		if w == 0 {
			return n, true, nil
		}
		n += w
	}
	return n, false, nil
}

func (c *Client) recvStep() (eof bool, err error) {
	free := len(c.recvBuf) - c.recvd
	if free <= 0 {
		return false, errBufferExhausted
	}
	n, eof, err := recvWhatMay(c.fd, c.recvBuf[c.recvd:])
	c.recvd += n
	return eof, err
}

// consumeRecv discards the first n bytes of recv_buf, which a successful
// parse declared as the message length, and shifts any trailing bytes
// (the start of the next message, if the peer pipelined) down to index 0.
func (c *Client) consumeRecv(n int) {
	remaining := c.recvd - n
	if remaining > 0 {
		copy(c.recvBuf[:remaining], c.recvBuf[n:c.recvd])
	}
	c.recvd = remaining
}

func (c *Client) stepWantGreeting(evt netpoll.EventMask) stepResult {
	if evt&netpoll.Readable == 0 {
		return stepParked
	}
	eof, err := c.recvStep()
	if err != nil {
		c.teardown(err)
		return stepDone
	}
	n, g, outcome, perr := socks5.ParseGreeting(c.recvBuf[:c.recvd])
	switch outcome {
	case socks5.OutcomeShort:
		if eof {
			c.teardown(errPeerEOF)
			return stepDone
		}
		return stepParked
	case socks5.OutcomeError:
		c.teardown(perr)
		return stepDone
	default: // OutcomeOK
		c.current = socks5.Message{Kind: socks5.KindGreeting, Greeting: g}
		c.consumeRecv(n)
		c.phase = PhaseWantSendMethodChoice
		return stepContinue
	}
}

func (c *Client) stepWantSendMethodChoice() stepResult {
	c.direction = DirSending
	method, ok := socks5.SelectMethod(c.current.Greeting)
	if !ok {
		// RFC 1928 recommends replying 0xFF before closing; spec.md §9
		// resolves the open question in favor of sending it.
		reply := socks5.EncodeMethodChoice(socks5.MethodNoAcceptable)
		c.queueSend(reply)
		c.bestEffortDrain()
		c.teardown(errNoAcceptableAuth)
		return stepDone
	}
	reply := socks5.EncodeMethodChoice(method)
	c.queueSend(reply)
	return c.doSend(PhaseWantRequest)
}

func (c *Client) stepSendingMethodChoice(evt netpoll.EventMask) stepResult {
	if evt&netpoll.Writable == 0 {
		return stepParked
	}
	return c.doSend(PhaseWantRequest)
}

func (c *Client) queueSend(msg []byte) {
	c.sent = 0
	c.toSend = copy(c.sendBuf[:], msg)
}

// bestEffortDrain makes one more attempt to flush a pending send without
// re-arming readiness — used only for the no-acceptable-method reply,
// which is sent on a connection that is about to be torn down regardless
// of whether it fully lands.
func (c *Client) bestEffortDrain() {
	n, _, _ := sendWhatMay(c.fd, c.sendBuf[c.sent:c.toSend])
	c.sent += n
}

// doSend implements spec.md §4.4's three-way send outcome and, on a full
// drain, advances the phase to next.
func (c *Client) doSend(next Phase) stepResult {
	n, wouldBlock, err := sendWhatMay(c.fd, c.sendBuf[c.sent:c.toSend])
	c.sent += n
	if err != nil {
		c.teardown(err)
		return stepDone
	}
	if !wouldBlock {
		// sendWhatMay only returns wouldBlock=false once it has written
		// every requested byte (it loops internally until full, EAGAIN,
		// or error), so sent == toSend always holds here.
		c.sent, c.toSend = 0, 0
		c.unsubscribeWriteAlias()
		c.phase = next
		c.direction = DirReceiving
		return stepContinue
	}
	if c.sent < c.toSend {
		if !c.writeSub {
			if err := c.subscribeWriteAlias(); err != nil {
				c.teardown(err)
				return stepDone
			}
		}
		c.phase = PhaseSendingMethodChoice
		return stepParked
	}
	// would_block with nothing pending: defensive cleanup, no transition.
	c.unsubscribeWriteAlias()
	return stepParked
}

// subscribeWriteAlias duplicates the client socket (spec.md §4.4/§9) so
// the readiness notifier can carry a writable-only registration that
// does not collide with the fd's existing readable registration.
func (c *Client) subscribeWriteAlias() error {
	aliasFD, err := unix.Dup(c.fd)
	if err != nil {
		return fmt.Errorf("dup for write alias: %w", err)
	}
	if err := c.srv.poller.SubscribeWrite(aliasFD); err != nil {
		unix.Close(aliasFD)
		return fmt.Errorf("subscribe write alias: %w", err)
	}
	c.writeSub = true
	c.writeSubFD = aliasFD
	c.srv.registerAlias(aliasFD, c)
	return nil
}

func (c *Client) unsubscribeWriteAlias() {
	if !c.writeSub {
		return
	}
	_ = c.srv.poller.UnsubscribeWrite(c.writeSubFD)
	c.srv.deregisterAlias(c.writeSubFD)
	unix.Close(c.writeSubFD)
	c.writeSub = false
	c.writeSubFD = 0
}

func (c *Client) stepWantRequest(evt netpoll.EventMask) stepResult {
	if evt&netpoll.Readable == 0 {
		return stepParked
	}
	eof, err := c.recvStep()
	if err != nil {
		c.teardown(err)
		return stepDone
	}
	n, req, outcome, perr := socks5.ParseRequest(c.recvBuf[:c.recvd])
	switch outcome {
	case socks5.OutcomeShort:
		if eof {
			c.teardown(errPeerEOF)
			return stepDone
		}
		return stepParked
	case socks5.OutcomeError:
		c.teardown(perr)
		return stepDone
	default:
		c.current = socks5.Message{Kind: socks5.KindRequest, Request: req}
		c.consumeRecv(n)
		c.phase = PhaseHandlingRequest
		return stepContinue
	}
}

// stepHandlingRequest hands the connection off to the configured
// RequestHandler and removes it from the core's bookkeeping entirely —
// from here on the fd belongs to the handler, not to Server.
func (c *Client) stepHandlingRequest() stepResult {
	req := c.current.Request
	c.srv.deregister(c.fd)
	_ = c.srv.poller.UnsubscribeAll(c.fd)
	c.phase = PhaseDone

	if c.srv.onRequest == nil {
		unix.Close(c.fd)
		c.srv.metrics.teardown("no_handler")
		releaseClient(c)
		return stepDone
	}

	f := os.NewFile(uintptr(c.fd), fmt.Sprintf("socks5-client-%d", c.fd))
	conn, err := net.FileConn(f)
	f.Close() // FileConn dup'd the fd; release our copy regardless of error.
	if err != nil {
		c.srv.metrics.teardown("handoff_error")
		releaseClient(c)
		return stepDone
	}
	c.srv.metrics.handoff()
	handler := c.srv.onRequest
	releaseClient(c)
	go handler(conn, &req)
	return stepDone
}

// teardown is the single path through which a Client dies, satisfying
// spec.md §7's "never leave a registry entry dangling or a readiness
// subscription live" and §8's teardown-idempotence property.
func (c *Client) teardown(reason error) {
	// releaseClient zeroes the record (srv becomes nil), so a second
	// teardown of an already-released Client stops here too.
	if c.phase == PhaseDone || c.srv == nil {
		return
	}
	c.phase = PhaseDone
	c.unsubscribeWriteAlias()
	c.srv.deregister(c.fd)
	_ = c.srv.poller.UnsubscribeAll(c.fd)
	unix.Close(c.fd)
	c.srv.metrics.teardown(reasonLabel(reason))
	c.srv.logTeardown(c.fd, c.peerAddr, reason)
	releaseClient(c)
}

func reasonLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errPeerEOF):
		return "peer_eof"
	case errors.Is(err, errBufferExhausted):
		return "buffer_exhausted"
	case errors.Is(err, errNoAcceptableAuth):
		return "no_acceptable_auth"
	case errors.Is(err, errNoRequestHandler):
		return "no_request_handler"
	case errors.Is(err, errHandshakeTimeout):
		return "handshake_timeout"
	default:
		return "error"
	}
}
