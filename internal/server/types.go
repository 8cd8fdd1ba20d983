package server

import (
	"net"

	"github.com/ealireza/socks5d/internal/socks5"
)

// Phase is the per-client state machine position, spec.md §4.2's table
// expressed as a Go enum + dispatch rather than a callback chain.
type Phase int

const (
	PhaseWantGreeting Phase = iota
	PhaseWantSendMethodChoice
	PhaseSendingMethodChoice
	PhaseWantRequest
	PhaseHandlingRequest
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseWantGreeting:
		return "WANT_GREETING"
	case PhaseWantSendMethodChoice:
		return "WANT_SEND_METHOD_CHOICE"
	case PhaseSendingMethodChoice:
		return "SENDING_METHOD_CHOICE"
	case PhaseWantRequest:
		return "WANT_REQUEST"
	case PhaseHandlingRequest:
		return "HANDLING_REQUEST"
	case PhaseDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Direction records whether the client is currently expecting to receive
// a message or finish sending one — derived from Phase but stored
// alongside it for dispatch clarity, per spec.md §3.
type Direction int

const (
	DirReceiving Direction = iota
	DirSending
)

// stepResult is the outcome of one phase handler's action: continue the
// advance-as-far-as-possible loop, park until more readiness arrives, or
// stop (teardown or handoff already happened).
type stepResult int

const (
	stepContinue stepResult = iota
	stepParked
	stepDone
)

// bufSize is the fixed recv/send buffer capacity, spec.md §3's
// recv_buf[8192]/send_buf[8192].
const bufSize = 8192

// RequestHandler is the extension point spec.md §9 leaves undefined: the
// hook invoked once a Request parses successfully. The core hands off
// the raw connection (wrapped as a net.Conn so the handler can use
// ordinary blocking I/O and io.Copy-based relay — the core itself never
// calls this on its own non-blocking loop goroutine after handoff) and
// never hears from that fd again.
type RequestHandler func(conn net.Conn, req *socks5.Request)
