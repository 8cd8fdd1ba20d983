package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// TestRecvBufferExhaustionTearsDown exercises spec.md §8's recv-buffer
// bound directly: every legal greeting/request is well under bufSize, so
// the only way to reach a full recvBuf with no parseable prefix is the
// defensive case this test drives by hand — recvd already at capacity
// before the next readable notification arrives.
func TestRecvBufferExhaustionTearsDown(t *testing.T) {
	s, fn := newTestServer(t)
	clientFD, _ := newConnectedPair(t, s, fn)
	c := s.registry[clientFD]

	c.recvd = bufSize
	c.phase = PhaseWantGreeting

	c.onReadable()

	assertTornDown(t, s, fn, clientFD)
}

// TestRegistryMembershipImpliesSubscription checks spec.md §8's property
// that every registry entry has a corresponding read subscription, and
// that teardown removes both atomically (from the caller's perspective:
// no interleaving dispatch can observe one without the other).
func TestRegistryMembershipImpliesSubscription(t *testing.T) {
	s, fn := newTestServer(t)
	clientFD, _ := newConnectedPair(t, s, fn)

	_, registered := s.registry[clientFD]
	require.True(t, registered)
	assert.True(t, fn.readSubs[clientFD])

	c := s.registry[clientFD]
	c.teardown(errPeerEOF)

	_, stillRegistered := s.registry[clientFD]
	assert.False(t, stillRegistered)
	assert.False(t, fn.hasAnySub(clientFD))
}

// TestWriteAliasLifecycle exercises spec.md §4.4/§9's fd-duplication
// write-readiness design: a write alias is only subscribed while a
// partial send is pending, and is always retired (subscription dropped,
// alias fd closed, bookkeeping cleared) once the send completes.
func TestWriteAliasLifecycle(t *testing.T) {
	s, fn := newTestServer(t)
	clientFD, _ := newConnectedPair(t, s, fn)
	c := s.registry[clientFD]

	// Simulate a send that would block: queue data but pretend nothing
	// has been written yet, then force the write-alias subscribe path
	// without going through the full socket fill-up dance.
	c.queueSend([]byte{0x05, 0x00})
	require.NoError(t, c.subscribeWriteAlias())
	assert.True(t, c.writeSub)
	assert.True(t, fn.writeSubs[c.writeSubFD])
	aliasFD := c.writeSubFD

	c.unsubscribeWriteAlias()
	assert.False(t, c.writeSub)
	assert.Equal(t, 0, c.writeSubFD)
	assert.False(t, fn.writeSubs[aliasFD])
}

// TestConsumeRecvShiftsPipelinedBytes checks spec.md §4.2's requirement
// that bytes belonging to the next message (the peer pipelined a
// greeting and a request in one write) survive a consumeRecv call
// intact and at the front of the buffer.
func TestConsumeRecvShiftsPipelinedBytes(t *testing.T) {
	s, fn := newTestServer(t)
	clientFD, _ := newConnectedPair(t, s, fn)
	c := s.registry[clientFD]

	copy(c.recvBuf[:], []byte{0x05, 0x01, 0x00, 0xAA, 0xBB})
	c.recvd = 5

	c.consumeRecv(3)

	assert.Equal(t, 2, c.recvd)
	assert.Equal(t, byte(0xAA), c.recvBuf[0])
	assert.Equal(t, byte(0xBB), c.recvBuf[1])
}

// TestPhaseNeverRegressesDuringAdvance confirms that a single batch of
// readable data drives the phase monotonically forward (spec.md §4.2's
// "advance as far as possible") rather than looping back on itself.
func TestPhaseNeverRegressesDuringAdvance(t *testing.T) {
	s, fn := newTestServer(t)
	clientFD, peerFD := newConnectedPair(t, s, fn)
	c := s.registry[clientFD]

	_, err := unix.Write(peerFD, []byte{0x05, 0x01, 0x00})
	require.NoError(t, err)

	before := c.phase
	c.onReadable()
	after := c.phase

	assert.Greater(t, int(after), int(before))
}

// TestSweepDeadlinesTearsDownStaleHandshakes exercises the external
// deadline sweep cmd/socks5d drives: a client still mid-handshake past
// handshakeTimeout is torn down, one still within budget is left alone.
func TestSweepDeadlinesTearsDownStaleHandshakes(t *testing.T) {
	s, fn := newTestServer(t)
	staleFD, _ := newConnectedPair(t, s, fn)
	freshFD, _ := newConnectedPair(t, s, fn)

	s.registry[staleFD].acceptedAt = time.Now().Add(-2 * handshakeTimeout)

	s.SweepDeadlines(time.Now())

	assertTornDown(t, s, fn, staleFD)
	_, freshStillLive := s.registry[freshFD]
	assert.True(t, freshStillLive)
}
