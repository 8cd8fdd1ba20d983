package socks5

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGreetingBoundaries(t *testing.T) {
	cases := []struct {
		name    string
		buf     []byte
		outcome Outcome
		wantErr error
		wantN   int
	}{
		{"empty", nil, OutcomeShort, nil, 0},
		{"header only", []byte{0x05}, OutcomeShort, nil, 0},
		{"zero methods", []byte{0x05, 0x00}, OutcomeError, ErrZeroMethods, 0},
		{"too many methods", []byte{0x05, MaxMethods + 1}, OutcomeError, ErrTooManyMethods, 0},
		{"wrong version", []byte{0x04, 0x01, 0x00}, OutcomeError, ErrUnsupportedVersion, 0},
		{"short methods", []byte{0x05, 0x02, 0x00}, OutcomeShort, nil, 0},
		{"at cap", append([]byte{0x05, MaxMethods}, make([]byte, MaxMethods)...), OutcomeOK, nil, 2 + MaxMethods},
		{"happy", []byte{0x05, 0x01, 0x00}, OutcomeOK, nil, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, _, outcome, err := ParseGreeting(tc.buf)
			assert.Equal(t, tc.outcome, outcome)
			assert.Equal(t, tc.wantErr, err)
			if outcome == OutcomeOK {
				assert.Equal(t, tc.wantN, n)
			}
		})
	}
}

func TestParseGreetingPrefixDeterminism(t *testing.T) {
	full := []byte{0x05, 0x02, 0x00, 0x02}
	var sawOK, sawErr bool
	for k := 1; k <= len(full); k++ {
		_, _, outcome, err := ParseGreeting(full[:k])
		switch outcome {
		case OutcomeShort:
			require.False(t, sawOK || sawErr, "short outcome after terminal outcome")
		case OutcomeOK:
			sawOK = true
		case OutcomeError:
			require.NoError(t, err, "unexpected")
			sawErr = true
		}
	}
	assert.True(t, sawOK)
	assert.False(t, sawErr)
}

func TestSelectMethod(t *testing.T) {
	m, ok := SelectMethod(Greeting{Methods: []byte{0x01, 0x00, 0x02}})
	assert.True(t, ok)
	assert.Equal(t, byte(MethodNoAuth), m)

	m, ok = SelectMethod(Greeting{Methods: []byte{0x01, 0x02}})
	assert.False(t, ok)
	assert.Equal(t, byte(MethodNoAcceptable), m)
}

func TestParseRequestIPv4Connect(t *testing.T) {
	buf := []byte{0x05, 0x01, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x00, 0x50}
	n, req, outcome, err := ParseRequest(buf)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, byte(CmdConnect), req.Cmd)
	assert.Equal(t, byte(ATYPIPv4), req.ATYP)
	assert.Equal(t, net.IPv4(127, 0, 0, 1).String(), req.DestIP.To4().String())
	assert.Equal(t, uint16(80), req.DestPort)
}

func TestParseRequestTruncatedDomainLength(t *testing.T) {
	// VER CMD RSV ATYP=domain, then a length byte claiming 10 bytes but
	// only 2 are present: must be "need more", never an error.
	buf := []byte{0x05, 0x01, 0x00, 0x03, 0x0A, 'a', 'b'}
	_, _, outcome, err := ParseRequest(buf)
	assert.Equal(t, OutcomeShort, outcome)
	assert.NoError(t, err)
}

func TestParseRequestBadVersion(t *testing.T) {
	buf := []byte{0x04, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	_, _, outcome, err := ParseRequest(buf)
	assert.Equal(t, OutcomeError, outcome)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestParseRequestBadATYP(t *testing.T) {
	buf := []byte{0x05, 0x01, 0x00, 0x09, 0, 0, 0, 0, 0, 0}
	_, _, outcome, err := ParseRequest(buf)
	assert.Equal(t, OutcomeError, outcome)
	assert.ErrorIs(t, err, ErrUnsupportedATYP)
}

func TestParseRequestZeroLengthDomain(t *testing.T) {
	buf := []byte{0x05, 0x01, 0x00, 0x03, 0x00, 0, 0}
	_, _, outcome, err := ParseRequest(buf)
	assert.Equal(t, OutcomeError, outcome)
	assert.ErrorIs(t, err, ErrZeroLengthDomain)
}

func TestParseRequestRejectsBindAndUDPAssociate(t *testing.T) {
	cases := []struct {
		name string
		cmd  byte
	}{
		{"bind", CmdBind},
		{"udp associate", CmdUDPAssociate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := []byte{0x05, tc.cmd, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x00, 0x50}
			_, _, outcome, err := ParseRequest(buf)
			assert.Equal(t, OutcomeError, outcome)
			assert.ErrorIs(t, err, ErrUnsupportedCommand)
		})
	}
}

func TestEncodeMethodChoiceBytes(t *testing.T) {
	out := EncodeMethodChoice(MethodNoAuth)
	assert.Equal(t, []byte{Version, MethodNoAuth}, out)
}

func TestEncodeReplyIPv4(t *testing.T) {
	out := EncodeReply(RepSucceeded, net.IPv4(10, 0, 0, 1), 1080)
	n, req, outcome, err := ParseRequest(append([]byte{0x05, 0x01, 0x00}, out[3:]...))
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, len(out), n)
	assert.Equal(t, "10.0.0.1", req.DestIP.String())
	assert.Equal(t, uint16(1080), req.DestPort)
}

func TestEncodeReplyNilIP(t *testing.T) {
	out := EncodeReply(RepGeneralFailure, nil, 0)
	assert.Equal(t, []byte{Version, RepGeneralFailure, 0x00, ATYPIPv4, 0, 0, 0, 0, 0, 0}, out)
}
