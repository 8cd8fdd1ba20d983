package ipv6

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIPv6RejectsIPv4(t *testing.T) {
	_, err := ParseIPv6("127.0.0.1")
	assert.Error(t, err)
}

func TestParseIPv6RejectsGarbage(t *testing.T) {
	_, err := ParseIPv6("not-an-ip")
	assert.Error(t, err)
}

func TestParseIPv6Accepts(t *testing.T) {
	ip, err := ParseIPv6("2001:db8::1")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", ip.String())
}

func TestPoolRoundRobin(t *testing.T) {
	p, err := NewPool([]string{"2001:db8::1", "2001:db8::2", "2001:db8::3"})
	require.NoError(t, err)

	seen := make([]string, 6)
	for i := range seen {
		seen[i] = p.Next().String()
	}
	assert.Equal(t, []string{
		"2001:db8::1", "2001:db8::2", "2001:db8::3",
		"2001:db8::1", "2001:db8::2", "2001:db8::3",
	}, seen)
}

func TestNewPoolRejectsEmpty(t *testing.T) {
	_, err := NewPool(nil)
	assert.Error(t, err)
}

func TestNewPoolRejectsInvalidMember(t *testing.T) {
	_, err := NewPool([]string{"2001:db8::1", "10.0.0.1"})
	assert.Error(t, err)
}
