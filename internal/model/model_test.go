package model

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress(" 2001:DB8::1 ")
	require.NoError(t, err)
	assert.Equal(t, Address("2001:db8::1"), addr)

	_, err = ParseAddress("10.0.0.1")
	assert.Error(t, err)

	_, err = ParseAddress("not-an-ip")
	assert.Error(t, err)
}

func TestPrefixEqualIgnoresIface(t *testing.T) {
	p1, err := NewPrefix("eth0", net.ParseIP("2001:db8::"), 64)
	require.NoError(t, err)
	p2, err := NewPrefix("eth1", net.ParseIP("2001:db8::"), 64)
	require.NoError(t, err)

	assert.True(t, p1.Equal(p2))

	p3, err := NewPrefix("eth0", net.ParseIP("2001:db9::"), 64)
	require.NoError(t, err)
	assert.False(t, p1.Equal(p3))
}

func TestPrefixContains(t *testing.T) {
	p, err := NewPrefix("eth0", net.ParseIP("2001:db8::"), 64)
	require.NoError(t, err)

	inside, err := ParseAddress("2001:db8::abcd")
	require.NoError(t, err)
	assert.True(t, p.Contains(inside))

	outside, err := ParseAddress("2001:db9::abcd")
	require.NoError(t, err)
	assert.False(t, p.Contains(outside))
}

func TestPrefixStringAndSuffix(t *testing.T) {
	p, err := NewPrefix("eth0", net.ParseIP("2001:db8::"), 64)
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::/64", p.String())

	addr, err := ParseAddress("2001:db8::1234")
	require.NoError(t, err)
	assert.Equal(t, "1234", p.Suffix(addr))
}

func TestAddrSegsRoundTrip(t *testing.T) {
	ip := net.ParseIP("2001:db8::1234:5678")
	segs := AddrToSegs(ip)
	back := SegsToAddr(segs)
	assert.True(t, ip.Equal(back))
}

func TestParseAddrStatus(t *testing.T) {
	s, err := ParseAddrStatus("idle")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, s)

	_, err = ParseAddrStatus("Idle")
	assert.Error(t, err, "status parsing must be case-sensitive")

	_, err = ParseAddrStatus("bogus")
	assert.Error(t, err)
}

func TestReportInfoValidate(t *testing.T) {
	r := ReportInfo{Addr: "2001:db8::1", Status: StatusIdle}
	assert.NoError(t, r.Validate())

	r.Status = StatusUsing
	assert.Error(t, r.Validate(), "using is server-assigned, clients cannot report it")

	r = ReportInfo{Status: StatusBad}
	assert.Error(t, r.Validate(), "addr is required")
}
