package cidrmap

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	require.NoError(t, err)
	return a
}

func TestCompressionScenario(t *testing.T) {
	m := New[string]()
	m.Insert(MustParseCIDR("127.0.0.1/32"), "v4")
	m.Insert(MustParseCIDR("::1/128"), "v6")
	m.Insert(MustParseCIDR("192.168.1.0/24"), ".1")
	m.Insert(MustParseCIDR("192.168.1.24/32"), ".1")
	m.Insert(MustParseCIDR("192.168.3.0/28"), ".3")
	m.Insert(MustParseCIDR("192.168.3.2/32"), ".3.split")

	entries := m.Entries()
	got := make([]string, 0, len(entries))
	for _, e := range entries {
		got = append(got, e.Prefix.String()+"->"+e.Value)
	}

	want := []string{
		"127.0.0.1/32->v4",
		"192.168.1.0/24->.1",
		"192.168.3.0/31->.3",
		"192.168.3.2/32->.3.split",
		"192.168.3.3/32->.3",
		"192.168.3.4/30->.3",
		"192.168.3.8/29->.3",
		"::1/128->v6",
	}
	assert.Equal(t, want, got)

	v, ok := m.GetPrefixMatch(mustAddr(t, "192.168.1.24"))
	require.True(t, ok)
	assert.Equal(t, ".1", v)
}

func TestGetPrefixMatchLongestPrefix(t *testing.T) {
	m := New[string]()
	m.Insert(MustParseCIDR("10.0.0.0/8"), "coarse")
	m.Insert(MustParseCIDR("10.1.0.0/16"), "fine")

	v, ok := m.GetPrefixMatch(mustAddr(t, "10.1.2.3"))
	require.True(t, ok)
	assert.Equal(t, "fine", v)

	v, ok = m.GetPrefixMatch(mustAddr(t, "10.2.2.3"))
	require.True(t, ok)
	assert.Equal(t, "coarse", v)
}

func TestAnyPrefixActsAsDefault(t *testing.T) {
	m := New[string]()
	m.Insert(Prefix{Any: true}, "default")
	m.Insert(MustParseCIDR("10.0.0.0/8"), "specific")

	v, ok := m.GetPrefixMatch(mustAddr(t, "192.168.1.1"))
	require.True(t, ok)
	assert.Equal(t, "default", v)

	v, ok = m.GetPrefixMatch(mustAddr(t, "10.5.5.5"))
	require.True(t, ok)
	assert.Equal(t, "specific", v)

	v, ok = m.GetPrefixMatch(mustAddr(t, "::1"))
	require.True(t, ok)
	assert.Equal(t, "default", v)
}

func TestIdenticalInsertIsNoOp(t *testing.T) {
	m := New[string]()
	m.Insert(MustParseCIDR("192.168.1.0/24"), ".1")
	m.Insert(MustParseCIDR("192.168.1.0/24"), ".1")
	assert.Len(t, m.Entries(), 1)
}

func TestParseCIDRHostBitsSetRejected(t *testing.T) {
	_, err := ParseCIDR("10.0.0.1/24")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "10.0.0.1/24 is not a valid CIDR")
	assert.Contains(t, err.Error(), "Did you mean 10.0.0.0/24?")
}

func TestParseCIDRAny(t *testing.T) {
	p, err := ParseCIDR("any")
	require.NoError(t, err)
	assert.True(t, p.Any)
	assert.Equal(t, "any", p.String())
}

func TestContains(t *testing.T) {
	m := New[bool]()
	m.Insert(MustParseCIDR("203.0.113.0/24"), true)
	assert.True(t, m.Contains(mustAddr(t, "203.0.113.5")))
	assert.False(t, m.Contains(mustAddr(t, "203.0.114.5")))
}

func TestStringMapRoundTrip(t *testing.T) {
	in := map[string]string{
		"10.0.0.0/8":    "a",
		"192.168.0.0/16": "b",
	}
	m, err := FromStringMap(in)
	require.NoError(t, err)
	out := m.ToStringMap()
	assert.Equal(t, in, out)
}
