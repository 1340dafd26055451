package route

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/xsk-fastpath/internal/config"
)

func mustRoute(t *testing.T, dst, nextHop string, hops int) Route {
	t.Helper()
	r, err := Parse(config.RouteConfig{Destination: dst, NextHop: nextHop, HopCount: hops}, SourceAdmin)
	require.NoError(t, err)
	return r
}

func prefixes(routes []Route) []string {
	out := make([]string, 0, len(routes))
	for _, r := range routes {
		out = append(out, r.Destination.String())
	}
	return out
}

func TestParse(t *testing.T) {
	r, err := Parse(config.RouteConfig{
		Destination: "10.1.2.0/24",
		NextHop:     "192.168.0.1",
		Outgoing:    "192.168.0.2",
		HopCount:    3,
		Priority:    5,
	}, SourceStatic)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParsePrefix("10.1.2.0/24"), r.Destination)
	assert.Equal(t, netip.MustParseAddr("192.168.0.1"), r.NextHop)
	assert.Equal(t, netip.MustParseAddr("192.168.0.2"), r.Outgoing)
	assert.Equal(t, SourceStatic, r.Source)

	_, err = Parse(config.RouteConfig{Destination: "10.1.2.0"}, SourceStatic)
	assert.Error(t, err)
	_, err = Parse(config.RouteConfig{Destination: "10.1.2.0/24", NextHop: "gw"}, SourceStatic)
	assert.Error(t, err)
}

func TestTable_AddMasksAndSorts(t *testing.T) {
	tbl := NewTable(false)

	id1, err := tbl.Add(mustRoute(t, "10.0.0.0/8", "192.168.0.1", 1))
	require.NoError(t, err)
	id2, err := tbl.Add(mustRoute(t, "10.1.2.3/24", "192.168.0.2", 1))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	assert.Equal(t, []string{"10.1.2.0/24", "10.0.0.0/8"}, prefixes(tbl.All()))

	r, ok := tbl.Get(id2)
	require.True(t, ok)
	assert.Equal(t, StatusActive, r.Status)
	assert.False(t, r.Updated.IsZero())

	_, err = tbl.Add(mustRoute(t, "fd00::/8", "", 1))
	assert.ErrorIs(t, err, ErrNotIPv4)
}

func TestTable_Merge(t *testing.T) {
	tbl := NewTable(true)
	_, err := tbl.Add(mustRoute(t, "192.192.100.0/24", "10.0.0.1", 3))
	require.NoError(t, err)
	_, err = tbl.Add(mustRoute(t, "192.192.1.0/24", "10.0.0.1", 2))
	require.NoError(t, err)
	// different next hop stays apart
	_, err = tbl.Add(mustRoute(t, "192.192.50.0/24", "10.0.0.2", 1))
	require.NoError(t, err)

	all := tbl.All()
	require.Len(t, all, 2)
	assert.Equal(t, "192.192.50.0/24", all[0].Destination.String())
	assert.Equal(t, "192.192.0.0/17", all[1].Destination.String())
	assert.Equal(t, SourceMerge, all[1].Source)
	assert.Equal(t, 2, all[1].HopCount)

	// no common leading bit
	tbl = NewTable(true)
	_, err = tbl.Add(mustRoute(t, "10.0.0.0/8", "10.0.0.1", 1))
	require.NoError(t, err)
	_, err = tbl.Add(mustRoute(t, "192.0.0.0/8", "10.0.0.1", 1))
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())
}

func TestTable_Lookup(t *testing.T) {
	tbl := NewTable(false)
	_, err := tbl.Add(mustRoute(t, "0.0.0.0/0", "192.168.0.254", 1))
	require.NoError(t, err)
	_, err = tbl.Add(mustRoute(t, "10.0.0.0/8", "192.168.0.1", 1))
	require.NoError(t, err)
	_, err = tbl.Add(mustRoute(t, "10.1.0.0/16", "192.168.0.2", 4))
	require.NoError(t, err)
	_, err = tbl.Add(mustRoute(t, "10.1.0.0/16", "192.168.0.3", 2))
	require.NoError(t, err)

	r, ok := tbl.Lookup(netip.MustParseAddr("10.1.9.9"))
	require.True(t, ok)
	assert.Equal(t, "192.168.0.3", r.NextHop.String())

	r, ok = tbl.Lookup(netip.MustParseAddr("10.2.0.1"))
	require.True(t, ok)
	assert.Equal(t, "192.168.0.1", r.NextHop.String())

	r, ok = tbl.Lookup(netip.MustParseAddr("::ffff:8.8.8.8"))
	require.True(t, ok)
	assert.Equal(t, "192.168.0.254", r.NextHop.String())

	_, ok = NewTable(false).Lookup(netip.MustParseAddr("8.8.8.8"))
	assert.False(t, ok)
}

func TestTable_LookupPriorityBreaksTies(t *testing.T) {
	tbl := NewTable(false)
	low := mustRoute(t, "10.0.0.0/8", "192.168.0.1", 1)
	high := mustRoute(t, "10.0.0.0/8", "192.168.0.2", 1)
	high.Priority = 10
	_, err := tbl.Add(low)
	require.NoError(t, err)
	_, err = tbl.Add(high)
	require.NoError(t, err)

	r, ok := tbl.Lookup(netip.MustParseAddr("10.9.9.9"))
	require.True(t, ok)
	assert.Equal(t, 10, r.Priority)
}

func TestTable_UpdateDeleteClean(t *testing.T) {
	tbl := NewTable(false)
	tbl.now = func() time.Time { return time.Unix(100, 0) }
	id, err := tbl.Add(mustRoute(t, "10.0.0.0/8", "192.168.0.1", 1))
	require.NoError(t, err)

	upd := mustRoute(t, "10.2.0.0/16", "192.168.0.9", 2)
	upd.ID = id
	tbl.now = func() time.Time { return time.Unix(200, 0) }
	require.NoError(t, tbl.Update(upd))
	r, ok := tbl.Get(id)
	require.True(t, ok)
	assert.Equal(t, "10.2.0.0/16", r.Destination.String())
	assert.Equal(t, time.Unix(200, 0), r.Updated)

	upd.ID = 99
	assert.ErrorIs(t, tbl.Update(upd), ErrNotFound)
	assert.ErrorIs(t, tbl.Delete(99), ErrNotFound)

	require.NoError(t, tbl.Delete(id))
	_, ok = tbl.Get(id)
	assert.False(t, ok)

	_, err = tbl.Add(mustRoute(t, "10.0.0.0/8", "192.168.0.1", 1))
	require.NoError(t, err)
	tbl.Clean()
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_LoadStatic(t *testing.T) {
	routes, err := Static(config.RoutesConfig{Static: []config.RouteConfig{
		{Destination: "10.0.0.0/8", NextHop: "192.168.0.1"},
		{Destination: "172.16.0.0/12", NextHop: "192.168.0.2"},
	}})
	require.NoError(t, err)

	tbl := NewTable(true)
	_, err = tbl.Add(mustRoute(t, "192.168.10.0/24", "192.168.0.3", 1))
	require.NoError(t, err)
	require.NoError(t, tbl.Load(routes))

	assert.Equal(t, []string{"172.16.0.0/12", "10.0.0.0/8"}, prefixes(tbl.All()))
	for _, r := range tbl.All() {
		assert.Equal(t, SourceStatic, r.Source)
	}

	_, err = Static(config.RoutesConfig{Static: []config.RouteConfig{{Destination: "nope"}}})
	assert.Error(t, err)
}
