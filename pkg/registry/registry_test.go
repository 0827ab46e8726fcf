package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarioA_TCPPortRoundTrip(t *testing.T) {
	r := New()
	key := TCPPortKey(5432)
	target := &RouteTarget{TunnelID: "tunnel-db"}

	require.NoError(t, r.Register(key, target))

	got, err := r.Lookup(key)
	require.NoError(t, err)
	assert.Equal(t, "tunnel-db", got.TunnelID)

	r.Unregister(key)
	_, err = r.Lookup(key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScenarioB_HTTPHostPortStripped(t *testing.T) {
	r := New()
	key := HTTPHostKey("example.com")
	require.NoError(t, r.Register(key, &RouteTarget{TunnelID: "tunnel-web"}))

	got, err := r.LookupHost(KindHTTPHost, "example.com:8080")
	require.NoError(t, err)
	assert.Equal(t, "tunnel-web", got.TunnelID)
}

func TestRegisterOrAdopt(t *testing.T) {
	r := New()
	key := HTTPHostKey("myapp.relay.example")

	require.NoError(t, r.Register(key, &RouteTarget{TunnelID: "t1", OwnerConnectionID: "c1"}))
	// Same tunnel re-registering (reconnect) succeeds and adopts the new connection.
	require.NoError(t, r.Register(key, &RouteTarget{TunnelID: "t1", OwnerConnectionID: "c2"}))

	got, err := r.Lookup(key)
	require.NoError(t, err)
	assert.Equal(t, "c2", got.OwnerConnectionID)

	// A different tunnel trying to claim the same key fails.
	err = r.Register(key, &RouteTarget{TunnelID: "t2"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestWildcardLongestSuffixAndExactWins(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(HTTPHostKey("*.example.com"), &RouteTarget{TunnelID: "wild-example"}))
	require.NoError(t, r.Register(HTTPHostKey("*.a.example.com"), &RouteTarget{TunnelID: "wild-a-example"}))
	require.NoError(t, r.Register(HTTPHostKey("exact.a.example.com"), &RouteTarget{TunnelID: "exact"}))

	// Invariant 4: a.b.c with registered *.b.c and no exact match.
	got, err := r.LookupHost(KindHTTPHost, "foo.example.com")
	require.NoError(t, err)
	assert.Equal(t, "wild-example", got.TunnelID)

	// Longest matching suffix wins over a shorter one.
	got, err = r.LookupHost(KindHTTPHost, "foo.a.example.com")
	require.NoError(t, err)
	assert.Equal(t, "wild-a-example", got.TunnelID)

	// Exact match always beats any wildcard.
	got, err = r.LookupHost(KindHTTPHost, "exact.a.example.com")
	require.NoError(t, err)
	assert.Equal(t, "exact", got.TunnelID)
}

func TestLookupHostNotFound(t *testing.T) {
	r := New()
	_, err := r.LookupHost(KindHTTPHost, "nowhere.example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnregisterTunnelRemovesAllItsRoutes(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(TCPPortKey(1), &RouteTarget{TunnelID: "t1"}))
	require.NoError(t, r.Register(HTTPHostKey("t1.example.com"), &RouteTarget{TunnelID: "t1"}))
	require.NoError(t, r.Register(TCPPortKey(2), &RouteTarget{TunnelID: "t2"}))

	r.UnregisterTunnel("t1")

	assert.False(t, r.Exists(TCPPortKey(1)))
	assert.False(t, r.Exists(HTTPHostKey("t1.example.com")))
	assert.True(t, r.Exists(TCPPortKey(2)))
	assert.Equal(t, 1, r.Count())
}

func TestExtractHostCaseInsensitive(t *testing.T) {
	headers := map[string][]string{"host": {"example.com"}}
	assert.Equal(t, "example.com", ExtractHost(headers))
}
