package ipam_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/ipam"
	zterrors "github.com/maithanhduyan/zero-trust-netwoking/pkg/errors"
)

func newAllocator(t *testing.T, cooldown time.Duration) *ipam.Allocator {
	t.Helper()
	a, err := ipam.New(ipam.Config{
		Network:     "10.10.0.0/24",
		ClientStart: 100,
		ClientEnd:   250,
		Cooldown:    cooldown,
	})
	require.NoError(t, err)
	return a
}

func TestAllocateLowestFree(t *testing.T) {
	a := newAllocator(t, time.Hour)

	first, err := a.Allocate(ipam.PoolNodes, "n1")
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.2", first)

	second, err := a.Allocate(ipam.PoolNodes, "n2")
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.3", second)

	client, err := a.Allocate(ipam.PoolClients, "d1")
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.100", client)
}

func TestHubAddressIsReserved(t *testing.T) {
	a := newAllocator(t, time.Hour)
	assert.Equal(t, "10.10.0.1", a.HubAddress().String())

	ip, err := a.Allocate(ipam.PoolNodes, "n1")
	require.NoError(t, err)
	assert.NotEqual(t, "10.10.0.1", ip)
}

func TestReleaseHonorsCooldown(t *testing.T) {
	a := newAllocator(t, time.Hour)

	ip, err := a.Allocate(ipam.PoolNodes, "n1")
	require.NoError(t, err)
	a.Release(ip)

	// The released address stays quarantined; the next allocation skips it.
	next, err := a.Allocate(ipam.PoolNodes, "n2")
	require.NoError(t, err)
	assert.NotEqual(t, ip, next)
}

func TestReleaseReusableAfterCooldown(t *testing.T) {
	a := newAllocator(t, time.Nanosecond)

	ip, err := a.Allocate(ipam.PoolNodes, "n1")
	require.NoError(t, err)
	a.Release(ip)
	time.Sleep(time.Millisecond)

	next, err := a.Allocate(ipam.PoolNodes, "n2")
	require.NoError(t, err)
	assert.Equal(t, ip, next)
}

func TestPoolExhausted(t *testing.T) {
	a, err := ipam.New(ipam.Config{
		Network:     "10.10.0.0/24",
		ClientStart: 4, // node pool is .2 and .3 only
		ClientEnd:   6,
		Cooldown:    time.Hour,
	})
	require.NoError(t, err)

	_, err = a.Allocate(ipam.PoolNodes, "n1")
	require.NoError(t, err)
	_, err = a.Allocate(ipam.PoolNodes, "n2")
	require.NoError(t, err)

	_, err = a.Allocate(ipam.PoolNodes, "n3")
	require.Error(t, err)
	assert.ErrorIs(t, err, zterrors.ErrPoolExhausted)
}

func TestPoolsAreDisjoint(t *testing.T) {
	a := newAllocator(t, time.Hour)

	assert.Equal(t, ipam.PoolNodes, a.PoolFor("10.10.0.2"))
	assert.Equal(t, ipam.PoolNodes, a.PoolFor("10.10.0.99"))
	assert.Equal(t, ipam.PoolClients, a.PoolFor("10.10.0.100"))
	assert.Equal(t, ipam.PoolClients, a.PoolFor("10.10.0.250"))
	assert.Equal(t, "", a.PoolFor("10.10.0.1"))
	assert.Equal(t, "", a.PoolFor("10.10.0.254"))
}

func TestStats(t *testing.T) {
	a := newAllocator(t, time.Hour)

	_, err := a.Allocate(ipam.PoolNodes, "n1")
	require.NoError(t, err)

	stats := a.Stats()
	assert.Equal(t, "10.10.0.0/24", stats.Network)
	assert.Equal(t, 1, stats.Pools[ipam.PoolNodes].Used)
	assert.Equal(t, 98, stats.Pools[ipam.PoolNodes].Total)
	assert.Equal(t, 151, stats.Pools[ipam.PoolClients].Total)
}
