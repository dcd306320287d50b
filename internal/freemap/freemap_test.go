package freemap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pintosgo/corevm/internal/blockdev"
	"github.com/pintosgo/corevm/internal/buffercache"
	"github.com/pintosgo/corevm/internal/freemap"
	"github.com/pintosgo/corevm/internal/metrics"
)

func newTestMap(t *testing.T, sectors uint32) *freemap.Map {
	t.Helper()
	dev := blockdev.NewMemDevice(sectors)
	cache := buffercache.New(dev, metrics.NewUnregistered(), nil)
	m, err := freemap.Format(cache, sectors)
	require.NoError(t, err)
	return m
}

func TestFormatReservesMetaSectors(t *testing.T) {
	m := newTestMap(t, 64)
	assert.True(t, m.InUse(freemap.BitmapSector))
	assert.True(t, m.InUse(freemap.RootInodeSector))
	assert.Equal(t, uint32(62), m.FreeCount())
}

func TestAllocSkipsInUseSectors(t *testing.T) {
	m := newTestMap(t, 8)
	s, err := m.Alloc()
	require.NoError(t, err)
	assert.EqualValues(t, 2, s)
}

func TestAllocExhaustion(t *testing.T) {
	m := newTestMap(t, 4)
	for i := 0; i < 2; i++ {
		_, err := m.Alloc()
		require.NoError(t, err)
	}
	_, err := m.Alloc()
	assert.Error(t, err)
}

func TestFreeThenReallocate(t *testing.T) {
	m := newTestMap(t, 8)
	s, err := m.Alloc()
	require.NoError(t, err)
	require.NoError(t, m.Free(s))
	assert.False(t, m.InUse(s))

	s2, err := m.Alloc()
	require.NoError(t, err)
	assert.Equal(t, s, s2)
}

func TestLoadRecoversPersistedState(t *testing.T) {
	dev := blockdev.NewMemDevice(16)
	cache := buffercache.New(dev, metrics.NewUnregistered(), nil)
	m, err := freemap.Format(cache, 16)
	require.NoError(t, err)
	s, err := m.Alloc()
	require.NoError(t, err)
	require.NoError(t, cache.FlushAll())

	cache2 := buffercache.New(dev, metrics.NewUnregistered(), nil)
	m2, err := freemap.Load(cache2, 16)
	require.NoError(t, err)
	assert.True(t, m2.InUse(s))
}
