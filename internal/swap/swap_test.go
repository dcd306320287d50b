package swap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pintosgo/corevm/internal/blockdev"
	"github.com/pintosgo/corevm/internal/swap"
)

func TestCapacityIsFloorDivision(t *testing.T) {
	dev := blockdev.NewMemDevice(uint32(swap.SectorsPerPage*3 + 1))
	s := swap.New(dev)
	assert.Equal(t, 3, s.Capacity())
}

func TestInstallUninstallRoundTrips(t *testing.T) {
	dev := blockdev.NewMemDevice(uint32(swap.SectorsPerPage * 4))
	s := swap.New(dev)

	page := make([]byte, swap.PageSize)
	for i := range page {
		page[i] = byte(i)
	}

	idx, err := s.Install(page)
	require.NoError(t, err)
	assert.Equal(t, 1, s.InUseCount())

	got := make([]byte, swap.PageSize)
	require.NoError(t, s.Uninstall(idx, got))
	assert.Equal(t, page, got)
	assert.Equal(t, 0, s.InUseCount())
}

func TestInstallExhaustionReturnsNoSpace(t *testing.T) {
	dev := blockdev.NewMemDevice(uint32(swap.SectorsPerPage * 2))
	s := swap.New(dev)

	page := make([]byte, swap.PageSize)
	_, err := s.Install(page)
	require.NoError(t, err)
	_, err = s.Install(page)
	require.NoError(t, err)

	_, err = s.Install(page)
	assert.Error(t, err)
}

func TestRemoveFreesSlotWithoutReading(t *testing.T) {
	dev := blockdev.NewMemDevice(uint32(swap.SectorsPerPage * 2))
	s := swap.New(dev)

	page := make([]byte, swap.PageSize)
	idx, err := s.Install(page)
	require.NoError(t, err)

	require.NoError(t, s.Remove(idx))
	assert.Equal(t, 0, s.InUseCount())

	idx2, err := s.Install(page)
	require.NoError(t, err)
	assert.Equal(t, idx, idx2)
}
