// Package buffercache implements the buffer cache: a fixed-capacity
// array of sector-sized slots sitting in front of a blockdev.Device,
// with clock-like second-chance eviction, write-back, single-sector
// read-ahead, and a periodic flush driven by ticks.
//
// The single mutex guarding the array, cursor, dirty bits and the
// periodic-flush flag is a jacobsa/syncutil.InvariantMutex: checkInvariants
// asserts dirty implies inUse across every slot on each lock/unlock.
package buffercache

import (
	"fmt"
	"log/slog"

	"github.com/jacobsa/syncutil"

	"github.com/pintosgo/corevm/internal/blockdev"
	"github.com/pintosgo/corevm/internal/clock"
	"github.com/pintosgo/corevm/internal/clockring"
	"github.com/pintosgo/corevm/internal/metrics"
)

// NumSlots is the fixed cache capacity.
const NumSlots = 64

// flushPeriodTicks is the tick interval after which the next write
// triggers a full flush.
const flushPeriodTicks = 10000

type slot struct {
	inUse bool
	dirty bool
	access bool
	pin bool
	sector uint32
	data [blockdev.SectorSize]byte
}

// Cache is the buffer cache. The zero value is not usable; use New.
type Cache struct {
	mu syncutil.InvariantMutex // GUARDED: slots, cursor, ticks, flushPending, enabled

	dev blockdev.Device
	slots [NumSlots]slot
	cursor clockring.Cursor
	enabled bool

	ticks uint64
	flushPending bool

	metrics *metrics.Registry
	log *slog.Logger
}

// New constructs an enabled Cache over dev.
func New(dev blockdev.Device, m *metrics.Registry, log *slog.Logger) *Cache {
	c := &Cache{dev: dev, enabled: true, metrics: m, log: log}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

func (c *Cache) checkInvariants() {
	for i, s := range c.slots {
		if s.dirty && !s.inUse {
			panic(fmt.Sprintf("buffercache: slot %d dirty but not in use", i))
		}
	}
}

// Read copies the full contents of sector s into out, which must be
// blockdev.SectorSize bytes.
func (c *Cache) Read(s uint32, out []byte) error {
	if len(out) != blockdev.SectorSize {
		return fmt.Errorf("buffercache: out must be %d bytes", blockdev.SectorSize)
	}

	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return c.dev.ReadSector(s, out)
	}

	idx, missed, err := c.findOrLoadLocked(s)
	if err != nil {
		// No evictable slot: fall back to direct device I/O rather than
		// panicking.
		c.mu.Unlock()
		return c.dev.ReadSector(s, out)
	}

	c.slots[idx].pin = true
	copy(out, c.slots[idx].data[:])
	c.slots[idx].access = true
	c.slots[idx].pin = false
	c.mu.Unlock()

	if missed {
		c.metrics.CacheMisses.Inc()
		c.triggerReadAhead(s + 1)
	} else {
		c.metrics.CacheHits.Inc()
	}

	return nil
}

// ReadBytes copies n bytes starting at offset ofs within sector s into out.
func (c *Cache) ReadBytes(s uint32, ofs, n int, out []byte) error {
	if ofs < 0 || n < 0 || ofs+n > blockdev.SectorSize {
		return fmt.Errorf("buffercache: range [%d,%d) out of sector bounds", ofs, ofs+n)
	}

	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		var buf [blockdev.SectorSize]byte
		if err := c.dev.ReadSector(s, buf[:]); err != nil {
			return err
		}
		copy(out, buf[ofs:ofs+n])
		return nil
	}

	idx, missed, err := c.findOrLoadLocked(s)
	if err != nil {
		c.mu.Unlock()
		panic(fmt.Sprintf("buffercache: no evictable slot for sector %d", s))
	}

	c.slots[idx].pin = true
	copy(out, c.slots[idx].data[ofs:ofs+n])
	c.slots[idx].access = true
	c.slots[idx].pin = false
	c.mu.Unlock()

	if missed {
		c.metrics.CacheMisses.Inc()
		c.triggerReadAhead(s + 1)
	} else {
		c.metrics.CacheHits.Inc()
	}

	return nil
}

// Write overwrites the full contents of sector s with in.
func (c *Cache) Write(s uint32, in []byte) error {
	if len(in) != blockdev.SectorSize {
		return fmt.Errorf("buffercache: in must be %d bytes", blockdev.SectorSize)
	}

	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return c.dev.WriteSector(s, in)
	}

	c.maybeFlushLocked()

	idx, _, err := c.findOrLoadForWriteLocked(s)
	if err != nil {
		c.mu.Unlock()
		return c.dev.WriteSector(s, in)
	}

	copy(c.slots[idx].data[:], in)
	c.slots[idx].dirty = true
	c.slots[idx].access = true
	c.mu.Unlock()
	return nil
}

// WriteBytes overwrites n bytes starting at offset ofs within sector s.
func (c *Cache) WriteBytes(s uint32, ofs, n int, in []byte) error {
	if ofs < 0 || n < 0 || ofs+n > blockdev.SectorSize {
		return fmt.Errorf("buffercache: range [%d,%d) out of sector bounds", ofs, ofs+n)
	}

	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		var buf [blockdev.SectorSize]byte
		if err := c.dev.ReadSector(s, buf[:]); err != nil {
			return err
		}
		copy(buf[ofs:ofs+n], in)
		return c.dev.WriteSector(s, buf[:])
	}

	c.maybeFlushLocked()

	// A partial write must first ensure the slot holds the sector's
	// current contents (a read-miss load), then overwrite the sub-range.
	idx, _, err := c.findOrLoadLocked(s)
	if err != nil {
		c.mu.Unlock()
		panic(fmt.Sprintf("buffercache: no evictable slot for sector %d", s))
	}

	copy(c.slots[idx].data[ofs:ofs+n], in)
	c.slots[idx].dirty = true
	c.slots[idx].access = true
	c.mu.Unlock()
	return nil
}

// FlushAll writes back every dirty slot and clears their dirty bits.
func (c *Cache) FlushAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushAllLocked()
}

func (c *Cache) flushAllLocked() error {
	for i := range c.slots {
		if c.slots[i].inUse && c.slots[i].dirty {
			if err := c.dev.WriteSector(c.slots[i].sector, c.slots[i].data[:]); err != nil {
				return fmt.Errorf("buffercache: flush sector %d: %w", c.slots[i].sector, err)
			}
			c.slots[i].dirty = false
		}
	}
	if c.metrics != nil {
		c.metrics.CacheFlushes.Inc()
	}
	return nil
}

func (c *Cache) maybeFlushLocked() {
	if c.flushPending {
		_ = c.flushAllLocked()
		c.flushPending = false
	}
}

// Tick reads clk's current tick count and arms the periodic-flush flag
// whenever a flushPeriodTicks boundary has been crossed since the last
// call, which the next Write/WriteBytes consumes.
func (c *Cache) Tick(clk clock.Clock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := clk.Ticks()
	if now/flushPeriodTicks > c.ticks/flushPeriodTicks {
		c.flushPending = true
	}
	c.ticks = now
}

// Disable flushes all dirty slots, then marks the cache off: subsequent
// reads/writes bypass straight to the device.
func (c *Cache) Disable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.flushAllLocked(); err != nil {
		return err
	}
	c.enabled = false
	return nil
}

// findOrLoadLocked returns the slot index holding sector s, loading it via
// a read-miss (evicting if necessary) if absent. Must be called with mu
// held.
func (c *Cache) findOrLoadLocked(s uint32) (idx int, missed bool, err error) {
	for i := range c.slots {
		if c.slots[i].inUse && c.slots[i].sector == s {
			return i, false, nil
		}
	}

	idx, err = c.evictLocked()
	if err != nil {
		return 0, false, err
	}

	c.slots[idx] = slot{inUse: true, sector: s}
	if rerr := c.dev.ReadSector(s, c.slots[idx].data[:]); rerr != nil {
		return 0, false, rerr
	}
	return idx, true, nil
}

// findOrLoadForWriteLocked is like findOrLoadLocked but for a full-sector
// write: a brand-new slot does not need to be pre-read, since the write
// covers every byte.
func (c *Cache) findOrLoadForWriteLocked(s uint32) (idx int, isNew bool, err error) {
	for i := range c.slots {
		if c.slots[i].inUse && c.slots[i].sector == s {
			return i, false, nil
		}
	}

	idx, err = c.evictLocked()
	if err != nil {
		return 0, false, err
	}

	c.slots[idx] = slot{inUse: true, sector: s}
	return idx, true, nil
}

// evictLocked finds a slot to reuse via clock second-chance scanning,
// writing back its contents first if dirty. Must be called with mu held.
func (c *Cache) evictLocked() (int, error) {
	victim, ok := c.cursor.Scan(NumSlots, func(i int) clockring.Decision {
		s := &c.slots[i]
		if !s.inUse {
			return clockring.Evict
		}
		if s.pin {
			return clockring.Skip
		}
		if s.access {
			s.access = false
			return clockring.SecondChance
		}
		return clockring.Evict
	})
	if !ok {
		return 0, fmt.Errorf("buffercache: no evictable slot (all %d pinned)", NumSlots)
	}

	s := &c.slots[victim]
	if s.inUse && s.dirty {
		if err := c.dev.WriteSector(s.sector, s.data[:]); err != nil {
			return 0, fmt.Errorf("buffercache: writeback sector %d: %w", s.sector, err)
		}
	}
	s.inUse = false

	if c.metrics != nil {
		c.metrics.CacheEvictions.Inc()
	}
	if c.log != nil {
		c.log.Debug("evicted buffer cache slot", "slot", victim)
	}

	return victim, nil
}

// triggerReadAhead asynchronously warms the cache with the sector
// following a miss. It is a best-effort, non-blocking operation:
// failures (including a next sector past the device end, and lock
// contention causing it to lose a race with a later eviction) are
// silently dropped.
func (c *Cache) triggerReadAhead(next uint32) {
	if next >= c.dev.SectorCount() {
		return
	}

	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		for i := range c.slots {
			if c.slots[i].inUse && c.slots[i].sector == next {
				return // already resident
			}
		}

		idx, err := c.evictLocked()
		if err != nil {
			return
		}
		c.slots[idx] = slot{inUse: true, sector: next}
		if err := c.dev.ReadSector(next, c.slots[idx].data[:]); err != nil {
			c.slots[idx].inUse = false
			return
		}
		if c.metrics != nil {
			c.metrics.CacheReadaheads.Inc()
		}
	}()
}
