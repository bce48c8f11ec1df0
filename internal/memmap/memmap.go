// Package memmap tracks the guest memory regions negotiated over the
// vhost-user control channel and translates guest physical addresses
// into host byte slices for the virtqueue engine.
package memmap

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Region describes one guest memory region mapped into this process.
// GuestAddr is the guest physical address the region starts at; the
// unexported host field holds the region's mmap'd host view.
type Region struct {
	GuestAddr uint64
	Size      uint64
	fd        int
	mmapLen   int
	host      []byte
	refs      int32
}

func (r *Region) contains(addr, length uint64) bool {
	if length == 0 {
		return addr >= r.GuestAddr && addr <= r.GuestAddr+r.Size
	}
	end := addr + length
	if end < addr {
		return false // overflow
	}
	return addr >= r.GuestAddr && end <= r.GuestAddr+r.Size
}

// Map holds the set of currently negotiated guest memory regions.
// Safe for concurrent use: translation is read-mostly and regions are
// only added/removed during vhost-user memory-table negotiation, which
// happens on a single control thread, but translate calls can race with
// it from queue goroutines.
type Map struct {
	mu      sync.RWMutex
	regions []*Region
}

// New returns an empty memory map.
func New() *Map {
	return &Map{}
}

// AddRegion mmaps fd[offset:offset+size] and records it as backing guest
// physical addresses [guestAddr, guestAddr+size).
func (m *Map) AddRegion(fd int, offset int64, size uint64, guestAddr uint64) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("memmap: zero-size region")
	}

	host, err := unix.Mmap(fd, offset, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("memmap: mmap region at gpa=%#x: %w", guestAddr, err)
	}

	dupFd, err := unix.Dup(fd)
	if err != nil {
		_ = unix.Munmap(host)
		return nil, fmt.Errorf("memmap: dup fd: %w", err)
	}

	region := &Region{
		GuestAddr: guestAddr,
		Size:      size,
		fd:        dupFd,
		mmapLen:   int(size),
		host:      host,
		refs:      1, // the Map's own reference, dropped by RemoveRegion
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.regions {
		if region.overlaps(existing) {
			_ = unix.Munmap(host)
			_ = unix.Close(dupFd)
			return nil, fmt.Errorf("memmap: region at gpa=%#x overlaps existing region at gpa=%#x", guestAddr, existing.GuestAddr)
		}
	}
	m.regions = append(m.regions, region)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].GuestAddr < m.regions[j].GuestAddr })
	return region, nil
}

func (a *Region) overlaps(b *Region) bool {
	aEnd := a.GuestAddr + a.Size
	bEnd := b.GuestAddr + b.Size
	return a.GuestAddr < bEnd && b.GuestAddr < aEnd
}

// RemoveRegion unmaps a previously added region. If the region still has
// outstanding translation handles (acquired via Acquire), the unmap is
// deferred until the last handle is released.
func (m *Map) RemoveRegion(region *Region) error {
	m.mu.Lock()
	for i, r := range m.regions {
		if r == region {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	return region.release()
}

// Acquire pins the region so it cannot be unmapped underneath an
// in-flight IOV. Callers must call Release when done.
func (r *Region) Acquire() { atomic.AddInt32(&r.refs, 1) }

// Release drops a reference acquired with Acquire, unmapping the
// region once the count reaches zero and it has been removed from its Map.
func (r *Region) Release() { _ = r.release() }

func (r *Region) release() error {
	if atomic.AddInt32(&r.refs, -1) > 0 {
		return nil
	}
	if r.host == nil {
		return nil
	}
	host := r.host
	r.host = nil
	if err := unix.Munmap(host); err != nil {
		return fmt.Errorf("memmap: munmap: %w", err)
	}
	return unix.Close(r.fd)
}

// ErrOutOfRange is returned when a guest address/length does not lie
// fully within one negotiated memory region.
type ErrOutOfRange struct {
	Addr   uint64
	Length uint64
}

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("memmap: guest address %#x length %#x not mapped", e.Addr, e.Length)
}

// Translate returns a host byte slice aliasing guest memory
// [addr, addr+length). The returned slice is only valid while the
// backing Region is not removed; callers that hold onto it across a
// suspension point (which the descriptor walker never does — see the
// non-blocking engine invariant) must Acquire the region explicitly.
func (m *Map) Translate(addr, length uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.regions {
		if r.contains(addr, length) {
			off := addr - r.GuestAddr
			return r.host[off : off+length : off+length], nil
		}
	}
	return nil, &ErrOutOfRange{Addr: addr, Length: length}
}

// RegionFor returns the Region backing addr, or nil if unmapped.
func (m *Map) RegionFor(addr uint64) *Region {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.regions {
		if r.contains(addr, 0) {
			return r
		}
	}
	return nil
}

// Len reports the number of currently negotiated regions (test/debug use).
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.regions)
}
