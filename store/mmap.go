package store

import (
	"os"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/brineflow/kvindex/kvstore"
)

// memoryAdvisor is the concrete OS memory-advise surface (spec C11, §4.11):
// a real mmap.MMap region over an auxiliary file, advised with
// golang.org/x/sys/unix the same way the teacher's storage layer advises its
// memory-mapped segments. ForestDBEngine's own mapping is owned by cgo and
// not reachable from this binding, so Store maintains this auxiliary region
// itself and reports advise operations against it. The region keeps the
// size passed to EnableMemoryAdvise; it does not follow ForestDB's own file
// as that grows.
type memoryAdvisor struct {
	file   *os.File
	region mmap.MMap
}

// openMemoryAdvisor creates (or truncates) the file at path to size bytes and
// maps it read/write.
func openMemoryAdvisor(path string, size int64) (*memoryAdvisor, error) {
	if size <= 0 {
		size = 4096
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, wrapErr(IO, CategoryOS, "store: open memory-advise file", err)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, wrapErr(IO, CategoryOS, "store: truncate memory-advise file", err)
	}
	region, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		_ = f.Close()
		return nil, wrapErr(IO, CategoryOS, "store: mmap memory-advise file", err)
	}
	return &memoryAdvisor{file: f, region: region}, nil
}

func adviceFor(kind kvstore.AdviseKind) int {
	switch kind {
	case kvstore.AdviseRandom:
		return unix.MADV_RANDOM
	case kvstore.AdviseSequential:
		return unix.MADV_SEQUENTIAL
	case kvstore.AdviseWillNeed:
		return unix.MADV_WILLNEED
	case kvstore.AdviseDontNeed:
		return unix.MADV_DONTNEED
	default:
		return unix.MADV_NORMAL
	}
}

func (m *memoryAdvisor) AdviseMemory(kind kvstore.AdviseKind) error {
	if len(m.region) == 0 {
		return nil
	}
	if err := unix.Madvise(m.region, adviceFor(kind)); err != nil {
		return wrapErr(IO, CategoryOS, "store: madvise", err)
	}
	return nil
}

func (m *memoryAdvisor) MLock(scope kvstore.LockScope) error {
	if len(m.region) == 0 {
		return nil
	}
	if err := m.region.Lock(); err != nil {
		return wrapErr(IO, CategoryOS, "store: mlock", err)
	}
	if scope == kvstore.LockFuture {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			return wrapErr(IO, CategoryOS, "store: mlockall(MCL_FUTURE)", err)
		}
	}
	return nil
}

func (m *memoryAdvisor) MUnlock() error {
	if len(m.region) == 0 {
		return nil
	}
	if err := m.region.Unlock(); err != nil {
		return wrapErr(IO, CategoryOS, "store: munlock", err)
	}
	return nil
}

func (m *memoryAdvisor) Prefetch(offset, length int64) error {
	if len(m.region) == 0 {
		return nil
	}
	end := offset + length
	if offset < 0 || end > int64(len(m.region)) || offset >= end {
		return errInvalid("store: prefetch range out of bounds")
	}
	if err := unix.Madvise(m.region[offset:end], unix.MADV_WILLNEED); err != nil {
		return wrapErr(IO, CategoryOS, "store: prefetch madvise", err)
	}
	return nil
}

func (m *memoryAdvisor) MapInfo() (uintptr, int64, error) {
	if len(m.region) == 0 {
		return 0, 0, nil
	}
	return uintptr(unsafe.Pointer(&m.region[0])), int64(len(m.region)), nil
}

func (m *memoryAdvisor) close() error {
	if m.region != nil {
		if err := m.region.Unmap(); err != nil {
			_ = m.file.Close()
			return wrapErr(IO, CategoryOS, "store: munmap", err)
		}
	}
	if err := m.file.Close(); err != nil {
		return wrapErr(IO, CategoryOS, "store: close memory-advise file", err)
	}
	return nil
}

// EnableMemoryAdvise opens an auxiliary mmap'd file alongside the store's
// data file and routes Store's Advise methods through it instead of the
// underlying kvstore.Engine's (usually no-op) implementation.
func (s *Store) EnableMemoryAdvise(path string, size int64) error {
	adv, err := openMemoryAdvisor(path, size)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advisor = adv
	return nil
}

func (s *Store) advise() kvstore.Advise {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.advisor != nil {
		return s.advisor
	}
	return s.engine
}

// AdviseMemory applies an OS memory-advise hint over the store's mapped
// region (spec §4.11).
func (s *Store) AdviseMemory(kind kvstore.AdviseKind) error { return s.advise().AdviseMemory(kind) }

// MLock pins the store's mapped region in physical memory.
func (s *Store) MLock(scope kvstore.LockScope) error { return s.advise().MLock(scope) }

// MUnlock releases a prior MLock.
func (s *Store) MUnlock() error { return s.advise().MUnlock() }

// Prefetch hints the OS to bring [offset, offset+length) into the page
// cache ahead of use.
func (s *Store) Prefetch(offset, length int64) error { return s.advise().Prefetch(offset, length) }

// MapInfo reports the base address and size of the store's mapped region,
// mainly for diagnostics and tests.
func (s *Store) MapInfo() (uintptr, int64, error) { return s.advise().MapInfo() }
