package blocks

import (
	"sync"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/basic"
)

// MemDevice is an in-memory sector device. It can be told to fail reads or
// writes to exercise crash and I/O error paths.
type MemDevice struct {
	mu         sync.RWMutex
	data       []byte
	failReads  bool
	failWrites bool
	writes     int
}

var _ basic.BlockDevice = (*MemDevice)(nil)

var errInjected = errors.New("injected device failure")

func NewMemDevice(sectors uint64) *MemDevice {
	return &MemDevice{data: make([]byte, sectors*basic.SectorSize)}
}

func (m *MemDevice) SectorCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.data) / basic.SectorSize)
}

func (m *MemDevice) ReadSectors(lba uint64, count int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failReads {
		return nil, errors.Annotatef(errInjected, "read %d sectors at lba %d", count, lba)
	}
	start := lba * basic.SectorSize
	end := start + uint64(count)*basic.SectorSize
	if count <= 0 || end > uint64(len(m.data)) {
		return nil, errors.Errorf("read of %d sectors at lba %d outside device", count, lba)
	}
	out := make([]byte, end-start)
	copy(out, m.data[start:end])
	return out, nil
}

func (m *MemDevice) WriteSectors(lba uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites {
		return errors.Annotatef(errInjected, "write at lba %d", lba)
	}
	buf := padSectors(data)
	start := lba * basic.SectorSize
	if start+uint64(len(buf)) > uint64(len(m.data)) {
		return errors.Errorf("write of %d bytes at lba %d outside device", len(buf), lba)
	}
	copy(m.data[start:], buf)
	m.writes++
	return nil
}

func (m *MemDevice) Sync() error  { return nil }
func (m *MemDevice) Close() error { return nil }

// SetFailReads makes every subsequent read fail.
func (m *MemDevice) SetFailReads(fail bool) {
	m.mu.Lock()
	m.failReads = fail
	m.mu.Unlock()
}

// SetFailWrites makes every subsequent write fail.
func (m *MemDevice) SetFailWrites(fail bool) {
	m.mu.Lock()
	m.failWrites = fail
	m.mu.Unlock()
}

// Writes returns the number of successful WriteSectors calls.
func (m *MemDevice) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Snapshot copies the whole device, simulating the disk as seen after a crash.
func (m *MemDevice) Snapshot() *MemDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make([]byte, len(m.data))
	copy(cp, m.data)
	return &MemDevice{data: cp}
}

// Corrupt XORs mask into the byte at absolute offset off.
func (m *MemDevice) Corrupt(off uint64, mask byte) {
	m.mu.Lock()
	m.data[off] ^= mask
	m.mu.Unlock()
}
