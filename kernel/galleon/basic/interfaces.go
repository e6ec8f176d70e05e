package basic

// SectorSize is the fixed sector size of every block device the journal uses.
const SectorSize = 512

// BlockDevice is the raw sector read/write primitive provided by the disk
// drivers. LBAs are absolute on the device.
type BlockDevice interface {
	ReadSectors(lba uint64, count int) ([]byte, error)
	WriteSectors(lba uint64, data []byte) error
	Sync() error
	Close() error
	SectorCount() uint64
}
