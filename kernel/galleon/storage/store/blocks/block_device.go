package blocks

import (
	"os"
	"path"
	"sync"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/basic"
	"github.com/zhukovaskychina/galleonfs/util"
)

// FileDevice is a disk image addressed in 512-byte sectors.
type FileDevice struct {
	mu       sync.RWMutex
	file     *os.File
	filePath string
	sectors  uint64
}

var _ basic.BlockDevice = (*FileDevice)(nil)

// NewFileDevice creates a device over dirPath/fileName with room for at
// least sectors sectors. Call Open before use.
func NewFileDevice(dirPath string, fileName string, sectors uint64) *FileDevice {
	return &FileDevice{
		filePath: path.Join(dirPath, fileName),
		sectors:  sectors,
	}
}

// OpenFileDevice opens an image path directly.
func OpenFileDevice(imagePath string, sectors uint64) (*FileDevice, error) {
	dev := &FileDevice{filePath: imagePath, sectors: sectors}
	if err := dev.Open(); err != nil {
		return nil, err
	}
	return dev, nil
}

// Open opens the image, growing it to the configured size.
func (d *FileDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	want := int64(d.sectors) * basic.SectorSize
	if err := util.CreateFileBySize(d.filePath, want); err != nil {
		return errors.Annotatef(err, "create device image %s with %d bytes", d.filePath, want)
	}
	file, err := os.OpenFile(d.filePath, os.O_RDWR, 0644)
	if err != nil {
		return errors.Annotatef(err, "open device image %s", d.filePath)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return errors.Annotatef(err, "stat device image %s", d.filePath)
	}
	d.sectors = uint64(stat.Size()) / basic.SectorSize
	d.file = file
	return nil
}

// Close closes the image.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file != nil {
		err := d.file.Close()
		d.file = nil
		return errors.Trace(err)
	}
	return nil
}

func (d *FileDevice) SectorCount() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sectors
}

// ReadSectors reads count sectors starting at lba.
func (d *FileDevice) ReadSectors(lba uint64, count int) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.file == nil {
		return nil, errors.Errorf("device %s is not open", d.filePath)
	}
	if count <= 0 || lba+uint64(count) > d.sectors {
		return nil, errors.Errorf("read of %d sectors at lba %d outside device of %d sectors", count, lba, d.sectors)
	}

	buf := make([]byte, count*basic.SectorSize)
	if _, err := d.file.ReadAt(buf, int64(lba)*basic.SectorSize); err != nil {
		return nil, errors.Annotatef(err, "read %d sectors at lba %d", count, lba)
	}
	return buf, nil
}

// WriteSectors writes data, zero-padded to whole sectors, at lba.
func (d *FileDevice) WriteSectors(lba uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return errors.Errorf("device %s is not open", d.filePath)
	}
	buf := padSectors(data)
	count := uint64(len(buf) / basic.SectorSize)
	if lba+count > d.sectors {
		return errors.Errorf("write of %d sectors at lba %d outside device of %d sectors", count, lba, d.sectors)
	}

	if _, err := d.file.WriteAt(buf, int64(lba)*basic.SectorSize); err != nil {
		return errors.Annotatef(err, "write %d sectors at lba %d", count, lba)
	}
	return nil
}

// Sync flushes the image to stable storage.
func (d *FileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file != nil {
		return errors.Trace(d.file.Sync())
	}
	return nil
}

func padSectors(data []byte) []byte {
	n := util.AlignUp(len(data), basic.SectorSize)
	if n == len(data) {
		return data
	}
	buf := make([]byte, n)
	copy(buf, data)
	return buf
}
