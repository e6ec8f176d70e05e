package objstore

import (
	"bytes"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/basic"
	"github.com/zhukovaskychina/galleonfs/util"
)

var (
	ErrObjectExists   = errors.New("object already exists")
	ErrObjectNotFound = errors.New("object not found")
	ErrStaleImage     = errors.New("object does not match expected image")
	ErrSpaceConflict  = errors.New("space range conflicts with allocation")
	ErrInjected       = errors.New("injected apply failure")
)

// MaxObjectSize bounds object contents grown by WriteData and TruncateData.
const MaxObjectSize = 1 << 30

// MemStore is an in-memory ObjectStore: objects are byte strings keyed by
// id, space is a set of allocated (offset, size) extents.
type MemStore struct {
	mu        sync.RWMutex
	objects   map[uint64][]byte
	extents   map[uint64]uint64
	failApply map[uint64]bool
	applied   int
	restored  int
}

var _ ObjectStore = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		objects:   make(map[uint64][]byte),
		extents:   make(map[uint64]uint64),
		failApply: make(map[uint64]bool),
	}
}

// Put seeds an object directly, bypassing transactions.
func (s *MemStore) Put(id uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[id] = append([]byte(nil), data...)
}

// Get returns a copy of an object.
func (s *MemStore) Get(id uint64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Extents returns the allocated ranges ordered by offset.
func (s *MemStore) Extents() [][2]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][2]uint64, 0, len(s.extents))
	for off, size := range s.extents {
		out = append(out, [2]uint64{off, size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// FailApplyOn makes Apply fail for operations targeting id.
func (s *MemStore) FailApplyOn(id uint64, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failApply[id] = fail
}

// Counters returns how many operations were applied and images restored.
func (s *MemStore) Counters() (applied, restored int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied, s.restored
}

func (s *MemStore) Validate(op Operation) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validate(op)
}

func (s *MemStore) validate(op Operation) error {
	switch o := op.(type) {
	case CreateObject:
		if _, ok := s.objects[o.ID]; ok {
			return errors.Wrapf(ErrObjectExists, "object %d", o.ID)
		}
	case UpdateObject:
		cur, ok := s.objects[o.ID]
		if !ok {
			return errors.Wrapf(ErrObjectNotFound, "object %d", o.ID)
		}
		if !bytes.Equal(cur, o.Old) {
			return errors.Wrapf(ErrStaleImage, "object %d", o.ID)
		}
	case DeleteObject:
		if _, ok := s.objects[o.ID]; !ok {
			return errors.Wrapf(ErrObjectNotFound, "object %d", o.ID)
		}
	case WriteData:
		if _, ok := s.objects[o.ID]; !ok {
			return errors.Wrapf(ErrObjectNotFound, "object %d", o.ID)
		}
		if o.Offset > MaxObjectSize || uint64(len(o.Data)) > MaxObjectSize-o.Offset {
			return errors.Wrapf(basic.ErrInvalidParameter, "write of %d bytes at %d on object %d exceeds %d", len(o.Data), o.Offset, o.ID, MaxObjectSize)
		}
	case TruncateData:
		cur, ok := s.objects[o.ID]
		if !ok {
			return errors.Wrapf(ErrObjectNotFound, "object %d", o.ID)
		}
		if o.NewSize > MaxObjectSize {
			return errors.Wrapf(basic.ErrInvalidParameter, "object %d truncated to %d exceeds %d", o.ID, o.NewSize, MaxObjectSize)
		}
		if uint64(len(cur)) != o.OldSize {
			return errors.Wrapf(ErrStaleImage, "object %d has size %d, expected %d", o.ID, len(cur), o.OldSize)
		}
	case AllocateSpace:
		if o.Size == 0 {
			return errors.Wrap(basic.ErrInvalidParameter, "zero-length allocation")
		}
		if o.Offset+o.Size < o.Offset {
			return errors.Wrapf(basic.ErrInvalidParameter, "[%d,+%d) wraps the address space", o.Offset, o.Size)
		}
		for off, size := range s.extents {
			if o.Offset < off+size && off < o.Offset+o.Size {
				return errors.Wrapf(ErrSpaceConflict, "[%d,+%d) overlaps [%d,+%d)", o.Offset, o.Size, off, size)
			}
		}
	case DeallocateSpace:
		if size, ok := s.extents[o.Offset]; !ok || size != o.Size {
			return errors.Wrapf(ErrSpaceConflict, "[%d,+%d) is not an allocated extent", o.Offset, o.Size)
		}
	default:
		return errors.Wrapf(basic.ErrInvalidParameter, "unsupported operation %T", op)
	}
	return nil
}

// Snapshot images: object kinds store [exists][content], space kinds store
// [allocated][size u64-LE].
func (s *MemStore) Snapshot(op Operation) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if op.Kind().IsSpace() {
		size, ok := s.extents[op.Target()]
		if !ok {
			return []byte{0}, nil
		}
		return util.WriteUB8([]byte{1}, size), nil
	}
	cur, ok := s.objects[op.Target()]
	if !ok {
		return []byte{0}, nil
	}
	return util.WriteBytes([]byte{1}, cur), nil
}

func (s *MemStore) Apply(op Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failApply[op.Target()] {
		return errors.Wrapf(ErrInjected, "%s on %d", op.Kind(), op.Target())
	}
	if err := s.validate(op); err != nil {
		return err
	}

	switch o := op.(type) {
	case CreateObject:
		s.objects[o.ID] = append([]byte(nil), o.Data...)
	case UpdateObject:
		s.objects[o.ID] = append([]byte(nil), o.New...)
	case DeleteObject:
		delete(s.objects, o.ID)
	case WriteData:
		cur := s.objects[o.ID]
		end := o.Offset + uint64(len(o.Data))
		if uint64(len(cur)) < end {
			grown := make([]byte, end)
			copy(grown, cur)
			cur = grown
		}
		copy(cur[o.Offset:], o.Data)
		s.objects[o.ID] = cur
	case TruncateData:
		resized := make([]byte, o.NewSize)
		copy(resized, s.objects[o.ID])
		s.objects[o.ID] = resized
	case AllocateSpace:
		s.extents[o.Offset] = o.Size
	case DeallocateSpace:
		delete(s.extents, o.Offset)
	}
	s.applied++
	return nil
}

func (s *MemStore) Restore(kind OperationKind, target uint64, image []byte) error {
	if len(image) == 0 {
		return errors.Wrapf(basic.ErrInvalidParameter, "empty %s image for %d", kind, target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	present := image[0] == 1
	if kind.IsSpace() {
		if !present {
			delete(s.extents, target)
		} else {
			if len(image) < 9 {
				return errors.Wrapf(basic.ErrInvalidParameter, "short space image for %d", target)
			}
			_, size := util.ReadUB8(image, 1)
			s.extents[target] = size
		}
	} else if !present {
		delete(s.objects, target)
	} else {
		s.objects[target] = append([]byte(nil), image[1:]...)
	}
	s.restored++
	return nil
}
