// Package physmem provides the physical memory of the simulated machine.
package physmem

import (
	"errors"
	"fmt"
	"sync"
)

// FrameSize is the unit in which memory is allocated and zeroed.
const FrameSize = 4096

// ErrOutOfRange is returned for an access past the capacity of a memory.
var ErrOutOfRange = errors.New("physmem: access beyond capacity")

// A Storage keeps the data of the simulated machine's RAM.
//
// The storage manages the memory in 4KiB units. For the units that are not
// touched by Read and Write, no memory is allocated. Untouched memory reads
// as zero.
type Storage struct {
	lock     sync.Mutex
	unitSize uint64
	capacity uint64
	data     map[uint64][]byte
}

// NewStorage creates a storage object with the specified capacity
func NewStorage(capacity uint64) *Storage {
	storage := new(Storage)

	storage.unitSize = FrameSize
	storage.capacity = capacity
	storage.data = make(map[uint64][]byte)

	return storage
}

// Capacity returns the size of the storage in bytes.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

// Touched returns the number of units that have been allocated.
func (s *Storage) Touched() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.data)
}

func (s *Storage) checkRange(address, length uint64) error {
	if address+length < address || address+length > s.capacity {
		return fmt.Errorf("[0x%x, 0x%x): %w", address, address+length, ErrOutOfRange)
	}

	return nil
}

// createOrGetStorageUnit retrieves a storage unit if the unit has been created
// before. Otherwise it initializes a storage unit in the storage object
func (s *Storage) createOrGetStorageUnit(address uint64) []byte {
	baseAddr, _ := s.parseAddress(address)

	unit, ok := s.data[baseAddr]
	if !ok {
		unit = make([]byte, s.unitSize)
		s.data[baseAddr] = unit
	}

	return unit
}

func (s *Storage) parseAddress(addr uint64) (baseAddr, inUnitAddr uint64) {
	inUnitAddr = addr % s.unitSize
	baseAddr = addr - inUnitAddr

	return
}

// Read returns a copy of length bytes starting at address.
func (s *Storage) Read(address uint64, length uint64) ([]byte, error) {
	if err := s.checkRange(address, length); err != nil {
		return nil, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	currAddr := address
	lenLeft := length
	dataOffset := uint64(0)
	res := make([]byte, length)

	for lenLeft > 0 {
		baseAddr, inUnitAddr := s.parseAddress(currAddr)
		lenToRead := min(lenLeft, baseAddr+s.unitSize-currAddr)

		if unit, ok := s.data[baseAddr]; ok {
			copy(res[dataOffset:dataOffset+lenToRead],
				unit[inUnitAddr:inUnitAddr+lenToRead])
		}

		lenLeft -= lenToRead
		dataOffset += lenToRead
		currAddr += lenToRead
	}

	return res, nil
}

// Write stores data starting at address.
func (s *Storage) Write(address uint64, data []byte) error {
	if err := s.checkRange(address, uint64(len(data))); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	currAddr := address
	dataOffset := uint64(0)

	for dataOffset < uint64(len(data)) {
		unit := s.createOrGetStorageUnit(currAddr)

		baseAddr, inUnitAddr := s.parseAddress(currAddr)
		lenToWrite := min(uint64(len(data))-dataOffset, baseAddr+s.unitSize-currAddr)

		copy(unit[inUnitAddr:inUnitAddr+lenToWrite],
			data[dataOffset:dataOffset+lenToWrite])
		dataOffset += lenToWrite
		currAddr += lenToWrite
	}

	return nil
}

// ZeroFrame clears the frame at addr. The unit is released rather than
// filled, so zeroed frames cost no host memory.
func (s *Storage) ZeroFrame(addr uint64) error {
	if err := s.checkRange(addr, FrameSize); err != nil {
		return err
	}

	if addr%FrameSize != 0 {
		return fmt.Errorf("zero frame 0x%x: not frame aligned", addr)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.data, addr)

	return nil
}

// CopyFrame copies the frame at src into the frame at dst.
func (s *Storage) CopyFrame(dst, src uint64) error {
	data, err := s.Read(src, FrameSize)
	if err != nil {
		return err
	}

	return s.Write(dst, data)
}
