package physmem

import (
	"fmt"
	"sync"
)

// A Mapped memory keeps the whole RAM in one contiguous host buffer. On unix
// systems the buffer is an anonymous mapping, so untouched frames still cost
// nothing until written.
type Mapped struct {
	lock    sync.RWMutex
	data    []byte
	release func() error
}

// NewMapped reserves capacity bytes of memory. The capacity is rounded up to
// a whole frame.
func NewMapped(capacity uint64) (*Mapped, error) {
	capacity = (capacity + FrameSize - 1) / FrameSize * FrameSize
	if capacity == 0 {
		return nil, fmt.Errorf("physmem: zero capacity")
	}

	data, release, err := reserve(capacity)
	if err != nil {
		return nil, fmt.Errorf("physmem: reserve %d bytes: %w", capacity, err)
	}

	return &Mapped{data: data, release: release}, nil
}

// Capacity returns the size of the memory in bytes.
func (m *Mapped) Capacity() uint64 {
	return uint64(len(m.data))
}

func (m *Mapped) checkRange(address, length uint64) error {
	if m.data == nil {
		return fmt.Errorf("physmem: memory is closed")
	}

	if address+length < address || address+length > uint64(len(m.data)) {
		return fmt.Errorf("[0x%x, 0x%x): %w", address, address+length, ErrOutOfRange)
	}

	return nil
}

// Read returns a copy of length bytes starting at address.
func (m *Mapped) Read(address, length uint64) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	if err := m.checkRange(address, length); err != nil {
		return nil, err
	}

	res := make([]byte, length)
	copy(res, m.data[address:address+length])

	return res, nil
}

// Write stores data starting at address.
func (m *Mapped) Write(address uint64, data []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.checkRange(address, uint64(len(data))); err != nil {
		return err
	}

	copy(m.data[address:], data)

	return nil
}

// ZeroFrame clears the frame at addr.
func (m *Mapped) ZeroFrame(addr uint64) error {
	if addr%FrameSize != 0 {
		return fmt.Errorf("zero frame 0x%x: not frame aligned", addr)
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.checkRange(addr, FrameSize); err != nil {
		return err
	}

	clear(m.data[addr : addr+FrameSize])

	return nil
}

// CopyFrame copies the frame at src into the frame at dst.
func (m *Mapped) CopyFrame(dst, src uint64) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if err := m.checkRange(src, FrameSize); err != nil {
		return err
	}

	if err := m.checkRange(dst, FrameSize); err != nil {
		return err
	}

	copy(m.data[dst:dst+FrameSize], m.data[src:src+FrameSize])

	return nil
}

// Close returns the buffer to the host. Closing twice is a no-op.
func (m *Mapped) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.data == nil {
		return nil
	}

	m.data = nil

	return m.release()
}
