package physmem

// Memory is what the simulated machine needs from its RAM.
type Memory interface {
	Read(addr, length uint64) ([]byte, error)
	Write(addr uint64, data []byte) error
	ZeroFrame(addr uint64) error
	CopyFrame(dst, src uint64) error
	Capacity() uint64
}

var (
	_ Memory = (*Storage)(nil)
	_ Memory = (*Mapped)(nil)
)
