//go:build unix

package physmem

import "golang.org/x/sys/unix"

func reserve(capacity uint64) ([]byte, func() error, error) {
	data, err := unix.Mmap(-1, 0, int(capacity),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}

	return data, func() error { return unix.Munmap(data) }, nil
}
