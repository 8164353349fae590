//go:build !unix

package physmem

func reserve(capacity uint64) ([]byte, func() error, error) {
	return make([]byte, capacity), func() error { return nil }, nil
}
