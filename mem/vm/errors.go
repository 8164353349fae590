package vm

import "errors"

var (
	// ErrExhausted is returned when no frame is available for a table level,
	// a root or a copied page.
	ErrExhausted = errors.New("vm: out of physical frames")

	// ErrNonCanonical is returned for a virtual address whose bits 63:48 do
	// not all equal bit 47.
	ErrNonCanonical = errors.New("vm: non-canonical virtual address")

	// ErrHugePage is returned when a walk that must reach a 4KiB leaf meets a
	// huge mapping on the way.
	ErrHugePage = errors.New("vm: address is covered by a huge page")

	// ErrKernelHalfUnpopulated is returned when mapping into a kernel-half
	// root slot that the kernel table does not populate. A new slot would not
	// be visible to the other address spaces.
	ErrKernelHalfUnpopulated = errors.New("vm: kernel-half root slot is not populated")

	// ErrKernelSubtree is returned when mapping through a low-half root slot
	// that aliases a kernel-half subtree. Tables added there would belong to
	// the kernel and be visible in every address space.
	ErrKernelSubtree = errors.New("vm: address lies in a subtree shared with the kernel half")

	// ErrNotBooted is returned when an address space is requested before the
	// boot table is published.
	ErrNotBooted = errors.New("vm: kernel table not published")

	// ErrAlreadyPublished is returned when the boot table is published twice.
	ErrAlreadyPublished = errors.New("vm: kernel table already published")

	// ErrCanonicalInstalled is returned when the canonical address space is
	// installed twice.
	ErrCanonicalInstalled = errors.New("vm: canonical address space already installed")
)
