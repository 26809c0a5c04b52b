// Package heapfence implements a userspace heap allocator atop a
// sbrk-style monotonic segment expander (internal/arena). It services
// variable-sized allocation requests, maintains heap integrity via
// redundant bookkeeping and canary "fences" around user memory, supports
// page-aligned allocations, and classifies arbitrary pointer values
// against the heap's internal structure.
//
// A Heap is a handle, not a process-wide singleton: the design note in
// the source material this package generalizes calls for exactly this
// shape in a language with stricter aliasing than C — the owner holds
// the value Setup returns and passes it to every other call. Nothing
// about the package is safe for concurrent use; callers serialize access
// themselves.
package heapfence

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tinyrogue/heapfence/internal/arena"
)

// PageSize is the fixed unit of growth requested from the Page Provider.
const PageSize = arena.PageSize

// defaultReservation bounds the virtual address space a Heap reserves up
// front from the Page Provider. Only pages the break has advanced into
// are ever touched, so this is cheap: anonymous, uncommitted pages cost
// nothing until written.
const defaultReservation = 1 << 30 // 1 GiB

// ValidateResult is the outcome of Validate, matching spec.md's external
// interface codes exactly: OK(0), CORRUPTED(1), UNINITIALISED(2),
// CONTROL_STRUCT_BLUR(3).
type ValidateResult int

const (
	ValidateOK                ValidateResult = 0
	ValidateCorrupted         ValidateResult = 1
	ValidateUninitialised     ValidateResult = 2
	ValidateControlStructBlur ValidateResult = 3
)

func (v ValidateResult) String() string {
	switch v {
	case ValidateOK:
		return "OK"
	case ValidateCorrupted:
		return "CORRUPTED"
	case ValidateUninitialised:
		return "UNINITIALISED"
	case ValidateControlStructBlur:
		return "CONTROL_STRUCT_BLUR"
	default:
		return "UNKNOWN"
	}
}

// rootHeader occupies the first bytes of the first page. Field order
// follows original_source/heap.h's heap_t (control sums and counters,
// then head), generalized to carry the fence checksum instead of a
// single ambiguous "control_sum".
type rootHeader struct {
	pages            uint64
	headersAllocated uint64
	fenceChecksum    uint64
	head             uintptr // 0 when absent
}

var rootSize = unsafe.Sizeof(rootHeader{})

var pkgLogger = zerolog.Nop()

// SetLogger installs a structured logger used for debug-level trace
// events (page growth, split/coalesce decisions, validate
// failures). The zero value leaves logging off, matching the teacher's
// own `trace`-gated behavior generalized into a real logger.
func SetLogger(l zerolog.Logger) { pkgLogger = l }

// Heap is one allocator instance: a Page Provider region plus the block
// registry living inside it.
type Heap struct {
	region *arena.Region
	root   *rootHeader
}

// Setup requests one page from the Page Provider, writes the
// zero-initialised root at its start, and returns a ready-to-use Heap.
// Re-Setup of an already-cleaned Heap value is undefined; build a new one
// instead.
func Setup() (*Heap, error) {
	region, err := arena.New(defaultReservation)
	if err != nil {
		pkgLogger.Debug().Err(err).Msg("heapfence: setup: reserve region failed")
		return nil, errors.Wrap(err, "heapfence: setup")
	}

	base, err := region.Sbrk(PageSize)
	if err != nil {
		pkgLogger.Debug().Err(err).Msg("heapfence: setup: initial page request failed")
		return nil, errors.Wrap(err, "heapfence: setup")
	}

	bzero(base, PageSize)
	root := (*rootHeader)(unsafe.Pointer(base))
	root.pages = 1
	root.headersAllocated = 0
	root.fenceChecksum = 0
	root.head = 0

	pkgLogger.Debug().Uint64("pages", root.pages).Msg("heapfence: setup complete")
	return &Heap{region: region, root: root}, nil
}

func bzero(addr uintptr, size int) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	for i := range b {
		b[i] = 0
	}
}

func (h *Heap) rootBase() uintptr { return uintptr(unsafe.Pointer(h.root)) }

func (h *Heap) headBlock() *blockHeader {
	if h.root == nil || h.root.head == 0 {
		return nil
	}
	return blockAt(h.root.head)
}

func (h *Heap) setHead(b *blockHeader) {
	if b == nil {
		h.root.head = 0
	} else {
		h.root.head = addrOf(b)
	}
}

func (h *Heap) lastBlock() *blockHeader {
	b := h.headBlock()
	if b == nil {
		return nil
	}
	for b.next != 0 {
		b = b.nextBlock()
	}
	return b
}

// Validate runs the checks in the order spec.md §4.1 mandates; the first
// failure wins.
func (h *Heap) Validate() ValidateResult {
	if h == nil || h.root == nil {
		return ValidateUninitialised
	}

	boundStart := h.rootBase()
	boundEnd := boundStart + uintptr(h.root.pages)*PageSize

	var live []*blockHeader
	cur := h.headBlock()
	for cur != nil {
		addr := addrOf(cur)
		if addr < boundStart || addr >= boundEnd {
			pkgLogger.Debug().Str("check", "descriptor bounds").Msg("heapfence: validate failed")
			return ValidateControlStructBlur
		}
		live = append(live, cur)
		if cur.next == 0 {
			break
		}
		cur = cur.nextBlock()
	}

	// cur is now the tail (or nil if the registry is empty). Walk it
	// back to front and make sure the count matches: catches a broken
	// prev link the forward walk alone would miss.
	if cur != nil {
		count := 0
		for b := cur; b != nil; b = b.prevBlock() {
			count++
		}
		if count != len(live) {
			pkgLogger.Debug().Str("check", "backward traversal").Msg("heapfence: validate failed")
			return ValidateControlStructBlur
		}
	}

	if uint64(len(live)) != h.root.headersAllocated {
		pkgLogger.Debug().Str("check", "headers_allocated").Msg("heapfence: validate failed")
		return ValidateControlStructBlur
	}

	for _, b := range live {
		if b.userMemPtr != layoutUserMemPtr(b) {
			pkgLogger.Debug().Str("check", "user_mem_ptr").Msg("heapfence: validate failed")
			return ValidateControlStructBlur
		}
	}

	for _, b := range live {
		if !descriptorChecksumValid(b) {
			pkgLogger.Debug().Str("check", "descriptor checksum").Msg("heapfence: validate failed")
			return ValidateControlStructBlur
		}
	}

	if uint64(recomputeFenceChecksum(h.headBlock())) != h.root.fenceChecksum {
		pkgLogger.Debug().Str("check", "fence checksum").Msg("heapfence: validate failed")
		return ValidateCorrupted
	}

	return ValidateOK
}

// Clean refuses to act if Validate reports UNINITIALISED. Otherwise it
// zeroes the entire owned region, releases all pages to the Page
// Provider, and clears the root pointer.
func (h *Heap) Clean() error {
	if h.Validate() == ValidateUninitialised {
		return nil
	}

	totalBytes := int(h.root.pages * PageSize)
	bzero(h.rootBase(), totalBytes)

	region := h.region
	h.root = nil
	h.region = nil

	if err := region.Release(); err != nil {
		pkgLogger.Debug().Err(err).Msg("heapfence: clean: release region failed")
		return errors.Wrap(err, "heapfence: clean")
	}
	pkgLogger.Debug().Msg("heapfence: clean complete")
	return nil
}

// GetLargestUsedBlockSize returns zero if the heap is absent, the
// registry is empty, or Validate doesn't report OK. Otherwise it returns
// the maximum mem_size over non-free descriptors. The bail condition is
// the corrected one from spec.md §9: bail when Validate() != OK, not the
// inverted condition some early drafts used.
func (h *Heap) GetLargestUsedBlockSize() uint64 {
	if h == nil || h.root == nil || h.headBlock() == nil {
		return 0
	}
	if h.Validate() != ValidateOK {
		return 0
	}

	var max uint64
	for b := h.headBlock(); b != nil; b = b.nextBlock() {
		if b.isFree == 0 && b.memSize > max {
			max = b.memSize
		}
	}
	return max
}
