package heapfence

import (
	"math"
	"testing"
	"unsafe"

	"github.com/cznic/mathutil"
)

// randomizedAllocFreeCycle drives a seeded alloc/verify/free cycle much
// like all_test.go's test1 in the teacher package: allocate randomly
// sized blocks until a quota is exhausted, write a deterministic pattern
// into each, verify it back, then free everything in a shuffled order.
// Validate must report OK after every single operation.
func randomizedAllocFreeCycle(t *testing.T, quota, maxSize int) {
	t.Helper()

	h, err := Setup()
	if err != nil {
		t.Fatal(err)
	}
	defer h.Clean()

	rng, err := mathutil.NewFC32(1, math.MaxInt16, true)
	if err != nil {
		t.Fatal(err)
	}
	rng.Seed(42)
	pos := rng.Pos()

	var ptrs []uintptr
	var sizes []int
	rem := quota
	for rem > 0 {
		size := rng.Next()%maxSize + 1
		rem -= size

		p := h.Malloc(uint64(size))
		if p == 0 {
			t.Fatalf("malloc(%d) returned absent", size)
		}
		if v := h.Validate(); v != ValidateOK {
			t.Fatalf("validate after malloc(%d): %v", size, v)
		}
		if got := h.PointerType(p); got != PointerValid {
			t.Fatalf("pointer type after malloc = %v, want VALID", got)
		}

		b := unsafe.Slice((*byte)(unsafe.Pointer(p)), size)
		for i := range b {
			b[i] = byte(rng.Next())
		}

		ptrs = append(ptrs, p)
		sizes = append(sizes, size)
	}

	rng.Seek(pos)
	for i, p := range ptrs {
		size := rng.Next()%maxSize + 1
		if size != sizes[i] {
			t.Fatalf("size mismatch at %d: %d != %d", i, size, sizes[i])
		}
		b := unsafe.Slice((*byte)(unsafe.Pointer(p)), size)
		for j, got := range b {
			if want := byte(rng.Next()); got != want {
				t.Fatalf("byte %d of block %d: got %#02x, want %#02x", j, i, got, want)
			}
		}
	}

	// Fisher-Yates-ish shuffle using the same PRNG, then free everything.
	for i := range ptrs {
		j := rng.Next() % len(ptrs)
		ptrs[i], ptrs[j] = ptrs[j], ptrs[i]
	}
	for _, p := range ptrs {
		h.Free(p)
		if v := h.Validate(); v != ValidateOK {
			t.Fatalf("validate after free: %v", v)
		}
	}

	if got := h.GetLargestUsedBlockSize(); got != 0 {
		t.Fatalf("largest used block after freeing everything: %d, want 0", got)
	}
	if h.root.headersAllocated > 1 {
		t.Fatalf("headers_allocated after freeing everything: %d, want <= 1", h.root.headersAllocated)
	}
}

func TestRandomizedAllocFreeCycleSmall(t *testing.T) {
	randomizedAllocFreeCycle(t, 1<<16, 256)
}

func TestRandomizedAllocFreeCycleLarge(t *testing.T) {
	randomizedAllocFreeCycle(t, 1<<20, 8192)
}

// For all p returned by Malloc, reading at p+k for 0<=k<size classifies
// as VALID at k==0 and INSIDE_DATA_BLOCK otherwise.
func TestPointerTypeWithinAllocation(t *testing.T) {
	h, err := Setup()
	if err != nil {
		t.Fatal(err)
	}
	defer h.Clean()

	const size = 64
	p := h.Malloc(size)
	if p == 0 {
		t.Fatal("malloc returned absent")
	}

	for k := uintptr(0); k < size; k++ {
		got := h.PointerType(p + k)
		want := PointerInsideDataBlock
		if k == 0 {
			want = PointerValid
		}
		if got != want {
			t.Fatalf("k=%d: got %v, want %v", k, got, want)
		}
	}
}

// After Free(p), p must classify as UNALLOCATED, CONTROL_BLOCK or
// INSIDE_FENCES (never VALID, never HEAP_CORRUPTED on a healthy heap).
func TestPointerTypeAfterFree(t *testing.T) {
	h, err := Setup()
	if err != nil {
		t.Fatal(err)
	}
	defer h.Clean()

	p := h.Malloc(32)
	h.Free(p)

	switch got := h.PointerType(p); got {
	case PointerUnallocated, PointerControlBlock, PointerInsideFences:
	default:
		t.Fatalf("pointer type after free = %v, want UNALLOCATED/CONTROL_BLOCK/INSIDE_FENCES", got)
	}
}

func TestPointerTypeNullIsAlwaysNull(t *testing.T) {
	h, err := Setup()
	if err != nil {
		t.Fatal(err)
	}
	defer h.Clean()

	if got := h.PointerType(0); got != PointerNull {
		t.Fatalf("got %v, want NULL", got)
	}

	var zero Heap
	if got := zero.PointerType(0); got != PointerNull {
		t.Fatalf("uninitialised heap: got %v, want NULL", got)
	}
}

// Realloc(p, same_size) returns p unchanged.
func TestReallocSameSizeRoundTrip(t *testing.T) {
	h, err := Setup()
	if err != nil {
		t.Fatal(err)
	}
	defer h.Clean()

	p := h.Malloc(128)
	if p == 0 {
		t.Fatal("malloc returned absent")
	}
	if got := h.Realloc(p, 128); got != p {
		t.Fatalf("realloc(p, same size) = %#x, want %#x", got, p)
	}
}

// Shrinking twice with the same smaller size is idempotent: same
// pointer, heap stays valid.
func TestReallocShrinkIdempotent(t *testing.T) {
	h, err := Setup()
	if err != nil {
		t.Fatal(err)
	}
	defer h.Clean()

	p := h.Malloc(1000)
	if p == 0 {
		t.Fatal("malloc returned absent")
	}

	a := h.Realloc(p, 10)
	if a != p {
		t.Fatalf("first shrink moved the pointer: %#x != %#x", a, p)
	}
	if v := h.Validate(); v != ValidateOK {
		t.Fatalf("validate after first shrink: %v", v)
	}

	b := h.Realloc(a, 10)
	if b != a {
		t.Fatalf("second shrink moved the pointer: %#x != %#x", b, a)
	}
	if v := h.Validate(); v != ValidateOK {
		t.Fatalf("validate after second shrink: %v", v)
	}
}

func TestMallocRejectsZeroSize(t *testing.T) {
	h, err := Setup()
	if err != nil {
		t.Fatal(err)
	}
	defer h.Clean()

	if got := h.Malloc(0); got != 0 {
		t.Fatalf("malloc(0) = %#x, want absent", got)
	}
}

func TestFreeIsNoOpForUnknownPointer(t *testing.T) {
	h, err := Setup()
	if err != nil {
		t.Fatal(err)
	}
	defer h.Clean()

	p := h.Malloc(16)
	before := h.root.headersAllocated
	h.Free(p + 1) // misaligned, not a real user pointer
	if h.root.headersAllocated != before {
		t.Fatal("free of an unknown pointer mutated the registry")
	}
	if got := h.PointerType(p); got != PointerValid {
		t.Fatal("free of an unknown pointer corrupted an unrelated block")
	}
}

func TestDoubleFreeIsSafe(t *testing.T) {
	h, err := Setup()
	if err != nil {
		t.Fatal(err)
	}
	defer h.Clean()

	p := h.Malloc(16)
	h.Free(p)
	h.Free(p) // must be a safe no-op; get_pointer_type(p) is no longer VALID.
	if v := h.Validate(); v != ValidateOK {
		t.Fatalf("validate after double free: %v", v)
	}
}

func TestCallocZeroesMemory(t *testing.T) {
	h, err := Setup()
	if err != nil {
		t.Fatal(err)
	}
	defer h.Clean()

	const n, size = 16, 8
	p := h.Calloc(n, size)
	if p == 0 {
		t.Fatal("calloc returned absent")
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(p)), n*size)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not zeroed: %#02x", i, v)
		}
	}
}

func TestCallocOverflowFails(t *testing.T) {
	h, err := Setup()
	if err != nil {
		t.Fatal(err)
	}
	defer h.Clean()

	if got := h.Calloc(math.MaxUint64, math.MaxUint64); got != 0 {
		t.Fatalf("calloc overflow = %#x, want absent", got)
	}
}
