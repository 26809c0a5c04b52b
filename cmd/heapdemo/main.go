// Command heapdemo runs a scripted sequence of allocator scenarios and
// prints the resulting registry after each one, colourized by block
// state. It generalizes original_source/main.c's seven numbered test
// blocks and heap.c's display_heap into a single runnable scenario
// script, driven by a -scenario flag instead of a hardcoded switch.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/tinyrogue/heapfence"
)

type scenario struct {
	name string
	run  func(h *heapfence.Heap)
}

var scenarios = []scenario{
	{"single byte", func(h *heapfence.Heap) { h.Malloc(1) }},
	{"one page", func(h *heapfence.Heap) { h.Malloc(heapfence.PageSize) }},
	{"adjacent allocation", func(h *heapfence.Heap) {
		h.Malloc(heapfence.PageSize)
		h.Malloc(1)
	}},
	{"three pages", func(h *heapfence.Heap) { h.Malloc(3 * heapfence.PageSize) }},
	{"three pages then small", func(h *heapfence.Heap) {
		h.Malloc(3 * heapfence.PageSize)
		h.Malloc(2)
	}},
	{"three pages, small, medium", func(h *heapfence.Heap) {
		h.Malloc(3 * heapfence.PageSize)
		h.Malloc(2)
		h.Malloc(99)
	}},
	{"mixed sizes", func(h *heapfence.Heap) {
		h.Malloc(100)
		h.Malloc(3 * heapfence.PageSize)
		h.Malloc(2)
		h.Malloc(5 * heapfence.PageSize)
		h.Malloc(200000)
		h.Malloc(123)
	}},
}

func main() {
	only := flag.Int("scenario", 0, "run a single scenario by its 1-based index (0 runs all)")
	trace := flag.Bool("trace", false, "enable debug-level allocator tracing")
	flag.Parse()

	if *trace {
		heapfence.SetLogger(zerolog.New(os.Stderr).With().Timestamp().Logger())
	}

	for i, s := range scenarios {
		n := i + 1
		if *only != 0 && *only != n {
			continue
		}
		fmt.Printf("=== scenario %d: %s ===\n", n, s.name)
		runScenario(s)
		fmt.Println("=== end ===")
	}
}

func runScenario(s scenario) {
	h, err := heapfence.Setup()
	if err != nil {
		color.Red("setup failed: %v", err)
		return
	}
	defer h.Clean()

	s.run(h)
	displayHeap(h)
}

// displayHeap is the colourized equivalent of display_heap: one line per
// live descriptor, red for the root summary, green for a free block's
// size and yellow for a used one.
func displayHeap(h *heapfence.Heap) {
	dump := h.Dump()
	if dump == nil {
		color.Red("> heap is absent")
		return
	}

	color.New(color.FgRed).Printf("> pages %d, headers %d, fence checksum %d\n",
		dump.Pages, dump.HeadersAllocated, dump.FenceChecksum)

	for i, b := range dump.Blocks {
		state := color.New(color.FgYellow)
		if b.IsFree {
			state = color.New(color.FgGreen)
		}
		fmt.Printf("> block %d user=%#x size=", i+1, b.UserMemPtr)
		state.Printf("%d", b.Size)
		fmt.Printf(" free=%v distance=%d\n", b.IsFree, b.Distance)
	}

	switch v := h.Validate(); v {
	case heapfence.ValidateOK:
		color.New(color.FgGreen).Println("> validate: OK")
	default:
		color.New(color.FgRed).Printf("> validate: %v\n", v)
	}
}
