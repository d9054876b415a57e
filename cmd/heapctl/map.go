package main

import (
	"fmt"
	"os"
	"strconv"
	"unsafe"

	"github.com/spf13/cobra"

	"github.com/joshuapare/heapkit/alloc"
)

var (
	mapCount    int
	mapFreeEach int
)

func init() {
	cmd := newMapCmd()
	cmd.Flags().IntVarP(&mapCount, "count", "c", 64, "Blocks to allocate per size")
	cmd.Flags().IntVar(&mapFreeEach, "free-every", 2, "Free every n-th block before dumping (0 keeps all)")
	rootCmd.AddCommand(cmd)
}

func newMapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "map [size...]",
		Short: "Dump the segment and heap layout after a workload",
		Long: `The map command allocates blocks of the given sizes on a single thread,
frees a share of them, and writes the thread's segments, spans and heap
bins as JSON.

Example:
  heapctl map
  heapctl map 16 1024 100000 --count 10
  heapctl map 48 --free-every 0 --geometry compact`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMap(args)
		},
	}
	return cmd
}

func runMap(args []string) error {
	sizes := []uintptr{16, 256, 4096}
	if len(args) > 0 {
		sizes = sizes[:0]
		for _, arg := range args {
			n, err := strconv.ParseUint(arg, 0, 64)
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", arg, err)
			}
			sizes = append(sizes, uintptr(n))
		}
	}
	g, err := lookupGeometry(geometryName)
	if err != nil {
		return err
	}
	opts := alloc.DefaultOptions()
	opts.Geometry = g
	a, err := alloc.New(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	t := a.ThreadInit()
	defer t.Deinit()

	var live []unsafe.Pointer
	for _, size := range sizes {
		for i := range mapCount {
			p, err := t.Malloc(size)
			if err != nil {
				return fmt.Errorf("failed to allocate %d bytes: %w", size, err)
			}
			if mapFreeEach > 0 && i%mapFreeEach == 0 {
				t.Free(p)
				continue
			}
			live = append(live, p)
		}
	}
	printVerbose("Holding %d blocks\n", len(live))

	if err := t.WriteDetailedMap(os.Stdout); err != nil {
		return fmt.Errorf("failed to write map: %w", err)
	}
	fmt.Fprintln(os.Stdout)

	for _, p := range live {
		t.Free(p)
	}
	return nil
}
