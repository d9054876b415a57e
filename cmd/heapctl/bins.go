package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joshuapare/heapkit/internal/osmem"
	"github.com/joshuapare/heapkit/sizeclass"
)

func init() {
	cmd := newBinsCmd()
	rootCmd.AddCommand(cmd)
}

func newBinsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bins [size...]",
		Short: "Show the size-class table",
		Long: `The bins command prints every bin of the selected geometry with its
block size. Given sizes, it prints the bin and usable size each request
would receive instead.

Example:
  heapctl bins
  heapctl bins 24 100 70000
  heapctl bins --geometry compact --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBins(args)
		},
	}
	return cmd
}

// BinRow is one line of the bins report.
type BinRow struct {
	Bin       int    `json:"bin"`
	BlockSize uint64 `json:"blockSize"`
	Kind      string `json:"kind"`
}

// SizeRow maps one request size to its bin.
type SizeRow struct {
	Size     uint64 `json:"size"`
	Bin      int    `json:"bin"`
	GoodSize uint64 `json:"goodSize"`
}

func runBins(args []string) error {
	g, err := lookupGeometry(geometryName)
	if err != nil {
		return err
	}
	table, err := sizeclass.NewTable(g, osmem.PageSize())
	if err != nil {
		return fmt.Errorf("failed to build size classes: %w", err)
	}
	printVerbose("Geometry %s: slice %d, segment %d, medium max %d\n",
		g.Name, g.SliceSize(), g.SegmentSize(), g.MediumObjSizeMax())

	if len(args) > 0 {
		return printSizes(table, args)
	}

	rows := binRows(table)
	if jsonOut {
		return printJSON(rows)
	}
	printInfo("%5s %12s  %s\n", "bin", "block size", "kind")
	for _, r := range rows {
		size := strconv.FormatUint(r.BlockSize, 10)
		if r.Bin == table.BinHuge() {
			size = "-"
		}
		printInfo("%5d %12s  %s\n", r.Bin, size, r.Kind)
	}
	return nil
}

// binRows lists the bins a request can land in. Bins skipped by the
// alignment rounding are left out.
func binRows(table *sizeclass.Table) []BinRow {
	g := table.Geometry()
	var rows []BinRow
	for bin := 1; bin < table.BinHuge(); bin++ {
		size := table.BinSize(bin)
		if table.Bin(size) != bin {
			continue
		}
		kind := "medium"
		switch {
		case table.IsSmall(size):
			kind = "small-direct"
		case size <= g.SmallObjSizeMax():
			kind = "small"
		}
		rows = append(rows, BinRow{Bin: bin, BlockSize: uint64(size), Kind: kind})
	}
	return append(rows, BinRow{Bin: table.BinHuge(), Kind: "huge"})
}

func printSizes(table *sizeclass.Table, args []string) error {
	rows := make([]SizeRow, 0, len(args))
	for _, arg := range args {
		n, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", arg, err)
		}
		size := uintptr(n)
		rows = append(rows, SizeRow{
			Size:     n,
			Bin:      table.Bin(size),
			GoodSize: uint64(table.GoodSize(size)),
		})
	}
	if jsonOut {
		return printJSON(rows)
	}
	printInfo("%12s %5s %12s\n", "size", "bin", "usable")
	for _, r := range rows {
		printInfo("%12d %5d %12d\n", r.Size, r.Bin, r.GoodSize)
	}
	return nil
}
