package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshuapare/heapkit/internal/logger"
	"github.com/joshuapare/heapkit/sizeclass"
)

var (
	// Global flags
	verbose      bool
	quiet        bool
	jsonOut      bool
	geometryName string
)

var rootCmd = &cobra.Command{
	Use:   "heapctl",
	Short: "Inspect and exercise the heapkit allocator",
	Long: `heapctl prints the size-class table of an allocator geometry, runs
multi-goroutine allocation workloads against it, and dumps the resulting
segment and heap layout.`,
	Version: "0.1.0",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose && !quiet {
			logger.Init(logger.Options{Enabled: true, Level: slog.LevelDebug})
		} else {
			logger.InitFromEnv()
		}
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().
		StringVarP(&geometryName, "geometry", "g", "default", "Allocator geometry (default, compact)")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// geometries lists the geometries selectable with --geometry.
var geometries = map[string]sizeclass.Geometry{
	"default": sizeclass.GeometryDefault,
	"compact": sizeclass.GeometryCompact,
}

// lookupGeometry resolves a --geometry value
func lookupGeometry(name string) (sizeclass.Geometry, error) {
	g, ok := geometries[strings.ToLower(name)]
	if !ok {
		return sizeclass.Geometry{}, fmt.Errorf("unknown geometry %q (want default or compact)", name)
	}
	return g, nil
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
