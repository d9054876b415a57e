package main

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"github.com/joshuapare/heapkit/alloc"
	"github.com/joshuapare/heapkit/internal/osmem"
	"github.com/joshuapare/heapkit/stats"
)

var (
	stressWorkers int
	stressOps     int
	stressMaxSize uint64
	stressCross   int
	stressSeed    uint64
	stressVerify  bool
	stressPadding bool
	stressSecure  bool
	stressLang    string
	stressMemory  string
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVarP(&stressWorkers, "workers", "w", 4, "Number of goroutines, each with its own thread context")
	cmd.Flags().IntVarP(&stressOps, "ops", "n", 100000, "Allocations or frees per worker")
	cmd.Flags().Uint64Var(&stressMaxSize, "max-size", 4096, "Largest request size in bytes")
	cmd.Flags().IntVar(&stressCross, "cross", 10, "Percentage of blocks freed by another worker")
	cmd.Flags().Uint64Var(&stressSeed, "seed", 1, "Workload seed")
	cmd.Flags().BoolVar(&stressVerify, "verify", false, "Enable double-free detection and debug fill")
	cmd.Flags().BoolVar(&stressPadding, "padding", false, "Enable block padding checks")
	cmd.Flags().BoolVar(&stressSecure, "secure", false, "Encode and randomize free lists")
	cmd.Flags().StringVar(&stressLang, "lang", "en", "Language used to group numbers in the report")
	cmd.Flags().StringVar(&stressMemory, "memory", "os", "Raw memory provider (os, manual, heap)")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a multi-goroutine allocation workload",
		Long: `The stress command runs a random allocate/free workload on several
goroutines, each with its own thread context. A share of the blocks is
handed to a neighboring worker and freed there, which exercises the
cross-thread free path. When all workers are done the allocator statistics
are printed.

Example:
  heapctl stress
  heapctl stress --workers 8 --ops 1000000 --max-size 65536
  heapctl stress --verify --padding --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
	return cmd
}

// StressConfig describes one stress run.
type StressConfig struct {
	Options alloc.Options
	Workers int
	Ops     int
	MaxSize uintptr
	Cross   int
	Seed    uint64
}

// StressResult is the outcome of a stress run.
type StressResult struct {
	Workers   int            `json:"workers"`
	Ops       int            `json:"ops"`
	Mallocs   int64          `json:"mallocs"`
	Frees     int64          `json:"frees"`
	Foreign   int64          `json:"foreignFrees"`
	Abandoned int            `json:"abandonedSegments"`
	Duration  time.Duration  `json:"durationNs"`
	Stats     stats.Snapshot `json:"stats"`

	all *stats.Stats
}

func runStress() error {
	g, err := lookupGeometry(geometryName)
	if err != nil {
		return err
	}
	tag, err := language.Parse(stressLang)
	if err != nil {
		return fmt.Errorf("invalid language %q: %w", stressLang, err)
	}

	provider, err := lookupProvider(stressMemory)
	if err != nil {
		return err
	}

	opts := alloc.DefaultOptions()
	opts.Geometry = g
	opts.Provider = provider
	opts.Padding = stressPadding
	opts.Verify = stressVerify
	opts.DebugFill = stressVerify
	opts.EncodeFreeLists = stressSecure
	opts.RandomizeFreeLists = stressSecure

	cfg := StressConfig{
		Options: opts,
		Workers: stressWorkers,
		Ops:     stressOps,
		MaxSize: uintptr(stressMaxSize),
		Cross:   stressCross,
		Seed:    stressSeed,
	}
	printVerbose("Running %d workers x %d ops (max size %d, %d%% cross-thread)\n",
		cfg.Workers, cfg.Ops, cfg.MaxSize, cfg.Cross)

	res, err := stress(cfg)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(res)
	}
	printInfo("%d workers, %d mallocs, %d frees (%d cross-thread) in %v\n",
		res.Workers, res.Mallocs, res.Frees, res.Foreign, res.Duration.Round(time.Millisecond))
	if res.Abandoned > 0 {
		printInfo("%d segments still abandoned\n", res.Abandoned)
	}
	if quiet {
		return nil
	}
	printInfo("\n")
	return stats.Fprint(os.Stdout, res.all, tag)
}

// stress runs the workload described by cfg on a fresh allocator.
func stress(cfg StressConfig) (*StressResult, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("need at least one worker, got %d", cfg.Workers)
	}
	if cfg.MaxSize == 0 {
		return nil, fmt.Errorf("max size must be positive")
	}
	cfg.Options.Stats = true
	a, err := alloc.New(cfg.Options)
	if err != nil {
		return nil, err
	}

	inboxes := make([]chan unsafe.Pointer, cfg.Workers)
	for i := range inboxes {
		inboxes[i] = make(chan unsafe.Pointer, 256)
	}
	workers := make([]stressWorker, cfg.Workers)
	errs := make([]error, cfg.Workers)

	var loops, done sync.WaitGroup
	loops.Add(cfg.Workers)
	done.Add(cfg.Workers)
	start := time.Now()
	for i := range workers {
		w := &workers[i]
		w.rng = rand.New(rand.NewPCG(cfg.Seed, uint64(i)))
		w.inbox = inboxes[i]
		w.next = inboxes[(i+1)%cfg.Workers]
		go func() {
			defer done.Done()
			t := a.ThreadInit()
			defer t.Deinit()
			errs[i] = w.run(t, cfg)
			loops.Done()
			// No worker sends after every loop has finished.
			loops.Wait()
			w.drain(t)
		}()
	}
	done.Wait()
	elapsed := time.Since(start)

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("worker %d: %w", i, err)
		}
	}
	if err := a.Close(); err != nil {
		return nil, err
	}

	res := &StressResult{
		Workers:   cfg.Workers,
		Ops:       cfg.Ops,
		Abandoned: a.AbandonedSegments(),
		Duration:  elapsed,
		Stats:     a.Stats().Snapshot(),
		all:       a.Stats(),
	}
	for i := range workers {
		res.Mallocs += workers[i].mallocs
		res.Frees += workers[i].frees
		res.Foreign += workers[i].foreign
	}
	return res, nil
}

type stressWorker struct {
	rng   *rand.Rand
	live  []unsafe.Pointer
	inbox chan unsafe.Pointer
	next  chan unsafe.Pointer

	mallocs int64
	frees   int64
	foreign int64
}

func (w *stressWorker) run(t *alloc.Thread, cfg StressConfig) error {
	maxShift := bits.Len64(uint64(cfg.MaxSize))
	for range cfg.Ops {
		w.receive(t)
		if len(w.live) == 0 || w.rng.IntN(2) == 0 {
			size := w.size(cfg.MaxSize, maxShift)
			p, err := t.Malloc(size)
			if err != nil {
				return err
			}
			*(*byte)(p) = byte(size)
			w.live = append(w.live, p)
			w.mallocs++
			continue
		}
		i := w.rng.IntN(len(w.live))
		p := w.live[i]
		w.live[i] = w.live[len(w.live)-1]
		w.live = w.live[:len(w.live)-1]
		if w.rng.IntN(100) < cfg.Cross {
			select {
			case w.next <- p:
				continue
			default:
			}
		}
		t.Free(p)
		w.frees++
	}
	return nil
}

// size picks a request size with a roughly logarithmic distribution.
func (w *stressWorker) size(maxSize uintptr, maxShift int) uintptr {
	limit := uint64(1) << w.rng.IntN(maxShift+1)
	return min(uintptr(w.rng.Uint64N(limit))+1, maxSize)
}

func (w *stressWorker) receive(t *alloc.Thread) {
	for {
		select {
		case p := <-w.inbox:
			t.Free(p)
			w.frees++
			w.foreign++
		default:
			return
		}
	}
}

func (w *stressWorker) drain(t *alloc.Thread) {
	w.receive(t)
	for _, p := range w.live {
		t.Free(p)
		w.frees++
	}
	w.live = nil
}

// lookupProvider resolves a --memory value
func lookupProvider(name string) (osmem.Provider, error) {
	switch name {
	case "os":
		return osmem.Default(), nil
	case "manual":
		return osmem.NewManualProvider(), nil
	case "heap":
		return osmem.NewHeapProvider(), nil
	}
	return nil, fmt.Errorf("unknown memory provider %q (want os, manual or heap)", name)
}
