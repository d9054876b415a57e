package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/alloc"
	"github.com/joshuapare/heapkit/sizeclass"
	"github.com/joshuapare/heapkit/stats"
)

func stressTestConfig() StressConfig {
	opts := alloc.DebugOptions()
	opts.Geometry = sizeclass.GeometryCompact
	opts.DecommitDelay = 0
	return StressConfig{
		Options: opts,
		Workers: 4,
		Ops:     2000,
		MaxSize: 2048,
		Cross:   30,
		Seed:    7,
	}
}

func TestStress_BalancedCounts(t *testing.T) {
	res, err := stress(stressTestConfig())
	require.NoError(t, err)

	require.Equal(t, res.Mallocs, res.Frees, "every block is freed by the end")
	require.Positive(t, res.Foreign, "some blocks crossed threads")

	normal := res.Stats.Counts[stats.Normal.String()]
	require.GreaterOrEqual(t, normal.Allocated, res.Mallocs, "at least one byte per block")
	require.Equal(t, res.Mallocs, res.Stats.Counters[stats.NormalCount.String()].Total)
	require.Zero(t, res.Abandoned)
}

func TestStress_SingleWorkerNoCross(t *testing.T) {
	cfg := stressTestConfig()
	cfg.Workers = 1
	cfg.Cross = 0
	res, err := stress(cfg)
	require.NoError(t, err)
	require.Zero(t, res.Foreign)
	require.Equal(t, res.Mallocs, res.Frees)
}

func TestStress_RejectsBadConfig(t *testing.T) {
	cfg := stressTestConfig()
	cfg.Workers = 0
	_, err := stress(cfg)
	require.Error(t, err)

	cfg = stressTestConfig()
	cfg.MaxSize = 0
	_, err = stress(cfg)
	require.Error(t, err)
}

func TestStressCommand_JSON(t *testing.T) {
	withFlags(t, true, "compact")
	origWorkers, origOps := stressWorkers, stressOps
	stressWorkers, stressOps = 2, 500
	t.Cleanup(func() { stressWorkers, stressOps = origWorkers, origOps })

	output, err := captureOutput(t, runStress)
	require.NoError(t, err)
	assertJSON(t, output)
	assertContains(t, output, []string{`"workers": 2`, `"mallocs"`, `"stats"`})
}

func TestStress_Providers(t *testing.T) {
	for _, name := range []string{"os", "manual", "heap"} {
		t.Run(name, func(t *testing.T) {
			provider, err := lookupProvider(name)
			require.NoError(t, err)
			cfg := stressTestConfig()
			cfg.Options.Provider = provider
			cfg.Workers, cfg.Ops = 2, 500
			res, err := stress(cfg)
			require.NoError(t, err)
			require.Equal(t, res.Mallocs, res.Frees)
		})
	}

	_, err := lookupProvider("disk")
	require.Error(t, err)
}
