package alloc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/internal/layout"
	"github.com/joshuapare/heapkit/sizeclass"
)

func Test_OptionsFromEnv(t *testing.T) {
	t.Setenv(EnvPadding, "1")
	t.Setenv(EnvSecure, "true")
	t.Setenv(EnvDecommitDelay, "100")
	t.Setenv(EnvNoReclaim, "not-a-bool")

	o := OptionsFromEnv(DefaultOptions())
	require.True(t, o.Padding)
	require.True(t, o.EncodeFreeLists)
	require.True(t, o.RandomizeFreeLists)
	require.Equal(t, 100*time.Millisecond, o.DecommitDelay)
	require.False(t, o.NoReclaim)
	require.False(t, o.Verify)
}

func Test_OptionsFromEnv_VerifyImpliesFill(t *testing.T) {
	t.Setenv(EnvVerify, "yes")
	o := OptionsFromEnv(DefaultOptions())
	require.False(t, o.Verify, "strconv.ParseBool rejects yes")

	t.Setenv(EnvVerify, "t")
	t.Setenv(EnvDecommitDelay, "2s")
	o = OptionsFromEnv(DefaultOptions())
	require.True(t, o.Verify)
	require.True(t, o.DebugFill)
	require.Equal(t, 2*time.Second, o.DecommitDelay)
}

func Test_Options_WithDefaults(t *testing.T) {
	o := Options{MaxSegmentReclaim: 1 << 20, DecommitDelay: -time.Second}.withDefaults()
	require.Equal(t, sizeclass.DefaultGeometry, o.Geometry)
	require.NotNil(t, o.Provider)
	require.Equal(t, 1024, o.MaxSegmentReclaim)
	require.Zero(t, o.DecommitDelay)

	o = Options{}.withDefaults()
	require.Equal(t, 8, o.MaxSegmentReclaim)
}

func Test_New_DirectTableCoversSmallSizes(t *testing.T) {
	for _, padding := range []bool{false, true} {
		opts := testOptions()
		opts.Padding = padding
		a := newTestAllocator(t, opts)
		for w := range a.directLen {
			r := a.direct[a.table.Bin(uintptr(w)*layout.WordSize)]
			require.LessOrEqual(t, r.lo, w)
			require.GreaterOrEqual(t, r.hi, w)
		}
	}
}
