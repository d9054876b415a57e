package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapCommand(t *testing.T) {
	withFlags(t, false, "compact")
	origCount := mapCount
	mapCount = 8
	t.Cleanup(func() { mapCount = origCount })

	output, err := captureOutput(t, func() error {
		return runMap([]string{"16", "1024"})
	})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &m))
	require.Contains(t, m, "segments")
	require.Contains(t, m, "heaps")
	require.EqualValues(t, 1, m["segmentCount"])
}

func TestMapCommand_BadSize(t *testing.T) {
	withFlags(t, false, "compact")
	_, err := captureOutput(t, func() error {
		return runMap([]string{"-1"})
	})
	require.Error(t, err)
}
