package main

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	os.Stdout = w

	// Read concurrently so large outputs cannot fill the pipe.
	out := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		out <- buf.String()
	}()

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout
	return <-out, fnErr
}

// withFlags sets the global flags for one test and restores them after
func withFlags(t *testing.T, json bool, geometry string) {
	t.Helper()
	origJSON, origGeom, origQuiet, origVerbose := jsonOut, geometryName, quiet, verbose
	jsonOut, geometryName, quiet, verbose = json, geometry, false, false
	t.Cleanup(func() {
		jsonOut, geometryName, quiet, verbose = origJSON, origGeom, origQuiet, origVerbose
	})
}

// assertJSON checks that output is valid JSON
func assertJSON(t *testing.T, output string) {
	t.Helper()
	var result interface{}
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Errorf("invalid JSON output: %v\nOutput: %s", err, output)
	}
}

// assertContains checks that output contains all expected strings
func assertContains(t *testing.T, output string, expected []string) {
	t.Helper()
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("output missing expected string %q\nGot: %s", want, output)
		}
	}
}
