//go:build !unix

package osmem

// Default returns a provider backed by modernc.org/memory where the unix
// mapping calls are not available.
func Default() Provider { return defaultProvider }

var defaultProvider = NewManualProvider()
