package remotefile

import (
	"sync"

	"github.com/cognusion/go-remotefile/lru"
	"golang.org/x/sync/singleflight"
)

// probeResult is what the cross-open cache remembers about a URL.
type probeResult struct {
	totalSize int64
}

const probeCacheCapacity = 64

var (
	probeCacheOnce sync.Once
	probeCache     *lru.Cache[string, probeResult]

	// openGroup de-duplicates concurrent Open calls for the same URL
	// within a process when the probe cache is enabled: two goroutines
	// racing to open the same remote file share a single probe request.
	// Without WithProbeCache(true) every Open probes on its own. This is an extension of
	// spec.md §4.5's open semantics, not a change to them (see
	// SPEC_FULL.md's lru section).
	openGroup singleflight.Group
)

func sharedProbeCache() *lru.Cache[string, probeResult] {
	probeCacheOnce.Do(func() {
		probeCache = lru.New[string, probeResult](probeCacheCapacity)
	})
	return probeCache
}
