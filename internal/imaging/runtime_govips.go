//go:build govips && cgo

package imaging

import (
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

// Each dispatch decodes a single photo, so a small operation cache suffices.
const (
	vipsCacheMem  = 128 << 20
	vipsCacheSize = 100
)

var vipsRuntime struct {
	mu      sync.Mutex
	started bool
}

// Startup initializes libvips. libvips cannot be restarted once shut down.
func Startup() error {
	vipsRuntime.mu.Lock()
	defer vipsRuntime.mu.Unlock()
	if vipsRuntime.started {
		return nil
	}
	vips.LoggingSettings(nil, vips.LogLevelWarning)
	vips.Startup(&vips.Config{
		MaxCacheMem:  vipsCacheMem,
		MaxCacheSize: vipsCacheSize,
	})
	vipsRuntime.started = true
	return nil
}

func Shutdown() {
	vipsRuntime.mu.Lock()
	defer vipsRuntime.mu.Unlock()
	if !vipsRuntime.started {
		return
	}
	vips.Shutdown()
	vipsRuntime.started = false
}

func newTransformer() (Transformer, error) {
	return govipsTransformer{}, nil
}
