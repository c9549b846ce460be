package model

import (
	"os"
	"sync/atomic"

	"github.com/kabegame/kabegame/internal/util/log"
)

// TempDirGuard is a shared-ownership handle over a temporary directory:
// every DecompressionJob that still needs the directory holds a reference,
// and the directory is removed when the last reference drops. Modeled as an
// explicit atomic refcount with a background reaper, the non-destructor
// equivalent of the source's drop-based guard (§9 of the design notes).
type TempDirGuard struct {
	path string
	refs int32
}

// NewTempDirGuard wraps path with a single initial reference.
func NewTempDirGuard(path string) *TempDirGuard {
	return &TempDirGuard{path: path, refs: 1}
}

// Path returns the guarded directory.
func (g *TempDirGuard) Path() string {
	return g.path
}

// AddRef takes an additional reference on the directory. Call once per new
// owner (e.g. once per extracted image still pending post-processing).
func (g *TempDirGuard) AddRef() {
	atomic.AddInt32(&g.refs, 1)
}

// Release drops a reference; the last Release removes the directory from
// disk on a background goroutine so callers never block on filesystem I/O.
func (g *TempDirGuard) Release() {
	if atomic.AddInt32(&g.refs, -1) != 0 {
		return
	}
	path := g.path
	go func() {
		if err := os.RemoveAll(path); err != nil {
			log.Printf("TempDirGuard: failed to remove %s: %v", path, err)
		}
	}()
}
