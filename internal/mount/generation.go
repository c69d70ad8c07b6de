package mount

import (
	"sync/atomic"
	"time"
)

// The mount generation distinguishes successive kernel sessions on the same
// path, including across process restarts. The high bits carry the process
// identity, the middle bits the process start time, and the low 16 bits a
// per-process counter.

var (
	generationBase    uint64
	generationCounter atomic.Uint64
)

// InitProcessGeneration seeds the generation base for this process. Call
// once at startup before any mount is created.
func InitProcessGeneration(startTime time.Time, pid int) {
	generationBase = uint64(pid)<<48 | (uint64(startTime.Unix())&0xffffffff)<<16
}

func nextMountGeneration() uint64 {
	return generationBase | (generationCounter.Add(1) & 0xffff)
}
