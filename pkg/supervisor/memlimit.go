package supervisor

import (
	"math"
	"runtime/debug"
)

// SetHardMemoryLimit hands limit to the Go runtime as its memory limit:
// the collector runs harder as the heap approaches it instead of letting
// allocations fail. The limit watcher restarts the process once usage
// crosses it anyway. Zero leaves the runtime limit untouched. It returns
// the previous limit.
func SetHardMemoryLimit(limit uint64) int64 {
	if limit == 0 {
		return debug.SetMemoryLimit(-1)
	}
	if limit > math.MaxInt64 {
		limit = math.MaxInt64
	}
	return debug.SetMemoryLimit(int64(limit))
}
