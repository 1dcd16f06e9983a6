package supervisor

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// MemorySource reports the memory attributed to the process.
type MemorySource interface {
	Usage() (uint64, error)
}

// MemorySourceFunc adapts a function to MemorySource.
type MemorySourceFunc func() (uint64, error)

// Usage implements MemorySource.
func (f MemorySourceFunc) Usage() (uint64, error) { return f() }

// ProcessMemory measures the resident set size of this process with
// gopsutil. The Go runtime reserves far more address space than it ever
// touches, so the virtual size says nothing about real usage.
type ProcessMemory struct {
	proc *process.Process
}

// NewProcessMemory returns a MemorySource for the current process.
func NewProcessMemory() (*ProcessMemory, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("inspect own process: %w", err)
	}
	return &ProcessMemory{proc: p}, nil
}

// Usage implements MemorySource.
func (p *ProcessMemory) Usage() (uint64, error) {
	info, err := p.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}
