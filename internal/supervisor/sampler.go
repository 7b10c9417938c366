package supervisor

import (
	"sync"

	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSampler reports CPU and memory use of a running engine process.
type ResourceSampler interface {
	Sample(pid int) (cpuPercent float64, rssBytes uint64, err error)
	Forget(pid int)
}

// processSampler reads process statistics through gopsutil. Handles are
// cached per pid so CPU percentages are computed between samples.
type processSampler struct {
	mu    sync.Mutex
	procs map[int]*process.Process
}

func newProcessSampler() *processSampler {
	return &processSampler{procs: make(map[int]*process.Process)}
}

func (s *processSampler) Sample(pid int) (float64, uint64, error) {
	s.mu.Lock()
	proc, ok := s.procs[pid]
	if !ok {
		var err error
		proc, err = process.NewProcess(int32(pid))
		if err != nil {
			s.mu.Unlock()
			return 0, 0, err
		}
		s.procs[pid] = proc
	}
	s.mu.Unlock()

	cpu, err := proc.Percent(0)
	if err != nil {
		return 0, 0, err
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return cpu, 0, err
	}
	return cpu, mem.RSS, nil
}

func (s *processSampler) Forget(pid int) {
	s.mu.Lock()
	delete(s.procs, pid)
	s.mu.Unlock()
}
