package procmgr

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// Usage is a resource sample for one process
type Usage struct {
	CPUPercent  float64
	MemoryBytes uint64
	SampledAt   time.Time
}

// Sampler reads resource usage for a pid
type Sampler interface {
	Sample(pid int) (Usage, error)
	Forget(pid int)
}

type cpuSample struct {
	cpuSeconds float64
	at         time.Time
}

// UsageSampler reads CPU and resident memory from /proc. CPU percent is the
// CPU time consumed since the previous sample of the same pid divided by the
// wall time in between; the first sample of a pid reports zero.
type UsageSampler struct {
	fs   procfs.FS
	now  func() time.Time
	mu   sync.Mutex
	last map[int]cpuSample
}

// NewUsageSampler opens the default proc filesystem
func NewUsageSampler() (*UsageSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return NewUsageSamplerFS(fs), nil
}

// NewUsageSamplerFS uses the given proc filesystem
func NewUsageSamplerFS(fs procfs.FS) *UsageSampler {
	return &UsageSampler{
		fs:   fs,
		now:  time.Now,
		last: make(map[int]cpuSample),
	}
}

// Sample reads current usage of pid
func (s *UsageSampler) Sample(pid int) (Usage, error) {
	proc, err := s.fs.Proc(pid)
	if err != nil {
		return Usage{}, fmt.Errorf("open process %d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return Usage{}, fmt.Errorf("read stat of %d: %w", pid, err)
	}

	now := s.now()
	cpu := stat.CPUTime()
	u := Usage{
		MemoryBytes: uint64(stat.ResidentMemory()),
		SampledAt:   now,
	}

	s.mu.Lock()
	prev, ok := s.last[pid]
	s.last[pid] = cpuSample{cpuSeconds: cpu, at: now}
	s.mu.Unlock()

	if ok {
		if wall := now.Sub(prev.at).Seconds(); wall > 0 && cpu >= prev.cpuSeconds {
			u.CPUPercent = (cpu - prev.cpuSeconds) / wall * 100
		}
	}
	return u, nil
}

// Forget drops the CPU baseline of pid
func (s *UsageSampler) Forget(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, pid)
}
